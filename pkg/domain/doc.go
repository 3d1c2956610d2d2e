// Package domain defines the core types and boundaries for compiling URL
// cleaning providers into declarative network-filter rules.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no file system, HTTP, telemetry, etc.)
// - Shaped after the declarative rule objects the filter engine consumes
// - Testable in isolation without mocks
//
// Other packages (compiler, installer, engine, storage, syncer) implement or
// consume the interfaces defined here. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
