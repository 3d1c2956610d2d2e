// Package telemetry wires OpenTelemetry exporters and meters for the rule
// compiler.
//
// It centralises trace provider setup and offers helpers that record sync pass
// metrics and attach engine rejection details to installation spans so
// operators can see which rules a browser engine refused.
package telemetry
