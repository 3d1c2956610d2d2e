// Package installer pushes a compiled rule list into the live filter engine.
//
// A Session issues one atomic replace per attempt: remove every previously
// installed dynamic rule, add every candidate rule. When the engine rejects
// the batch because of one named rule, that rule is dropped from the
// candidates and the batch is resubmitted, up to a fixed number of attempts.
// A rejection that names no rule, a timeout, or running out of attempts
// abandons the session; the engine then keeps whatever it held before.
//
// A Coordinator keeps at most one session in flight per engine.
package installer
