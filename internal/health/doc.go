// Package health provides liveness and readiness probes and the handlers
// that expose them on the admin listener.
//
// Probes compose with [All]. [Fixed] and [CheckFunc] build leaves.
// [ShutdownGate] starts closed while listeners come up and is closed again
// on shutdown so readiness fails before the listeners drain.
package health
