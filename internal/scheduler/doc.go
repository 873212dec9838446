// Package scheduler validates a set of steps into a dependency graph and runs
// it on a bounded pool of workers.
//
// A step is dispatched only after every dependency succeeded. Steps without a
// dependency relationship may run concurrently and in any order. The first
// failure stops further dispatch; steps already running are allowed to finish
// so no cache or checkout is abandoned half written, and everything not yet
// started is reported as skipped.
package scheduler
