// Package engine runs workflow instances. Each active instance is owned by a
// single actor goroutine that consumes a mailbox of step results, timers and
// control requests; step actions execute on a bounded worker pool and report
// back through that mailbox, so instance state only ever has one writer
package engine
