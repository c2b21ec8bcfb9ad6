// Package api defines the core data types shared by the workflow engine
//
// This package contains workflow instances, step execution records, the
// workflow context, status state machines, and the error taxonomy used to
// classify step failures
package api
