// Package builds implements the build lifecycle state machine. Every
// transition is checked against the forward-transition table, runs in a
// store transaction, appends a build log entry, and publishes an event.
// Terminal states are absorbing; retry creates a new build rather than
// reopening a finished one.
package builds
