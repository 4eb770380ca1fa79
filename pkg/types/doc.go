// Package types defines the shared entities of the build controller:
// builds, workers, log entries, token records, and the error kinds that
// cross package boundaries.
package types
