// Package sweeper runs the periodic staleness sweep: workers whose
// last-seen timestamp is past the threshold are marked offline, their
// in-progress builds return to the queue, and expired token records are
// cleaned up.
package sweeper
