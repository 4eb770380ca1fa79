// Package queue implements atomic assignment of pending builds to polling
// workers. A claim moves the build to assigned, the worker to building, and
// mints the bootstrap OTP in a single transaction; losers of a concurrent
// claim retry a bounded number of times.
package queue
