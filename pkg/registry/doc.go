// Package registry owns worker records: registration, heartbeat via session
// token rotation, graceful unregistration, and the offline transition used
// by the staleness sweep.
package registry
