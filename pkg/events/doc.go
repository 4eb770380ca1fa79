// Package events provides an in-process pub/sub broker for build and worker
// lifecycle events, consumed by the SSE endpoint and the metrics subscriber.
package events
