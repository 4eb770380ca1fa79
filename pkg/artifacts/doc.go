// Package artifacts implements the streaming artifact channel between
// clients, workers, and the controller's storage root. Ingest goes through
// staging files with an atomic rename, egress is chunked, and every derived
// path is contained inside the root. Credential bundles are sealed at rest
// and only ever opened through the in-memory secure reader.
package artifacts
