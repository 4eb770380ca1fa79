// Package security provides AES-256-GCM encryption for credential bundles
// at rest. Signing keys and provisioning profiles never touch the controller
// disk in plaintext.
package security
