// Package auth is the multi-tier credential authority: admin keys, per-build
// access tokens, rotating worker session tokens, single-use bootstrap OTPs,
// and guest tokens each have disjoint scopes and lifetimes. All comparisons
// are length-checked and constant-time.
package auth
