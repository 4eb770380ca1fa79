// Package storage persists controller state (builds, workers, build logs,
// tokens) in a single sqlite database accessed through gorm. All multi-row
// mutations run inside transactions; the claim primitive uses gated updates
// so concurrent claimers cannot assign the same build twice.
package storage
