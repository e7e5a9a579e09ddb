//go:build !virtiodebug

package mmio

// DebugChecks enables the extra assertions on lock-free fast paths.
const DebugChecks = false
