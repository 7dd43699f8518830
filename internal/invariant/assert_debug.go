//go:build debug

package invariant

const debugAssertions = true
