//go:build debug

package broadcast

const strictInvariants = true
