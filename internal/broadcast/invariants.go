//go:build !debug

package broadcast

// strictInvariants turns invariant violations into panics. Release builds
// repair the state instead; build with -tags debug to fail fast.
const strictInvariants = false
