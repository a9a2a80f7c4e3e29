//go:build debug

package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_RecordSentWhileRetry_Panics(t *testing.T) {
	s := NewState()
	r := BatchRange{{0, 1}}
	s.RecordSent(r, t0)
	s.MarkRetry(r)
	require.Panics(t, func() { s.RecordSent(r, t0) })
}
