package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate(t *testing.T) {
	var g Gate

	release, ok := g.TryPoll()
	require.True(t, ok)
	release()

	hold := g.Hold()
	_, ok = g.TryPoll()
	assert.False(t, ok, "polls must not run while an operation holds the gate")

	hold()
	hold() // second release is a no-op

	release, ok = g.TryPoll()
	require.True(t, ok)
	release()
}
