package opslog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeeperDropsOldest(t *testing.T) {
	k := NewKeeper(3)
	k.Info("one")
	k.Warn("two %d", 2)
	k.Error("three")
	k.Info("four")

	entries := k.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "two 2", entries[0].Message)
	assert.Equal(t, LevelWarn, entries[0].Level)
	assert.Equal(t, "four", entries[2].Message)

	last, ok := k.Last()
	require.True(t, ok)
	assert.Equal(t, LevelInfo, last.Level)
}

func TestKeeperEmpty(t *testing.T) {
	k := NewKeeper(0)
	assert.Equal(t, 0, k.Len())
	_, ok := k.Last()
	assert.False(t, ok)
	assert.Empty(t, k.Entries())
}
