package id

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAt_EmbedsTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	u, err := ulid.ParseStrict(NewAt(at))
	require.NoError(t, err)
	assert.True(t, ulid.Time(u.Time()).Equal(at))
}

func TestNewAt_SortsByTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := NewAt(at)
	b := NewAt(at.Add(time.Millisecond))
	assert.Less(t, a, b)
	assert.Len(t, a, 26)
}
