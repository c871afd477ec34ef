package pacing

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixed(t *testing.T) {
	p, err := New(Config{Mode: ModeFixed, Delay: 10 * time.Second}, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 10*time.Second, p.Next())
	}

	zero, err := New(Config{Mode: ModeFixed}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), zero.Next())
}

func TestRandomBounds(t *testing.T) {
	p, err := NewRandom(5*time.Second, 15*time.Second, rand.NewSource(42))
	require.NoError(t, err)

	seenLow, seenHigh := false, false
	for i := 0; i < 10000; i++ {
		d := p.Next()
		require.GreaterOrEqual(t, d, 5*time.Second)
		require.LessOrEqual(t, d, 15*time.Second)
		if d < 6*time.Second {
			seenLow = true
		}
		if d > 14*time.Second {
			seenHigh = true
		}
	}
	assert.True(t, seenLow && seenHigh, "samples should cover the whole range")
}

func TestRandomInclusiveMax(t *testing.T) {
	// A range of two values must produce both ends
	p, err := NewRandom(time.Nanosecond, 2*time.Nanosecond, rand.NewSource(1))
	require.NoError(t, err)

	seen := map[time.Duration]bool{}
	for i := 0; i < 200; i++ {
		seen[p.Next()] = true
	}
	assert.True(t, seen[time.Nanosecond])
	assert.True(t, seen[2*time.Nanosecond])
	assert.Len(t, seen, 2)
}

func TestRandomDeterministic(t *testing.T) {
	a, err := NewRandom(time.Second, time.Minute, rand.NewSource(7))
	require.NoError(t, err)
	b, err := NewRandom(time.Second, time.Minute, rand.NewSource(7))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
}

func TestCustomFloor(t *testing.T) {
	tests := []struct {
		name string
		cfg  Custom
		want time.Duration
	}{
		{"below default floor", Custom{Delay: time.Second}, 3 * time.Second},
		{"zero", Custom{}, 3 * time.Second},
		{"above floor", Custom{Delay: 20 * time.Second}, 20 * time.Second},
		{"custom floor", Custom{Delay: time.Second, Floor: 5 * time.Second}, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Next())
		})
	}
}

func TestNewErrors(t *testing.T) {
	_, err := New(Config{Mode: "bogus"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Mode: ModeRandom, Min: 10 * time.Second, Max: 5 * time.Second}, nil)
	assert.Error(t, err)

	_, err = New(Config{Mode: ModeFixed, Delay: -time.Second}, nil)
	assert.Error(t, err)

	p, err := New(Config{Mode: ModeCustom, Delay: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultFloor, p.Next())
}
