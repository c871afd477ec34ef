package outcome

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	o, err := Parse("success")
	require.NoError(t, err)
	assert.Equal(t, Success, o)

	o, err = Parse("failure")
	require.NoError(t, err)
	assert.Equal(t, Failure, o)

	_, err = Parse("unknown")
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = Parse("")
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

// registerContract runs the behaviour every Register implementation shares
func registerContract(t *testing.T, r Register) {
	ctx := context.Background()

	gen1, err := r.Reset(ctx)
	require.NoError(t, err)

	st, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Unknown, st.Outcome)
	assert.Equal(t, gen1, st.Generation)

	require.NoError(t, r.Set(ctx, Success))
	st, err = r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Success, st.Outcome)

	assert.ErrorIs(t, r.Set(ctx, Unknown), ErrInvalidOutcome)

	gen2, err := r.Reset(ctx)
	require.NoError(t, err)
	assert.Greater(t, gen2, gen1)

	st, err = r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Unknown, st.Outcome, "reset must clear the previous result")

	// A late confirmation for the previous dispatch is rejected
	assert.ErrorIs(t, r.SetFor(ctx, gen1, Failure), ErrStaleGeneration)
	st, err = r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Unknown, st.Outcome)

	require.NoError(t, r.SetFor(ctx, gen2, Failure))
	st, err = r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Failure, st.Outcome)
}

func TestMemoryRegister(t *testing.T) {
	registerContract(t, NewMemoryRegister())
}

func TestMemoryRegisterConcurrent(t *testing.T) {
	r := NewMemoryRegister()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Reset(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = r.Set(ctx, Success)
		}()
	}
	wg.Wait()

	st, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), st.Generation)
}

// Set CHATBLAST_TEST_REDIS_ADDR to run against a real server
func TestRedisRegister(t *testing.T) {
	addr := os.Getenv("CHATBLAST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATBLAST_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	key := "chatblast:test:" + t.Name()
	t.Cleanup(func() {
		client.Del(context.Background(), key)
		client.Close()
	})
	require.NoError(t, client.Del(context.Background(), key).Err())

	registerContract(t, NewRedisRegisterFromClient(client, key))
}
