package outcome

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the slot when no key is configured
const DefaultRedisKey = "chatblast:outcome"

// RedisConfig contains connection settings for RedisRegister
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// The slot is a hash with fields gen and value so both move together.
var (
	resetScript = redis.NewScript(`
local g = redis.call('HINCRBY', KEYS[1], 'gen', 1)
redis.call('HSET', KEYS[1], 'value', ARGV[1])
return g
`)

	setForScript = redis.NewScript(`
local g = redis.call('HGET', KEYS[1], 'gen')
if g ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'value', ARGV[2])
return 1
`)
)

// RedisRegister keeps the slot in Redis so a confirmation agent running in
// another process can write it
type RedisRegister struct {
	client *redis.Client
	key    string
}

// NewRedisRegister connects to Redis and verifies the connection
func NewRedisRegister(ctx context.Context, cfg RedisConfig) (*RedisRegister, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisRegisterFromClient(client, cfg.Key), nil
}

// NewRedisRegisterFromClient wraps an existing client
func NewRedisRegisterFromClient(client *redis.Client, key string) *RedisRegister {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisRegister{client: client, key: key}
}

func (r *RedisRegister) Reset(ctx context.Context) (uint64, error) {
	gen, err := resetScript.Run(ctx, r.client, []string{r.key}, string(Unknown)).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to reset outcome: %w", err)
	}
	return uint64(gen), nil
}

func (r *RedisRegister) Get(ctx context.Context) (State, error) {
	vals, err := r.client.HMGet(ctx, r.key, "gen", "value").Result()
	if err != nil {
		return State{}, fmt.Errorf("failed to read outcome: %w", err)
	}

	state := State{Outcome: Unknown}
	if s, ok := vals[0].(string); ok {
		gen, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("failed to parse outcome generation: %w", err)
		}
		state.Generation = gen
	}
	if s, ok := vals[1].(string); ok && s != "" {
		state.Outcome = Outcome(s)
	}
	return state, nil
}

func (r *RedisRegister) Set(ctx context.Context, o Outcome) error {
	if err := checkWritable(o); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key, "value", string(o)).Err(); err != nil {
		return fmt.Errorf("failed to write outcome: %w", err)
	}
	return nil
}

func (r *RedisRegister) SetFor(ctx context.Context, generation uint64, o Outcome) error {
	if err := checkWritable(o); err != nil {
		return err
	}

	ok, err := setForScript.Run(ctx, r.client, []string{r.key},
		strconv.FormatUint(generation, 10), string(o)).Int64()
	if err != nil {
		return fmt.Errorf("failed to write outcome: %w", err)
	}
	if ok == 0 {
		return ErrStaleGeneration
	}
	return nil
}

// Close closes the redis client
func (r *RedisRegister) Close() error {
	return r.client.Close()
}
