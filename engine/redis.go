package engine

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/script"
)

//go:embed apply.lua
var applySource string

//go:embed peek.lua
var peekSource string

var (
	applyScript = script.New(applySource)
	peekScript  = script.New(peekSource)
)

// RedisEngine runs the algorithm as a Lua script inside Redis, which gives
// atomicity and a single clock (Redis TIME) for every caller.
//
// The script touches all keys of one identity, so on Redis Cluster they must
// hash to one slot: build them with KeysFor from a base that carries a hash
// tag, such as "{" + id + "}". Untagged keys fail there with CROSSSLOT.
type RedisEngine struct {
	client redis.Scripter
}

// NewRedisEngine creates an engine backed by Redis scripting.
func NewRedisEngine(client redis.Scripter) *RedisEngine {
	return &RedisEngine{client: client}
}

// Load installs both scripts eagerly. Calling it is optional: Apply and Peek
// load the scripts on first use.
func (e *RedisEngine) Load(ctx context.Context) error {
	if err := applyScript.Load(ctx, e.client); err != nil {
		return err
	}
	return peekScript.Load(ctx, e.client)
}

// Apply implements Engine.
func (e *RedisEngine) Apply(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	blockMillis := int64(0)
	if req.BlockFor > 0 {
		// Round up so sub-millisecond durations still block.
		blockMillis = int64(math.Ceil(float64(req.BlockFor) / 1e6))
	}

	keys := []string{req.Keys.Level, req.Keys.LastUpdated, req.Keys.Block}
	args := []any{
		formatFloat(req.Capacity), // ARGV[1]
		formatFloat(req.LeakRate), // ARGV[2]
		blockMillis,               // ARGV[3]
		formatFloat(req.Tokens),   // ARGV[4]
		int64(KeyTTL(req.Capacity, req.LeakRate).Seconds()), // ARGV[5]
	}

	res, err := applyScript.Run(ctx, e.client, keys, args...)
	if err != nil {
		log.Error().Err(err).Str("key", req.Keys.Level).Msg("bucket script execution failed")
		return Result{}, fmt.Errorf("apply bucket script for %s: %w", req.Keys.Level, err)
	}

	values, ok := res.([]any)
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("unexpected result from bucket script for %s: %v", req.Keys.Level, res)
	}
	remaining, err := parseFloat(values[0])
	if err != nil {
		return Result{}, err
	}
	level, err := parseFloat(values[1])
	if err != nil {
		return Result{}, err
	}

	started, _ := values[2].(int64)

	return Result{
		BlockRemaining: seconds(remaining),
		Level:          level,
		Started:        started == 1,
	}, nil
}

// Peek implements Engine.
func (e *RedisEngine) Peek(ctx context.Context, keys Keys, leakRate float64) (Reading, error) {
	res, err := peekScript.Run(ctx, e.client, []string{keys.Level, keys.LastUpdated, keys.Block}, formatFloat(leakRate))
	if err != nil {
		log.Error().Err(err).Str("key", keys.Level).Msg("bucket peek script execution failed")
		return Reading{}, fmt.Errorf("peek bucket script for %s: %w", keys.Level, err)
	}

	values, ok := res.([]any)
	if !ok || len(values) != 3 {
		return Reading{}, fmt.Errorf("unexpected result from peek script for %s: %v", keys.Level, res)
	}
	blocked, _ := values[0].(int64)
	remaining, err := parseFloat(values[1])
	if err != nil {
		return Reading{}, err
	}
	level, err := parseFloat(values[2])
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		Blocked:        blocked == 1,
		BlockRemaining: seconds(remaining),
		Level:          level,
	}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(v any) (float64, error) {
	switch val := v.(type) {
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("parse script value %q: %w", val, err)
		}
		return f, nil
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("unexpected script value type %T", v)
	}
}
