// Package script installs Lua routines into Redis by content hash and invokes
// them, loading the source on a cache miss.
package script

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrHashMismatch is returned when Redis reports a different SHA-1 for the
// uploaded source than the one computed locally.
var ErrHashMismatch = errors.New("script: loaded script hash does not match expected hash")

// Script is a Lua routine identified by the SHA-1 of its source.
// The hash is computed once at construction and never changes.
type Script struct {
	src  string
	hash string
}

// New creates a Script for the given Lua source.
func New(src string) *Script {
	sum := sha1.Sum([]byte(src))
	return &Script{
		src:  src,
		hash: hex.EncodeToString(sum[:]),
	}
}

// Hash returns the hex SHA-1 of the script source.
func (s *Script) Hash() string {
	return s.hash
}

// Source returns the Lua source.
func (s *Script) Source() string {
	return s.src
}

// Run invokes the script with EVALSHA. If Redis does not know the script yet,
// it is uploaded, its hash verified, and the invocation retried exactly once.
// Any other error is returned unchanged.
func (s *Script) Run(ctx context.Context, c redis.Scripter, keys []string, args ...any) (any, error) {
	res, err := c.EvalSha(ctx, s.hash, keys, args...).Result()
	if !isNoScript(err) {
		return res, err
	}

	log.Debug().Str("sha", s.hash).Msg("script not cached in redis, loading")
	if err := s.Load(ctx, c); err != nil {
		return nil, err
	}

	return c.EvalSha(ctx, s.hash, keys, args...).Result()
}

// Load uploads the source with SCRIPT LOAD and verifies the hash Redis
// computed for it. Loading the same source twice is harmless.
func (s *Script) Load(ctx context.Context, c redis.Scripter) error {
	sha, err := c.ScriptLoad(ctx, s.src).Result()
	if err != nil {
		log.Error().Err(err).Str("sha", s.hash).Msg("failed to load script")
		return fmt.Errorf("script load failed: %w", err)
	}
	if !strings.EqualFold(sha, s.hash) {
		log.Error().Str("expected", s.hash).Str("got", sha).Msg("script hash mismatch after load")
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, s.hash, sha)
	}
	return nil
}

// Loaded reports whether Redis has the script cached.
func (s *Script) Loaded(ctx context.Context, c redis.Scripter) (bool, error) {
	exists, err := c.ScriptExists(ctx, s.hash).Result()
	if err != nil {
		return false, fmt.Errorf("script exists failed: %w", err)
	}
	return len(exists) == 1 && exists[0], nil
}

func isNoScript(err error) bool {
	if err == nil {
		return false
	}
	return redis.HasErrorPrefix(err, "NOSCRIPT")
}
