package script

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoScript = `return {KEYS[1], ARGV[1]}`

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return server, client
}

// countingScripter records SCRIPT LOAD calls and can lie about the hash
// Redis returned, or skip the upload entirely.
type countingScripter struct {
	*redis.Client
	loads    int
	fakeSHA  string
	skipLoad bool
}

func (c *countingScripter) ScriptLoad(ctx context.Context, src string) *redis.StringCmd {
	c.loads++
	if c.fakeSHA == "" && !c.skipLoad {
		return c.Client.ScriptLoad(ctx, src)
	}
	cmd := redis.NewStringCmd(ctx, "script", "load", src)
	if c.fakeSHA != "" {
		cmd.SetVal(c.fakeSHA)
	} else {
		cmd.SetVal(New(src).Hash())
	}
	return cmd
}

func TestScript_HashIsStable(t *testing.T) {
	a := New(echoScript)
	b := New(echoScript)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 40)
	assert.NotEqual(t, a.Hash(), New(echoScript+" ").Hash())
	assert.Equal(t, echoScript, a.Source())
}

func TestScript_RunLoadsOnMiss(t *testing.T) {
	_, client := newClient(t)
	c := &countingScripter{Client: client}
	s := New(echoScript)
	ctx := context.Background()

	loaded, err := s.Loaded(ctx, c)
	require.NoError(t, err)
	assert.False(t, loaded)

	res, err := s.Run(ctx, c, []string{"k"}, "v")
	require.NoError(t, err)
	assert.Equal(t, []any{"k", "v"}, res)
	assert.Equal(t, 1, c.loads)

	// Cached now: no further loads.
	_, err = s.Run(ctx, c, []string{"k"}, "v")
	require.NoError(t, err)
	assert.Equal(t, 1, c.loads)

	loaded, err = s.Loaded(ctx, c)
	require.NoError(t, err)
	assert.True(t, loaded)
}

func TestScript_HashMismatch(t *testing.T) {
	_, client := newClient(t)
	c := &countingScripter{Client: client, fakeSHA: "0000000000000000000000000000000000000000"}
	s := New(echoScript)

	_, err := s.Run(context.Background(), c, []string{"k"}, "v")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.Equal(t, 1, c.loads)
}

func TestScript_SecondMissPropagates(t *testing.T) {
	_, client := newClient(t)
	c := &countingScripter{Client: client, skipLoad: true}
	s := New(echoScript)

	_, err := s.Run(context.Background(), c, []string{"k"}, "v")
	require.Error(t, err)
	assert.True(t, redis.HasErrorPrefix(err, "NOSCRIPT"))
	assert.Equal(t, 1, c.loads, "install must be attempted exactly once")
}

func TestScript_OtherErrorsPropagate(t *testing.T) {
	_, client := newClient(t)
	c := &countingScripter{Client: client}
	s := New(`return redis.error_reply("BOOM broken")`)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx, c))
	_, err := s.Run(ctx, c, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOOM")
	assert.Equal(t, 1, c.loads)
}

func TestScript_LoadFailsWhenServerDown(t *testing.T) {
	server, client := newClient(t)
	server.Close()

	err := New(echoScript).Load(context.Background(), client)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHashMismatch)
}
