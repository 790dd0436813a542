// Package config loads throttle policies and store settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/toolink/throttle/engine"
	"github.com/toolink/throttle/redlock"
	"github.com/toolink/throttle/throttle"
)

// Engine types
const (
	EngineScript = "script"
	EngineLock   = "lock"
	EngineMemory = "memory"
)

// LimitBy types
const (
	LimitByIP       = "ip"
	LimitByDeviceID = "device_id"
	LimitByUserID   = "user_id"
)

var validLimitBy = map[string]bool{
	LimitByIP:       true,
	LimitByDeviceID: true,
	LimitByUserID:   true,
}

// Redis holds the connection settings of the shared store.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Protocol int    `yaml:"protocol"` // RESP version, 0 lets the client pick
}

// Policy is one named throttle.
type Policy struct {
	Name     string        `yaml:"name"`
	Limit    float64       `yaml:"limit"`     // bucket capacity in tokens
	Period   time.Duration `yaml:"period"`    // time for a full bucket to drain
	BlockFor time.Duration `yaml:"block_for"` // lockout on overflow, 0 disables
	// Method restricts the policy to gRPC methods, matched exactly or as a
	// regex when IsRegex is set. Empty matches every method.
	Method  string   `yaml:"method"`
	IsRegex bool     `yaml:"is_regex"`
	LimitBy []string `yaml:"limit_by"` // discriminators, in order

	compiledRegex *regexp.Regexp
}

// Throttle returns the throttle configuration of the policy.
func (p *Policy) Throttle() throttle.Config {
	return throttle.Config{
		Name:     p.Name,
		Limit:    p.Limit,
		Period:   p.Period,
		BlockFor: p.BlockFor,
	}
}

// Matches reports whether the policy applies to a full gRPC method name.
func (p *Policy) Matches(method string) bool {
	switch {
	case p.Method == "":
		return true
	case p.IsRegex:
		return p.compiledRegex != nil && p.compiledRegex.MatchString(method)
	default:
		return p.Method == method
	}
}

// Config holds the overall throttle configuration.
type Config struct {
	Engine   string   `yaml:"engine"` // "script", "lock" or "memory"
	Redis    Redis    `yaml:"redis"`
	Policies []Policy `yaml:"throttles"`
}

// Load reads and validates a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Engine: EngineScript}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateAndPrepare validates the raw config and prepares internal fields.
func (c *Config) ValidateAndPrepare() error {
	switch c.Engine {
	case EngineScript, EngineLock, EngineMemory:
	default:
		return fmt.Errorf("invalid engine: %s, must be '%s', '%s' or '%s'", c.Engine, EngineScript, EngineLock, EngineMemory)
	}
	if c.Engine != EngineMemory && c.Redis.Addr == "" {
		return fmt.Errorf("engine '%s' requires redis.addr", c.Engine)
	}

	if len(c.Policies) == 0 {
		log.Warn().Msg("no throttles defined in config")
	}

	seen := make(map[string]bool)
	for i := range c.Policies {
		p := &c.Policies[i]

		if seen[p.Name] {
			return fmt.Errorf("duplicate throttle definition found: %s", p.Name)
		}
		seen[p.Name] = true

		if err := p.Prepare(); err != nil {
			return err
		}
	}
	return nil
}

// Prepare validates a single policy and compiles its method regex. Policies
// built in code rather than loaded from YAML must be prepared before Matches
// can match a regex.
func (p *Policy) Prepare() error {
	if err := p.Throttle().Validate(); err != nil {
		return fmt.Errorf("throttle '%s': %w", p.Name, err)
	}

	p.compiledRegex = nil
	if p.IsRegex {
		re, err := regexp.Compile(p.Method)
		if err != nil {
			return fmt.Errorf("failed to compile regex for throttle '%s': %w", p.Name, err)
		}
		p.compiledRegex = re
	}

	for _, lb := range p.LimitBy {
		if !validLimitBy[lb] {
			return fmt.Errorf("throttle '%s' has invalid limit_by type: '%s'", p.Name, lb)
		}
	}
	return nil
}

// Policy looks up a throttle by name.
func (c *Config) Policy(name string) (*Policy, bool) {
	for i := range c.Policies {
		if c.Policies[i].Name == name {
			return &c.Policies[i], true
		}
	}
	return nil, false
}

// NewRedisClient connects to the configured Redis. It returns nil for the
// memory engine.
func (c *Config) NewRedisClient() *redis.Client {
	if c.Engine == EngineMemory {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Protocol: c.Redis.Protocol,
	})
}

// NewEngine builds the configured engine on top of client, which may be nil
// for the memory engine.
func (c *Config) NewEngine(client redis.UniversalClient, lockOpts ...redlock.Option) (engine.Engine, error) {
	switch c.Engine {
	case EngineMemory:
		return engine.NewMemoryEngine(), nil
	case EngineScript, EngineLock:
		if client == nil {
			return nil, fmt.Errorf("engine '%s' requires a redis client", c.Engine)
		}
		if c.Engine == EngineLock {
			return engine.NewLockingEngine(client, lockOpts...), nil
		}
		return engine.NewRedisEngine(client), nil
	default:
		return nil, fmt.Errorf("invalid engine: %s", c.Engine)
	}
}
