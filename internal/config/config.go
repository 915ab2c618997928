// Package config holds the settings shared by cmd/server and cmd/client.
package config

import (
	"errors"
	"fmt"
	"time"

	"e2e_callkey/internal/protocol/recovery"
	"e2e_callkey/internal/protocol/rotation"
)

type (
	Config struct {
		CallID    string
		Rotation  Rotation
		Recovery  Recovery
		Directory Directory
		Redis     Redis
		Mongo     Mongo
		Server    Server
		Log       Log
	}

	Rotation struct {
		Period            time.Duration
		PropagationMargin time.Duration
		LookupAttempts    int
		LookupBackoff     time.Duration
	}

	Recovery struct {
		Timeout     time.Duration
		MaxAttempts int
		Backoff     time.Duration
		Cooldown    time.Duration
	}

	Directory struct {
		URL      string
		CacheTTL time.Duration
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Mongo struct {
		URI      string
		Database string
	}

	Server struct {
		Addr       string
		OfflineTTL time.Duration
	}

	Log struct {
		Level string
		Dev   bool
	}
)

func Default() Config {
	return Config{
		Rotation: Rotation{
			Period:            5 * time.Minute,
			PropagationMargin: 3 * time.Second,
			LookupAttempts:    3,
			LookupBackoff:     200 * time.Millisecond,
		},
		Recovery: Recovery{
			Timeout:     3 * time.Second,
			MaxAttempts: 3,
			Backoff:     500 * time.Millisecond,
			Cooldown:    5 * time.Second,
		},
		Directory: Directory{
			URL:      "http://localhost:9090",
			CacheTTL: 10 * time.Minute,
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		Mongo: Mongo{
			URI:      "mongodb://localhost:27017",
			Database: "callkey",
		},
		Server: Server{
			Addr:       "localhost:9090",
			OfflineTTL: time.Minute,
		},
		Log: Log{
			Level: "info",
		},
	}
}

var ErrInvalid = errors.New("config: invalid")

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Rotation.Period > 0, "rotation period must be positive")
	check(c.Rotation.PropagationMargin >= 0, "propagation margin must not be negative")
	check(c.Rotation.PropagationMargin < c.Rotation.Period,
		"propagation margin %s must be shorter than rotation period %s", c.Rotation.PropagationMargin, c.Rotation.Period)
	check(c.Rotation.LookupAttempts >= 1, "lookup attempts must be at least 1")
	check(c.Recovery.Timeout > 0, "recovery timeout must be positive")
	check(c.Recovery.MaxAttempts >= 1, "recovery attempts must be at least 1")
	check(c.Recovery.Backoff >= 0, "recovery backoff must not be negative")
	check(c.Recovery.Cooldown >= 0, "recovery cooldown must not be negative")
	check(c.Directory.CacheTTL >= 0, "directory cache ttl must not be negative")

	return errors.Join(errs...)
}

func (r Rotation) HostConfig() rotation.Config {
	return rotation.Config{
		Period:            r.Period,
		PropagationMargin: r.PropagationMargin,
		LookupAttempts:    r.LookupAttempts,
		LookupBackoff:     r.LookupBackoff,
	}
}

func (r Recovery) ControllerConfig() recovery.Config {
	return recovery.Config{
		Timeout:     r.Timeout,
		MaxAttempts: r.MaxAttempts,
		Backoff:     r.Backoff,
	}
}
