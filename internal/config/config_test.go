package config_test

import (
	"errors"
	"testing"
	"time"

	"e2e_callkey/internal/config"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Rotation.Period != 5*time.Minute || cfg.Rotation.PropagationMargin != 3*time.Second {
		t.Fatalf("unexpected rotation defaults %+v", cfg.Rotation)
	}
	if hc := cfg.Rotation.HostConfig(); hc.Period != cfg.Rotation.Period {
		t.Fatalf("HostConfig = %+v", hc)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := map[string]func(*config.Config){
		"zero period":          func(c *config.Config) { c.Rotation.Period = 0 },
		"margin beyond period": func(c *config.Config) { c.Rotation.PropagationMargin = 10 * time.Minute },
		"no lookup attempts":   func(c *config.Config) { c.Rotation.LookupAttempts = 0 },
		"zero recovery wait":   func(c *config.Config) { c.Recovery.Timeout = 0 },
		"no recovery attempts": func(c *config.Config) { c.Recovery.MaxAttempts = 0 },
		"negative cooldown":    func(c *config.Config) { c.Recovery.Cooldown = -time.Second },
	}
	for name, mutate := range cases {
		cfg := config.Default()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, config.ErrInvalid) {
			t.Fatalf("%s: got %v, want ErrInvalid", name, err)
		}
	}
}
