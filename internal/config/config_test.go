package config

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/tjdasso/dfk/internal/exec"
)

func poolNamed(t *testing.T, label string) exec.Executor {
	t.Helper()
	pool, err := exec.NewPoolExecutor(exec.PoolConfig{Label: label, Logger: hclog.NewNullLogger()})
	must.NoError(t, err)
	return pool
}

func validConfig(t *testing.T) *Config {
	cfg := Default()
	cfg.Executors = []exec.Executor{poolNamed(t, "local")}
	return cfg
}

func TestConfig_ValidOK(t *testing.T) {
	cfg := validConfig(t)
	cfg.Normalize()
	must.NoError(t, cfg.Validate())
}

func TestConfig_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no executors", func(c *Config) { c.Executors = nil }},
		{"reserved label", func(c *Config) {
			c.Executors = []exec.Executor{poolNamed(t, "data_manager")}
		}},
		{"duplicate labels", func(c *Config) {
			c.Executors = append(c.Executors, poolNamed(t, "local"))
		}},
		{"negative retries", func(c *Config) { c.Retries = -1 }},
		{"bad checkpoint mode", func(c *Config) { c.CheckpointMode = "sometimes" }},
		{"bad strategy", func(c *Config) { c.Strategy = "psychic" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			var cerr *ConfigurationError
			must.True(t, errors.As(err, &cerr))
		})
	}
}

func TestConfig_RejectsBadParallelism(t *testing.T) {
	pool, err := exec.NewPoolExecutor(exec.PoolConfig{
		Label:    "local",
		Logger:   hclog.NewNullLogger(),
		Provider: &exec.Provider{MinBlocks: 0, MaxBlocks: 1, NodesPerBlock: 1, Parallelism: 2},
	})
	must.NoError(t, err)

	cfg := Default()
	cfg.Executors = []exec.Executor{pool}
	err = cfg.Validate()
	var cerr *ConfigurationError
	must.True(t, errors.As(err, &cerr))
}

func TestConfig_NormalizeDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()
	must.Eq(t, "runinfo", cfg.RunDir)
	must.Eq(t, CheckpointOff, cfg.CheckpointMode)
	must.Eq(t, "simple", cfg.Strategy)
	must.Eq(t, 10, cfg.DataManagementMaxThreads)
	must.Positive(t, cfg.StrategyInterval)
	must.Positive(t, cfg.MaxIdleTime)
}
