package pipeline

import "time"

// Config for control and data pipelines.
type Config struct {
	// StallTimeout is how long waits for the target timeframe tolerate no progress.
	StallTimeout time.Duration `mapstructure:"stall-timeout"`
	// ChainRetryBudget is how many times a credential with a pending chain is retried
	// before it is dropped.
	ChainRetryBudget int           `mapstructure:"chain-retry-budget"`
	RetryInterval    time.Duration `mapstructure:"retry-interval"`
	// BatchSize limits messages applied per tick.
	BatchSize int `mapstructure:"batch-size"`
}

// DefaultConfig for pipelines.
func DefaultConfig() Config {
	return Config{
		StallTimeout:     30 * time.Second,
		ChainRetryBudget: 10,
		RetryInterval:    time.Second,
		BatchSize:        256,
	}
}
