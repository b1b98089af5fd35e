// Package config holds the environment-driven configuration for a
// geode cluster.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable of a cluster. Zero values are filled
// in from the defaults below, so a partially populated Config is fine.
type Config struct {
	// DataDir is the directory holding every node's store file
	DataDir string `env:"GEODE_DATA_DIR" envDefault:"./data"`
	// Nodes is the node count for a fresh cluster
	Nodes int `env:"GEODE_NODES" envDefault:"2"`
	// PartitionsPerNode is the partition count for fresh nodes
	PartitionsPerNode int `env:"GEODE_PARTITIONS_PER_NODE" envDefault:"4"`
	// VirtualPoints is the consistent-hash ring's virtual point count
	// per member
	VirtualPoints int `env:"GEODE_VIRTUAL_POINTS" envDefault:"16"`
	// GrowthThreshold is the mean objects-per-partition load that
	// triggers an automatic resize
	GrowthThreshold uint64 `env:"GEODE_GROWTH_THRESHOLD" envDefault:"64"`
	// AutoResize enables the background growth evaluation
	AutoResize bool `env:"GEODE_AUTO_RESIZE" envDefault:"true"`
	// ResizeInterval is the cadence of growth evaluation
	ResizeInterval time.Duration `env:"GEODE_RESIZE_INTERVAL" envDefault:"1m"`
	// HotWindow is the sliding window over which access rates are
	// measured
	HotWindow time.Duration `env:"GEODE_HOT_WINDOW" envDefault:"1m"`
	// HotThreshold is the requests-per-window rate at which an object
	// is promoted to the hot cache
	HotThreshold int `env:"GEODE_HOT_THRESHOLD" envDefault:"1"`
	// IdleEviction is how long an object may go unaccessed before it
	// is evicted from rate tracking and the hot cache
	IdleEviction time.Duration `env:"GEODE_IDLE_EVICTION" envDefault:"15m"`
	// LogLevel is the zap log level (debug, info, warn, error)
	LogLevel string `env:"GEODE_LOG_LEVEL" envDefault:"info"`
}

// Default returns the configuration with every field at its default
func Default() Config {
	cfg, _ := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})

	return cfg
}

// FromEnv parses the configuration from the process environment
func FromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()

	if err != nil {
		return Config{}, fmt.Errorf("could not parse configuration from environment: %s", err)
	}

	return cfg, nil
}
