package cache

import "time"

// Config configures the property locator cache layers
type Config struct {
	// Size is the number of properties kept in process
	Size int
	// TTL bounds how long an in-process entry is trusted
	TTL time.Duration

	// RedisURL enables the shared layer when set
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	RedisTTL      time.Duration
}

// DefaultConfig returns an in-process-only configuration
func DefaultConfig() *Config {
	return &Config{
		Size:     10000,
		TTL:      5 * time.Minute,
		RedisTTL: time.Hour,
	}
}
