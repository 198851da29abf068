package flasher

import "time"

// Config holds the flash sequence configuration.
type Config struct {
	// ChunkSize is the bulk transfer size used while streaming the
	// image.
	ChunkSize int

	// Timeout bounds each individual transfer.
	Timeout time.Duration

	// Verify enables the post-write device-side checksum comparison.
	Verify bool

	// Progress, when set, is called after each phase change and
	// written chunk.
	Progress ProgressCallback
}

func defaultConfig() Config {
	return Config{
		ChunkSize: 512,
		Timeout:   time.Second,
		Verify:    true,
	}
}

// Option is a functional option for configuring a Flasher.
type Option func(*Config)

// WithChunkSize sets the bulk transfer size.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.ChunkSize = size
		}
	}
}

// WithTimeout sets the per-transfer timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.Timeout = timeout
		}
	}
}

// WithVerify enables or disables post-write verification. Default is
// enabled.
func WithVerify(verify bool) Option {
	return func(c *Config) {
		c.Verify = verify
	}
}

// WithProgress sets a progress callback.
func WithProgress(callback ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = callback
	}
}
