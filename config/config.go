package config

type Config struct {
	// ScanSchedule is a cron expression controlling background rescans.
	ScanSchedule string `yaml:"scan_schedule,omitempty"`
	// StatusAddress is the listen address of the read-only status API.
	StatusAddress string `yaml:"status,omitempty"`
	// FlashChunkSize is the bulk transfer size used while flashing.
	FlashChunkSize int `yaml:"flash_chunk_size,omitempty"`
	// TransferTimeoutMS bounds individual USB transfers.
	TransferTimeoutMS int `yaml:"transfer_timeout_ms,omitempty"`
	// History enables the on-disk device sighting and flash journal.
	History bool `yaml:"history,omitempty"`
}

const (
	DefaultScanSchedule      = "@every 10s"
	DefaultFlashChunkSize    = 512
	DefaultTransferTimeoutMS = 1000
)

// WithDefaults fills zero-valued fields so callers never see an
// unusable config.
func (c *Config) WithDefaults() *Config {
	if c.ScanSchedule == "" {
		c.ScanSchedule = DefaultScanSchedule
	}
	if c.FlashChunkSize == 0 {
		c.FlashChunkSize = DefaultFlashChunkSize
	}
	if c.TransferTimeoutMS == 0 {
		c.TransferTimeoutMS = DefaultTransferTimeoutMS
	}
	return c
}
