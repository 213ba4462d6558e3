package dlq

import (
	"errors"
	"fmt"
	"time"
)

// Config holds dead-letter queue settings.
type Config struct {
	// Dir holds segment files, the replay cursor and quarantine/.
	Dir string
	// Prefix names segment files: <prefix>-<id>.seg.
	Prefix string
	// MaxBytes bounds the on-disk footprint. Spills that would exceed it are rejected.
	MaxBytes int64
	// SegmentMaxBytes triggers rotation of the active segment.
	SegmentMaxBytes int64
	// SegmentMaxAge seals a non-empty active segment after this long.
	SegmentMaxAge time.Duration
	// Retention is the age after which sealed segments are deleted, replayed or not.
	Retention time.Duration
	// JanitorInterval is how often retention is enforced.
	JanitorInterval time.Duration
	// PendingItems bounds the writer's in-memory hand-off channel.
	PendingItems int
	// GroupMaxBytes flushes a commit group once this many record bytes are pending.
	GroupMaxBytes int
	// CommitInterval is the longest a spilled item waits before its group is committed.
	CommitInterval time.Duration
	// ReplayBytesPerSecond and ReplayBurstBytes shape the replay token bucket.
	ReplayBytesPerSecond int
	ReplayBurstBytes     int
	// InterleaveRatio is the number of replayed items allowed per live enqueue.
	InterleaveRatio int
	// ReplayPollInterval is how long the governor idles when there is nothing to do.
	ReplayPollInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Dir:                  "./dlq",
		Prefix:               "dlq",
		MaxBytes:             15 << 30,
		SegmentMaxBytes:      128 << 20,
		SegmentMaxAge:        30 * time.Second,
		Retention:            72 * time.Hour,
		JanitorInterval:      time.Minute,
		PendingItems:         4096,
		GroupMaxBytes:        1 << 20,
		CommitInterval:       100 * time.Millisecond,
		ReplayBytesPerSecond: 4 << 20,
		ReplayBurstBytes:     1 << 20,
		InterleaveRatio:      1,
		ReplayPollInterval:   time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	if c.SegmentMaxBytes <= 0 {
		c.SegmentMaxBytes = d.SegmentMaxBytes
	}
	if c.SegmentMaxAge <= 0 {
		c.SegmentMaxAge = d.SegmentMaxAge
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	if c.PendingItems <= 0 {
		c.PendingItems = d.PendingItems
	}
	if c.GroupMaxBytes <= 0 {
		c.GroupMaxBytes = d.GroupMaxBytes
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = d.CommitInterval
	}
	if c.ReplayBytesPerSecond <= 0 {
		c.ReplayBytesPerSecond = d.ReplayBytesPerSecond
	}
	if c.ReplayBurstBytes <= 0 {
		c.ReplayBurstBytes = d.ReplayBurstBytes
	}
	if c.InterleaveRatio <= 0 {
		c.InterleaveRatio = d.InterleaveRatio
	}
	if c.ReplayPollInterval <= 0 {
		c.ReplayPollInterval = d.ReplayPollInterval
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("dlq dir is required")
	}
	if c.SegmentMaxBytes > 0 && c.MaxBytes > 0 && c.SegmentMaxBytes > c.MaxBytes {
		return fmt.Errorf("dlq segment_max_bytes (%d) exceeds max_bytes (%d)", c.SegmentMaxBytes, c.MaxBytes)
	}
	if c.ReplayBurstBytes < 0 || c.ReplayBytesPerSecond < 0 {
		return errors.New("dlq replay rate must not be negative")
	}
	if c.InterleaveRatio < 0 {
		return errors.New("dlq interleave_ratio must not be negative")
	}
	return nil
}
