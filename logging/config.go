package logging

import (
	"slices"
	"time"
)

// Config controls which sinks the mirror feeds and how it sheds load.
type Config struct {
	Sinks        []string
	QueueSize    int
	IgnoredTypes []string
	// OmitCodeState strips code state snapshots before records reach sinks.
	OmitCodeState bool

	JSONPath          string
	JSONFlushInterval time.Duration

	DropWarnInterval time.Duration
	// WriteAttempts bounds how often a sink write is tried before the
	// record is given up on.
	WriteAttempts int
	RetryBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Sinks:             []string{"console"},
		QueueSize:         512,
		JSONFlushInterval: 2 * time.Second,
		DropWarnInterval:  5 * time.Second,
		WriteAttempts:     3,
		RetryBackoff:      100 * time.Millisecond,
	}
}

func (c Config) Enabled(sink string) bool {
	return slices.Contains(c.Sinks, sink)
}

func (c Config) ignores(recordType string) bool {
	return slices.Contains(c.IgnoredTypes, recordType)
}
