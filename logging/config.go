package logging

import (
	"slices"
	"time"
)

// Sink names understood by the node's wiring.
const (
	SinkConsole = "console"
	SinkJSON    = "json"
)

// Config tunes the router and its sinks.
type Config struct {
	EnabledSinks     []string
	BufferSize       int
	MinimumSeverity  Severity
	Fields           map[string]any
	JSON             JSONConfig
	Console          ConsoleConfig
	DropWarnInterval time.Duration
}

// JSONConfig tunes the newline-delimited event file.
type JSONConfig struct {
	FilePath string
	// MaxBatch flushes after this many buffered records.
	MaxBatch int
	// FlushInterval flushes a partial batch; zero flushes every record.
	FlushInterval time.Duration
}

type ConsoleConfig struct {
	// ShowDebug keeps per-tick debug events (control.ready, duplicates) on
	// the console; they are noisy at high tick rates.
	ShowDebug bool
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{SinkConsole},
		BufferSize:       1024,
		MinimumSeverity:  SeverityDebug,
		DropWarnInterval: 5 * time.Second,
		JSON: JSONConfig{
			MaxBatch:      32,
			FlushInterval: 2 * time.Second,
		},
	}
}

// EnableJSON turns on the JSON sink writing to path.
func (c *Config) EnableJSON(path string) {
	c.JSON.FilePath = path
	if !c.HasSink(SinkJSON) {
		c.EnabledSinks = append(c.EnabledSinks, SinkJSON)
	}
}

func (c Config) HasSink(name string) bool {
	return slices.Contains(c.EnabledSinks, name)
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}
