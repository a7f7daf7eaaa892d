package lockstep

import "time"

const (
	// DefaultBacklogDepth is the number of ticks retained behind the cursor.
	DefaultBacklogDepth = 100
	// DefaultTargetFPS drives PreSend tuning when nothing else is configured.
	DefaultTargetFPS = 38
	// DefaultControlRate is the number of frames per control tick.
	DefaultControlRate = 1
	// DefaultAsyncMaxWait bounds the async grace period for slow clients.
	DefaultAsyncMaxWait = 2000 * time.Millisecond
	// DefaultRequestRetryInterval throttles recovery requests.
	DefaultRequestRetryInterval = 2 * time.Second
	// DefaultRequestServeBurst is the per-peer burst of served control requests.
	DefaultRequestServeBurst = 4

	maxPreSend = 15
	minPreSend = 1
)

// Config tunes the lockstep engine.
type Config struct {
	// BacklogDepth is the number of ticks of packets kept behind the
	// simulation cursor to answer control requests.
	BacklogDepth int32
	// AsyncMaxWait is the async-mode grace before a tick is packed without
	// the slow clients. The effective wait is ControlRate*AsyncMaxWait/TargetFPS.
	AsyncMaxWait time.Duration
	// TargetFPS drives PreSend tuning. Values <= 0 pin PreSend to -TargetFPS.
	TargetFPS int32
	// ControlRate is the number of simulation frames per control tick.
	ControlRate int32
	// RequestRetryInterval is the minimum spacing between recovery requests.
	RequestRetryInterval time.Duration
	// RequestServeBurst caps how many control requests one peer may have
	// served back to back; the refill rate is one per RequestRetryInterval/4.
	RequestServeBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BacklogDepth:         DefaultBacklogDepth,
		AsyncMaxWait:         DefaultAsyncMaxWait,
		TargetFPS:            DefaultTargetFPS,
		ControlRate:          DefaultControlRate,
		RequestRetryInterval: DefaultRequestRetryInterval,
		RequestServeBurst:    DefaultRequestServeBurst,
	}
}

func (c Config) normalized() Config {
	if c.BacklogDepth <= 0 {
		c.BacklogDepth = DefaultBacklogDepth
	}
	if c.AsyncMaxWait < 0 {
		c.AsyncMaxWait = 0
	}
	if c.ControlRate <= 0 {
		c.ControlRate = DefaultControlRate
	}
	if c.RequestRetryInterval <= 0 {
		c.RequestRetryInterval = DefaultRequestRetryInterval
	}
	if c.RequestServeBurst <= 0 {
		c.RequestServeBurst = DefaultRequestServeBurst
	}
	return c
}

// asyncMaxWait converts the configured grace into wall time for one tick.
func (c Config) asyncMaxWait(targetFPS int32) time.Duration {
	if targetFPS <= 0 {
		return c.AsyncMaxWait
	}
	return time.Duration(c.ControlRate) * c.AsyncMaxWait / time.Duration(targetFPS)
}
