package wire

import "time"

const (
	defaultMaxFrameBytes  = 10 << 20 // §4.8 step 1
	defaultMaxQueueLength = 1000
	defaultWait           = 100 * time.Millisecond
	defaultFindClosestK   = 3
	outboundPacing        = 10 * time.Millisecond
)

// Config configures a Wire instance. Zero values are replaced with their
// defaults by setDefaults.
type Config struct {
	SelfID         string
	MaxFrameBytes  int
	MaxQueueLength int
	Secure         bool
	Wait           time.Duration
	FindClosestK   int
}

func (c *Config) setDefaults() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = defaultMaxQueueLength
	}
	if c.Wait <= 0 {
		c.Wait = defaultWait
	}
	if c.FindClosestK <= 0 {
		c.FindClosestK = defaultFindClosestK
	}
}
