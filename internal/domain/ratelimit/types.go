// Package ratelimit provides admission control for agent and
// provider traffic: dual-dimension token buckets with FIFO waiters,
// and a GCRA limiter for per-connection frame admission.
package ratelimit

import (
	"fmt"
	"time"
)

// BucketConfig defines the two-dimensional budget for one key:
// request count and LLM token count, each with a per-minute rate and
// a burst ceiling.
type BucketConfig struct {
	// RequestsPerMinute is the sustained request admission rate.
	RequestsPerMinute int
	// TokensPerMinute is the sustained LLM-token admission rate.
	TokensPerMinute int
	// MaxBurstRequests caps accumulated request credit.
	MaxBurstRequests int
	// MaxBurstTokens caps accumulated token credit.
	MaxBurstTokens int
}

// DefaultBucketConfig is applied when a key has no explicit config.
var DefaultBucketConfig = BucketConfig{
	RequestsPerMinute: 60,
	TokensPerMinute:   90_000,
	MaxBurstRequests:  10,
	MaxBurstTokens:    16_000,
}

// normalized fills zero fields from defaults and keeps bursts at
// least one admission wide.
func (c BucketConfig) normalized() BucketConfig {
	d := DefaultBucketConfig
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = d.RequestsPerMinute
	}
	if c.TokensPerMinute <= 0 {
		c.TokensPerMinute = d.TokensPerMinute
	}
	if c.MaxBurstRequests <= 0 {
		c.MaxBurstRequests = d.MaxBurstRequests
	}
	if c.MaxBurstTokens <= 0 {
		c.MaxBurstTokens = d.MaxBurstTokens
	}
	return c
}

// State is a point-in-time snapshot of one bucket.
type State struct {
	Key           string       `json:"key"`
	RequestTokens float64      `json:"request_tokens"`
	TokenBudget   float64      `json:"token_budget"`
	Pending       int          `json:"pending"`
	LastRefill    time.Time    `json:"last_refill"`
	Config        BucketConfig `json:"config"`
}

// KeyType identifies the dimension a rate limit key belongs to.
type KeyType string

const (
	// KeyTypeAgent limits one agent's traffic.
	KeyTypeAgent KeyType = "agent"
	// KeyTypeProvider limits traffic to one LLM provider.
	KeyTypeProvider KeyType = "provider"
	// KeyTypeConnection limits one stream connection's frames.
	KeyTypeConnection KeyType = "conn"
)

// FormatKey returns a structured rate limit key,
// "ratelimit:{type}:{value}".
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("ratelimit:%s:%s", keyType, value)
}
