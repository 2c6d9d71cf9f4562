package provider

import (
	"sync"
	"time"

	"github.com/opencode-ai/proctor/internal/models"
)

// PacerConfig defines the sustained invocation rate for one provider.
type PacerConfig struct {
	// RequestsPerMinute is the sustainable rate (tokens added per minute).
	RequestsPerMinute int

	// Burst is the maximum invocations allowed back to back. Zero means 1.
	Burst int
}

// tokenBucket implements the token bucket algorithm for request pacing.
type tokenBucket struct {
	mu           sync.Mutex
	tokens       float64
	lastUpdate   time.Time
	ratePerSec   float64
	maxTokens    float64
	requestCount int64
	deniedCount  int64
}

func newTokenBucket(cfg PacerConfig) *tokenBucket {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastUpdate: time.Now(),
		ratePerSec: float64(cfg.RequestsPerMinute) / 60,
		maxTokens:  float64(burst),
	}
}

// allow checks if a request is allowed and consumes a token if so.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.requestCount++

	// Refill tokens based on elapsed time
	now := time.Now()
	elapsed := now.Sub(tb.lastUpdate).Seconds()
	tb.tokens += elapsed * tb.ratePerSec
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastUpdate = now

	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}

	tb.deniedCount++
	return false
}

// stats returns the current statistics for this bucket.
func (tb *tokenBucket) stats() (available float64, requestCount, deniedCount int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	// Refill tokens for an accurate available count
	now := time.Now()
	elapsed := now.Sub(tb.lastUpdate).Seconds()
	available = tb.tokens + elapsed*tb.ratePerSec
	if available > tb.maxTokens {
		available = tb.maxTokens
	}

	return available, tb.requestCount, tb.deniedCount
}

// Pacer spreads invocations over each provider's per-minute allowance.
// A provider without a configured rate is never paced.
type Pacer struct {
	mu      sync.RWMutex
	buckets map[models.Provider]*tokenBucket
	configs map[models.Provider]PacerConfig
	enabled bool
}

// PacerOption configures the Pacer.
type PacerOption func(*Pacer)

// WithProviderRates sets the pacing rates per provider.
func WithProviderRates(rates map[models.Provider]PacerConfig) PacerOption {
	return func(p *Pacer) {
		for provider, cfg := range rates {
			p.configs[provider] = cfg
		}
	}
}

// WithPacingEnabled enables or disables pacing entirely.
func WithPacingEnabled(enabled bool) PacerOption {
	return func(p *Pacer) {
		p.enabled = enabled
	}
}

// NewPacer creates a pacer with the given options.
func NewPacer(opts ...PacerOption) *Pacer {
	p := &Pacer{
		buckets: make(map[models.Provider]*tokenBucket),
		configs: make(map[models.Provider]PacerConfig),
		enabled: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Allow checks whether an invocation of the provider may go out now.
func (p *Pacer) Allow(provider models.Provider) bool {
	if !p.IsEnabled() {
		return true
	}

	bucket := p.getBucket(provider)
	if bucket == nil {
		// No rate configured for this provider
		return true
	}

	return bucket.allow()
}

// getBucket returns the token bucket for a provider, creating it if needed.
func (p *Pacer) getBucket(provider models.Provider) *tokenBucket {
	p.mu.RLock()
	bucket, exists := p.buckets[provider]
	p.mu.RUnlock()

	if exists {
		return bucket
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists = p.buckets[provider]; exists {
		return bucket
	}

	cfg, hasCfg := p.configs[provider]
	if !hasCfg || cfg.RequestsPerMinute <= 0 {
		return nil
	}

	bucket = newTokenBucket(cfg)
	p.buckets[provider] = bucket
	return bucket
}

// PacerStats reports pacing statistics for one provider.
type PacerStats struct {
	Provider          models.Provider
	Available         float64
	RequestsPerMinute int
	Burst             int
	TotalRequests     int64
	DeniedRequests    int64
	DeniedPercentage  float64
}

// Stats returns statistics for all configured providers.
func (p *Pacer) Stats() []PacerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var stats []PacerStats
	for provider, cfg := range p.configs {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		ps := PacerStats{
			Provider:          provider,
			RequestsPerMinute: cfg.RequestsPerMinute,
			Burst:             burst,
		}

		if bucket, exists := p.buckets[provider]; exists {
			ps.Available, ps.TotalRequests, ps.DeniedRequests = bucket.stats()
			if ps.TotalRequests > 0 {
				ps.DeniedPercentage = float64(ps.DeniedRequests) / float64(ps.TotalRequests) * 100
			}
		} else {
			ps.Available = float64(burst)
		}

		stats = append(stats, ps)
	}
	return stats
}

// SetEnabled enables or disables pacing at runtime.
func (p *Pacer) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// IsEnabled returns whether pacing is currently enabled.
func (p *Pacer) IsEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}
