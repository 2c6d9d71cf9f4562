// Package router selects a provider for each invocation, falling back
// from primary to secondary on saturation or live failures.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/opencode-ai/proctor/internal/budget"
	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/logging"
	"github.com/opencode-ai/proctor/internal/models"
	"github.com/opencode-ai/proctor/internal/provider"
	"github.com/opencode-ai/proctor/internal/resilience"
)

// ErrAllProvidersExhausted is returned when every candidate was skipped
// or failed. It is terminal for the attempt; callers fall back to the
// deterministic scorer instead of retrying.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// Defaults for the routing knobs.
const (
	DefaultFallbackThreshold = 0.95
	DefaultInvokeTimeout     = 45 * time.Second
)

// Invocation is one routed model call with its usage attribution.
type Invocation struct {
	// Request is the model invocation to route.
	Request *provider.Request

	// Kind labels what the tokens are spent on.
	Kind models.UsageKind

	// AgentID attributes the consumption to an agent (optional).
	AgentID string

	// AttemptID ties the consumption to an attempt (optional).
	AttemptID string
}

// Result is a routed invocation's outcome.
type Result struct {
	// Text is the completion.
	Text string

	// Provider is the candidate that served the invocation.
	Provider models.Provider

	// Model is the model that served it.
	Model string

	// InputTokens, OutputTokens and TotalTokens are the actual usage.
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// Options tunes the router.
type Options struct {
	// Order lists candidates, primary first.
	Order []models.Provider

	// FallbackThreshold is the ledger fill ratio at which a candidate
	// is skipped. Zero means 0.95.
	FallbackThreshold float64

	// InvokeTimeout bounds one invocation. Zero means 45s.
	InvokeTimeout time.Duration
}

// Router walks the candidate list and invokes the first provider that
// is below its fallback threshold, has a closed breaker and a pacing
// token. Actual token usage is recorded on success.
type Router struct {
	ledger   budget.Ledger
	registry *provider.Registry
	pacer    *provider.Pacer
	breakers map[models.Provider]*resilience.Breaker
	opts     Options
	logger   zerolog.Logger
}

// New creates a router over the given candidates.
func New(ledger budget.Ledger, registry *provider.Registry, pacer *provider.Pacer, opts Options) *Router {
	if opts.FallbackThreshold <= 0 {
		opts.FallbackThreshold = DefaultFallbackThreshold
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeTimeout
	}

	logger := logging.Component("router")
	breakers := make(map[models.Provider]*resilience.Breaker, len(opts.Order))
	for _, name := range opts.Order {
		cfg := resilience.DefaultBreakerConfig(string(name))
		cfg.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Info().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("breaker state changed")
		}
		breakers[name] = resilience.NewBreaker(cfg)
	}

	return &Router{
		ledger:   ledger,
		registry: registry,
		pacer:    pacer,
		breakers: breakers,
		opts:     opts,
		logger:   logger,
	}
}

// Order returns the candidate providers, primary first.
func (r *Router) Order() []models.Provider {
	out := make([]models.Provider, len(r.opts.Order))
	copy(out, r.opts.Order)
	return out
}

// BreakerState returns the live-failure state for a candidate.
func (r *Router) BreakerState(name models.Provider) gobreaker.State {
	if breaker, ok := r.breakers[name]; ok {
		return breaker.State()
	}
	return gobreaker.StateClosed
}

// SelectAndInvoke routes the invocation to the first eligible candidate.
// Every candidate skipped or failed returns ErrAllProvidersExhausted.
func (r *Router) SelectAndInvoke(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv == nil || inv.Request == nil {
		return nil, fmt.Errorf("invocation request is required")
	}

	var lastErr error
	for _, name := range r.opts.Order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		invoker := r.registry.Get(name)
		if invoker == nil {
			r.logger.Warn().Str("provider", string(name)).Msg("candidate has no registered invoker")
			continue
		}

		if r.saturated(ctx, name) {
			continue
		}
		if breaker := r.breakers[name]; breaker != nil && breaker.State() == gobreaker.StateOpen {
			r.logger.Debug().Str("provider", string(name)).Msg("candidate skipped: breaker open")
			continue
		}
		if r.pacer != nil && !r.pacer.Allow(name) {
			r.logger.Debug().Str("provider", string(name)).Msg("candidate skipped: pacing")
			continue
		}

		resp, err := r.invokeThrough(ctx, name, invoker, inv.Request)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("provider", string(name)).
				Msg("invocation failed, trying next candidate")
			lastErr = err
			continue
		}

		r.recordUsage(ctx, name, inv, resp)

		return &Result{
			Text:         resp.Text,
			Provider:     name,
			Model:        resp.Model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.Total(),
		}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last candidate error: %v", ErrAllProvidersExhausted, lastErr)
	}
	return nil, ErrAllProvidersExhausted
}

// saturated reports whether the candidate's monthly budget is past the
// fallback threshold. A provider without an account is not governed and
// never saturates.
func (r *Router) saturated(ctx context.Context, name models.Provider) bool {
	fraction, err := r.ledger.UsageFraction(ctx, name)
	if err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			return false
		}
		r.logger.Warn().Err(err).Str("provider", string(name)).Msg("failed to read usage fraction")
		return false
	}
	if fraction >= r.opts.FallbackThreshold {
		r.logger.Debug().
			Str("provider", string(name)).
			Float64("fraction", fraction).
			Msg("candidate skipped: budget saturated")
		return true
	}
	return false
}

func (r *Router) invokeThrough(ctx context.Context, name models.Provider, invoker provider.Invoker, req *provider.Request) (*provider.Response, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, r.opts.InvokeTimeout)
	defer cancel()

	breaker := r.breakers[name]
	if breaker == nil {
		return invoker.Invoke(invokeCtx, req)
	}

	result, err := breaker.Execute(func() (any, error) {
		return invoker.Invoke(invokeCtx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

// recordUsage books the actual tokens of a served invocation. The
// completion is already in hand, so a failed write is logged rather
// than failing the call.
func (r *Router) recordUsage(ctx context.Context, name models.Provider, inv *Invocation, resp *provider.Response) {
	record := &models.UsageRecord{
		Provider:     name,
		AgentID:      inv.AgentID,
		AttemptID:    inv.AttemptID,
		Kind:         inv.Kind,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.Total(),
	}
	if err := r.ledger.RecordUsage(ctx, record); err != nil {
		r.logger.Error().
			Err(err).
			Str("provider", string(name)).
			Int64("tokens", record.TotalTokens).
			Msg("failed to record invocation usage")
	}
}
