// ABOUTME: Dispatcher routes completion requests to a configured provider variant.
// ABOUTME: Each provider is wrapped with a rate limiter and a circuit breaker; nothing is retried here.

package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/failure"
)

// Options tune how the dispatcher guards a single provider.
type Options struct {
	// HistoryTurns caps how many prior messages the provider sees. Zero sends none.
	HistoryTurns int

	// RequestsPerSecond limits outgoing calls. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures consecutive retryable failures open the circuit for
	// BreakerCooldown. Zero disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type entry struct {
	provider     Provider
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker
	historyTurns int
}

// Dispatcher selects a provider per request and normalizes its result.
type Dispatcher struct {
	entries   map[string]*entry
	def       string
	allowHint bool
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher whose default provider is def. When
// allowHint is set, a request naming a provider is routed to it.
func NewDispatcher(def string, allowHint bool, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		entries:   make(map[string]*entry),
		def:       def,
		allowHint: allowHint,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Register adds p under p.Name(), replacing any provider with the same name.
func (d *Dispatcher) Register(p Provider, opts Options) {
	e := &entry{provider: p, historyTurns: opts.HistoryTurns}

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	if opts.BreakerFailures > 0 {
		threshold := opts.BreakerFailures
		logger := d.logger
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 1,
			Timeout:     opts.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("provider circuit changed", "provider", name, "from", from.String(), "to", to.String())
			},
			// A rejected request says nothing about provider health.
			IsSuccessful: func(err error) bool {
				return err == nil || failure.IsPermanent(err)
			},
		})
	}

	d.entries[p.Name()] = e
}

// Providers lists registered provider names in sorted order.
func (d *Dispatcher) Providers() []string {
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the name of the default provider.
func (d *Dispatcher) Default() string { return d.def }

// BreakerStates reports the circuit state of every guarded provider.
func (d *Dispatcher) BreakerStates() map[string]string {
	states := make(map[string]string)
	for name, e := range d.entries {
		if e.breaker != nil {
			states[name] = e.breaker.State().String()
		}
	}
	return states
}

// Select resolves the provider for a hint. An empty or ignored hint yields
// the default; a hint naming an unregistered provider is a validation error.
func (d *Dispatcher) Select(hint string) (string, error) {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" || !d.allowHint {
		if _, ok := d.entries[d.def]; !ok {
			return "", failure.Validation(fmt.Sprintf("default provider %q is not configured", d.def), nil)
		}
		return d.def, nil
	}
	if _, ok := d.entries[hint]; !ok {
		return "", failure.Validation(fmt.Sprintf("provider %q is not configured", hint), nil)
	}
	return hint, nil
}

// Dispatch runs req against the selected provider. Errors are always
// classified; anything a provider left unclassified is treated as transient.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*envelope.Completion, error) {
	name, err := d.Select(req.Provider)
	if err != nil {
		return nil, err
	}
	e := d.entries[name]

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, failure.Transient(name+" rate limit wait", err)
		}
	}

	scoped := &Request{
		History:  Last(req.History, e.historyTurns),
		Message:  req.Message,
		Provider: name,
	}

	start := time.Now()
	resp, err := d.call(ctx, e, scoped)
	if err != nil {
		d.logger.Warn("completion failed",
			"provider", name,
			"code", failure.Code(err),
			"duration", time.Since(start),
			"error", err,
		)
		return nil, err
	}

	d.logger.Debug("completion finished",
		"provider", name,
		"model", resp.Model,
		"total_tokens", resp.Usage.TotalTokens,
		"duration", time.Since(start),
	)
	return resp.Completion(name), nil
}

func (d *Dispatcher) call(ctx context.Context, e *entry, req *Request) (*Response, error) {
	generate := func() (*Response, error) {
		resp, err := e.provider.Generate(ctx, req)
		if err != nil {
			return nil, classify(req.Provider, err)
		}
		if resp == nil || strings.TrimSpace(resp.Text) == "" {
			return nil, Empty(req.Provider, "")
		}
		return resp, nil
	}

	if e.breaker == nil {
		return generate()
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		return generate()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, failure.Transient(req.Provider+" circuit open", err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

func classify(provider string, err error) error {
	var c failure.Classified
	if errors.As(err, &c) {
		return err
	}
	return Unavailable(provider, err)
}
