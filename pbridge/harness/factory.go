package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/config"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/harness/adapters"
	ports "github.com/ZanzyTHEbar/prompt-bridge/pbridge/harness/ports"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/policy"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/registry"
)

const (
	minActionChainLength = 1
	maxActionChainLength = 100
)

// Factory creates and wires bridge components from configuration.
type Factory struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// NewFactory creates a new factory.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// NewLogger builds the zerolog logger described by cfg. Unknown levels fall back to info.
func NewLogger(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// CreateRegistry creates an empty registry using the configured default tool timeout.
func (f *Factory) CreateRegistry() *registry.Registry {
	return registry.New(
		registry.WithDefaultTimeout(f.cfg.Bridge.DefaultToolTimeout),
		registry.WithLogger(f.logger.With().Str("component", "registry").Logger()),
	)
}

// CreatePolicyManager creates a manager holding the configured user policies.
func (f *Factory) CreatePolicyManager() (*policy.Manager, error) {
	m := policy.NewManager()
	if err := f.ApplyPolicies(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ApplyPolicies brings m in line with the configured policies: missing ones are
// added and each configured policy is activated or deactivated as declared.
// Policies that only exist in m are left alone.
func (f *Factory) ApplyPolicies(m *policy.Manager) error {
	var errs []error
	for _, pc := range f.cfg.Policies {
		if m.IsSystem(pc.Name) {
			errs = append(errs, fmt.Errorf("policy %q: %w: name is reserved for a system policy", pc.Name, policy.ErrExists))
			continue
		}
		if _, ok := m.Get(pc.Name); !ok {
			err := m.Add(policy.Policy{Name: pc.Name, Description: pc.Description, Rule: pc.Rule, Tags: pc.Tags})
			if err != nil {
				errs = append(errs, fmt.Errorf("policy %q: %w", pc.Name, err))
				continue
			}
		}

		switch active := m.IsActive(pc.Name); {
		case pc.Active && !active:
			if err := m.Activate(pc.Name); err != nil {
				errs = append(errs, err)
			}
		case !pc.Active && active:
			if err := m.Deactivate(pc.Name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if dropped := m.Reconcile(); len(dropped) > 0 {
		f.logger.Warn().Strs("policies", dropped).Msg("Dropped active references to missing policies")
	}
	return errors.Join(errs...)
}

// CreateOrchestrator creates a fully wired Orchestrator from config.
// The model adapter may be nil and injected later.
func (f *Factory) CreateOrchestrator(adapter ports.ModelAdapter, policies *policy.Manager, reg *registry.Registry) *Orchestrator {
	return NewOrchestrator(adapter, policies, reg,
		WithMaxActionChainLength(f.maxActionChainLength()),
		WithRateLimiter(f.createRateLimiter()),
		WithTracer(f.createTracer()),
		WithLogger(f.logger.With().Str("component", "orchestrator").Logger()),
		WithToolRetries(f.cfg.Bridge.ToolRetries, f.cfg.Bridge.ToolRetryBackoff),
	)
}

// maxActionChainLength validates and clamps the configured chain bound.
func (f *Factory) maxActionChainLength() int {
	n := f.cfg.Bridge.MaxActionChainLength
	if n == 0 {
		return DefaultMaxActionChainLength
	}
	if n < minActionChainLength {
		f.logger.Warn().Int("max_action_chain_length", n).Msg("MaxActionChainLength clamped to minimum of 1")
		return minActionChainLength
	}
	if n > maxActionChainLength {
		f.logger.Warn().Int("max_action_chain_length", n).Msg("MaxActionChainLength clamped to maximum of 100")
		return maxActionChainLength
	}
	return n
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Bridge.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.Bridge.RateLimitCapacity, f.cfg.Bridge.RateLimitRefillRate)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Bridge.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger.With().Str("component", "tracer").Logger())
}

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
)
