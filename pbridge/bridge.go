// Package pbridge is the embedding surface of prompt-bridge: register tools,
// resources and policies, plug in a model adapter, and execute prompts.
package pbridge

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/actionlog"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/config"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/harness"
	ports "github.com/ZanzyTHEbar/prompt-bridge/pbridge/harness/ports"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/policy"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/registry"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/tools"
)

// Bridge ties a registry, a policy manager and an orchestrator together.
type Bridge struct {
	registry     *registry.Registry
	policies     *policy.Manager
	orchestrator *harness.Orchestrator
	logger       zerolog.Logger
}

type options struct {
	adapter        ports.ModelAdapter
	maxChain       int
	defaultTimeout time.Duration
	logger         zerolog.Logger
	tracer         ports.Tracer
	limiter        ports.RateLimiter
	retries        int
	retryBackoff   time.Duration
}

// Option configures a Bridge built with New.
type Option func(*options)

// WithModelAdapter sets the adapter that answers every round.
func WithModelAdapter(adapter ports.ModelAdapter) Option {
	return func(o *options) { o.adapter = adapter }
}

// WithMaxActionChainLength bounds the actions one prompt may run. Values below 1 keep the default.
func WithMaxActionChainLength(n int) Option {
	return func(o *options) { o.maxChain = n }
}

// WithDefaultToolTimeout sets the timeout of callbacks registered without one.
func WithDefaultToolTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}

// WithLogger sets the logger shared by the registry and the orchestrator.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer traces prompts and actions through t.
func WithTracer(t ports.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithRateLimiter gates each prompt on l.
func WithRateLimiter(l ports.RateLimiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithToolRetries retries failed or timed-out callbacks n times, backoff apart.
func WithToolRetries(n int, backoff time.Duration) Option {
	return func(o *options) {
		o.retries = n
		o.retryBackoff = backoff
	}
}

// New creates a bridge. Without WithModelAdapter every prompt fails with
// harness.CodeMissingBridge until SetModelAdapter is called.
func New(opts ...Option) *Bridge {
	o := options{
		maxChain:       harness.DefaultMaxActionChainLength,
		defaultTimeout: registry.DefaultTimeout,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	reg := registry.New(
		registry.WithDefaultTimeout(o.defaultTimeout),
		registry.WithLogger(o.logger.With().Str("component", "registry").Logger()),
	)
	policies := policy.NewManager()

	orchOpts := []harness.Option{
		harness.WithMaxActionChainLength(o.maxChain),
		harness.WithLogger(o.logger.With().Str("component", "orchestrator").Logger()),
		harness.WithTracer(o.tracer),
		harness.WithRateLimiter(o.limiter),
	}
	if o.retries > 0 {
		orchOpts = append(orchOpts, harness.WithToolRetries(o.retries, o.retryBackoff))
	}

	return &Bridge{
		registry:     reg,
		policies:     policies,
		orchestrator: harness.NewOrchestrator(o.adapter, policies, reg, orchOpts...),
		logger:       o.logger,
	}
}

// NewFromConfig creates a bridge whose limits, infrastructure and user
// policies come from cfg. The model adapter is set afterwards with SetModelAdapter.
func NewFromConfig(cfg *config.Config, logger zerolog.Logger) (*Bridge, error) {
	f := harness.NewFactory(cfg, logger)

	policies, err := f.CreatePolicyManager()
	if err != nil {
		return nil, err
	}
	reg := f.CreateRegistry()

	return &Bridge{
		registry:     reg,
		policies:     policies,
		orchestrator: f.CreateOrchestrator(nil, policies, reg),
		logger:       logger,
	}, nil
}

// WatchConfig re-applies the configured user policies whenever the loader's
// config file changes. Orchestration limits keep their construction-time values.
func (b *Bridge) WatchConfig(loader *config.Loader) {
	loader.Watch(func(cfg *config.Config, err error) {
		if err != nil {
			b.logger.Error().Err(err).Msg("Failed to reload config")
			return
		}
		if err := harness.NewFactory(cfg, b.logger).ApplyPolicies(b.policies); err != nil {
			b.logger.Warn().Err(err).Msg("Config reload applied with errors")
			return
		}
		b.logger.Info().Str("file", loader.ConfigFileUsed()).Msg("Reapplied policies from config")
	})
}

// SetModelAdapter swaps the adapter used by subsequent prompts.
func (b *Bridge) SetModelAdapter(adapter ports.ModelAdapter) {
	b.orchestrator.SetModelAdapter(adapter)
}

// Execute runs prompt to completion and calls sink exactly once.
func (b *Bridge) Execute(ctx context.Context, prompt string, sink harness.CompletionSink) {
	b.orchestrator.Execute(ctx, prompt, sink)
}

// Run is Execute returning the result directly.
func (b *Bridge) Run(ctx context.Context, prompt string) harness.Result {
	return b.orchestrator.Run(ctx, prompt)
}

// ActionLog returns the actions taken for the latest prompt.
func (b *Bridge) ActionLog() []actionlog.Entry {
	return b.orchestrator.ActionLog()
}

// Registry exposes the underlying registry for direct catalog access.
func (b *Bridge) Registry() *registry.Registry { return b.registry }

// Policies exposes the underlying policy manager.
func (b *Bridge) Policies() *policy.Manager { return b.policies }

// RegisterTool adds a tool to the catalog. The handle toggles, updates or removes it.
func (b *Bridge) RegisterTool(opts registry.ToolOptions) (*registry.ToolHandle, error) {
	return b.registry.RegisterTool(opts)
}

// RegisterResource adds a resource addressed by a literal URI.
func (b *Bridge) RegisterResource(opts registry.ResourceOptions) (*registry.ResourceHandle, error) {
	return b.registry.RegisterResource(opts)
}

// RegisterResourceTemplate adds resources addressed by an RFC 6570 template.
func (b *Bridge) RegisterResourceTemplate(opts registry.TemplateOptions) (*registry.TemplateHandle, error) {
	return b.registry.RegisterResourceTemplate(opts)
}

// ServeFilesystem registers the fs_metadata tool and the file:// template over
// fsys, confined to root when root is non-empty.
func (b *Bridge) ServeFilesystem(fsys afero.Fs, root string) error {
	return tools.NewFS(fsys, root).Register(b.registry)
}

// Tools lists the enabled tools in registration order.
func (b *Bridge) Tools() []mcp.Tool { return b.registry.Tools() }

// Resources lists the enabled resources ordered by URI.
func (b *Bridge) Resources() []mcp.Resource { return b.registry.Resources() }

// ResourceTemplates lists the enabled templates in registration order.
func (b *Bridge) ResourceTemplates() []mcp.ResourceTemplate { return b.registry.Templates() }

// AddPolicy registers an inactive user policy.
func (b *Bridge) AddPolicy(p policy.Policy) error { return b.policies.Add(p) }

// RemovePolicy deletes a user policy. System policies cannot be removed.
func (b *Bridge) RemovePolicy(name string) error { return b.policies.Remove(name) }

// ActivatePolicy activates a user policy; activating an active one is an error.
func (b *Bridge) ActivatePolicy(name string) error { return b.policies.Activate(name) }

// DeactivatePolicy deactivates a user policy; deactivating an inactive one is an error.
func (b *Bridge) DeactivatePolicy(name string) error { return b.policies.Deactivate(name) }

// ActivatePoliciesByTags activates every user policy carrying one of tags and
// returns the names it matched.
func (b *Bridge) ActivatePoliciesByTags(tags ...string) ([]string, error) {
	return b.policies.ActivateByTags(tags...)
}

// DeactivatePoliciesByTags deactivates every user policy carrying one of tags.
func (b *Bridge) DeactivatePoliciesByTags(tags ...string) ([]string, error) {
	return b.policies.DeactivateByTags(tags...)
}

// SetActivePolicies replaces the active user set with names.
func (b *Bridge) SetActivePolicies(names ...string) error {
	return b.policies.SetActive(names...)
}
