// Package harness drives the discovery and follow-up rounds between a model
// adapter and the registry, recording every action in an ActionLog.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/actionlog"
	ports "github.com/ZanzyTHEbar/prompt-bridge/pbridge/harness/ports"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/policy"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/registry"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/schema"
)

const (
	// DefaultMaxActionChainLength bounds the actions one prompt may trigger.
	DefaultMaxActionChainLength = 10
	defaultRetryBackoff         = 100 * time.Millisecond
)

// Result is what the completion sink receives once per prompt.
type Result struct {
	ExecutionID             string                `json:"executionId"`
	Content                 *ports.MessageContent `json:"content,omitempty"`
	EmbeddedContentResponse string                `json:"embeddedContentResponse,omitempty"`
	Error                   *Error                `json:"error,omitempty"`
	// Extra carries top-level fields of the final model output outside the response schema.
	Extra map[string]any `json:"extra,omitempty"`
}

// Failed reports whether the prompt ended in an error.
func (r Result) Failed() bool { return r.Error != nil }

// CompletionSink receives the outcome of a prompt.
type CompletionSink func(Result)

type state int

const (
	stateIdle state = iota
	stateDiscovery
	stateChaining
)

func (s state) String() string {
	switch s {
	case stateDiscovery:
		return "discovery"
	case stateChaining:
		return "chaining"
	default:
		return "idle"
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxActionChainLength overrides DefaultMaxActionChainLength. Values below 1 are ignored.
func WithMaxActionChainLength(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxChain = n
		}
	}
}

// WithRateLimiter gates each prompt on l. Without it prompts are never limited.
func WithRateLimiter(l ports.RateLimiter) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.limiter = l
		}
	}
}

// WithTracer records a span per prompt and per action, and an event per round.
func WithTracer(t ports.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLogger sets the logger for prompt outcomes and retries.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithToolRetries retries timed-out or failed callbacks up to n times with a
// constant backoff. Each model request still produces exactly one log entry.
func WithToolRetries(n int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		if n < 0 {
			n = 0
		}
		if backoff <= 0 {
			backoff = defaultRetryBackoff
		}
		o.toolRetries = n
		o.retryBackoff = backoff
	}
}

// Orchestrator runs one prompt at a time through the discovery/follow-up state machine.
type Orchestrator struct {
	adapterMu sync.RWMutex
	adapter   ports.ModelAdapter

	policies *policy.Manager
	registry *registry.Registry
	log      *actionlog.Log
	parser   *OutputParser
	limiter  ports.RateLimiter
	tracer   ports.Tracer
	logger   zerolog.Logger

	maxChain     int
	toolRetries  int
	retryBackoff time.Duration

	// held while a prompt runs; the action log belongs to the running prompt
	running sync.Mutex
}

// NewOrchestrator wires an orchestrator. adapter may be nil and set later;
// prompts executed without one fail with CodeMissingBridge.
func NewOrchestrator(adapter ports.ModelAdapter, policies *policy.Manager, reg *registry.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		adapter:      adapter,
		policies:     policies,
		registry:     reg,
		log:          actionlog.New(),
		parser:       NewOutputParser(),
		limiter:      &noOpRateLimiter{},
		tracer:       &noOpTracer{},
		logger:       zerolog.Nop(),
		maxChain:     DefaultMaxActionChainLength,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetModelAdapter swaps the adapter used by subsequent prompts.
func (o *Orchestrator) SetModelAdapter(adapter ports.ModelAdapter) {
	o.adapterMu.Lock()
	defer o.adapterMu.Unlock()
	o.adapter = adapter
}

func (o *Orchestrator) modelAdapter() ports.ModelAdapter {
	o.adapterMu.RLock()
	defer o.adapterMu.RUnlock()
	return o.adapter
}

// MaxActionChainLength returns the configured chain bound.
func (o *Orchestrator) MaxActionChainLength() int { return o.maxChain }

// ActionLog returns the entries recorded for the latest prompt.
func (o *Orchestrator) ActionLog() []actionlog.Entry { return o.log.Entries() }

// Run executes prompt and returns its result.
func (o *Orchestrator) Run(ctx context.Context, prompt string) Result {
	var out Result
	o.Execute(ctx, prompt, func(r Result) { out = r })
	return out
}

// Execute drives prompt to a terminal state and calls sink exactly once.
// Concurrent calls are serialized; sink runs after the prompt has released the
// orchestrator, so it may start the next prompt. Nothing escapes Execute:
// failures, including panics, reach sink as an *Error, and a panicking sink is
// recovered and logged.
func (o *Orchestrator) Execute(ctx context.Context, prompt string, sink CompletionSink) {
	executionID := uuid.NewString()
	logger := o.logger.With().Str("execution_id", executionID).Logger()

	result := o.execute(ctx, executionID, prompt, logger)
	result.ExecutionID = executionID
	if sink == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Recovered from panic in completion sink")
		}
	}()
	sink(result)
}

// execute holds the single-flight lock for one prompt.
func (o *Orchestrator) execute(ctx context.Context, executionID, prompt string, logger zerolog.Logger) (result Result) {
	o.running.Lock()
	defer o.running.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Recovered from panic during prompt execution")
			result = Result{Error: newErrorf(CodeInternalError, "internal error: %v", rec)}
		}
	}()

	o.log.Reset()
	result = o.run(ctx, executionID, prompt, logger)
	if result.Error != nil {
		logger.Warn().Int("code", int(result.Error.Code)).Str("message", result.Error.Message).Int("actions", o.log.Len()).Msg("Prompt failed")
	} else {
		logger.Info().Int("actions", o.log.Len()).Msg("Prompt completed")
	}
	return result
}

func (o *Orchestrator) run(ctx context.Context, executionID, prompt string, logger zerolog.Logger) (result Result) {
	adapter := o.modelAdapter()
	if adapter == nil {
		return failure(newErrorf(CodeMissingBridge, "no model adapter configured"))
	}

	// Acquire rate limit permit
	release, err := o.limiter.Acquire(ctx, "execute")
	if err != nil {
		return failure(newErrorf(CodeInternalError, "rate limit: %v", err))
	}
	defer release()

	ctx, finish := o.tracer.StartSpan(ctx, "execute", map[string]any{
		"execution_id":            executionID,
		"max_action_chain_length": o.maxChain,
	})
	defer func() {
		if result.Error != nil {
			finish(result.Error)
			return
		}
		finish(nil)
	}()

	builder := NewPromptBuilder(o.policies, o.registry, o.maxChain)
	st := stateDiscovery

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return failure(newError(CodeTimeout, err))
			}
			return failure(newError(CodeInternalError, err))
		}

		var (
			env        Envelope
			respSchema *schema.Schema
			berr       error
		)
		if st == stateDiscovery {
			env, berr = builder.Discovery(prompt)
			respSchema = DiscoverySchema()
		} else {
			env, berr = builder.FollowUp(prompt, o.log.Entries())
			respSchema = FollowUpSchema()
		}
		if berr != nil {
			return failure(newError(CodeInternalError, berr))
		}

		o.tracer.Event(ctx, "round", map[string]any{"round": round, "state": st.String(), "actions": o.log.Len()})
		logger.Debug().Int("round", round).Str("state", st.String()).Msg("Submitting round to model")

		out, perr := o.round(ctx, adapter, env, respSchema)
		if perr != nil {
			return failure(perr)
		}

		kind, kerr := out.classify(st == stateChaining)
		switch kind {
		case kindError:
			return failure(&Error{Code: out.Error.Code, Message: out.Error.Message})

		case kindContent:
			res := Result{Extra: out.Extra}
			if out.Content != nil {
				res.Content = &ports.MessageContent{Type: ports.ContentText, Text: *out.Content}
			}
			if out.EmbeddedContent != nil {
				res.EmbeddedContentResponse = *out.EmbeddedContent
			}
			return res

		case kindRequest:
			// chain length is checked before the next action starts
			if n := o.log.Len(); n >= o.maxChain {
				return failure(newErrorf(CodeMaxActionChainLengthExceeded,
					"action chain length %d reached the maximum of %d", n, o.maxChain))
			}
			if aerr := o.perform(ctx, out); aerr != nil {
				return failure(aerr)
			}
			st = stateChaining

		default:
			return failure(newError(CodeInvalidResponse, kerr))
		}
	}
}

// round submits one envelope and parses the reply.
func (o *Orchestrator) round(ctx context.Context, adapter ports.ModelAdapter, env Envelope, s *schema.Schema) (*ModelOutput, *Error) {
	request, err := env.Serialize()
	if err != nil {
		return nil, newError(CodeInternalError, err)
	}

	msg, err := adapter.Complete(ctx, request)
	if err != nil {
		return nil, newError(CodeInternalError, err)
	}
	if msg.Error != "" {
		return nil, &Error{Code: CodeInternalError, Message: msg.Error}
	}
	if msg.Content.Type != "" && msg.Content.Type != ports.ContentText {
		return nil, newErrorf(CodeInvalidResponse, "unsupported model content type %q", msg.Content.Type)
	}

	out, err := o.parser.Parse(msg.Content.Text, s)
	if err != nil {
		return nil, newError(CodeInvalidResponse, err)
	}
	return out, nil
}

// perform executes the request carried by out and appends exactly one log entry.
func (o *Orchestrator) perform(ctx context.Context, out *ModelOutput) *Error {
	if req := out.ToolRequest; req != nil {
		ctx, finish := o.tracer.StartSpan(ctx, "tool", map[string]any{"name": req.Name})

		var res *mcp.CallToolResult
		err := o.withRetries(ctx, func(ctx context.Context) error {
			var err error
			res, err = o.registry.ExecuteTool(ctx, *req)
			return err
		})
		finish(err)

		entry := actionlog.Entry{
			Type:         actionlog.ToolRequest,
			Name:         req.Name,
			Arguments:    req.Arguments,
			TimeExecuted: time.Now(),
		}
		if err != nil {
			entry.IsError = true
			entry.Response = failurePayload(res, err)
			o.log.Append(entry)
			return toolError(err)
		}
		entry.Response = res
		entry.IsError = res.IsError
		o.log.Append(entry)
		return nil
	}

	req := out.ResourceRequest
	ctx, finish := o.tracer.StartSpan(ctx, "resource", map[string]any{"uri": req.URI})

	var res *mcp.ReadResourceResult
	err := o.withRetries(ctx, func(ctx context.Context) error {
		var err error
		res, err = o.registry.ExecuteResource(ctx, *req)
		return err
	})
	finish(err)

	entry := actionlog.Entry{
		Type:         actionlog.ResourceRequest,
		Name:         req.URI,
		TimeExecuted: time.Now(),
	}
	if err != nil {
		entry.IsError = true
		entry.Response = map[string]any{"error": err.Error()}
		o.log.Append(entry)
		return resourceError(err)
	}
	entry.Response = res
	o.log.Append(entry)
	return nil
}

func (o *Orchestrator) withRetries(ctx context.Context, fn func(context.Context) error) error {
	if o.toolRetries == 0 {
		return fn(ctx)
	}

	b := retry.WithMaxRetries(uint64(o.toolRetries), retry.NewConstant(o.retryBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, registry.ErrTimeout) || errors.Is(err, registry.ErrExecution) {
			o.logger.Debug().Err(err).Msg("Retrying action")
			return retry.RetryableError(err)
		}
		return err
	})
}

func failurePayload(res *mcp.CallToolResult, err error) any {
	if res != nil {
		return res
	}
	return map[string]any{"error": err.Error()}
}

func failure(err *Error) Result {
	return Result{Error: err}
}

// String renders a result for logs.
func (r Result) String() string {
	if r.Error != nil {
		return r.Error.Error()
	}
	if r.Content != nil {
		return r.Content.Text
	}
	return fmt.Sprintf("embedded: %s", r.EmbeddedContentResponse)
}
