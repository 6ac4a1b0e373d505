// Package registry owns the tools, resources and resource templates a model may
// use, and mediates every execution: lookup, enabled check, schema validation
// and a timeout-bounded callback run.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/armon/go-radix"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a callback when its descriptor sets no timeout.
const DefaultTimeout = 10 * time.Second

var (
	ErrInvalidDescriptor = errors.New("registry: invalid descriptor")
	ErrNameConflict      = errors.New("registry: already registered")
	ErrNotFound          = errors.New("registry: not found")
	ErrDisabled          = errors.New("registry: disabled")
	ErrInvalidParams     = errors.New("registry: invalid params")
	ErrTimeout           = errors.New("registry: execution timed out")
	ErrExecution         = errors.New("registry: callback failed")
	ErrRemoved           = errors.New("registry: handle was removed")
)

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTimeout overrides DefaultTimeout for descriptors without their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithLogger sets the logger used for registration and execution events.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*tool
	resources *radix.Tree // literal URI -> *resource
	templates []*template // registration order

	seq            uint64
	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		tools:          make(map[string]*tool),
		resources:      radix.New(),
		defaultTimeout: DefaultTimeout,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultTimeout returns the timeout applied to descriptors without one.
func (r *Registry) DefaultTimeout() time.Duration {
	return r.defaultTimeout
}

func (r *Registry) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func (r *Registry) timeoutFor(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return r.defaultTimeout
}

// Tools lists enabled tools in registration order.
func (r *Registry) Tools() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts := make([]*tool, 0, len(r.tools))
	for _, t := range r.tools {
		if t.enabled {
			ts = append(ts, t)
		}
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].seq < ts[j].seq })

	out := make([]mcp.Tool, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.describe())
	}
	return out
}

// Resources lists enabled resources ordered by URI.
func (r *Registry) Resources() []mcp.Resource {
	return r.ResourcesWithPrefix("")
}

// ResourcesWithPrefix lists enabled resources whose URI starts with prefix.
func (r *Registry) ResourcesWithPrefix(prefix string) []mcp.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []mcp.Resource
	r.resources.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		if res := v.(*resource); res.enabled {
			out = append(out, res.describe())
		}
		return false
	})
	return out
}

// Templates lists enabled resource templates in registration order.
func (r *Registry) Templates() []mcp.ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]mcp.ResourceTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		if t.enabled {
			out = append(out, t.describe())
		}
	}
	return out
}

// Ptr returns a pointer to v. Handy for the optional fields of update structs.
func Ptr[T any](v T) *T { return &v }
