package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/yosida95/uritemplate/v3"
)

// ResourceCallback reads a resource. vars holds template bindings and is empty for literal resources.
type ResourceCallback func(ctx context.Context, uri string, vars map[string]string) (*mcp.ReadResourceResult, error)

// ResourceOptions describes a resource addressed by a literal URI.
type ResourceOptions struct {
	Name        string
	URI         string
	Description string
	MIMEType    string
	Timeout     time.Duration
	Callback    ResourceCallback
	Disabled    bool
}

// TemplateOptions describes resources addressed by an RFC 6570 URI template.
type TemplateOptions struct {
	Name        string
	URITemplate string
	Description string
	MIMEType    string
	Timeout     time.Duration
	Callback    ResourceCallback
	Disabled    bool
}

// ResourceUpdate carries a partial change to a resource. Nil fields are left untouched.
type ResourceUpdate struct {
	Name        *string
	URI         *string
	Description *string
	MIMEType    *string
	Timeout     *time.Duration
	Callback    ResourceCallback
	Enabled     *bool
}

// TemplateUpdate carries a partial change to a template. Nil fields are left untouched.
type TemplateUpdate struct {
	Name        *string
	URITemplate *string
	Description *string
	MIMEType    *string
	Timeout     *time.Duration
	Callback    ResourceCallback
	Enabled     *bool
}

// ReadResourceRequest is a model-issued resource read.
type ReadResourceRequest struct {
	URI string `json:"uri"`
}

type resource struct {
	name        string
	uri         string
	description string
	mimeType    string
	timeout     time.Duration
	callback    ResourceCallback
	enabled     bool
	removed     bool
}

func (r *resource) describe() mcp.Resource {
	return mcp.Resource{
		Name:        r.name,
		URI:         r.uri,
		Description: r.description,
		MIMEType:    r.mimeType,
	}
}

type template struct {
	name        string
	raw         string
	tmpl        *uritemplate.Template
	description string
	mimeType    string
	timeout     time.Duration
	callback    ResourceCallback
	enabled     bool
	removed     bool
}

func (t *template) describe() mcp.ResourceTemplate {
	return mcp.ResourceTemplate{
		Name:        t.name,
		URITemplate: t.raw,
		Description: t.description,
		MIMEType:    t.mimeType,
	}
}

// RegisterResource adds a resource keyed by its literal URI.
func (r *Registry) RegisterResource(opts ResourceOptions) (*ResourceHandle, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("%w: resource URI is required", ErrInvalidDescriptor)
	}
	if opts.Callback == nil {
		return nil, fmt.Errorf("%w: resource %s has no callback", ErrInvalidDescriptor, opts.URI)
	}
	if opts.Name == "" {
		opts.Name = opts.URI
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.resources.Get(opts.URI); exists {
		return nil, fmt.Errorf("%w: resource %s", ErrNameConflict, opts.URI)
	}

	res := &resource{
		name:        opts.Name,
		uri:         opts.URI,
		description: opts.Description,
		mimeType:    opts.MIMEType,
		timeout:     opts.Timeout,
		callback:    opts.Callback,
		enabled:     !opts.Disabled,
	}
	r.resources.Insert(res.uri, res)

	r.logger.Debug().Str("resource", res.uri).Bool("enabled", res.enabled).Msg("Registered resource")
	return &ResourceHandle{r: r, res: res}, nil
}

// RegisterResourceTemplate adds a template keyed by name. Templates are matched in registration order.
func (r *Registry) RegisterResourceTemplate(opts TemplateOptions) (*TemplateHandle, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: template name is required", ErrInvalidDescriptor)
	}
	if opts.Callback == nil {
		return nil, fmt.Errorf("%w: template %s has no callback", ErrInvalidDescriptor, opts.Name)
	}
	tmpl, err := uritemplate.New(opts.URITemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: template %s: %w", ErrInvalidDescriptor, opts.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.templateIndex(opts.Name) >= 0 {
		return nil, fmt.Errorf("%w: template %s", ErrNameConflict, opts.Name)
	}

	t := &template{
		name:        opts.Name,
		raw:         opts.URITemplate,
		tmpl:        tmpl,
		description: opts.Description,
		mimeType:    opts.MIMEType,
		timeout:     opts.Timeout,
		callback:    opts.Callback,
		enabled:     !opts.Disabled,
	}
	r.templates = append(r.templates, t)

	r.logger.Debug().Str("template", t.name).Str("uri_template", t.raw).Msg("Registered resource template")
	return &TemplateHandle{r: r, t: t}, nil
}

func (r *Registry) templateIndex(name string) int {
	for i, t := range r.templates {
		if t.name == name {
			return i
		}
	}
	return -1
}

// ExecuteResource resolves req.URI, exact URI first and then templates in
// registration order, and runs the matching callback.
func (r *Registry) ExecuteResource(ctx context.Context, req ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	var (
		name     string
		mimeType string
		timeout  time.Duration
		callback ResourceCallback
		enabled  bool
		vars     = map[string]string{}
		found    bool
	)

	r.mu.RLock()
	if v, ok := r.resources.Get(req.URI); ok {
		res := v.(*resource)
		name, mimeType, timeout, callback, enabled = res.uri, res.mimeType, res.timeout, res.callback, res.enabled
		found = true
	} else {
		for _, t := range r.templates {
			values := t.tmpl.Match(req.URI)
			if values == nil {
				continue
			}
			for k, v := range values {
				vars[k] = v.String()
			}
			name, mimeType, timeout, callback, enabled = t.name, t.mimeType, t.timeout, t.callback, t.enabled
			found = true
			break
		}
	}
	r.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("%w: resource %s", ErrNotFound, req.URI)
	}
	if !enabled {
		return nil, fmt.Errorf("%w: resource %s", ErrDisabled, name)
	}

	timeout = r.timeoutFor(timeout)
	result, err := race(ctx, timeout, func(ctx context.Context) (*mcp.ReadResourceResult, error) {
		return callback(ctx, req.URI, vars)
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			r.logger.Warn().Str("resource", req.URI).Dur("timeout", timeout).Err(err).Msg("Resource read did not complete")
			return nil, err
		}
		r.logger.Warn().Str("resource", req.URI).Err(err).Msg("Resource callback failed")
		return nil, fmt.Errorf("%w: resource %s: %w", ErrExecution, req.URI, err)
	}

	return withDefaults(result, req.URI, mimeType), nil
}

// withDefaults returns a copy of res whose contents carry uri and mimeType
// where the callback left them empty. res itself may be shared by the callback.
func withDefaults(res *mcp.ReadResourceResult, uri, mimeType string) *mcp.ReadResourceResult {
	if res == nil {
		return &mcp.ReadResourceResult{}
	}
	out := *res
	out.Contents = make([]*mcp.ResourceContents, 0, len(res.Contents))
	for _, c := range res.Contents {
		if c == nil {
			continue
		}
		cc := *c
		if cc.URI == "" {
			cc.URI = uri
		}
		if cc.MIMEType == "" {
			cc.MIMEType = mimeType
		}
		out.Contents = append(out.Contents, &cc)
	}
	return &out
}

// ResourceHandle manages a registered resource.
type ResourceHandle struct {
	r   *Registry
	res *resource
}

func (h *ResourceHandle) Name() string {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	return h.res.name
}

func (h *ResourceHandle) URI() string {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	return h.res.uri
}

func (h *ResourceHandle) Enabled() bool {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	return h.res.enabled
}

func (h *ResourceHandle) Enable() error  { return h.Update(ResourceUpdate{Enabled: Ptr(true)}) }
func (h *ResourceHandle) Disable() error { return h.Update(ResourceUpdate{Enabled: Ptr(false)}) }

// Update applies u in place. Changing the URI re-keys the resource.
func (h *ResourceHandle) Update(u ResourceUpdate) error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()

	res := h.res
	if res.removed {
		return fmt.Errorf("%w: resource %s", ErrRemoved, res.uri)
	}

	if u.URI != nil && *u.URI != res.uri {
		if *u.URI == "" {
			return fmt.Errorf("%w: resource URI is required", ErrInvalidDescriptor)
		}
		if _, exists := h.r.resources.Get(*u.URI); exists {
			return fmt.Errorf("%w: resource %s", ErrNameConflict, *u.URI)
		}
		h.r.resources.Delete(res.uri)
		res.uri = *u.URI
		h.r.resources.Insert(res.uri, res)
	}
	if u.Name != nil {
		res.name = *u.Name
	}
	if u.Description != nil {
		res.description = *u.Description
	}
	if u.MIMEType != nil {
		res.mimeType = *u.MIMEType
	}
	if u.Timeout != nil {
		res.timeout = *u.Timeout
	}
	if u.Callback != nil {
		res.callback = u.Callback
	}
	if u.Enabled != nil {
		res.enabled = *u.Enabled
	}
	return nil
}

// Remove disables the resource and detaches it, freeing its URI.
func (h *ResourceHandle) Remove() error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()

	if h.res.removed {
		return fmt.Errorf("%w: resource %s", ErrRemoved, h.res.uri)
	}
	h.res.enabled = false
	h.res.removed = true
	h.r.resources.Delete(h.res.uri)
	return nil
}

// TemplateHandle manages a registered resource template.
type TemplateHandle struct {
	r *Registry
	t *template
}

func (h *TemplateHandle) Name() string {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	return h.t.name
}

func (h *TemplateHandle) Enabled() bool {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	return h.t.enabled
}

func (h *TemplateHandle) Enable() error  { return h.Update(TemplateUpdate{Enabled: Ptr(true)}) }
func (h *TemplateHandle) Disable() error { return h.Update(TemplateUpdate{Enabled: Ptr(false)}) }

// Update applies u in place. The template keeps its position in the match order.
func (h *TemplateHandle) Update(u TemplateUpdate) error {
	var compiled *uritemplate.Template
	if u.URITemplate != nil {
		var err error
		if compiled, err = uritemplate.New(*u.URITemplate); err != nil {
			return fmt.Errorf("%w: template: %w", ErrInvalidDescriptor, err)
		}
	}

	h.r.mu.Lock()
	defer h.r.mu.Unlock()

	t := h.t
	if t.removed {
		return fmt.Errorf("%w: template %s", ErrRemoved, t.name)
	}

	if u.Name != nil && *u.Name != t.name {
		if *u.Name == "" {
			return fmt.Errorf("%w: template name is required", ErrInvalidDescriptor)
		}
		if h.r.templateIndex(*u.Name) >= 0 {
			return fmt.Errorf("%w: template %s", ErrNameConflict, *u.Name)
		}
		t.name = *u.Name
	}
	if compiled != nil {
		t.tmpl = compiled
		t.raw = *u.URITemplate
	}
	if u.Description != nil {
		t.description = *u.Description
	}
	if u.MIMEType != nil {
		t.mimeType = *u.MIMEType
	}
	if u.Timeout != nil {
		t.timeout = *u.Timeout
	}
	if u.Callback != nil {
		t.callback = u.Callback
	}
	if u.Enabled != nil {
		t.enabled = *u.Enabled
	}
	return nil
}

// Remove disables the template and detaches it from the match order.
func (h *TemplateHandle) Remove() error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()

	if h.t.removed {
		return fmt.Errorf("%w: template %s", ErrRemoved, h.t.name)
	}
	h.t.enabled = false
	h.t.removed = true
	if i := h.r.templateIndex(h.t.name); i >= 0 {
		h.r.templates = append(h.r.templates[:i], h.r.templates[i+1:]...)
	}
	return nil
}
