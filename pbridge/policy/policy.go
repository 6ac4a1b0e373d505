// Package policy holds the behavioral constraints injected into every prompt.
//
// A Manager owns two disjoint sets: the fixed system policies, always active
// and immutable, and a user set whose members are toggled independently.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidPolicy = errors.New("policy: name and rule are required")
	ErrExists        = errors.New("policy: already exists")
	ErrNotFound      = errors.New("policy: not found")
	ErrSystemPolicy  = errors.New("policy: system policies are immutable")
	ErrAlreadyActive = errors.New("policy: already active")
	ErrNotActive     = errors.New("policy: not active")
	ErrNoTags        = errors.New("policy: at least one tag is required")
	ErrNoMatch       = errors.New("policy: no policy matches tags")
)

// Policy is a natural-language behavioral constraint.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Rule        string   `json:"rule"`
	Tags        []string `json:"tags,omitempty"`
}

// Names of the built-in system policies.
const (
	JSONOnlyOutput        = "json-only-output"
	NoRedundantRequests   = "no-redundant-requests"
	EmbeddedContentOption = "embedded-content"
	SystemOutranksUser    = "system-outranks-user"
)

func systemPolicies() []Policy {
	return []Policy{
		{
			Name:        JSONOnlyOutput,
			Description: "Responses must be machine readable",
			Rule:        "Respond with a single JSON object that validates against the supplied response schema. Do not add prose, commentary or markdown outside the JSON object.",
			Tags:        []string{"system", "format"},
		},
		{
			Name:        NoRedundantRequests,
			Description: "Avoid repeating completed actions",
			Rule:        "Never request a tool or resource with arguments identical to an entry already present in the action log. Reuse the logged response instead.",
			Tags:        []string{"system", "efficiency"},
		},
		{
			Name:        EmbeddedContentOption,
			Description: "Optional rich content",
			Rule:        "When a richer rendering of the answer is useful, place it in the optional embeddedContent field. The content field must still hold a plain answer.",
			Tags:        []string{"system", "format"},
		},
		{
			Name:        SystemOutranksUser,
			Description: "Policy precedence",
			Rule:        "System policies take precedence over user policies. When a user policy conflicts with a system policy, follow the system policy.",
			Tags:        []string{"system", "precedence"},
		},
	}
}

// Manager tracks system policies and the user policy set with its active subset.
type Manager struct {
	mu     sync.RWMutex
	system []Policy
	user   map[string]Policy
	order  []string // user registration order
	active map[string]struct{}
}

// NewManager returns a Manager seeded with the system policies.
func NewManager() *Manager {
	return &Manager{
		system: systemPolicies(),
		user:   make(map[string]Policy),
		active: make(map[string]struct{}),
	}
}

// Add registers a user policy. The policy starts inactive.
func (m *Manager) Add(p Policy) error {
	if p.Name == "" || p.Rule == "" {
		return ErrInvalidPolicy
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isSystem(p.Name) {
		return fmt.Errorf("%w: %s is a system policy", ErrExists, p.Name)
	}
	if _, ok := m.user[p.Name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, p.Name)
	}

	p.Tags = append([]string(nil), p.Tags...)
	m.user[p.Name] = p
	m.order = append(m.order, p.Name)
	return nil
}

// Remove deletes a user policy and drops any active reference to it.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isSystem(name) {
		return fmt.Errorf("%w: %s", ErrSystemPolicy, name)
	}
	if _, ok := m.user[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	delete(m.user, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.reconcileLocked()
	return nil
}

// Activate marks a user policy active.
func (m *Manager) Activate(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUser(name); err != nil {
		return err
	}
	if _, ok := m.active[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, name)
	}
	m.active[name] = struct{}{}
	return nil
}

// Deactivate marks a user policy inactive.
func (m *Manager) Deactivate(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUser(name); err != nil {
		return err
	}
	if _, ok := m.active[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, name)
	}
	delete(m.active, name)
	return nil
}

// ActivateByTags activates every user policy sharing at least one tag with tags
// and returns their names in registration order.
func (m *Manager) ActivateByTags(tags ...string) ([]string, error) {
	return m.toggleByTags(true, tags)
}

// DeactivateByTags deactivates every user policy sharing at least one tag with tags.
func (m *Manager) DeactivateByTags(tags ...string) ([]string, error) {
	return m.toggleByTags(false, tags)
}

func (m *Manager) toggleByTags(activate bool, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, ErrNoTags
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	filter := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		filter[t] = struct{}{}
	}

	var matched []string
	for _, name := range m.order {
		if !intersects(m.user[name].Tags, filter) {
			continue
		}
		matched = append(matched, name)
		if activate {
			m.active[name] = struct{}{}
		} else {
			delete(m.active, name)
		}
	}

	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoMatch, tags)
	}
	return matched, nil
}

// SetActive replaces the active set with names. Nothing changes if any name is unknown.
func (m *Manager) SetActive(names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range names {
		if err := m.checkUser(name); err != nil {
			return err
		}
	}

	m.active = make(map[string]struct{}, len(names))
	for _, name := range names {
		m.active[name] = struct{}{}
	}
	return nil
}

// Reconcile drops active references whose policy no longer exists and returns them.
func (m *Manager) Reconcile() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconcileLocked()
}

func (m *Manager) reconcileLocked() []string {
	var dropped []string
	for name := range m.active {
		if _, ok := m.user[name]; !ok {
			delete(m.active, name)
			dropped = append(dropped, name)
		}
	}
	return dropped
}

// IsActive reports whether name is in effect. System policies are always active.
func (m *Manager) IsActive(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.isSystem(name) {
		return true
	}
	_, ok := m.active[name]
	return ok
}

// Get returns the named policy from either set.
func (m *Manager) Get(name string) (Policy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.system {
		if p.Name == name {
			return p, true
		}
	}
	p, ok := m.user[name]
	return p, ok
}

// System returns the system policies.
func (m *Manager) System() []Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePolicies(m.system)
}

// User returns every user policy in registration order.
func (m *Manager) User() []Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Policy, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, clonePolicy(m.user[name]))
	}
	return out
}

// ActiveUser returns the active user policies in registration order.
func (m *Manager) ActiveUser() []Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Policy, 0, len(m.active))
	for _, name := range m.order {
		if _, ok := m.active[name]; ok {
			out = append(out, clonePolicy(m.user[name]))
		}
	}
	return out
}

// All returns system policies followed by every user policy.
func (m *Manager) All() []Policy {
	return append(m.System(), m.User()...)
}

// MarshalSystem serializes the system policies for prompt injection.
func (m *Manager) MarshalSystem() ([]byte, error) { return json.Marshal(m.System()) }

// MarshalActive serializes the active user policies.
func (m *Manager) MarshalActive() ([]byte, error) { return json.Marshal(m.ActiveUser()) }

// MarshalAll serializes every known policy.
func (m *Manager) MarshalAll() ([]byte, error) { return json.Marshal(m.All()) }

func (m *Manager) checkUser(name string) error {
	if m.isSystem(name) {
		return fmt.Errorf("%w: %s", ErrSystemPolicy, name)
	}
	if _, ok := m.user[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// IsSystem reports whether name belongs to a built-in system policy.
func (m *Manager) IsSystem(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isSystem(name)
}

func (m *Manager) isSystem(name string) bool {
	for _, p := range m.system {
		if p.Name == name {
			return true
		}
	}
	return false
}

func intersects(tags []string, filter map[string]struct{}) bool {
	for _, t := range tags {
		if _, ok := filter[t]; ok {
			return true
		}
	}
	return false
}

func clonePolicy(p Policy) Policy {
	p.Tags = append([]string(nil), p.Tags...)
	return p
}

func clonePolicies(in []Policy) []Policy {
	out := make([]Policy, len(in))
	for i, p := range in {
		out[i] = clonePolicy(p)
	}
	return out
}
