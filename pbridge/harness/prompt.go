package harness

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/actionlog"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/policy"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/registry"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	discoveryTask = "Decide how to answer the prompt using the tools and resources listed here. " +
		"Reply with exactly one of: a toolRequest, a resourceRequest, or an error. " +
		"Use error with InsufficientTooling when nothing listed can help."
	followUpTask = "The actionLog holds the results of the actions taken so far for the prompt. " +
		"Reply with exactly one of: the final answer in content (optionally with embeddedContent), " +
		"one more toolRequest or resourceRequest, or an error."
)

var reasoningChecklist = []string{
	"Read every system policy and active user policy before answering.",
	"Check whether the action log already holds the data you need.",
	"Only request tools, resources or templates that appear in the catalogs.",
	"Make request arguments satisfy the tool's inputSchema exactly.",
	"Stay within maxActionChainLength actions for the whole prompt.",
	"Output one JSON object matching responseSchema and nothing else.",
}

// Envelope is the serialized request handed to the model adapter each round.
type Envelope struct {
	Task                 string                 `json:"task"`
	ReasoningChecklist   []string               `json:"reasoningChecklist"`
	MaxActionChainLength int                    `json:"maxActionChainLength"`
	SystemPolicies       json.RawMessage        `json:"systemPolicies"`
	UserPolicies         json.RawMessage        `json:"userPolicies"`
	Tools                []mcp.Tool             `json:"tools"`
	Resources            []mcp.Resource         `json:"resources"`
	ResourceTemplates    []mcp.ResourceTemplate `json:"resourceTemplates"`
	ResponseSchema       map[string]any         `json:"responseSchema"`
	ErrorCodes           []ErrorCodeInfo        `json:"errorCodes"`
	ActionLog            []actionlog.Entry      `json:"actionLog,omitempty"`
	Prompt               string                 `json:"prompt"`
}

// Serialize renders the envelope as the adapter's request string.
func (e Envelope) Serialize() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("serialize envelope: %w", err)
	}
	return string(b), nil
}

// PromptBuilder assembles discovery and follow-up envelopes from the current
// policy and registry state.
type PromptBuilder struct {
	policies *policy.Manager
	registry *registry.Registry
	maxChain int
}

// NewPromptBuilder reads policies and catalogs afresh for every envelope.
func NewPromptBuilder(policies *policy.Manager, reg *registry.Registry, maxChain int) *PromptBuilder {
	return &PromptBuilder{policies: policies, registry: reg, maxChain: maxChain}
}

// Discovery builds the first-round envelope.
func (b *PromptBuilder) Discovery(prompt string) (Envelope, error) {
	env, err := b.base(prompt)
	if err != nil {
		return Envelope{}, err
	}
	env.Task = discoveryTask
	env.ResponseSchema = DiscoverySchema().ToJSONSchema()
	return env, nil
}

// FollowUp builds a chaining-round envelope carrying the action log so far.
func (b *PromptBuilder) FollowUp(prompt string, log []actionlog.Entry) (Envelope, error) {
	env, err := b.base(prompt)
	if err != nil {
		return Envelope{}, err
	}
	env.Task = followUpTask
	env.ResponseSchema = FollowUpSchema().ToJSONSchema()
	env.ActionLog = log
	if env.ActionLog == nil {
		env.ActionLog = []actionlog.Entry{}
	}
	return env, nil
}

func (b *PromptBuilder) base(prompt string) (Envelope, error) {
	// Normalize newlines and trim whitespace
	norm := strings.TrimSpace(strings.ReplaceAll(prompt, "\r\n", "\n"))

	system, err := b.policies.MarshalSystem()
	if err != nil {
		return Envelope{}, fmt.Errorf("serialize system policies: %w", err)
	}
	active, err := b.policies.MarshalActive()
	if err != nil {
		return Envelope{}, fmt.Errorf("serialize active policies: %w", err)
	}

	return Envelope{
		ReasoningChecklist:   append([]string(nil), reasoningChecklist...),
		MaxActionChainLength: b.maxChain,
		SystemPolicies:       system,
		UserPolicies:         active,
		Tools:                b.registry.Tools(),
		Resources:            nonNil(b.registry.Resources()),
		ResourceTemplates:    b.registry.Templates(),
		ErrorCodes:           ErrorCodes(),
		Prompt:               norm,
	}, nil
}

func nonNil(rs []mcp.Resource) []mcp.Resource {
	if rs == nil {
		return []mcp.Resource{}
	}
	return rs
}
