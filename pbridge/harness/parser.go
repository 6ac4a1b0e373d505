package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/registry"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/schema"
)

var (
	ErrNotJSON        = errors.New("model output is not a JSON object")
	ErrSchemaMismatch = errors.New("model output does not match the response schema")
	ErrMalformed      = errors.New("model output carries no error, request or content")
	ErrAmbiguous      = errors.New("model output carries both a tool and a resource request")
)

// fencePattern matches a whole response wrapped in a markdown code fence.
var fencePattern = regexp.MustCompile("(?s)^```[A-Za-z0-9_-]*[ \t]*\n?(.*?)\n?[ \t]*```$")

func errorSchema() *schema.Schema {
	return schema.Object(map[string]*schema.Schema{
		"code":    schema.Integer().Describe("one of the codes from errorCodes"),
		"message": schema.String(),
	}, "code", "message")
}

func requestSchemas() map[string]*schema.Schema {
	return map[string]*schema.Schema{
		"error": errorSchema(),
		"toolRequest": schema.Object(map[string]*schema.Schema{
			"name":      schema.String(),
			"arguments": schema.Object(nil),
		}, "name"),
		"resourceRequest": schema.Object(map[string]*schema.Schema{
			"uri": schema.String(),
		}, "uri"),
	}
}

// DiscoverySchema is the response schema for the first round.
func DiscoverySchema() *schema.Schema {
	return schema.Object(requestSchemas())
}

// FollowUpSchema extends DiscoverySchema with final content.
func FollowUpSchema() *schema.Schema {
	props := requestSchemas()
	props["content"] = schema.String().Describe("final answer for the user")
	props["embeddedContent"] = schema.String().Describe("optional rich rendering of the answer")
	return schema.Object(props)
}

// ModelError is a failure reported by the model itself.
type ModelError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ModelOutput is a parsed and schema-checked model response.
type ModelOutput struct {
	Error           *ModelError                   `json:"error,omitempty"`
	ToolRequest     *registry.ToolRequest         `json:"toolRequest,omitempty"`
	ResourceRequest *registry.ReadResourceRequest `json:"resourceRequest,omitempty"`
	Content         *string                       `json:"content,omitempty"`
	EmbeddedContent *string                       `json:"embeddedContent,omitempty"`
	// Extra holds top-level fields outside the response schema.
	Extra map[string]any `json:"-"`
}

var knownFields = map[string]struct{}{
	"error": {}, "toolRequest": {}, "resourceRequest": {}, "content": {}, "embeddedContent": {},
}

type outputKind int

const (
	kindMalformed outputKind = iota
	kindError
	kindRequest
	kindContent
)

// classify resolves what the output asks for, preferring error over request over content.
func (o *ModelOutput) classify(allowContent bool) (outputKind, error) {
	switch {
	case o.Error != nil:
		return kindError, nil
	case o.ToolRequest != nil && o.ResourceRequest != nil:
		return kindMalformed, ErrAmbiguous
	case o.ToolRequest != nil || o.ResourceRequest != nil:
		return kindRequest, nil
	case allowContent && (o.Content != nil || o.EmbeddedContent != nil):
		return kindContent, nil
	default:
		return kindMalformed, ErrMalformed
	}
}

// OutputParser turns raw model text into a ModelOutput.
type OutputParser struct{}

// NewOutputParser returns a stateless parser.
func NewOutputParser() *OutputParser { return &OutputParser{} }

// Parse strips markdown fencing, decodes the JSON object and validates it against s.
func (p *OutputParser) Parse(text string, s *schema.Schema) (*ModelOutput, error) {
	raw := []byte(StripFences(text))

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		if err == nil {
			err = errors.New("null")
		}
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	if res := s.Validate(doc); !res.Valid {
		return nil, fmt.Errorf("%w: %s", ErrSchemaMismatch, strings.Join(res.Errors, "; "))
	}

	var out ModelOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	for k, v := range doc {
		if _, ok := knownFields[k]; ok {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]any)
		}
		out.Extra[k] = v
	}
	return &out, nil
}

// StripFences removes a surrounding markdown code fence, if present.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}
