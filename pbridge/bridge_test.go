package pbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/config"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/harness"
	ports "github.com/ZanzyTHEbar/prompt-bridge/pbridge/harness/ports"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/policy"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/registry"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/schema"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/tools"
)

func scripted(replies ...string) ports.ModelAdapter {
	i := 0
	return ports.ModelAdapterFunc(func(context.Context, string) (ports.Message, error) {
		if i >= len(replies) {
			return ports.TextMessage(`{"error":{"code":-32603,"message":"script exhausted"}}`), nil
		}
		i++
		return ports.TextMessage(replies[i-1]), nil
	})
}

func TestBridge_WithoutAdapter(t *testing.T) {
	b := New()
	res := b.Run(context.Background(), "hello")
	require.NotNil(t, res.Error)
	assert.Equal(t, harness.CodeMissingBridge, res.Error.Code)
}

func TestBridge_EndToEnd(t *testing.T) {
	b := New(WithModelAdapter(scripted(
		`{"toolRequest":{"name":"add","arguments":{"a":2,"b":3}}}`,
		`{"content":"2 + 3 = 5"}`,
	)))

	_, err := b.RegisterTool(registry.ToolOptions{
		Name:        "add",
		Description: "Adds two numbers",
		InputSchema: schema.Object(map[string]*schema.Schema{"a": schema.Number(), "b": schema.Number()}, "a", "b"),
		Callback: func(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			sum := args["a"].(float64) + args["b"].(float64)
			return &mcp.CallToolResult{StructuredContent: map[string]any{"sum": sum}}, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, b.Tools(), 1)

	var got []harness.Result
	b.Execute(context.Background(), "what is 2+3?", func(r harness.Result) { got = append(got, r) })

	require.Len(t, got, 1)
	require.Nil(t, got[0].Error)
	assert.Equal(t, "2 + 3 = 5", got[0].Content.Text)
	require.Len(t, b.ActionLog(), 1)
	assert.Equal(t, "add", b.ActionLog()[0].Name)
}

func TestBridge_ChainLimitOption(t *testing.T) {
	calls := 0
	b := New(
		WithMaxActionChainLength(2),
		WithModelAdapter(ports.ModelAdapterFunc(func(context.Context, string) (ports.Message, error) {
			calls++
			return ports.TextMessage(`{"resourceRequest":{"uri":"mem://note"}}`), nil
		})),
	)
	_, err := b.RegisterResource(registry.ResourceOptions{
		URI: "mem://note",
		Callback: func(_ context.Context, uri string, _ map[string]string) (*mcp.ReadResourceResult, error) {
			return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: uri, Text: "remember"}}}, nil
		},
	})
	require.NoError(t, err)

	res := b.Run(context.Background(), "loop")
	require.NotNil(t, res.Error)
	assert.Equal(t, harness.CodeMaxActionChainLengthExceeded, res.Error.Code)
	assert.Equal(t, 3, calls)
	assert.Len(t, b.ActionLog(), 2)
}

func TestBridge_DefaultToolTimeout(t *testing.T) {
	b := New(
		WithDefaultToolTimeout(10*time.Millisecond),
		WithModelAdapter(scripted(`{"toolRequest":{"name":"slow","arguments":{}}}`)),
	)
	_, err := b.RegisterTool(registry.ToolOptions{
		Name: "slow",
		Callback: func(ctx context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)

	res := b.Run(context.Background(), "be slow")
	require.NotNil(t, res.Error)
	assert.Equal(t, harness.CodeTimeout, res.Error.Code)
}

func TestBridge_Policies(t *testing.T) {
	b := New()
	require.NoError(t, b.AddPolicy(policy.Policy{Name: "metric", Rule: "Use metric units.", Tags: []string{"units"}}))
	require.NoError(t, b.AddPolicy(policy.Policy{Name: "brief", Rule: "Be brief.", Tags: []string{"style"}}))

	names, err := b.ActivatePoliciesByTags("units")
	require.NoError(t, err)
	assert.Equal(t, []string{"metric"}, names)

	require.NoError(t, b.ActivatePolicy("brief"))
	names, err = b.DeactivatePoliciesByTags("units", "style")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"metric", "brief"}, names)

	require.NoError(t, b.SetActivePolicies("brief"))
	assert.True(t, b.Policies().IsActive("brief"))
	require.NoError(t, b.DeactivatePolicy("brief"))
	require.NoError(t, b.RemovePolicy("brief"))
	assert.ErrorIs(t, b.ActivatePolicy("brief"), policy.ErrNotFound)
	assert.ErrorIs(t, b.RemovePolicy(policy.JSONOnlyOutput), policy.ErrSystemPolicy)
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{
		Bridge: config.BridgeConfig{MaxActionChainLength: 3, DefaultToolTimeout: time.Second},
		Policies: []config.PolicyConfig{
			{Name: "metric", Rule: "Use metric units.", Active: true},
		},
	}
	b, err := NewFromConfig(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, b.Policies().IsActive("metric"))
	assert.Equal(t, time.Second, b.Registry().DefaultTimeout())

	res := b.Run(context.Background(), "p")
	require.NotNil(t, res.Error)
	assert.Equal(t, harness.CodeMissingBridge, res.Error.Code)

	b.SetModelAdapter(scripted(`{"error":{"code":-32002,"message":"no tools"}}`))
	res = b.Run(context.Background(), "p")
	require.NotNil(t, res.Error)
	assert.Equal(t, harness.CodeInsufficientTooling, res.Error.Code)
}

func TestNewFromConfig_InvalidPolicy(t *testing.T) {
	_, err := NewFromConfig(&config.Config{Policies: []config.PolicyConfig{{Name: "x"}}}, zerolog.Nop())
	assert.ErrorIs(t, err, policy.ErrInvalidPolicy)
}

func TestBridge_WatchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(active bool) {
		body := "policies:\n  - name: metric\n    rule: Use metric units.\n    active: false\n"
		if active {
			body = "policies:\n  - name: metric\n    rule: Use metric units.\n    active: true\n"
		}
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write(false)

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	b, err := NewFromConfig(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, b.Policies().IsActive("metric"))

	b.WatchConfig(loader)
	write(true)

	assert.Eventually(t, func() bool { return b.Policies().IsActive("metric") }, 5*time.Second, 20*time.Millisecond)
}

func TestBridge_ServeFilesystem(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/data/todo.md", []byte("- ship it"), 0o644))

	b := New(WithModelAdapter(scripted(
		`{"resourceRequest":{"uri":"file:///todo.md"}}`,
		`{"content":"One item: ship it."}`,
	)))
	require.NoError(t, b.ServeFilesystem(mem, "/data"))
	require.Len(t, b.Tools(), 1)
	assert.Equal(t, tools.FSMetadataToolName, b.Tools()[0].Name)
	require.Len(t, b.ResourceTemplates(), 1)

	res := b.Run(context.Background(), "what is on my list?")
	require.Nil(t, res.Error)
	assert.Equal(t, "One item: ship it.", res.Content.Text)

	log := b.ActionLog()
	require.Len(t, log, 1)
	rr, ok := log[0].Response.(*mcp.ReadResourceResult)
	require.True(t, ok)
	assert.Equal(t, "- ship it", rr.Contents[0].Text)
}
