package harness

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/config"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/harness/adapters"
	"github.com/ZanzyTHEbar/prompt-bridge/pbridge/policy"
)

func TestFactory_MaxActionChainLength(t *testing.T) {
	cases := map[int]int{0: DefaultMaxActionChainLength, -3: 1, 1: 1, 25: 25, 500: 100}
	for in, want := range cases {
		f := NewFactory(&config.Config{Bridge: config.BridgeConfig{MaxActionChainLength: in}}, zerolog.Nop())
		o := f.CreateOrchestrator(nil, policy.NewManager(), f.CreateRegistry())
		assert.Equal(t, want, o.MaxActionChainLength(), "configured %d", in)
	}
}

func TestFactory_Registry(t *testing.T) {
	f := NewFactory(&config.Config{Bridge: config.BridgeConfig{DefaultToolTimeout: 3 * time.Second}}, zerolog.Nop())
	assert.Equal(t, 3*time.Second, f.CreateRegistry().DefaultTimeout())
}

func TestFactory_Infrastructure(t *testing.T) {
	f := NewFactory(&config.Config{}, zerolog.Nop())
	assert.IsType(t, &noOpRateLimiter{}, f.createRateLimiter())
	assert.IsType(t, &noOpTracer{}, f.createTracer())

	f = NewFactory(&config.Config{Bridge: config.BridgeConfig{
		RateLimitEnabled:    true,
		RateLimitCapacity:   1,
		RateLimitRefillRate: time.Hour,
		EnableTracing:       true,
	}}, zerolog.Nop())
	assert.IsType(t, &adapters.TokenBucket{}, f.createRateLimiter())
	assert.IsType(t, &adapters.ZerologTracer{}, f.createTracer())
}

// TestFactory_RateLimitedOrchestrator tests that a prompt over the limit fails without reaching the model.
func TestFactory_RateLimitedOrchestrator(t *testing.T) {
	f := NewFactory(&config.Config{Bridge: config.BridgeConfig{
		RateLimitEnabled:    true,
		RateLimitCapacity:   1,
		RateLimitRefillRate: time.Hour,
	}}, zerolog.Nop())
	adapter := &StubAdapter{replies: []string{
		`{"error":{"code":-32002,"message":"none"}}`,
		`{"error":{"code":-32002,"message":"none"}}`,
	}}
	o := f.CreateOrchestrator(adapter, policy.NewManager(), f.CreateRegistry())

	res := o.Run(context.Background(), "first")
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeInsufficientTooling, res.Error.Code)

	res = o.Run(context.Background(), "second")
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeInternalError, res.Error.Code)
	assert.Contains(t, res.Error.Message, "rate limit")
	assert.Len(t, adapter.envelopes(t), 1)
}

func TestFactory_ApplyPolicies(t *testing.T) {
	cfg := &config.Config{Policies: []config.PolicyConfig{
		{Name: "metric", Rule: "Use metric units.", Tags: []string{"units"}, Active: true},
		{Name: "brief", Rule: "Be brief."},
	}}
	f := NewFactory(cfg, zerolog.Nop())

	m, err := f.CreatePolicyManager()
	require.NoError(t, err)
	assert.True(t, m.IsActive("metric"))
	assert.False(t, m.IsActive("brief"))
	assert.Len(t, m.User(), 2)

	require.NoError(t, m.Add(policy.Policy{Name: "local", Rule: "Added at runtime."}))
	require.NoError(t, m.Activate("local"))

	cfg.Policies[0].Active = false
	cfg.Policies[1].Active = true
	require.NoError(t, f.ApplyPolicies(m))
	assert.False(t, m.IsActive("metric"))
	assert.True(t, m.IsActive("brief"))
	assert.True(t, m.IsActive("local"))
}

func TestFactory_ApplyPoliciesReportsInvalid(t *testing.T) {
	f := NewFactory(&config.Config{Policies: []config.PolicyConfig{
		{Name: "no-rule"},
		{Name: "ok", Rule: "fine", Active: true},
	}}, zerolog.Nop())

	m := policy.NewManager()
	err := f.ApplyPolicies(m)
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrInvalidPolicy)
	assert.True(t, m.IsActive("ok"))
}

// TestFactory_ApplyPoliciesRejectsSystemNames tests that a configured policy
// cannot reuse a system policy name, whatever its activation flag.
func TestFactory_ApplyPoliciesRejectsSystemNames(t *testing.T) {
	for _, active := range []bool{true, false} {
		f := NewFactory(&config.Config{Policies: []config.PolicyConfig{
			{Name: policy.JSONOnlyOutput, Rule: "shadow", Active: active},
		}}, zerolog.Nop())

		m := policy.NewManager()
		err := f.ApplyPolicies(m)
		require.Error(t, err, "active=%v", active)
		assert.ErrorIs(t, err, policy.ErrExists)
		assert.NotErrorIs(t, err, policy.ErrSystemPolicy)
		assert.Empty(t, m.User())

		p, ok := m.Get(policy.JSONOnlyOutput)
		require.True(t, ok)
		assert.NotEqual(t, "shadow", p.Rule)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	buf.Reset()
	logger = NewLogger(config.LoggingConfig{Level: "nonsense"}, &buf)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	buf.Reset()
	logger = NewLogger(config.LoggingConfig{Level: "debug", Pretty: true}, &buf)
	logger.Debug().Msg("pretty")
	assert.Contains(t, buf.String(), "pretty")
	assert.NotContains(t, buf.String(), `"message"`)
}
