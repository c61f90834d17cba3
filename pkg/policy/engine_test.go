package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/federation"
)

const denyModule = `package federation.admission

default allow := false

allow if {
	not input.origin in blocked
}

reason := "origin is blocked" if {
	input.origin in blocked
}

blocked := {"evil.example.com"}
`

func TestEngineAllowsAndDenies(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{Modules: map[string]string{"deny.rego": denyModule}})
	require.NoError(t, err)

	allowed, reason, err := engine.Admit(ctx, federation.AdmissionInput{
		Origin: domain.ServerName("good.example.com"),
		Method: "GET",
		Path:   "/_matrix/federation/v1/version",
	})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, reason)

	allowed, reason, err = engine.Admit(ctx, federation.AdmissionInput{
		Origin: domain.ServerName("evil.example.com"),
		Method: "PUT",
		Path:   "/_matrix/federation/v1/send/1",
	})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, "origin is blocked", reason)
}

func TestEngineDefaultModule(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{
		Modules:         map[string]string{"default.rego": DefaultModule},
		CacheMaxEntries: -1,
	})
	require.NoError(t, err)

	decision, err := engine.Evaluate(ctx, federation.AdmissionInput{Origin: "any.example.com"})
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestEngineUndefinedDecisionDenies(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{
		Entrypoint: "federation/missing",
		Modules:    map[string]string{"default.rego": DefaultModule},
	})
	require.NoError(t, err)

	decision, err := engine.Evaluate(ctx, federation.AdmissionInput{Origin: "any.example.com"})
	require.NoError(t, err)
	assert.False(t, decision.Allow)
}

func TestEngineRejectsNonBooleanAllow(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{Modules: map[string]string{
		"bad.rego": "package federation.admission\n\nallow := \"yes\"\n",
	}})
	require.NoError(t, err)

	_, _, err = engine.Admit(ctx, federation.AdmissionInput{Origin: "any.example.com"})
	require.Error(t, err)
}

func TestEngineConstructionErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewEngine(ctx, EngineOptions{})
	require.Error(t, err)

	_, err = NewEngine(ctx, EngineOptions{Modules: map[string]string{"broken.rego": "package"}})
	require.Error(t, err)
}

func TestEngineReloadFlushesCache(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{Modules: map[string]string{"default.rego": DefaultModule}})
	require.NoError(t, err)

	input := federation.AdmissionInput{Origin: "evil.example.com"}
	allowed, _, err := engine.Admit(ctx, input)
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, engine.Reload(ctx, map[string]string{"deny.rego": denyModule}))
	allowed, _, err = engine.Admit(ctx, input)
	require.NoError(t, err)
	assert.False(t, allowed)

	// A failed reload keeps the previous modules.
	require.Error(t, engine.Reload(ctx, map[string]string{"broken.rego": "package"}))
	allowed, _, err = engine.Admit(ctx, input)
	require.NoError(t, err)
	assert.False(t, allowed)

	engine.FlushCache()
}

func TestLoadModules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.rego"), []byte(DefaultModule), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	modules, err := LoadModules([]string{dir})
	require.NoError(t, err)
	assert.Len(t, modules, 1)

	_, err = LoadModules([]string{filepath.Join(dir, "missing.rego")})
	require.Error(t, err)

	_, err = LoadModules([]string{t.TempDir()})
	require.Error(t, err)
}
