package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-federation/pkg/federation"
)

const (
	defaultEntrypoint    = "federation/admission"
	defaultCacheCapacity = 1024
)

// DefaultModule admits every origin.
const DefaultModule = `package federation.admission

default allow := true
`

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the decision path (e.g. "federation/admission"). The
	// document at that path must be an object with a boolean "allow" and an
	// optional string "reason".
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

// Decision is the result of one admission evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// AdmissionEngine evaluates origin admission decisions with an embedded OPA
// instance.
type AdmissionEngine struct {
	entrypoint string
	cacheSize  int

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cache    *lru.Cache[string, Decision]
}

// NewEngine compiles opts.Modules and returns an engine ready to evaluate.
func NewEngine(ctx context.Context, opts EngineOptions) (*AdmissionEngine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	cacheSize := opts.CacheMaxEntries
	switch {
	case cacheSize == 0:
		cacheSize = defaultCacheCapacity
	case cacheSize < 0:
		cacheSize = 0
	}

	e := &AdmissionEngine{entrypoint: entry, cacheSize: cacheSize}
	if err := e.Reload(ctx, opts.Modules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload recompiles the engine with modules and flushes cached decisions.
// The engine keeps its previous modules when compilation fails.
func (e *AdmissionEngine) Reload(ctx context.Context, modules map[string]string) error {
	if len(modules) == 0 {
		return errors.New("policy engine requires at least one rego module")
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]func(*rego.Rego), 0, len(names)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(e.entrypoint, "/", ".")))
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return fmt.Errorf("parse rego module %q: %w", name, err)
		}
		opts = append(opts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile rego modules: %w", err)
	}

	var cache *lru.Cache[string, Decision]
	if e.cacheSize > 0 {
		cache, err = lru.New[string, Decision](e.cacheSize)
		if err != nil {
			return fmt.Errorf("create decision cache: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.prepared = &prepared
	e.cache = cache
	return nil
}

// Evaluate returns the admission decision for input.
func (e *AdmissionEngine) Evaluate(ctx context.Context, input federation.AdmissionInput) (Decision, error) {
	e.mu.RLock()
	prepared, cache := e.prepared, e.cache
	e.mu.RUnlock()

	key := string(input.Origin) + "\x00" + input.Method + "\x00" + input.Path
	if cache != nil {
		if cached, ok := cache.Get(key); ok {
			return cached, nil
		}
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(map[string]any{
		"origin": string(input.Origin),
		"method": input.Method,
		"path":   input.Path,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	// An undefined decision document denies.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: false, Reason: "undefined admission decision"}, nil
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	decision := Decision{}
	switch allow := payload["allow"].(type) {
	case bool:
		decision.Allow = allow
	case nil:
	default:
		return Decision{}, fmt.Errorf("opa decision: allow must be bool, got %T", allow)
	}
	decision.Reason, _ = payload["reason"].(string)

	if cache != nil {
		cache.Add(key, decision)
	}
	return decision, nil
}

// Admit implements federation.AdmissionPolicy.
func (e *AdmissionEngine) Admit(ctx context.Context, input federation.AdmissionInput) (bool, string, error) {
	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return false, "", err
	}
	return decision.Allow, decision.Reason, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *AdmissionEngine) FlushCache() {
	e.mu.RLock()
	cache := e.cache
	e.mu.RUnlock()
	if cache != nil {
		cache.Purge()
	}
}

// LoadModules reads .rego files. Each path may be a file or a directory,
// which is scanned non-recursively.
func LoadModules(paths []string) (map[string]string, error) {
	modules := make(map[string]string)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat policy path: %w", err)
		}
		files := []string{p}
		if info.IsDir() {
			files, err = filepath.Glob(filepath.Join(p, "*.rego"))
			if err != nil {
				return nil, fmt.Errorf("list policy dir %s: %w", p, err)
			}
		}
		for _, f := range files {
			// #nosec G304 -- policy paths come from operator configuration.
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("read policy module: %w", err)
			}
			modules[f] = string(data)
		}
	}
	if len(modules) == 0 {
		return nil, errors.New("no rego modules found")
	}
	return modules, nil
}
