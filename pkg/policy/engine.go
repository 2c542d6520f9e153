package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine compiles and evaluates admission policies.
type Engine struct {
	mu           sync.RWMutex
	policies     map[string]*compiledPolicy
	allowedTypes []string
	logger       zerolog.Logger
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the built-in policies compiled. The
// allowlist feeds the instance-type policy; empty admits any type.
func NewEngine(logger zerolog.Logger, allowedInstanceTypes []string) (*Engine, error) {
	e := &Engine{
		policies:     make(map[string]*compiledPolicy),
		allowedTypes: allowedInstanceTypes,
		logger:       logger,
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("built-in policies loaded")
	return e, nil
}

// LoadPolicies compiles the .rego files at the given paths (files or
// directories) as additional error-severity policies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loaded := 0
	for _, path := range paths {
		files, err := regoFiles(path)
		if err != nil {
			return err
		}
		for _, file := range files {
			source, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read policy %s: %w", file, err)
			}
			p := Policy{
				Name:     strings.TrimSuffix(filepath.Base(file), ".rego"),
				Severity: SeverityError,
				Enabled:  true,
				Rego:     string(source),
			}
			if err := e.compileAndStore(ctx, &p); err != nil {
				return fmt.Errorf("failed to compile policy %s: %w", file, err)
			}
			loaded++
		}
	}

	e.logger.Info().Int("count", loaded).Msg("custom policies loaded")
	return nil
}

// Evaluate runs all enabled policies against the request.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := Input{
		Request:              req,
		AllowedInstanceTypes: e.allowedTypes,
		Timestamp:            time.Now(),
	}

	var violations []Violation
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		vs, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		violations = append(violations, vs...)
	}

	allowed := true
	for i := range violations {
		if violations[i].Severity == string(SeverityError) {
			allowed = false
			break
		}
	}

	sort.Slice(violations, func(i, j int) bool { return violations[i].Policy < violations[j].Policy })

	return &Result{
		Allowed:     allowed,
		Violations:  violations,
		EvaluatedAt: time.Now(),
	}, nil
}

// Admit evaluates the request and returns an error describing the
// violations when it is denied.
func (e *Engine) Admit(ctx context.Context, instanceType, pkg string) error {
	result, err := e.Evaluate(ctx, Request{InstanceType: instanceType, Package: pkg})
	if err != nil {
		return err
	}
	if result.Allowed {
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		if v.Severity == string(SeverityError) {
			messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	return fmt.Errorf("admission denied: %s", strings.Join(messages, "; "))
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

func makeViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
	}
	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(query),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: time.Now(),
	}
	return nil
}

// extractPackageName pulls the package declaration out of Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "pkgsmoke.policies"
}

func regoFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy path %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".rego") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory %s: %w", path, err)
	}
	return files, nil
}
