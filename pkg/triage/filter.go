package triage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// ErrInvalidExpression wraps CEL compile and type errors.
var ErrInvalidExpression = errors.New("invalid filter expression")

// Matcher evaluates a boolean CEL expression against a task. The
// expression sees one variable, task, with the fields id, type,
// resource_key, domain, attempts, max_attempts, last_error, payload,
// created_at, updated_at and age_seconds.
//
//	task.resource_key == "arxiv" && task.last_error.contains("429")
type Matcher struct {
	expr string
	prg  cel.Program
}

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

func celEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(cel.Variable("task", cel.DynType))
	})
	return env, envErr
}

// Compile parses expr. An empty expression matches every task.
func Compile(expr string) (*Matcher, error) {
	if expr == "" {
		return &Matcher{}, nil
	}
	e, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression yields %s, want bool", ErrInvalidExpression, out)
	}
	prg, err := e.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return &Matcher{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (m *Matcher) String() string { return m.expr }

// Match reports whether t satisfies the expression.
func (m *Matcher) Match(t *task.Task, now time.Time) (bool, error) {
	if m.prg == nil {
		return true, nil
	}
	out, _, err := m.prg.Eval(map[string]any{"task": activation(t, now)})
	if err != nil {
		return false, fmt.Errorf("evaluate %q on %s: %w", m.expr, t.ID, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %s", ErrInvalidExpression, m.expr, out.Type())
	}
	return bool(b), nil
}

func activation(t *task.Task, now time.Time) map[string]any {
	var payload any
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"id":           t.ID,
		"type":         t.Type,
		"resource_key": t.ResourceKey,
		"domain":       t.Domain,
		"attempts":     int64(t.Attempts),
		"max_attempts": int64(t.MaxAttempts),
		"last_error":   t.LastError,
		"payload":      payload,
		"created_at":   t.CreatedAt,
		"updated_at":   t.UpdatedAt,
		"age_seconds":  int64(now.Sub(t.CreatedAt).Seconds()),
	}
}
