package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrUnknownType    = errors.New("unknown task type")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrDuplicateType  = errors.New("task type already registered")
)

// HandlerFunc executes one task. It must be idempotent: the engine delivers
// at least once.
type HandlerFunc func(ctx context.Context, t *task.Task) task.Outcome

// Handler is a registered HandlerFunc plus its payload contract.
type Handler struct {
	Type    string
	Fn      HandlerFunc
	Timeout time.Duration
	schema  *jsonschema.Schema
	rawSch  string
}

// HandlerOption configures a Handler at registration.
type HandlerOption func(*Handler)

// WithSchema validates payloads against a JSON Schema (draft 2020-12)
// before the handler runs. A payload that fails is a terminal failure.
func WithSchema(schema string) HandlerOption {
	return func(h *Handler) { h.rawSch = schema }
}

// WithTimeout overrides the pool's handler timeout for this type.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.Timeout = d }
}

// Validate checks payload against the handler's schema, if any.
func (h *Handler) Validate(payload json.RawMessage) error {
	if h.schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := h.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register adds a handler for typ.
func (r *Registry) Register(typ string, fn HandlerFunc, opts ...HandlerOption) error {
	typ = strings.TrimSpace(typ)
	if typ == "" || fn == nil {
		return errors.New("register: type and handler are required")
	}
	h := &Handler{Type: typ, Fn: fn}
	for _, opt := range opts {
		opt(h)
	}
	if h.rawSch != "" {
		url := "conveyor://schemas/" + typ + ".json"
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(url, strings.NewReader(h.rawSch)); err != nil {
			return fmt.Errorf("register %q: invalid schema: %w", typ, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("register %q: schema compile failed: %w", typ, err)
		}
		h.schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[typ]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, typ)
	}
	r.handlers[typ] = h
	return nil
}

// Handle registers a handler that receives its payload decoded into T.
// A payload that does not decode is a terminal failure.
func Handle[T any](r *Registry, typ string, fn func(ctx context.Context, payload T) task.Outcome, opts ...HandlerOption) error {
	return r.Register(typ, func(ctx context.Context, t *task.Task) task.Outcome {
		var payload T
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return task.Terminal(fmt.Errorf("%w: decode %s payload: %v", ErrInvalidPayload, typ, err))
		}
		return fn(ctx, payload)
	}, opts...)
}

// Lookup returns the handler for typ.
func (r *Registry) Lookup(typ string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Validate checks that typ is registered and payload satisfies its schema.
func (r *Registry) Validate(typ string, payload json.RawMessage) error {
	h, ok := r.Lookup(typ)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return h.Validate(payload)
}

// Types lists registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for typ := range r.handlers {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
