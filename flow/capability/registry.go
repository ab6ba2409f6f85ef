// Package capability is the lookup table through which stages invoke
// externally-provided tools. Each capability declares its operations with a
// JSON-schema parameter contract; the registry owns lifecycle, health
// checking, and failure isolation. Stages receive a handle through their
// stage context and must not resolve capabilities any other way.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sony/gobreaker"
)

// ErrUnknownCapability is returned by Call for an unregistered name.
var ErrUnknownCapability = errors.New("capability: unknown capability")

// ErrUnknownOperation is returned by Call for an undeclared operation.
var ErrUnknownOperation = errors.New("capability: unknown operation")

// ErrUnavailable is returned when the capability's breaker is open or the
// capability is stopped.
var ErrUnavailable = errors.New("capability: unavailable")

// ErrInvalidParams is returned when params fail the operation's schema.
var ErrInvalidParams = errors.New("capability: invalid params")

// Operation declares one callable operation and its parameter contract.
type Operation struct {
	Description string

	// Schema is the JSON-schema source validating the params object. Empty
	// means any params are accepted.
	Schema string
}

// Capability is an externally-provided tool.
type Capability interface {
	// Name is the registry key.
	Name() string

	// Operations declares the callable operation set.
	Operations() map[string]Operation

	// Start brings the capability up. Called by the registry only.
	Start(ctx context.Context) error

	// Stop tears the capability down. Called by the registry only.
	Stop(ctx context.Context) error

	// Healthy probes the capability.
	Healthy(ctx context.Context) error

	// Invoke performs one operation. Params are already validated against
	// the declared schema.
	Invoke(ctx context.Context, operation string, params map[string]any) (map[string]any, error)
}

// entry is one registered capability with its compiled schemas and breaker.
type entry struct {
	cap     Capability
	schemas map[string]*jsonschema.Schema
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	started bool
}

// Registry owns capability lookup and lifecycle. Three consecutive failures
// open a capability's breaker; an open breaker triggers a restart, and the
// breaker half-opens after its cooldown.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]*entry
	log  *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{caps: make(map[string]*entry), log: log}
}

// Register compiles the capability's schemas and starts it.
func (r *Registry) Register(ctx context.Context, cap Capability) error {
	name := cap.Name()
	schemas := make(map[string]*jsonschema.Schema)
	for op, decl := range cap.Operations() {
		if decl.Schema == "" {
			continue
		}
		sch, err := compileSchema(name, op, decl.Schema)
		if err != nil {
			return fmt.Errorf("capability %s operation %s: %w", name, op, err)
		}
		schemas[op] = sch
	}

	e := &entry{cap: cap, schemas: schemas}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("capability breaker state change", "capability", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				go r.restart(name)
			}
		},
	})

	if err := cap.Start(ctx); err != nil {
		return fmt.Errorf("capability %s failed to start: %w", name, err)
	}
	e.started = true

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; exists {
		_ = cap.Stop(ctx)
		return fmt.Errorf("capability %s already registered", name)
	}
	r.caps[name] = e
	return nil
}

// Call validates params against the operation's contract and invokes the
// capability through its breaker.
func (r *Registry) Call(ctx context.Context, name, operation string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	if _, declared := e.cap.Operations()[operation]; !declared {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownOperation, name, operation)
	}
	if sch, ok := e.schemas[operation]; ok {
		if err := sch.Validate(normalizeParams(params)); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidParams, name, operation, err)
		}
	}

	result, err := e.breaker.Execute(func() (any, error) {
		return e.cap.Invoke(ctx, operation, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
		}
		return nil, err
	}
	out, _ := result.(map[string]any)
	return out, nil
}

// CheckHealth probes every registered capability, returning the names that
// failed with their errors.
func (r *Registry) CheckHealth(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	failed := make(map[string]error)
	for name, e := range r.caps {
		if err := e.cap.Healthy(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// Shutdown stops every capability.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.caps {
		e.mu.Lock()
		if e.started {
			if err := e.cap.Stop(ctx); err != nil {
				r.log.Warn("capability stop failed", "capability", name, "error", err)
			}
			e.started = false
		}
		e.mu.Unlock()
	}
}

// restart cycles a capability after its breaker opened.
func (r *Registry) restart(name string) {
	r.mu.RLock()
	e, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		if err := e.cap.Stop(ctx); err != nil {
			r.log.Warn("capability stop during restart failed", "capability", name, "error", err)
		}
		e.started = false
	}
	if err := e.cap.Start(ctx); err != nil {
		r.log.Error("capability restart failed", "capability", name, "error", err)
		return
	}
	e.started = true
	r.log.Info("capability restarted", "capability", name)
}

func compileSchema(capName, op, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("invalid schema json: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "registry:///" + capName + "/" + op + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return sch, nil
}

// normalizeParams converts params into the generic shape the validator
// expects, matching what json.Unmarshal into any would produce.
func normalizeParams(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}
