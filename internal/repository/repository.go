// Package repository dispatches named operations to the scoped repositories a
// worker owns, and gives callers on other workers typed handles to them.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"workerbus/internal/envelope"
	"workerbus/internal/rpc"
)

var (
	ErrRepositoryNotFound = rpc.NewCodedError("repository_not_found", "repository not found")
	ErrOperationNotFound  = rpc.NewCodedError("operation_not_found", "operation not found")
)

// RoutingError names the scope and operation that could not be dispatched.
type RoutingError struct {
	Scope string
	Name  string
	Err   error
}

func (e *RoutingError) Error() string {
	if e.Err == ErrRepositoryNotFound {
		return fmt.Sprintf("%s: %q", e.Err, e.Scope)
	}
	return fmt.Sprintf("%s: %q in repository %q", e.Err, e.Name, e.Scope)
}

func (e *RoutingError) Unwrap() error { return e.Err }

func (e *RoutingError) ErrorCode() string { return rpc.CodeOf(e.Err) }

// OperationFunc receives the raw args exactly as the caller sent them.
type OperationFunc func(ctx context.Context, args json.RawMessage) (any, error)

type Repository struct {
	scope string
	mu    sync.RWMutex
	ops   map[string]OperationFunc
}

func (r *Repository) Scope() string { return r.scope }

// Register adds an untyped operation. Registering a name twice panics.
func (r *Repository) Register(name string, fn OperationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ops[name]; dup {
		panic(fmt.Sprintf("repository %s: operation %s registered twice", r.scope, name))
	}
	r.ops[name] = fn
}

// Operations lists the registered operation names in order.
func (r *Repository) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for n := range r.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Repository) lookup(name string) (OperationFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.ops[name]
	return fn, ok
}

// Add registers a typed operation on repo. Args are decoded into A; the
// result is returned unchanged for the transport to marshal.
func Add[A, R any](repo *Repository, name string, fn func(ctx context.Context, args A) (R, error)) {
	repo.Register(name, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode args for %s.%s: %w", repo.scope, name, err)
			}
		}
		return fn(ctx, args)
	})
}

// Registry maps scope to repository for one worker.
type Registry struct {
	mu    sync.RWMutex
	repos map[string]*Repository
}

func NewRegistry() *Registry {
	return &Registry{repos: make(map[string]*Repository)}
}

// Repository returns the repository for scope, creating it on first use.
func (g *Registry) Repository(scope string) *Repository {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.repos[scope]
	if !ok {
		r = &Repository{scope: scope, ops: make(map[string]OperationFunc)}
		g.repos[scope] = r
	}
	return r
}

func (g *Registry) Scopes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	scopes := make([]string, 0, len(g.repos))
	for s := range g.repos {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes
}

// Dispatch runs op against the matching repository. It satisfies
// rpc.HandlerFunc.
func (g *Registry) Dispatch(ctx context.Context, op envelope.Operation) (any, error) {
	g.mu.RLock()
	repo, ok := g.repos[op.Name]
	g.mu.RUnlock()
	if !ok {
		return nil, &RoutingError{Scope: op.Name, Name: op.Key, Err: ErrRepositoryNotFound}
	}
	fn, ok := repo.lookup(op.Key)
	if !ok {
		return nil, &RoutingError{Scope: op.Name, Name: op.Key, Err: ErrOperationNotFound}
	}
	return fn(ctx, op.Data)
}
