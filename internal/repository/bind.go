package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"workerbus/internal/domain"
)

// Invoker issues a call to an operation on another worker. *rpc.Caller
// satisfies it.
type Invoker interface {
	Call(ctx context.Context, target domain.WorkerID, scope, name string, args any) (json.RawMessage, error)
}

// Func is the caller-side shape of a remote operation.
type Func[A, R any] func(ctx context.Context, args A) (R, error)

// Bind returns a typed function that calls scope.name on target.
func Bind[A, R any](inv Invoker, target domain.WorkerID, scope, name string) Func[A, R] {
	return func(ctx context.Context, args A) (R, error) {
		var out R
		raw, err := inv.Call(ctx, target, scope, name, args)
		if err != nil {
			return out, err
		}
		if len(raw) == 0 || string(raw) == "null" {
			return out, nil
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("decode result of %s.%s: %w", scope, name, err)
		}
		return out, nil
	}
}
