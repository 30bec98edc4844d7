// Package apikey defines the capability contract a credential must satisfy
// to be managed by a pool.
package apikey

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownOperation is returned by Operations when the named operation is
// not registered.
var ErrUnknownOperation = errors.New("unknown operation")

// Key is a single credential able to authenticate one client connection.
//
// PrimaryKey must be stable for the lifetime of the credential. Usable must
// not panic on provider failures; it reports false instead.
type Key interface {
	PrimaryKey() string
	Connect(ctx context.Context) (Client, error)
	Usable(ctx context.Context, client Client) bool
}

// Client is a connected handle exposing named operations.
type Client interface {
	Call(ctx context.Context, op string, args ...any) (any, error)
}

// OperationFunc is a single named operation of a client.
type OperationFunc func(ctx context.Context, args ...any) (any, error)

// Operations is a Client backed by a table of named functions.
type Operations map[string]OperationFunc

// Call dispatches op to the registered function.
func (o Operations) Call(ctx context.Context, op string, args ...any) (any, error) {
	fn, ok := o[op]
	if !ok || fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	return fn(ctx, args...)
}

// Names lists registered operation names in no particular order.
func (o Operations) Names() []string {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	return names
}
