// Package caller runs one operation on a pool-selected key and books the
// outcome into the pool and the ledger.
package caller

import (
	"context"
	"errors"
	"time"

	"apipool-go/internal/ledger"
	"apipool-go/internal/monitoring"
	"apipool-go/internal/monitoring/tracing"
	"apipool-go/internal/pool"

	log "github.com/sirupsen/logrus"
)

// Classifier reports whether err means the key's quota is exhausted.
type Classifier func(err error) bool

// MatchError classifies errors that wrap target.
func MatchError(target error) Classifier {
	return func(err error) bool { return errors.Is(err, target) }
}

// MatchType classifies errors that wrap a value of type T.
func MatchType[T error]() Classifier {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

// AnyOf combines classifiers with OR semantics.
func AnyOf(classifiers ...Classifier) Classifier {
	return func(err error) bool {
		for _, c := range classifiers {
			if c != nil && c(err) {
				return true
			}
		}
		return false
	}
}

// Options configure a Caller.
type Options struct {
	// IsQuotaExceeded picks out quota failures. Nil treats every failure
	// as a generic one.
	IsQuotaExceeded Classifier
}

// Caller is safe for concurrent use.
type Caller struct {
	pool    *pool.Pool
	ledger  *ledger.Ledger
	isQuota Classifier
}

// New builds a caller over p. A nil l falls back to the pool's ledger.
func New(p *pool.Pool, l *ledger.Ledger, opts Options) *Caller {
	if l == nil {
		l = p.Ledger()
	}
	isQuota := opts.IsQuotaExceeded
	if isQuota == nil {
		isQuota = func(error) bool { return false }
	}
	return &Caller{pool: p, ledger: l, isQuota: isQuota}
}

// Invoke selects a key and calls op on its client exactly once. The result
// is returned unchanged on success. Failures are returned as produced by
// the client; a quota failure additionally retires the key.
func (c *Caller) Invoke(ctx context.Context, op string, args ...any) (any, error) {
	ctx, span := tracing.StartInvoke(ctx, op)
	start := time.Now()

	member, err := c.pool.SelectRandom()
	if err != nil {
		monitoring.RecordCall(op, "exhausted", time.Since(start).Seconds())
		tracing.EndInvoke(span, "", "exhausted", err)
		return nil, err
	}
	id := member.ID()

	result, callErr := c.call(ctx, member, op, args)
	status := c.classify(callErr)

	if status == ledger.StatusReachLimit {
		if _, err := c.pool.Retire(id, pool.ReasonReachLimit, callErr); err != nil {
			log.WithError(err).WithFields(log.Fields{"key": id, "op": op}).Warn("quota exceeded on a key that is no longer active")
		}
	}
	c.record(ctx, id, op, status)

	monitoring.RecordCall(op, status.String(), time.Since(start).Seconds())
	tracing.EndInvoke(span, id, status.String(), callErr)
	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}

// Operation binds op so the caller reads like a plain function.
func (c *Caller) Operation(op string) func(ctx context.Context, args ...any) (any, error) {
	return func(ctx context.Context, args ...any) (any, error) {
		return c.Invoke(ctx, op, args...)
	}
}

func (c *Caller) call(ctx context.Context, member *pool.Member, op string, args []any) (any, error) {
	client, err := member.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return client.Call(ctx, op, args...)
}

func (c *Caller) classify(err error) ledger.Status {
	switch {
	case err == nil:
		return ledger.StatusSuccess
	case c.isQuota(err):
		return ledger.StatusReachLimit
	default:
		return ledger.StatusFailed
	}
}

func (c *Caller) record(ctx context.Context, id, op string, status ledger.Status) {
	// bookkeeping survives caller cancellation
	ctx = context.WithoutCancel(ctx)
	if _, err := c.ledger.RecordEvent(ctx, id, status); err != nil {
		monitoring.RecordLedgerError("invoke")
		log.WithError(err).WithFields(log.Fields{
			"key":    id,
			"op":     op,
			"status": status,
		}).Error("failed to record call outcome")
	}
}
