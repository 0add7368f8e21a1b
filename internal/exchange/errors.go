package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

type ErrorKind string

const (
	// KindTransient covers network failures, timeouts and exchange overload.
	KindTransient ErrorKind = "transient"
	// KindRejected is an expected business refusal (post-only would take, reduce-only would increase).
	KindRejected ErrorKind = "rejected"
	// KindNotFound means the order is unknown to the exchange, usually already gone.
	KindNotFound ErrorKind = "not_found"
	// KindDuplicate means the client order id was already used: a retried
	// placement whose first attempt reached the exchange.
	KindDuplicate ErrorKind = "duplicate"
	KindFatal     ErrorKind = "fatal"
)

var (
	ErrTransient = errors.New("exchange: transient error")
	ErrRejected  = errors.New("exchange: rejected")
	ErrNotFound  = errors.New("exchange: order not found")
	ErrDuplicate = errors.New("exchange: client order id already placed")
	// ErrWouldTake is the post-only rejection. It is also ErrRejected.
	ErrWouldTake = fmt.Errorf("%w: post-only order would execute as taker", ErrRejected)
)

type Error struct {
	Kind ErrorKind
	Code int64
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code=%d): %s", e.Op, e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrDuplicate:
		return e.Kind == KindDuplicate
	case ErrWouldTake:
		return e.Kind == KindRejected && errors.Is(e.Err, ErrWouldTake)
	}
	return false
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsWouldTake(err error) bool { return errors.Is(err, ErrWouldTake) }
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicate) }

type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var DefaultRetry = RetryPolicy{Attempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 3 * time.Second}

// Retry runs fn until it succeeds, returns a non-transient error, or attempts run out.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		res T
		err error
	)
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	delay := p.BaseDelay
	for i := 0; i < p.Attempts; i++ {
		res, err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return res, err
		}
		if i == p.Attempts-1 {
			break
		}
		jitter := time.Duration(0)
		if delay > 0 {
			jitter = time.Duration(rand.Int63n(int64(delay)/2 + 1))
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return res, err
}
