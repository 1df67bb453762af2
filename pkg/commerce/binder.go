package commerce

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/beanstalker/fulfillment/pkg/fulfillment"
)

// BindResult reports the identity the SDK session ended up with.
type BindResult struct {
	ResolvedIdentity     string
	WasAnonymousFallback bool
}

// BindObserver is notified about every bind outcome.
type BindObserver interface {
	ObserveBind(ctx context.Context, accountID string, result BindResult, err error)
}

// Binder makes the SDK session identity match the application account.
type Binder struct {
	sdk      SDK
	recorder MappingRecorder
	policy   RetryPolicy
	observer BindObserver
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithBindObserver wires an observer for bind outcomes.
func WithBindObserver(observer BindObserver) BinderOption {
	return func(binder *Binder) {
		binder.observer = observer
	}
}

// NewBinder wires a Binder.
func NewBinder(sdk SDK, recorder MappingRecorder, policy RetryPolicy, options ...BinderOption) (*Binder, error) {
	if sdk == nil {
		return nil, fmt.Errorf("%w: sdk is nil", ErrInvalidConfig)
	}
	if recorder == nil {
		return nil, fmt.Errorf("%w: mapping recorder is nil", ErrInvalidConfig)
	}
	binder := &Binder{sdk: sdk, recorder: recorder, policy: policy.normalized()}
	for _, option := range options {
		if option != nil {
			option(binder)
		}
	}
	return binder, nil
}

// Bind configures the SDK session for accountID. When the SDK keeps an
// anonymous identity after one corrective log-in, the pair is recorded as an
// anonymous mapping and the result is flagged as a fallback; purchases may
// still proceed. A non-nil error together with WasAnonymousFallback means the
// mapping could not be stored. A session still held by another account yields
// ErrForeignIdentity and purchases must not start.
func (binder *Binder) Bind(ctx context.Context, accountID string) (BindResult, error) {
	result, err := binder.bind(ctx, strings.TrimSpace(accountID))
	if binder.observer != nil {
		binder.observer.ObserveBind(ctx, accountID, result, err)
	}
	return result, err
}

func (binder *Binder) bind(ctx context.Context, accountID string) (BindResult, error) {
	if accountID == "" {
		return BindResult{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := withRetry(ctx, binder.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, binder.sdk.Configure(ctx, accountID)
	}); err != nil {
		return BindResult{}, fmt.Errorf("configure sdk: %w", err)
	}
	resolved, err := binder.currentIdentity(ctx)
	if err != nil {
		return BindResult{}, err
	}
	if resolved == accountID {
		return BindResult{ResolvedIdentity: resolved}, nil
	}

	// A failed log-in is not fatal: the re-read below decides the outcome.
	if _, err := withRetry(ctx, binder.policy, func(ctx context.Context) (string, error) {
		return binder.sdk.LogIn(ctx, accountID)
	}); err != nil && ctx.Err() != nil {
		return BindResult{}, fmt.Errorf("log in: %w", errors.Join(err, ctx.Err()))
	}
	resolved, err = binder.currentIdentity(ctx)
	if err != nil {
		return BindResult{}, err
	}
	if resolved == accountID {
		return BindResult{ResolvedIdentity: resolved}, nil
	}

	if !fulfillment.IsAnonymousIdentity(resolved) {
		return BindResult{ResolvedIdentity: resolved}, fmt.Errorf("%w: session holds %q, want %q", ErrForeignIdentity, resolved, accountID)
	}

	result := BindResult{ResolvedIdentity: resolved, WasAnonymousFallback: true}
	if _, err := withRetry(ctx, binder.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, binder.recorder.RecordMapping(ctx, resolved, accountID)
	}); err != nil {
		return result, fmt.Errorf("%w: %v", ErrMappingNotPersisted, err)
	}
	return result, nil
}

func (binder *Binder) currentIdentity(ctx context.Context) (string, error) {
	resolved, err := withRetry(ctx, binder.policy, binder.sdk.AppUserID)
	if err != nil {
		return "", fmt.Errorf("read sdk identity: %w", err)
	}
	return strings.TrimSpace(resolved), nil
}
