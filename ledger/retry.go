package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"vault-settlement-system/logger"
)

// Retrying bounds every ledger read with a per-attempt timeout and retries
// transient failures with exponential backoff. Broadcast and confirm get a
// single overall deadline; the wrapped adapter owns resend and polling.
type Retrying struct {
	next            Adapter
	attemptTimeout  time.Duration
	confirmTimeout  time.Duration
	maxRetries      uint64
	initialInterval time.Duration
}

func NewRetrying(next Adapter, attemptTimeout, confirmTimeout time.Duration, maxRetries int) *Retrying {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrying{
		next:            next,
		attemptTimeout:  attemptTimeout,
		confirmTimeout:  confirmTimeout,
		maxRetries:      uint64(maxRetries),
		initialInterval: 250 * time.Millisecond,
	}
}

// WithInitialInterval overrides the first backoff delay.
func (r *Retrying) WithInitialInterval(d time.Duration) *Retrying {
	r.initialInterval = d
	return r
}

func (r *Retrying) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		defer cancel()

		err := fn(actx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isTransient(err) {
			return backoff.Permanent(err)
		}
		logger.WithFields(map[string]interface{}{
			"op":      op,
			"attempt": attempt,
		}).Warnf("ledger call failed, retrying: %v", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx))
}

func isTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Retrying) GetTransaction(ctx context.Context, reference string) (*Transaction, error) {
	var tx *Transaction
	err := r.retry(ctx, "getTransaction", func(ctx context.Context) error {
		var err error
		tx, err = r.next.GetTransaction(ctx, reference)
		return err
	})
	return tx, err
}

func (r *Retrying) ResolveAssetSubAccount(owner, assetID string) (string, error) {
	return r.next.ResolveAssetSubAccount(owner, assetID)
}

func (r *Retrying) GetLatestReferenceBlock(ctx context.Context) (string, error) {
	var ref string
	err := r.retry(ctx, "getLatestReferenceBlock", func(ctx context.Context) error {
		var err error
		ref, err = r.next.GetLatestReferenceBlock(ctx)
		return err
	})
	return ref, err
}

func (r *Retrying) AccountExists(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := r.retry(ctx, "accountExists", func(ctx context.Context) error {
		var err error
		exists, err = r.next.AccountExists(ctx, address)
		return err
	})
	return exists, err
}

func (r *Retrying) SignAndBroadcast(ctx context.Context, referenceBlock string, instructions []Instruction, signer Signer) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()
	return r.next.SignAndBroadcast(ctx, referenceBlock, instructions, signer)
}

func (r *Retrying) Confirm(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()
	err := r.next.Confirm(ctx, signature)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s not confirmed within %s", ErrNotConfirmed, signature, r.confirmTimeout)
	}
	return err
}
