package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-settlement-system/ledger"
	"vault-settlement-system/ledger/ledgertest"
)

func newRetrying(fake *ledgertest.Fake, retries int) *ledger.Retrying {
	return ledger.NewRetrying(fake, time.Second, time.Second, retries).WithInitialInterval(time.Millisecond)
}

func TestRetryingRecoversFromTransientErrors(t *testing.T) {
	fake := ledgertest.NewFake()
	fake.AddTransaction(&ledger.Transaction{Signature: "abc"})
	fake.GetTransactionErrs = []error{
		fmt.Errorf("rpc 503: %w", ledger.ErrTransient),
		fmt.Errorf("reset: %w", ledger.ErrTransient),
	}

	tx, err := newRetrying(fake, 3).GetTransaction(context.Background(), "abc")
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, 3, fake.Lookups("abc"))
}

func TestRetryingGivesUpAfterMaxRetries(t *testing.T) {
	fake := ledgertest.NewFake()
	fake.GetTransactionErrs = []error{ledger.ErrTransient, ledger.ErrTransient, ledger.ErrTransient}

	_, err := newRetrying(fake, 2).GetTransaction(context.Background(), "abc")
	assert.ErrorIs(t, err, ledger.ErrTransient)
	assert.Equal(t, 3, fake.Lookups("abc"))
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	fake := ledgertest.NewFake()
	permanent := errors.New("invalid signature encoding")
	fake.GetTransactionErrs = []error{permanent}

	_, err := newRetrying(fake, 3).GetTransaction(context.Background(), "abc")
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, fake.Lookups("abc"))
}

type slowConfirm struct {
	*ledgertest.Fake
}

func (s slowConfirm) Confirm(ctx context.Context, signature string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRetryingConfirmTimeoutIsFailure(t *testing.T) {
	r := ledger.NewRetrying(slowConfirm{ledgertest.NewFake()}, time.Second, 20*time.Millisecond, 1)

	err := r.Confirm(context.Background(), "sig")
	assert.ErrorIs(t, err, ledger.ErrNotConfirmed)
}

func TestCachedServesConfirmedTransactions(t *testing.T) {
	fake := ledgertest.NewFake()
	fake.AddTransaction(&ledger.Transaction{Signature: "abc"})

	cached, err := ledger.NewCached(fake, 100)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.GetTransaction(ctx, "abc")
	require.NoError(t, err)
	cached.Wait()
	second, err := cached.GetTransaction(ctx, "abc")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, fake.Lookups("abc"))
}

func TestCachedDoesNotCacheMisses(t *testing.T) {
	fake := ledgertest.NewFake()
	cached, err := ledger.NewCached(fake, 100)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	tx, err := cached.GetTransaction(ctx, "later")
	require.NoError(t, err)
	assert.Nil(t, tx)
	cached.Wait()

	fake.AddTransaction(&ledger.Transaction{Signature: "later"})
	tx, err = cached.GetTransaction(ctx, "later")
	require.NoError(t, err)
	assert.NotNil(t, tx)
	assert.Equal(t, 2, fake.Lookups("later"))
}
