package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingWithdrawal is a paid-but-unrecorded withdrawal awaiting reconciliation.
type PendingWithdrawal struct {
	Record        WithdrawalRecord `json:"record"`
	Attempts      int              `json:"attempts"`
	FirstFailedAt time.Time        `json:"first_failed_at"`
	LastError     string           `json:"last_error"`
}

// ReconcileQueue is a FIFO backlog in a Redis list: LPUSH in, RPOP out.
type ReconcileQueue struct {
	rdb redis.UniversalClient
	key string
}

func NewReconcileQueue(rdb redis.UniversalClient) *ReconcileQueue {
	return &ReconcileQueue{rdb: rdb, key: "reconcile:withdrawals"}
}

func (q *ReconcileQueue) Push(ctx context.Context, p PendingWithdrawal) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending withdrawal %s: %w", p.Record.TxHash, err)
	}
	return q.rdb.LPush(ctx, q.key, b).Err()
}

// Pop returns the oldest entry, or nil when the backlog is empty.
func (q *ReconcileQueue) Pop(ctx context.Context) (*PendingWithdrawal, error) {
	b, err := q.rdb.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p PendingWithdrawal
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode pending withdrawal: %w", err)
	}
	return &p, nil
}

func (q *ReconcileQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}
