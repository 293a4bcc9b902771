package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quotaforge/ratelimit/utils"
)

// reconnect backoff parameters, grounded on the same shape as the pack's
// holomush policy cache (WithReconnectConfig): start small, double, cap out.
const (
	reconnectInitial = 100 * time.Millisecond
	reconnectMax     = 30 * time.Second
	reconnectFactor  = 2.0
)

// Subscribe listens on the policy_changes channel and sends a ChangeEvent for
// every insert/update/delete notification (spec §4.3). It reconnects with
// exponential backoff across connection drops and closes the returned channel
// when ctx is cancelled. If the store's Postgres instance doesn't support
// LISTEN/NOTIFY (e.g. a read replica), failed subscriptions still let the
// cache operate correctly under TTL-only consistency (spec §4.3 fallback).
func (s *Store) Subscribe(ctx context.Context) <-chan ChangeEvent {
	out := make(chan ChangeEvent, 64)
	go s.listenLoop(ctx, out)
	return out
}

func (s *Store) listenLoop(ctx context.Context, out chan<- ChangeEvent) {
	defer close(out)

	backoff := reconnectInitial
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.listenOnce(ctx, out); err != nil {
			slog.Warn("policy change listener disconnected", "error", err, "retry_in", backoff)
			if werr := utils.SleepOrWait(ctx, backoff, 0); werr != nil {
				return
			}
			backoff = time.Duration(float64(backoff) * reconnectFactor)
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		// listenOnce only returns nil when ctx was cancelled.
		return
	}
}

func (s *Store) listenOnce(ctx context.Context, out chan<- ChangeEvent) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN policy_changes"); err != nil {
		return err
	}

	for {
		notif, err := waitForNotification(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var evt ChangeEvent
		if err := json.Unmarshal([]byte(notif), &evt); err != nil {
			slog.Warn("policy change notification decode failed", "error", err)
			continue
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			return nil
		}
	}
}

func waitForNotification(ctx context.Context, conn *pgxpool.Conn) (string, error) {
	n, err := conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}
