package age

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Listen takes a connection out of pool, LISTENs on channel and signals
// every notification on the returned channel. Bursts coalesce into one
// signal. The channel closes when ctx is done or the connection fails, after
// which callers fall back to polling.
func Listen(ctx context.Context, pool *pgxpool.Pool, channel string, logger *zap.Logger) (<-chan struct{}, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool.Acquire: %w", err)
	}
	// the connection stays in LISTEN mode, so it never goes back to the pool
	conn := pc.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer conn.Close(context.Background())

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("notification listener stopped", zap.String("channel", channel), zap.Error(err))
				}
				return
			}
			logger.Debug("notification", zap.String("channel", n.Channel), zap.String("payload", n.Payload))
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}
