package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"faktura/internal/core/id"
	"faktura/pkg/logger"
)

// PrefixChangedChannel is notified by the organizations table trigger with
// the organization id as payload.
const PrefixChangedChannel = "organization_prefix_changed"

// PrefixListener invalidates a PrefixCache on PostgreSQL NOTIFY events.
type PrefixListener struct {
	pool  *pgxpool.Pool
	cache *PrefixCache

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// NewPrefixListener creates a listener for cache.
func NewPrefixListener(pool *pgxpool.Pool, cache *PrefixCache) *PrefixListener {
	return &PrefixListener{pool: pool, cache: cache}
}

// Start begins listening in the background.
func (l *PrefixListener) Start(ctx context.Context) {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	if l.started {
		return
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.started = true

	l.wg.Add(1)
	go l.listenLoop()
}

// Stop ends listening and waits for the loop to exit.
func (l *PrefixListener) Stop() {
	l.lifecycleMu.Lock()
	if !l.started {
		l.lifecycleMu.Unlock()
		return
	}
	cancel := l.cancel
	l.started = false
	l.cancel = nil
	l.lifecycleMu.Unlock()

	cancel()
	l.wg.Wait()
}

func (l *PrefixListener) listenLoop() {
	defer l.wg.Done()

	for l.ctx.Err() == nil {
		conn, err := l.pool.Acquire(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			logger.Error(l.ctx, "failed to acquire connection for LISTEN", "error", err)
			l.pause()
			continue
		}

		if _, err := conn.Exec(l.ctx, "LISTEN "+PrefixChangedChannel); err != nil {
			conn.Release()
			if l.ctx.Err() != nil {
				return
			}
			logger.Error(l.ctx, "failed to LISTEN", "channel", PrefixChangedChannel, "error", err)
			l.pause()
			continue
		}

		// Notifications sent while we were not listening are lost.
		l.cache.InvalidateAll()
		logger.Debug(l.ctx, "listening for prefix changes", "channel", PrefixChangedChannel)

		l.waitForNotifications(conn)
		// The connection still has LISTEN registered; do not hand it back to the pool.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}
}

func (l *PrefixListener) waitForNotifications(conn *pgxpool.Conn) {
	for {
		notification, err := conn.Conn().WaitForNotification(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				logger.Warn(l.ctx, "notification wait failed, reconnecting", "error", err)
			}
			return
		}

		payload := strings.TrimSpace(notification.Payload)
		orgID, err := id.Parse(payload)
		if err != nil {
			l.cache.InvalidateAll()
			continue
		}
		l.cache.Invalidate(orgID)
		logger.Debug(l.ctx, "organization prefix invalidated", "organization_id", payload)
	}
}

func (l *PrefixListener) pause() {
	select {
	case <-l.ctx.Done():
	case <-time.After(time.Second):
	}
}
