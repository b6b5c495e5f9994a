// Package contextcache caches per-user application context (profile,
// permissions, organization data) in segments with a hard expiry.
//
// Each segment is cached independently so a permissions refresh does
// not invalidate the profile. Expired entries are purged on read and by
// a background sweeper; an expired segment is never served. When a
// segment is missing and cannot be fetched, a bootstrap document on
// disk provides last-resort defaults so the app can start logged-out
// sessions offline.
package contextcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/classkit/satchel/internal/netmon"
	"github.com/classkit/satchel/internal/store"
)

// Segment names the independently cached slices of user context.
type Segment string

const (
	SegmentProfile      Segment = "profile"
	SegmentPermissions  Segment = "permissions"
	SegmentOrganization Segment = "organization"
	SegmentAssignment   Segment = "assignment"
	SegmentTimetable    Segment = "timetable"
)

const (
	// DefaultTTL is how long a cached segment stays servable.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultSweepInterval is how often the background sweeper purges
	// expired rows.
	DefaultSweepInterval = 30 * time.Minute
)

// ErrUnavailable means a segment is absent everywhere: cache expired or
// missing, live fetch impossible, no bootstrap entry.
var ErrUnavailable = errors.New("context segment unavailable")

const timeLayout = time.RFC3339Nano

// Fetcher retrieves a fresh segment from the server. It is only
// invoked while the network monitor reports online.
type Fetcher interface {
	FetchSegment(ctx context.Context, userID string, segment Segment) (json.RawMessage, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, userID string, segment Segment) (json.RawMessage, error)

func (f FetcherFunc) FetchSegment(ctx context.Context, userID string, segment Segment) (json.RawMessage, error) {
	return f(ctx, userID, segment)
}

// Entry is one cached segment with its expiry bookkeeping.
type Entry struct {
	UserID    string
	Segment   Segment
	Payload   json.RawMessage
	CachedAt  time.Time
	ExpiresAt time.Time
}

// Config holds cache dependencies.
type Config struct {
	Store     *store.DB
	Fetcher   Fetcher
	Bootstrap *Bootstrap

	// Monitor gates live fetches. When nil the cache assumes online.
	Monitor *netmon.Monitor

	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *log.Logger
}

// Cache serves user context segments from SQLite with live refresh and
// bootstrap fallback.
type Cache struct {
	db        *sql.DB
	fetcher   Fetcher
	bootstrap *Bootstrap
	monitor   *netmon.Monitor
	ttl       time.Duration
	sweepEach time.Duration
	logger    *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a segment cache backed by the shared store database.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sweepEach := cfg.SweepInterval
	if sweepEach <= 0 {
		sweepEach = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[contextcache] ", log.LstdFlags)
	}

	return &Cache{
		db:        cfg.Store.RawDB(),
		fetcher:   cfg.Fetcher,
		bootstrap: cfg.Bootstrap,
		monitor:   cfg.Monitor,
		ttl:       ttl,
		sweepEach: sweepEach,
		logger:    logger,
	}, nil
}

// TTL returns the configured segment lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// GetSegment returns one context segment for a user.
//
// Resolution order: unexpired cache entry, then live fetch (cached on
// success), then the bootstrap document. Expired entries are purged on
// the way through and never served. force skips straight to the live
// fetch; if that fetch fails, a still-valid cached entry is served
// rather than discarded. Live fetches are skipped entirely while the
// network monitor reports offline. ErrUnavailable means every source
// came up empty; the fetch error, if any, is attached.
func (c *Cache) GetSegment(ctx context.Context, userID string, segment Segment, force bool) (json.RawMessage, error) {
	entry, err := c.lookup(ctx, userID, segment)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if time.Now().Before(entry.ExpiresAt) {
			if !force {
				return entry.Payload, nil
			}
		} else {
			if err := c.purge(ctx, userID, segment); err != nil {
				return nil, err
			}
			entry = nil
		}
	}

	var fetchErr error
	if c.fetcher != nil && c.online() {
		payload, err := c.fetcher.FetchSegment(ctx, userID, segment)
		if err == nil {
			if err := c.PutSegment(ctx, userID, segment, payload); err != nil {
				return nil, err
			}
			return payload, nil
		}
		fetchErr = err
		c.logger.Printf("Live fetch of %s/%s failed, falling back: %v", userID, segment, err)
	}

	if entry != nil {
		return entry.Payload, nil
	}
	if c.bootstrap != nil {
		if payload, ok := c.bootstrap.Segment(userID, segment); ok {
			return payload, nil
		}
	}

	if fetchErr != nil {
		return nil, fmt.Errorf("%w for %s/%s: %v", ErrUnavailable, userID, segment, fetchErr)
	}
	return nil, fmt.Errorf("%w for %s/%s", ErrUnavailable, userID, segment)
}

func (c *Cache) online() bool {
	return c.monitor == nil || c.monitor.Online()
}

// PutSegment stores a segment, resetting its expiry to now+TTL.
func (c *Cache) PutSegment(ctx context.Context, userID string, segment Segment, payload json.RawMessage) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO context_cache (user_id, segment, payload, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, segment) DO UPDATE SET
			payload = excluded.payload,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		userID, string(segment), string(payload),
		now.Format(timeLayout), now.Add(c.ttl).Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to cache segment %s/%s: %w", userID, segment, err)
	}
	return nil
}

// Invalidate drops one cached segment.
func (c *Cache) Invalidate(ctx context.Context, userID string, segment Segment) error {
	return c.purge(ctx, userID, segment)
}

// Clear drops every cached segment for a user.
func (c *Cache) Clear(ctx context.Context, userID string) error {
	_, err := c.db.ExecContext(ctx,
		"DELETE FROM context_cache WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("failed to clear context cache for %s: %w", userID, err)
	}
	return nil
}

// Sweep purges every expired entry and returns how many were removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM context_cache WHERE expires_at <= ?",
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep context cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// StartSweeper begins periodic background sweeps. It returns
// immediately; Stop the sweeper (or cancel the context) to end it.
func (c *Cache) StartSweeper(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.sweepEach)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := c.Sweep(sweepCtx)
				if err != nil {
					c.logger.Printf("Context cache sweep failed: %v", err)
				} else if n > 0 {
					c.logger.Printf("Context cache sweep purged %d expired segments", n)
				}
			}
		}
	}()
}

// StopSweeper halts the background sweeper and waits for it to exit.
func (c *Cache) StopSweeper() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Cache) lookup(ctx context.Context, userID string, segment Segment) (*Entry, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT payload, cached_at, expires_at FROM context_cache
		WHERE user_id = ? AND segment = ?`, userID, string(segment))

	var payload, cachedAt, expiresAt string
	err := row.Scan(&payload, &cachedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s/%s: %w", userID, segment, err)
	}

	entry := &Entry{
		UserID:  userID,
		Segment: segment,
		Payload: json.RawMessage(payload),
	}
	if entry.CachedAt, err = time.Parse(timeLayout, cachedAt); err != nil {
		return nil, fmt.Errorf("corrupt cached_at for %s/%s: %w", userID, segment, err)
	}
	if entry.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
		return nil, fmt.Errorf("corrupt expires_at for %s/%s: %w", userID, segment, err)
	}
	return entry, nil
}

func (c *Cache) purge(ctx context.Context, userID string, segment Segment) error {
	_, err := c.db.ExecContext(ctx,
		"DELETE FROM context_cache WHERE user_id = ? AND segment = ?",
		userID, string(segment))
	if err != nil {
		return fmt.Errorf("failed to purge segment %s/%s: %w", userID, segment, err)
	}
	return nil
}
