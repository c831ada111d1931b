// Package services – Analytics
//
// This file computes the aggregate snapshot shown on the admin analytics
// screen and served by the ops API, and runs it periodically in the
// background. A refresh never overlaps another refresh. A failed refresh keeps
// the previous snapshot and is retried on the next tick.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
)

// ErrRefreshInFlight is returned by Refresh when another refresh is running.
var ErrRefreshInFlight = errors.New("analytics refresh already running")

// Analytics computes snapshots from the order table.
type Analytics struct {
	DB  *gorm.DB
	Now func() time.Time
}

// Compute builds one snapshot.
func (a *Analytics) Compute(ctx context.Context) (domain.AnalyticsSnapshot, error) {
	ctx, span := otel.Tracer("services/Analytics").Start(ctx, "Compute")
	defer span.End()

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now().UTC()
	}
	var (
		snap domain.AnalyticsSnapshot
		err  error
	)
	if snap.Total, err = repo.CountOrders(ctx, a.DB); err != nil {
		return snap, storageErr("count orders", err)
	}
	if snap.LastWeek, err = repo.CountOrdersSince(ctx, a.DB, now.Add(-7*24*time.Hour)); err != nil {
		return snap, storageErr("count recent orders", err)
	}
	if snap.UniqueUsers, err = repo.CountDistinctOrderUsers(ctx, a.DB); err != nil {
		return snap, storageErr("count users", err)
	}
	if snap.ByStatus, err = repo.CountOrdersByStatus(ctx, a.DB); err != nil {
		return snap, storageErr("count by status", err)
	}
	if snap.TopBrands, err = repo.TopBrands(ctx, a.DB, 3); err != nil {
		return snap, storageErr("top brands", err)
	}
	snap.ComputedAt = now
	return snap, nil
}

// Refresher keeps the latest snapshot in memory.
type Refresher struct {
	Analytics *Analytics
	Interval  time.Duration

	running atomic.Bool
	mu      sync.RWMutex
	last    *domain.AnalyticsSnapshot
}

// Run refreshes immediately and then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	r.tick(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	if _, err := r.Refresh(ctx); err != nil {
		if errors.Is(err, ErrRefreshInFlight) {
			log.Debug().Msg("analytics: tick skipped, refresh in flight")
			return
		}
		log.Warn().Err(err).Msg("analytics: refresh failed")
	}
}

// Refresh computes and stores a new snapshot. It returns ErrRefreshInFlight
// without waiting when another refresh is running.
func (r *Refresher) Refresh(ctx context.Context) (snap domain.AnalyticsSnapshot, err error) {
	if !r.running.CompareAndSwap(false, true) {
		return snap, ErrRefreshInFlight
	}
	defer r.running.Store(false)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("analytics refresh panic: %v", rec)
		}
	}()

	snap, err = r.Analytics.Compute(ctx)
	if err != nil {
		return snap, err
	}
	r.mu.Lock()
	r.last = &snap
	r.mu.Unlock()
	return snap, nil
}

// Snapshot returns the last good snapshot, computing one when none exists yet.
func (r *Refresher) Snapshot(ctx context.Context) (domain.AnalyticsSnapshot, error) {
	r.mu.RLock()
	last := r.last
	r.mu.RUnlock()
	if last != nil {
		return *last, nil
	}
	snap, err := r.Refresh(ctx)
	if errors.Is(err, ErrRefreshInFlight) {
		return r.Analytics.Compute(ctx)
	}
	return snap, err
}
