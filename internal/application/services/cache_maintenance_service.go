package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/adamchainz/django-mysql-sub000/internal/core/domain/cacheentry"
	"github.com/adamchainz/django-mysql-sub000/internal/core/ports"
)

// CacheMaintenanceService culls a cache table on an interval. A named lock
// keeps concurrent processes from culling the same table at once.
type CacheMaintenanceService struct {
	culler   ports.CacheCuller
	lock     ports.Locker
	walker   ports.KeyWalker
	interval time.Duration
	logger   *logrus.Logger
}

// NewCacheMaintenanceService wires a culler. lock and walker may be nil: without
// a lock every process culls, without a walker expired rows are only removed
// by Cull's single DELETE.
func NewCacheMaintenanceService(culler ports.CacheCuller, lock ports.Locker, walker ports.KeyWalker, interval time.Duration, logger *logrus.Logger) *CacheMaintenanceService {
	return &CacheMaintenanceService{
		culler:   culler,
		lock:     lock,
		walker:   walker,
		interval: interval,
		logger:   logger,
	}
}

// RunOnce purges expired rows chunk by chunk, when a walker is set, then culls.
func (s *CacheMaintenanceService) RunOnce(ctx context.Context) (*cacheentry.CullReport, error) {
	report := &cacheentry.CullReport{RunID: uuid.New(), Table: s.culler.Table()}
	start := time.Now()
	fields := logrus.Fields{"table": report.Table, "run_id": report.RunID}

	if s.lock != nil {
		if err := s.lock.Acquire(ctx); err != nil {
			if errors.Is(err, ports.ErrLockUnavailable) {
				report.Skipped = true
				if s.logger != nil {
					s.logger.WithFields(fields).Info("cull skipped; lock held by another process")
				}
				return report, nil
			}
			return nil, fmt.Errorf("failed to acquire cull lock: %w", err)
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil && s.logger != nil {
				s.logger.WithFields(fields).WithError(err).Warn("failed to release cull lock")
			}
		}()
	}

	if s.walker != nil {
		err := s.walker.Keys(ctx, func(ctx context.Context, keys []string) error {
			n, err := s.culler.PurgeExpired(ctx, keys)
			report.Purged += n
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to purge expired entries: %w", err)
		}
	}

	culled, err := s.culler.Cull(ctx)
	if err != nil {
		return nil, err
	}
	report.Culled = culled
	report.Duration = time.Since(start)

	if s.logger != nil {
		s.logger.WithFields(fields).WithFields(logrus.Fields{
			"purged":   report.Purged,
			"culled":   report.Culled,
			"duration": report.Duration,
		}).Info("cache maintenance finished")
	}
	return report, nil
}

// Run calls RunOnce every interval until ctx is done. Failed runs are logged
// and retried on the next tick. A non-positive interval returns immediately.
func (s *CacheMaintenanceService) Run(ctx context.Context) {
	if s.interval <= 0 {
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"table": s.culler.Table()}).Info("background cull disabled")
		}
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && s.logger != nil {
				s.logger.WithFields(logrus.Fields{"table": s.culler.Table()}).WithError(err).Error("cache maintenance failed")
			}
		}
	}
}
