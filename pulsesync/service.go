// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pulsesync is the server-of-record core for youtubepulse
// synchronization: a merge/deduplication engine over time-stamped video
// observations, an idempotent upsert executor on Postgres, conflict
// detection between snapshots, and the download/upload endpoints that
// offline replicas reconcile against.
package pulsesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService provides the core reconciliation functionality. This is the
// main SDK component that hosting applications integrate; collectors,
// dashboards and repair scripts all go through it instead of opening their
// own ad-hoc connections.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
	loc    *time.Location

	// Cleanup tracking
	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName  string // Application name for connection tracking
	Timezone string // IANA name of the day-key partition timezone (default UTC)

	MaxUploadBatchSize int // Maximum operations per upload batch (0 = unlimited)
	DownloadPageSize   int // Default page size for downloads (0 = 500)

	Backoff BackoffPolicy // Shared retry policy for store access

	StageMetrics    StageMetricsRecorder // Optional stage timing sink
	LogStageTimings bool                 // Log stage timings at debug level
}

// NewSyncService creates a sync service instance from an existing pool and
// initializes the persisted layout (both mirrored tables and their unique
// key constraints) in one transaction.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "youtubepulse-sync"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Backoff == (BackoffPolicy{}) {
		config.Backoff = DefaultBackoff()
	}
	if config.DownloadPageSize <= 0 {
		config.DownloadPageSize = 500
	}

	loc := time.UTC
	if config.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(config.Timezone); err != nil {
			return nil, fmt.Errorf("failed to load timezone %q: %w", config.Timezone, err)
		}
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
		loc:    loc,
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize database schema", "error", err)
			return err
		}
		logger.Debug("Database schema initialized successfully")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	return service, nil
}

// Close gracefully shuts down the sync service. It is safe to call multiple
// times. It does NOT close the pool - the caller owns the pool lifecycle.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.logger.Debug("Shutting down sync service")
	s.closed = true
	return nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// Location returns the day-key partition timezone.
func (s *SyncService) Location() *time.Location {
	return s.loc
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}
