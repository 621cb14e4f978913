// Package badger is an embedded ConnectionStore for single-node deployments.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Options configure Open.
type Options struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// zapLogger adapts zap to badger.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l zapLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l zapLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l zapLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// Open opens or creates a database.
func Open(opts Options, logger *zap.Logger) (*badger.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(zapLogger{s: logger.Named("badger").Sugar()})
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	} else if opts.Path == "" {
		return nil, errors.New("badger path is required unless in memory")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Path, err)
	}
	return db, nil
}

// RunGC collects the value log every interval until ctx is done.
func RunGC(ctx context.Context, db *badger.DB, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 || db.Opts().InMemory {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				// RunValueLogGC rewrites at most one file per call.
				if err := db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
						logger.Warn("badger value log gc failed", zap.Error(err))
					}
					break
				}
			}
		}
	}
}
