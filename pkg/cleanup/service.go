// Package cleanup enforces on-disk retention for the screenshot store:
// export archives in cache/ and whole task directories past their retention
// window are removed on a timer.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Config tunes the retention sweeps.
type Config struct {
	// TaskRetention bounds how long tasks/<id>/ trees are kept.
	TaskRetention time.Duration
	// ExportTTL bounds how long cache/ archives are kept.
	ExportTTL time.Duration
	// Interval is the sweep cadence.
	Interval time.Duration
}

// DefaultConfig keeps tasks for 30 days and exports for 24 hours.
var DefaultConfig = Config{
	TaskRetention: 30 * 24 * time.Hour,
	ExportTTL:     24 * time.Hour,
	Interval:      time.Hour,
}

// Service is the retention sweeper. All operations are idempotent.
type Service struct {
	baseDir string
	cfg     Config
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a sweeper rooted at the screenshot store base dir.
func NewService(baseDir string, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig
	}
	return &Service{
		baseDir: baseDir,
		cfg:     cfg,
		logger:  slog.With("component", "cleanup"),
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("Cleanup service started",
		"task_retention", s.cfg.TaskRetention.String(),
		"export_ttl", s.cfg.ExportTTL.String(),
		"interval", s.cfg.Interval.String())
}

// Stop signals the loop to exit and waits for it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	s.RunOnce()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs one retention sweep.
func (s *Service) RunOnce() {
	s.sweepDir(filepath.Join(s.baseDir, "cache"), s.cfg.ExportTTL, false)
	s.sweepDir(filepath.Join(s.baseDir, "tasks"), s.cfg.TaskRetention, true)
}

// sweepDir removes entries older than maxAge. Directories are removed
// recursively when dirs is set.
func (s *Service) sweepDir(dir string, maxAge time.Duration, dirs bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if !dirs {
				continue
			}
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil {
			s.logger.Warn("Retention removal failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Retention sweep removed entries", "dir", dir, "count", removed)
	}
}
