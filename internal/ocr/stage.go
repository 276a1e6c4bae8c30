// Package ocr drives the vision client over a job's screenshots in two
// phases: hand-ID extraction over every screenshot, then player extraction
// over matched screenshots only. All calls share one semaphore so the
// vendor quota is respected regardless of phase.
package ocr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pokerforge/unmask/internal/vision"
)

// Item is one screenshot to process.
type Item struct {
	ID   string // screenshot ID, stable across phases
	Path string // image path the vision client dereferences
}

// HandIDResult is the outcome of one phase-1 extraction attempt.
type HandIDResult struct {
	ID         string
	Path       string
	HandID     string
	RetryCount int
	Err        error
}

// Retriable reports whether a retry pass should attempt this item again:
// the call failed transiently or returned no hand ID.
func (r HandIDResult) Retriable() bool {
	if r.Err != nil {
		return vision.IsTransient(r.Err)
	}
	return r.HandID == ""
}

// PlayersResult is the outcome of one phase-2 extraction.
type PlayersResult struct {
	ID      string
	Payload *vision.PlayersPayload
	Err     error
}

// Progress exposes monotonically non-decreasing OCR counters for polling.
type Progress struct {
	processed atomic.Int64
	total     atomic.Int64
}

// Snapshot returns (processed, total).
func (p *Progress) Snapshot() (int, int) {
	return int(p.processed.Load()), int(p.total.Load())
}

// Stage runs OCR phases with bounded concurrency.
type Stage struct {
	client     vision.Client
	clock      quartz.Clock
	logger     *log.Logger
	sem        *semaphore.Weighted
	retryDelay time.Duration
	progress   Progress
}

// Options configures a Stage.
type Options struct {
	// Concurrency is the semaphore size; the tier-level vendor quota.
	Concurrency int
	// RetryDelay is the pause before a retried phase-1 call.
	RetryDelay time.Duration
	// Clock defaults to the real clock; tests inject quartz.NewMock.
	Clock quartz.Clock
}

// NewStage creates an OCR stage over client.
func NewStage(client vision.Client, logger *log.Logger, opts Options) *Stage {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Stage{
		client:     client,
		clock:      opts.Clock,
		logger:     logger.With("component", "ocr"),
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		retryDelay: opts.RetryDelay,
	}
}

// Progress returns the stage's counters.
func (s *Stage) Progress() *Progress {
	return &s.progress
}

// ExtractHandIDs runs the first phase-1 pass over every screenshot.
func (s *Stage) ExtractHandIDs(ctx context.Context, items []Item) (map[string]HandIDResult, error) {
	return s.runHandIDs(ctx, items, false, nil)
}

// RetryHandIDs re-attempts phase 1 for the given items, waiting the retry
// delay before each call and carrying forward prior retry counts.
func (s *Stage) RetryHandIDs(ctx context.Context, items []Item, prior map[string]HandIDResult) (map[string]HandIDResult, error) {
	return s.runHandIDs(ctx, items, true, prior)
}

func (s *Stage) runHandIDs(ctx context.Context, items []Item, isRetry bool, prior map[string]HandIDResult) (map[string]HandIDResult, error) {
	results := make(map[string]HandIDResult, len(items))
	var mu sync.Mutex

	s.progress.total.Add(int64(len(items)))

	g, ctx := errgroup.WithContext(ctx)
	for _, item := range items {
		g.Go(func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)

			retryCount := 0
			if prior != nil {
				retryCount = prior[item.ID].RetryCount
			}
			if isRetry {
				if err := s.sleep(ctx, s.retryDelay); err != nil {
					return err
				}
				retryCount++
			}

			handID, err := s.client.ExtractHandID(ctx, item.Path)
			if err != nil {
				s.logger.Warn("hand ID extraction failed",
					"screenshot", item.ID, "retry", retryCount, "error", err)
			}
			s.progress.processed.Add(1)

			mu.Lock()
			results[item.ID] = HandIDResult{
				ID:         item.ID,
				Path:       item.Path,
				HandID:     handID,
				RetryCount: retryCount,
				Err:        err,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ExtractPlayers runs phase 2 over matched screenshots. The caller is
// responsible for the cost gate: items must all have a matched hand.
// Transient failures are retried once after the retry delay; schema
// violations and second failures are recorded on the result and the stage
// continues.
func (s *Stage) ExtractPlayers(ctx context.Context, items []Item) (map[string]PlayersResult, error) {
	results := make(map[string]PlayersResult, len(items))
	var mu sync.Mutex

	s.progress.total.Add(int64(len(items)))

	g, ctx := errgroup.WithContext(ctx)
	for _, item := range items {
		g.Go(func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)

			payload, err := s.client.ExtractPlayers(ctx, item.Path)
			if err != nil && vision.IsTransient(err) {
				if serr := s.sleep(ctx, s.retryDelay); serr != nil {
					return serr
				}
				payload, err = s.client.ExtractPlayers(ctx, item.Path)
			}
			if err != nil {
				s.logger.Warn("player extraction failed", "screenshot", item.ID, "error", err)
			}
			s.progress.processed.Add(1)

			mu.Lock()
			results[item.ID] = PlayersResult{ID: item.ID, Payload: payload, Err: err}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ExtractFeatures gathers scored-fallback features for screenshots without a
// legible hand ID. Returns nil when the client does not support the optional
// capability.
func (s *Stage) ExtractFeatures(ctx context.Context, items []Item) (map[string]*vision.MatchFeatures, error) {
	extractor, ok := s.client.(vision.FeatureExtractor)
	if !ok {
		return nil, nil
	}

	results := make(map[string]*vision.MatchFeatures, len(items))
	var mu sync.Mutex

	s.progress.total.Add(int64(len(items)))

	g, ctx := errgroup.WithContext(ctx)
	for _, item := range items {
		g.Go(func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)

			features, err := extractor.ExtractMatchFeatures(ctx, item.Path)
			s.progress.processed.Add(1)
			if err != nil {
				s.logger.Warn("feature extraction failed", "screenshot", item.ID, "error", err)
				return nil
			}
			mu.Lock()
			results[item.ID] = features
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Stage) sleep(ctx context.Context, d time.Duration) error {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
