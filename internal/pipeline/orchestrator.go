// Package pipeline wires the ten processing phases of a job: parse, two OCR
// passes with a retry pass between them, matching, discard, mapping, rewrite,
// validation, and packaging. Phase boundaries are synchronization points
// where the job log is flushed and progress is snapshotted.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/pokerforge/unmask/internal/fileutil"
	"github.com/pokerforge/unmask/internal/handhistory"
	"github.com/pokerforge/unmask/internal/mapping"
	"github.com/pokerforge/unmask/internal/match"
	"github.com/pokerforge/unmask/internal/ocr"
	"github.com/pokerforge/unmask/internal/packaging"
	"github.com/pokerforge/unmask/internal/rewrite"
	"github.com/pokerforge/unmask/internal/store"
	"github.com/pokerforge/unmask/internal/validate"
	"github.com/pokerforge/unmask/internal/vision"
)

// FailureCancelled is the failure reason recorded when a job is cancelled.
const FailureCancelled = "CANCELLED"

// Discard reasons recorded on screenshot rows.
const (
	DiscardNoMatch    = "NO_MATCH"
	DiscardGateFailed = "GATE_FAILED"
	DiscardOCR2Failed = "OCR2_FAILED"
)

// Inputs is one job's input batch.
type Inputs struct {
	HandFiles   []string   // paths to hand-history text files
	Screenshots []ocr.Item // screenshot IDs and image paths
	OutputDir   string     // per-job output directory
}

// Orchestrator runs jobs through the pipeline.
type Orchestrator struct {
	cfg       *Config
	repo      store.Repository
	stage     *ocr.Stage
	parser    *handhistory.Parser
	matcher   *match.Matcher
	mapper    *mapping.Mapper
	validator *validate.Validator
	packager  *packaging.Packager
	clock     quartz.Clock
	logger    *log.Logger
}

// Options configures an Orchestrator.
type Options struct {
	// Clock defaults to the real clock; tests inject quartz.NewMock.
	Clock quartz.Clock
}

// New creates an Orchestrator over the given vision client and repository.
func New(cfg *Config, client vision.Client, repo store.Repository, logger *log.Logger, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Orchestrator{
		cfg:  cfg,
		repo: repo,
		stage: ocr.NewStage(client, logger, ocr.Options{
			Concurrency: cfg.OCR.Concurrency,
			RetryDelay:  cfg.OCR.RetryDelayDuration(),
			Clock:       opts.Clock,
		}),
		parser:    handhistory.NewParser(logger),
		matcher:   match.New(cfg.MatchConfig(), logger),
		mapper:    mapping.New(logger),
		validator: validate.New(logger),
		packager:  packaging.New(logger),
		clock:     opts.Clock,
		logger:    logger.With("component", "pipeline"),
	}
}

// Run executes the full pipeline for jobID. The job must already exist in
// the repository. On success the job transitions to COMPLETED; on any
// unrecoverable error (or cancellation) to FAILED. Both terminal transitions
// emit a debug snapshot into the output directory.
func (o *Orchestrator) Run(ctx context.Context, jobID string, in Inputs) (*Statistics, error) {
	if err := o.checkLimits(in); err != nil {
		return nil, err
	}

	jlog := store.NewJobLog(o.repo, jobID)
	stats := &Statistics{Screenshots: len(in.Screenshots)}

	if err := o.repo.UpdateJobStatus(ctx, jobID, store.StatusProcessing, ""); err != nil {
		return nil, fmt.Errorf("job %s: mark processing: %w", jobID, err)
	}

	err := o.run(ctx, jobID, in, jlog, stats)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = FailureCancelled
		}
		jlog.Critical("job failed", map[string]any{"reason": reason})
		// Terminal writes use a fresh context: the job context may already
		// be cancelled and the failure must still be durable.
		finalCtx := context.WithoutCancel(ctx)
		jlog.Flush(finalCtx)
		o.repo.UpdateJobStatus(finalCtx, jobID, store.StatusFailed, reason)
		o.writeSnapshot(finalCtx, jobID, store.StatusFailed, stats, jlog, in.OutputDir)
		return stats, err
	}

	raw, merr := json.Marshal(stats)
	if merr == nil {
		if serr := o.repo.SaveStatistics(ctx, jobID, raw); serr != nil {
			o.logger.Error("failed to persist statistics", "job", jobID, "error", serr)
		}
	}

	jlog.Info("job completed", map[string]any{
		"handsClean": stats.HandsClean, "handsIncomplete": stats.HandsIncomplete,
	})
	jlog.Flush(ctx)
	if err := o.repo.UpdateJobStatus(ctx, jobID, store.StatusCompleted, ""); err != nil {
		return stats, fmt.Errorf("job %s: mark completed: %w", jobID, err)
	}
	o.writeSnapshot(ctx, jobID, store.StatusCompleted, stats, jlog, in.OutputDir)
	return stats, nil
}

func (o *Orchestrator) checkLimits(in Inputs) error {
	if len(in.HandFiles) == 0 {
		return errors.New("no hand-history files in input batch")
	}
	if len(in.HandFiles) > o.cfg.Limits.MaxHandFiles {
		return fmt.Errorf("batch exceeds tier limit: %d hand files, max %d",
			len(in.HandFiles), o.cfg.Limits.MaxHandFiles)
	}
	if len(in.Screenshots) > o.cfg.Limits.MaxScreenshots {
		return fmt.Errorf("batch exceeds tier limit: %d screenshots, max %d",
			len(in.Screenshots), o.cfg.Limits.MaxScreenshots)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, jobID string, in Inputs, jlog *store.JobLog, stats *Statistics) error {
	// Phase 1: parse.
	hands, err := o.parsePhase(in.HandFiles, jlog, stats)
	if err != nil {
		return err
	}
	o.phaseBoundary(ctx, jobID, jlog, "parse")

	// Phase 2: OCR pass 1 over every screenshot.
	ocr1, err := o.stage.ExtractHandIDs(ctx, in.Screenshots)
	if err != nil {
		return fmt.Errorf("ocr phase 1: %w", err)
	}
	o.recordOCR1(ctx, jobID, ocr1, stats)
	o.phaseBoundary(ctx, jobID, jlog, "ocr1")

	// Phase 3: identity matching.
	matched := o.matchPhase(hands, in.Screenshots, ocr1, nil)
	o.phaseBoundary(ctx, jobID, jlog, "match")

	// Phase 4: OCR pass 1 retry for unmatched retriable screenshots, then
	// one more match pass including scored-fallback features when the
	// client supports them.
	if retryItems := o.retriableItems(in.Screenshots, ocr1, matched); len(retryItems) > 0 {
		retried, err := o.stage.RetryHandIDs(ctx, retryItems, ocr1)
		if err != nil {
			return fmt.Errorf("ocr phase 1 retry: %w", err)
		}
		stats.OCR1Retried = len(retried)
		for id, r := range retried {
			ocr1[id] = r
		}
		o.recordOCR1(ctx, jobID, retried, stats)
	}
	features, err := o.featurePhase(ctx, in.Screenshots, ocr1, matched)
	if err != nil {
		return err
	}
	matched = o.matchPhase(hands, in.Screenshots, ocr1, features)
	o.phaseBoundary(ctx, jobID, jlog, "ocr1-retry")

	// Phase 5: discard unmatched screenshots.
	for _, item := range in.Screenshots {
		if _, ok := matched[item.ID]; ok {
			continue
		}
		stats.Discarded++
		jlog.Info("screenshot discarded", map[string]any{"screenshot": item.ID, "reason": DiscardNoMatch})
		o.updateScreenshot(ctx, jobID, item.ID, func(rec *store.Screenshot) {
			rec.DiscardReason = DiscardNoMatch
		})
	}
	o.phaseBoundary(ctx, jobID, jlog, "discard")

	// Phase 6: OCR pass 2, matched screenshots only (the cost gate), with
	// acceptance gates applied on the resulting player data. A gate failure
	// retracts the match.
	payloads, err := o.ocr2Phase(ctx, jobID, in.Screenshots, hands, matched, jlog, stats)
	if err != nil {
		return err
	}
	o.phaseBoundary(ctx, jobID, jlog, "ocr2")

	// Phase 7: per-hand mappings, aggregated per table.
	tables := o.mapPhase(hands, matched, payloads, jlog, stats)
	o.phaseBoundary(ctx, jobID, jlog, "map")

	// Phases 8–9: rewrite and validate every hand.
	outputs := o.rewritePhase(hands, tables, jlog, stats)
	o.phaseBoundary(ctx, jobID, jlog, "validate")

	// Phase 10: package.
	if err := o.packagePhase(in.OutputDir, outputs, stats); err != nil {
		return err
	}
	o.phaseBoundary(ctx, jobID, jlog, "package")
	return nil
}

// parsePhase reads every hand file. A file that yields no hands is a WARN;
// a batch that yields no hands at all fails the job.
func (o *Orchestrator) parsePhase(paths []string, jlog *store.JobLog, stats *Statistics) ([]*handhistory.Hand, error) {
	var hands []*handhistory.Hand
	seen := make(map[string]bool)
	for _, path := range paths {
		parsed, err := o.parser.ParseFile(path)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		stats.HandFilesRead++
		for _, h := range parsed {
			if seen[h.HandID] {
				jlog.Warn("duplicate hand skipped", map[string]any{"hand": h.HandID})
				continue
			}
			seen[h.HandID] = true
			hands = append(hands, h)
		}
	}
	if len(hands) == 0 {
		return nil, errors.New("no parseable hands in input batch")
	}
	stats.HandsParsed = len(hands)
	jlog.Info("parsed hands", map[string]any{"hands": len(hands), "files": stats.HandFilesRead})
	return hands, nil
}

func (o *Orchestrator) recordOCR1(ctx context.Context, jobID string, results map[string]ocr.HandIDResult, stats *Statistics) {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := results[id]
		if r.Err == nil && r.HandID != "" {
			stats.OCR1Succeeded++
		} else {
			stats.OCR1Failed++
		}
		rec := store.Screenshot{
			JobID:          jobID,
			ScreenshotID:   r.ID,
			ImagePath:      r.Path,
			OCR1HandID:     r.HandID,
			OCR1RetryCount: r.RetryCount,
		}
		if r.Err != nil {
			rec.OCR1Error = r.Err.Error()
		}
		if err := o.repo.UpsertScreenshot(ctx, rec); err != nil {
			o.logger.Error("failed to persist screenshot row", "screenshot", r.ID, "error", err)
		}
	}
}

func (o *Orchestrator) matchPhase(hands []*handhistory.Hand, items []ocr.Item, ocr1 map[string]ocr.HandIDResult, features map[string]*vision.MatchFeatures) map[string]match.Match {
	candidates := make([]match.Candidate, 0, len(items))
	for _, item := range items {
		candidates = append(candidates, match.Candidate{
			ScreenshotID: item.ID,
			OCR1HandID:   ocr1[item.ID].HandID,
			Features:     features[item.ID],
		})
	}
	byScreenshot := make(map[string]match.Match)
	for _, m := range o.matcher.MatchAll(hands, candidates) {
		byScreenshot[m.ScreenshotID] = m
	}
	return byScreenshot
}

func (o *Orchestrator) retriableItems(items []ocr.Item, ocr1 map[string]ocr.HandIDResult, matched map[string]match.Match) []ocr.Item {
	var out []ocr.Item
	for _, item := range items {
		if _, ok := matched[item.ID]; ok {
			continue
		}
		r := ocr1[item.ID]
		if r.Retriable() && r.RetryCount < o.cfg.OCR.MaxRetries {
			out = append(out, item)
		}
	}
	return out
}

// featurePhase gathers scored-fallback features for screenshots that are
// still unmatched after the retry pass. Nil when the vision client lacks the
// capability.
func (o *Orchestrator) featurePhase(ctx context.Context, items []ocr.Item, ocr1 map[string]ocr.HandIDResult, matched map[string]match.Match) (map[string]*vision.MatchFeatures, error) {
	var unmatched []ocr.Item
	for _, item := range items {
		if _, ok := matched[item.ID]; !ok && ocr1[item.ID].HandID == "" {
			unmatched = append(unmatched, item)
		}
	}
	if len(unmatched) == 0 {
		return nil, nil
	}
	features, err := o.stage.ExtractFeatures(ctx, unmatched)
	if err != nil {
		return nil, fmt.Errorf("feature extraction: %w", err)
	}
	return features, nil
}

// ocr2Phase runs player extraction over matched screenshots and applies the
// acceptance gates to the results. Gate failures and unrecoverable OCR
// failures retract the match so the hand falls back to unmapped.
func (o *Orchestrator) ocr2Phase(ctx context.Context, jobID string, items []ocr.Item, hands []*handhistory.Hand, matched map[string]match.Match, jlog *store.JobLog, stats *Statistics) (map[string]*vision.PlayersPayload, error) {
	var work []ocr.Item
	for _, item := range items {
		if _, ok := matched[item.ID]; ok {
			work = append(work, item)
		}
	}
	results, err := o.stage.ExtractPlayers(ctx, work)
	if err != nil {
		return nil, fmt.Errorf("ocr phase 2: %w", err)
	}

	handsByID := make(map[string]*handhistory.Hand, len(hands))
	for _, h := range hands {
		handsByID[h.HandID] = h
	}

	payloads := make(map[string]*vision.PlayersPayload, len(results))
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := results[id]
		m := matched[id]
		if r.Err != nil || r.Payload == nil {
			stats.OCR2Failed++
			delete(matched, id)
			reason := DiscardOCR2Failed
			extra := map[string]any{"screenshot": id, "hand": m.HandID}
			if r.Err != nil {
				extra["error"] = r.Err.Error()
			}
			jlog.Warn("phase-2 extraction failed, match retracted", extra)
			o.updateScreenshot(ctx, jobID, id, func(rec *store.Screenshot) {
				rec.DiscardReason = reason
			})
			continue
		}

		hand := handsByID[m.HandID]
		if err := o.matcher.CheckGates(hand, r.Payload); err != nil {
			stats.GateRejected++
			delete(matched, id)
			jlog.Warn("acceptance gate rejected match", map[string]any{
				"screenshot": id, "hand": m.HandID, "reason": err.Error(),
			})
			o.updateScreenshot(ctx, jobID, id, func(rec *store.Screenshot) {
				rec.DiscardReason = DiscardGateFailed
			})
			continue
		}

		stats.OCR2Succeeded++
		switch m.Source {
		case match.SourceHandID:
			stats.MatchedByHandID++
		case match.SourceFilename:
			stats.MatchedByFilename++
		case match.SourceScored:
			stats.MatchedByScore++
		}
		payloads[id] = r.Payload
		raw, _ := json.Marshal(r.Payload)
		o.updateScreenshot(ctx, jobID, id, func(rec *store.Screenshot) {
			rec.OCR2 = raw
			rec.MatchedHandID = m.HandID
			rec.MatchSource = string(m.Source)
			rec.MatchScore = m.Score
		})
	}
	return payloads, nil
}

func (o *Orchestrator) mapPhase(hands []*handhistory.Hand, matched map[string]match.Match, payloads map[string]*vision.PlayersPayload, jlog *store.JobLog, stats *Statistics) map[string]mapping.TableMapping {
	handsByID := make(map[string]*handhistory.Hand, len(hands))
	for _, h := range hands {
		handsByID[h.HandID] = h
	}

	screenshotIDs := make([]string, 0, len(matched))
	for id := range matched {
		screenshotIDs = append(screenshotIDs, id)
	}
	sort.Strings(screenshotIDs)

	var mappings []*mapping.HandMapping
	for _, id := range screenshotIDs {
		payload, ok := payloads[id]
		if !ok {
			continue
		}
		m := matched[id]
		hm, err := o.mapper.Build(handsByID[m.HandID], id, payload)
		if err != nil {
			stats.MappingsDiscarded++
			level := jlog.Warn
			if errors.Is(err, mapping.ErrDuplicateName) {
				level = jlog.Error
			}
			level("per-hand mapping discarded", map[string]any{
				"hand": m.HandID, "screenshot": id, "reason": err.Error(),
			})
			continue
		}
		stats.MappingsBuilt++
		mappings = append(mappings, hm)
	}

	tables := o.mapper.Aggregate(mappings)
	jlog.Info("aggregated table mappings", map[string]any{"tables": len(tables)})
	return tables
}

func (o *Orchestrator) rewritePhase(hands []*handhistory.Hand, tables map[string]mapping.TableMapping, jlog *store.JobLog, stats *Statistics) []packaging.HandOutput {
	outputs := make([]packaging.HandOutput, 0, len(hands))
	for _, h := range hands {
		table := h.NormalizedTable()
		tm := tables[table]

		text := h.RawText
		if len(tm) > 0 {
			text = rewrite.Rewrite(text, tm)
		}
		res := o.validator.Validate(h, text, tm)
		if res.Clean() {
			stats.HandsClean++
		} else {
			stats.HandsIncomplete++
			jlog.Warn("hand classified incomplete", map[string]any{
				"hand": h.HandID, "residuals": res.ResidualIDs,
			})
		}
		outputs = append(outputs, packaging.HandOutput{
			HandID: h.HandID,
			Table:  table,
			Text:   text,
			Result: res,
		})
	}
	return outputs
}

func (o *Orchestrator) packagePhase(outputDir string, outputs []packaging.HandOutput, stats *Statistics) error {
	files, err := o.packager.WriteTableFiles(outputDir, outputs)
	if err != nil {
		return fmt.Errorf("write table files: %w", err)
	}

	var resolved, incomplete []packaging.TableFile
	for _, f := range files {
		if f.Clean {
			resolved = append(resolved, f)
		} else {
			incomplete = append(incomplete, f)
		}
	}
	stats.TablesResolved = len(resolved)
	stats.TablesIncomplete = len(incomplete)

	if len(resolved) > 0 {
		if err := o.packager.Archive(filepath.Join(outputDir, "resolved.zip"), resolved); err != nil {
			return err
		}
	}
	if len(incomplete) > 0 {
		if err := o.packager.Archive(filepath.Join(outputDir, "incomplete.zip"), incomplete); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) updateScreenshot(ctx context.Context, jobID, screenshotID string, mutate func(*store.Screenshot)) {
	recs, err := o.repo.ListScreenshots(ctx, jobID)
	if err != nil {
		o.logger.Error("failed to load screenshot row", "screenshot", screenshotID, "error", err)
		return
	}
	for _, rec := range recs {
		if rec.ScreenshotID != screenshotID {
			continue
		}
		mutate(&rec)
		if err := o.repo.UpsertScreenshot(ctx, rec); err != nil {
			o.logger.Error("failed to update screenshot row", "screenshot", screenshotID, "error", err)
		}
		return
	}
}

// phaseBoundary flushes the job log and snapshots OCR progress.
func (o *Orchestrator) phaseBoundary(ctx context.Context, jobID string, jlog *store.JobLog, phase string) {
	if err := jlog.Flush(ctx); err != nil {
		o.logger.Error("log flush failed", "job", jobID, "phase", phase, "error", err)
	}
	processed, total := o.stage.Progress().Snapshot()
	if err := o.repo.SetProgress(ctx, jobID, processed, total); err != nil {
		o.logger.Error("progress update failed", "job", jobID, "phase", phase, "error", err)
	}
	o.logger.Debug("phase boundary", "job", jobID, "phase", phase, "ocrProcessed", processed, "ocrTotal", total)
}

// snapshot is the operator-facing post-mortem artifact, emitted on both
// terminal transitions.
type snapshot struct {
	JobID        string             `json:"jobId"`
	Status       store.JobStatus    `json:"status"`
	GeneratedAt  string             `json:"generatedAt"`
	Statistics   *Statistics        `json:"statistics"`
	Screenshots  []store.Screenshot `json:"screenshots"`
	Log          []store.LogEntry   `json:"log"`
	LogTruncated bool               `json:"logTruncated"`
}

func (o *Orchestrator) writeSnapshot(ctx context.Context, jobID string, status store.JobStatus, stats *Statistics, jlog *store.JobLog, outputDir string) {
	recs, err := o.repo.ListScreenshots(ctx, jobID)
	if err != nil {
		o.logger.Error("snapshot: failed to list screenshots", "job", jobID, "error", err)
	}
	now := o.clock.Now().UTC()
	snap := snapshot{
		JobID:        jobID,
		Status:       status,
		GeneratedAt:  now.Format("2006-01-02T15:04:05Z"),
		Statistics:   stats,
		Screenshots:  recs,
		Log:          jlog.Entries(),
		LogTruncated: jlog.Truncated(),
	}
	name := fmt.Sprintf("debug_job_%s_%s.json", jobID, now.Format("20060102T150405Z"))
	path := filepath.Join(outputDir, name)
	if err := fileutil.WriteJSONAtomic(path, snap, 0o644); err != nil {
		o.logger.Error("snapshot write failed", "job", jobID, "path", path, "error", err)
		return
	}
	o.logger.Info("debug snapshot written", "job", jobID, "path", path)
}
