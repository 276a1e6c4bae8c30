package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokerforge/unmask/internal/ocr"
	"github.com/pokerforge/unmask/internal/store"
	"github.com/pokerforge/unmask/internal/vision"
	"github.com/pokerforge/unmask/internal/vision/visiontest"
)

const handRC1001 = `Poker Hand #RC1001: Rush & Cash No Limit Hold'em ($0.25/$0.50) - 2024/01/15 20:30:11
Table 'RushAndCash123' 6-max Seat #3 is the button
Seat 1: e3efcaed ($50.25 in chips)
Seat 2: 5641b4a0 ($48.10 in chips)
Seat 3: Hero ($50 in chips)
5641b4a0: posts small blind $0.25
e3efcaed: posts big blind $0.50
*** HOLE CARDS ***
Dealt to Hero [Ah Kd]
Hero: raises $1 to $1.50
5641b4a0: folds
e3efcaed: folds
Uncalled bet ($1) returned to Hero
Hero collected $0.75 from pot
*** SUMMARY ***
Total pot $0.75 | Rake $0
Seat 1: e3efcaed folded before Flop
Seat 2: 5641b4a0 folded before Flop
Seat 3: Hero (button) collected ($0.75)
`

const handRC1002 = `Poker Hand #RC1002: Rush & Cash No Limit Hold'em ($0.25/$0.50) - 2024/01/15 20:31:40
Table 'RushAndCash123' 6-max Seat #3 is the button
Seat 1: e3efcaed ($50.75 in chips)
Seat 2: 5641b4a0 ($47.85 in chips)
Seat 3: Hero ($49.25 in chips)
5641b4a0: posts small blind $0.25
e3efcaed: posts big blind $0.50
*** HOLE CARDS ***
Dealt to Hero [2h 7c]
Hero: folds
5641b4a0: folds
e3efcaed collected $0.50 from pot
*** SUMMARY ***
Total pot $0.50 | Rake $0
Seat 1: e3efcaed collected ($0.50)
Seat 2: 5641b4a0 folded before Flop
Seat 3: Hero folded before Flop
`

// threeHandedPayload matches RC1001/RC1002: Hero visually at the bottom, the
// remaining players counter-clockwise. Hero is the button, seat 2 posts SB,
// seat 1 posts BB.
func threeHandedPayload() *vision.PlayersPayload {
	return &vision.PlayersPayload{
		Players:          []string{"TuichAAreko", "v1[nn]1", "Gyodong22"},
		Stacks:           []float64{50, 48.10, 50.25},
		DealerPlayer:     "TuichAAreko",
		SmallBlindPlayer: "v1[nn]1",
		BigBlindPlayer:   "Gyodong22",
	}
}

type fixture struct {
	orch   *Orchestrator
	repo   *store.MemoryRepository
	fake   *visiontest.Fake
	inputs Inputs
	jobID  string
}

func newFixture(t *testing.T, fake *visiontest.Fake, handTexts []string, shots []ocr.Item) *fixture {
	t.Helper()
	dir := t.TempDir()

	var handFiles []string
	for i, text := range handTexts {
		path := filepath.Join(dir, "hands"+string(rune('a'+i))+".txt")
		require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
		handFiles = append(handFiles, path)
	}

	cfg := DefaultConfig()
	cfg.OCR.retryDelay = time.Millisecond

	repo := store.NewMemoryRepository()
	jobID := "job-test-0001"
	require.NoError(t, repo.CreateJob(context.Background(), store.Job{
		ID:     jobID,
		Status: store.StatusInitialized,
	}))

	outputDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	return &fixture{
		orch:  New(cfg, fake, repo, log.New(io.Discard), Options{}),
		repo:  repo,
		fake:  fake,
		jobID: jobID,
		inputs: Inputs{
			HandFiles:   handFiles,
			Screenshots: shots,
			OutputDir:   outputDir,
		},
	}
}

func (f *fixture) readOutput(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.inputs.OutputDir, name))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) outputNames(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.inputs.OutputDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// Happy path: one hand, one screenshot, identity match, role-based mapping.
func TestRunHappyPathThreeHanded(t *testing.T) {
	fake := &visiontest.Fake{
		HandIDs: map[string]string{"shot1.png": "RC1001"},
		Players: map[string]*vision.PlayersPayload{"shot1.png": threeHandedPayload()},
	}
	f := newFixture(t, fake, []string{handRC1001}, []ocr.Item{{ID: "shot1.png", Path: "shot1.png"}})

	stats, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.HandsParsed)
	assert.Equal(t, 1, stats.MatchedByHandID)
	assert.Equal(t, 1, stats.HandsClean)
	assert.Equal(t, 0, stats.HandsIncomplete)

	out := f.readOutput(t, "RushAndCash123_resolved.txt")
	assert.Contains(t, out, "Seat 3: TuichAAreko ($50 in chips)")
	assert.Contains(t, out, "Seat 2: v1[nn]1 ($48.10 in chips)")
	assert.Contains(t, out, "Seat 1: Gyodong22 ($50.25 in chips)")
	assert.NotContains(t, out, "e3efcaed")
	assert.NotContains(t, out, "5641b4a0")

	job, err := f.repo.GetJob(context.Background(), f.jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, job.Status)
	assert.NotEmpty(t, job.Statistics)
}

// A real name starting with a digit must survive every substitution rule.
func TestRunNameStartingWithDigit(t *testing.T) {
	payload := threeHandedPayload()
	payload.Players[0] = "50Zoos"
	payload.DealerPlayer = "50Zoos"
	fake := &visiontest.Fake{
		HandIDs: map[string]string{"shot1.png": "RC1001"},
		Players: map[string]*vision.PlayersPayload{"shot1.png": payload},
	}
	f := newFixture(t, fake, []string{handRC1001}, []ocr.Item{{ID: "shot1.png", Path: "shot1.png"}})

	stats, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.HandsClean)

	out := f.readOutput(t, "RushAndCash123_resolved.txt")
	assert.Contains(t, out, "Seat 3: 50Zoos ($50 in chips)")
	assert.Contains(t, out, "Dealt to 50Zoos [Ah Kd]")
	assert.Contains(t, out, "Uncalled bet ($1) returned to 50Zoos")
	assert.Contains(t, out, "Seat 3: 50Zoos (button) collected ($0.75)")
	// Every occurrence keeps its leading digits: a group-reference bug would
	// leave bare "Zoos" behind.
	assert.Equal(t, strings.Count(out, "Zoos"), strings.Count(out, "50Zoos"))
}

// Only the dealer marker legible: SB/BB derived by clockwise offset.
func TestRunFallbackMappingOneRoleMissing(t *testing.T) {
	payload := threeHandedPayload()
	payload.SmallBlindPlayer = ""
	payload.BigBlindPlayer = ""
	fake := &visiontest.Fake{
		HandIDs: map[string]string{"shot1.png": "RC1001"},
		Players: map[string]*vision.PlayersPayload{"shot1.png": payload},
	}
	f := newFixture(t, fake, []string{handRC1001}, []ocr.Item{{ID: "shot1.png", Path: "shot1.png"}})

	stats, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MappingsBuilt)
	assert.Equal(t, 1, stats.HandsClean)

	out := f.readOutput(t, "RushAndCash123_resolved.txt")
	assert.NotContains(t, out, "e3efcaed")
	assert.NotContains(t, out, "5641b4a0")
}

// Duplicate name from the history panel: mapping discarded, hand goes to
// fallado, ERROR log entry references the hand ID.
func TestRunDuplicateGuard(t *testing.T) {
	payload := threeHandedPayload()
	payload.Players = []string{"TuichAAreko", "Gyodong22", "Gyodong22"}
	payload.SmallBlindPlayer = "Gyodong22"
	payload.BigBlindPlayer = "Gyodong22"
	fake := &visiontest.Fake{
		HandIDs: map[string]string{"shot1.png": "RC1001"},
		Players: map[string]*vision.PlayersPayload{"shot1.png": payload},
	}
	f := newFixture(t, fake, []string{handRC1001}, []ocr.Item{{ID: "shot1.png", Path: "shot1.png"}})

	stats, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MappingsDiscarded)
	assert.Equal(t, 1, stats.HandsIncomplete)

	out := f.readOutput(t, "RushAndCash123_fallado.txt")
	assert.Contains(t, out, "e3efcaed", "anon IDs intact")

	logs, err := f.repo.ListLogs(context.Background(), f.jobID)
	require.NoError(t, err)
	found := false
	for _, entry := range logs {
		if entry.Level == "ERROR" && entry.Extra["hand"] == "RC1001" {
			found = true
		}
	}
	assert.True(t, found, "ERROR log entry references the hand ID")
}

// Gate rejection: OCR1 matches but the screenshot shows the wrong player
// count. Match retracted, no mapping, hand goes to fallado with IDs intact.
func TestRunAcceptanceGateRejection(t *testing.T) {
	payload := threeHandedPayload()
	payload.Players = append(payload.Players, "FourthGuy")
	payload.Stacks = append(payload.Stacks, 100)
	fake := &visiontest.Fake{
		HandIDs: map[string]string{"shot1.png": "RC1001"},
		Players: map[string]*vision.PlayersPayload{"shot1.png": payload},
	}
	f := newFixture(t, fake, []string{handRC1001}, []ocr.Item{{ID: "shot1.png", Path: "shot1.png"}})

	stats, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.GateRejected)
	assert.Equal(t, 0, stats.Matched())
	assert.Equal(t, 0, stats.MappingsBuilt)

	out := f.readOutput(t, "RushAndCash123_fallado.txt")
	assert.Contains(t, out, "e3efcaed")
	assert.Contains(t, out, "5641b4a0")

	shots, err := f.repo.ListScreenshots(context.Background(), f.jobID)
	require.NoError(t, err)
	require.Len(t, shots, 1)
	assert.Equal(t, DiscardGateFailed, shots[0].DiscardReason)
}

// Table-wide aggregation: two hands at one table, one screenshot. Both hands
// receive the mapping and both resolve.
func TestRunTableWideAggregation(t *testing.T) {
	fake := &visiontest.Fake{
		HandIDs: map[string]string{"shot1.png": "RC1001"},
		Players: map[string]*vision.PlayersPayload{"shot1.png": threeHandedPayload()},
	}
	f := newFixture(t, fake, []string{handRC1001 + "\n\n" + handRC1002}, []ocr.Item{{ID: "shot1.png", Path: "shot1.png"}})

	stats, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.HandsParsed)
	assert.Equal(t, 2, stats.HandsClean)
	assert.Equal(t, 1, stats.TablesResolved)

	out := f.readOutput(t, "RushAndCash123_resolved.txt")
	assert.Contains(t, out, "Poker Hand #RC1001:")
	assert.Contains(t, out, "Poker Hand #RC1002:")
	assert.Contains(t, out, "Gyodong22 collected $0.50 from pot")
	assert.NotContains(t, out, "e3efcaed")
}

// The cost gate: phase 2 runs only on matched screenshots.
func TestRunCostGateSkipsUnmatchedScreenshots(t *testing.T) {
	fake := &visiontest.Fake{
		HandIDs: map[string]string{
			"shot1.png": "RC1001",
			"noise.png": "", // unreadable, will not match anything
		},
		Players: map[string]*vision.PlayersPayload{"shot1.png": threeHandedPayload()},
	}
	f := newFixture(t, fake, []string{handRC1001}, []ocr.Item{
		{ID: "noise.png", Path: "noise.png"},
		{ID: "shot1.png", Path: "shot1.png"},
	})

	stats, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.NoError(t, err)
	assert.Equal(t, []string{"shot1.png"}, fake.PlayersCalls(), "phase 2 never sees unmatched screenshots")
	assert.Equal(t, 1, stats.Discarded)

	shots, err := f.repo.ListScreenshots(context.Background(), f.jobID)
	require.NoError(t, err)
	for _, s := range shots {
		if s.ScreenshotID == "noise.png" {
			assert.Equal(t, DiscardNoMatch, s.DiscardReason)
		}
	}
}

// A transient OCR1 failure is retried once and the retry count persisted.
func TestRunOCR1TransientRetry(t *testing.T) {
	transient := &vision.Error{Kind: vision.Transient, Op: "ExtractHandID", Err: context.DeadlineExceeded}
	fake := &visiontest.Fake{
		HandIDs:    map[string]string{"shot1.png": "RC1001"},
		HandIDErrs: map[string][]error{"shot1.png": {transient}},
		Players:    map[string]*vision.PlayersPayload{"shot1.png": threeHandedPayload()},
	}
	f := newFixture(t, fake, []string{handRC1001}, []ocr.Item{{ID: "shot1.png", Path: "shot1.png"}})

	stats, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OCR1Retried)
	assert.Equal(t, 1, stats.MatchedByHandID)
	assert.Equal(t, 1, stats.HandsClean)

	shots, err := f.repo.ListScreenshots(context.Background(), f.jobID)
	require.NoError(t, err)
	require.Len(t, shots, 1)
	assert.Equal(t, 1, shots[0].OCR1RetryCount)
}

func TestRunCancellationFailsJob(t *testing.T) {
	fake := &visiontest.Fake{
		HandIDs: map[string]string{"shot1.png": "RC1001"},
		Players: map[string]*vision.PlayersPayload{"shot1.png": threeHandedPayload()},
	}
	f := newFixture(t, fake, []string{handRC1001}, []ocr.Item{{ID: "shot1.png", Path: "shot1.png"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orch.Run(ctx, f.jobID, f.inputs)
	require.Error(t, err)

	job, gerr := f.repo.GetJob(context.Background(), f.jobID)
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, job.Status)
	assert.Equal(t, FailureCancelled, job.FailureReason)

	// The failure path still emits the debug snapshot.
	var snapshots int
	for _, name := range f.outputNames(t) {
		if strings.HasPrefix(name, "debug_job_") {
			snapshots++
		}
	}
	assert.Equal(t, 1, snapshots)
}

func TestRunEmitsDebugSnapshotOnBothOutcomes(t *testing.T) {
	fake := &visiontest.Fake{
		HandIDs: map[string]string{"shot1.png": "RC1001"},
		Players: map[string]*vision.PlayersPayload{"shot1.png": threeHandedPayload()},
	}
	f := newFixture(t, fake, []string{handRC1001}, []ocr.Item{{ID: "shot1.png", Path: "shot1.png"}})

	_, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.NoError(t, err)

	var snapshots []string
	for _, name := range f.outputNames(t) {
		if strings.HasPrefix(name, "debug_job_") && strings.HasSuffix(name, ".json") {
			snapshots = append(snapshots, name)
		}
	}
	require.Len(t, snapshots, 1)
	assert.Contains(t, snapshots[0], f.jobID)
}

func TestRunRejectsBatchOverTierLimit(t *testing.T) {
	fake := &visiontest.Fake{}
	f := newFixture(t, fake, []string{handRC1001}, nil)
	f.orch.cfg.Limits.MaxHandFiles = 0

	_, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tier limit")
}

func TestRunRejectsEmptyBatch(t *testing.T) {
	fake := &visiontest.Fake{}
	f := newFixture(t, fake, []string{handRC1001}, nil)
	f.inputs.HandFiles = nil

	_, err := f.orch.Run(context.Background(), f.jobID, f.inputs)
	require.Error(t, err)
}
