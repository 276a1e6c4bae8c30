package ocr

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokerforge/unmask/internal/vision"
	"github.com/pokerforge/unmask/internal/vision/visiontest"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func fastOptions() Options {
	return Options{Concurrency: 4, RetryDelay: time.Millisecond}
}

func transientErr() error {
	return &vision.Error{Kind: vision.Transient, Op: "ExtractHandID", Err: errors.New("HTTP 429")}
}

func TestExtractHandIDs(t *testing.T) {
	fake := &visiontest.Fake{
		HandIDs: map[string]string{
			"/img/a.png": "RC1001",
			"/img/b.png": "",
		},
	}
	stage := NewStage(fake, testLogger(), fastOptions())

	results, err := stage.ExtractHandIDs(context.Background(), []Item{
		{ID: "a.png", Path: "/img/a.png"},
		{ID: "b.png", Path: "/img/b.png"},
	})
	require.NoError(t, err)

	assert.Equal(t, "RC1001", results["a.png"].HandID)
	assert.False(t, results["a.png"].Retriable())
	assert.Empty(t, results["b.png"].HandID)
	assert.True(t, results["b.png"].Retriable(), "empty result is worth a retry")

	processed, total := stage.Progress().Snapshot()
	assert.Equal(t, 2, processed)
	assert.Equal(t, 2, total)
}

func TestRetryHandIDsCountsRetries(t *testing.T) {
	fake := &visiontest.Fake{
		HandIDs:    map[string]string{"/img/a.png": "RC1001"},
		HandIDErrs: map[string][]error{"/img/a.png": {transientErr()}},
	}
	stage := NewStage(fake, testLogger(), fastOptions())
	ctx := context.Background()

	first, err := stage.ExtractHandIDs(ctx, []Item{{ID: "a.png", Path: "/img/a.png"}})
	require.NoError(t, err)
	require.Error(t, first["a.png"].Err)
	assert.True(t, first["a.png"].Retriable())

	second, err := stage.RetryHandIDs(ctx, []Item{{ID: "a.png", Path: "/img/a.png"}}, first)
	require.NoError(t, err)
	assert.NoError(t, second["a.png"].Err)
	assert.Equal(t, "RC1001", second["a.png"].HandID)
	assert.Equal(t, 1, second["a.png"].RetryCount)
}

func TestPermanentErrorNotRetriable(t *testing.T) {
	permanent := &vision.Error{Kind: vision.Permanent, Op: "ExtractHandID", Err: errors.New("HTTP 400")}
	fake := &visiontest.Fake{
		HandIDErrs: map[string][]error{"/img/a.png": {permanent}},
	}
	stage := NewStage(fake, testLogger(), fastOptions())

	results, err := stage.ExtractHandIDs(context.Background(), []Item{{ID: "a.png", Path: "/img/a.png"}})
	require.NoError(t, err)
	assert.False(t, results["a.png"].Retriable())
}

func TestExtractPlayers(t *testing.T) {
	fake := &visiontest.Fake{
		Players: map[string]*vision.PlayersPayload{
			"/img/a.png": {Players: []string{"Alice", "Bob"}, DealerPlayer: "Alice"},
		},
		PlayersErrs: map[string]error{
			"/img/b.png": vision.ErrSchema,
		},
	}
	stage := NewStage(fake, testLogger(), fastOptions())

	results, err := stage.ExtractPlayers(context.Background(), []Item{
		{ID: "a.png", Path: "/img/a.png"},
		{ID: "b.png", Path: "/img/b.png"},
	})
	require.NoError(t, err)

	require.NotNil(t, results["a.png"].Payload)
	assert.Equal(t, []string{"Alice", "Bob"}, results["a.png"].Payload.Players)

	// Schema violation is recorded, not fatal.
	assert.ErrorIs(t, results["b.png"].Err, vision.ErrSchema)
	assert.Nil(t, results["b.png"].Payload)
}

func TestExtractFeaturesWithoutCapability(t *testing.T) {
	// A client that does not implement vision.FeatureExtractor.
	stage := NewStage(noFeatures{}, testLogger(), fastOptions())
	results, err := stage.ExtractFeatures(context.Background(), []Item{{ID: "a", Path: "/img/a.png"}})
	require.NoError(t, err)
	assert.Nil(t, results)
}

type noFeatures struct{}

func (noFeatures) ExtractHandID(ctx context.Context, imagePath string) (string, error) {
	return "", nil
}

func (noFeatures) ExtractPlayers(ctx context.Context, imagePath string) (*vision.PlayersPayload, error) {
	return nil, vision.ErrSchema
}

func TestCancellationStopsWork(t *testing.T) {
	fake := &visiontest.Fake{HandIDs: map[string]string{}}
	stage := NewStage(fake, testLogger(), fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := stage.ExtractHandIDs(ctx, []Item{{ID: "a.png", Path: "/img/a.png"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProgressMonotonicAcrossPhases(t *testing.T) {
	fake := &visiontest.Fake{
		HandIDs: map[string]string{"/img/a.png": "RC1001"},
		Players: map[string]*vision.PlayersPayload{
			"/img/a.png": {Players: []string{"Alice", "Bob"}},
		},
	}
	stage := NewStage(fake, testLogger(), fastOptions())
	ctx := context.Background()

	_, err := stage.ExtractHandIDs(ctx, []Item{{ID: "a.png", Path: "/img/a.png"}})
	require.NoError(t, err)
	p1, t1 := stage.Progress().Snapshot()

	_, err = stage.ExtractPlayers(ctx, []Item{{ID: "a.png", Path: "/img/a.png"}})
	require.NoError(t, err)
	p2, t2 := stage.Progress().Snapshot()

	assert.GreaterOrEqual(t, p2, p1)
	assert.GreaterOrEqual(t, t2, t1)
	assert.Equal(t, 2, p2)
	assert.Equal(t, 2, t2)
}
