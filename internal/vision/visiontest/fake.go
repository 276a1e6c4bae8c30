// Package visiontest provides a deterministic in-memory vision client for
// tests. It never touches the network.
package visiontest

import (
	"context"
	"sync"

	"github.com/pokerforge/unmask/internal/vision"
)

// Fake implements vision.Client and vision.FeatureExtractor from canned
// per-image results. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	// HandIDs maps image path to the hand ID returned by ExtractHandID.
	HandIDs map[string]string
	// HandIDErrs maps image path to a queue of errors returned before the
	// value in HandIDs. Used to exercise the retry path.
	HandIDErrs map[string][]error
	// Players maps image path to the phase-2 payload.
	Players map[string]*vision.PlayersPayload
	// PlayersErrs maps image path to an ExtractPlayers error.
	PlayersErrs map[string]error
	// Features maps image path to scored-fallback features.
	Features map[string]*vision.MatchFeatures

	handIDCalls  []string
	playersCalls []string
}

// ExtractHandID implements vision.Client.
func (f *Fake) ExtractHandID(ctx context.Context, imagePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handIDCalls = append(f.handIDCalls, imagePath)

	if queue := f.HandIDErrs[imagePath]; len(queue) > 0 {
		err := queue[0]
		f.HandIDErrs[imagePath] = queue[1:]
		return "", err
	}
	return f.HandIDs[imagePath], nil
}

// ExtractPlayers implements vision.Client.
func (f *Fake) ExtractPlayers(ctx context.Context, imagePath string) (*vision.PlayersPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playersCalls = append(f.playersCalls, imagePath)

	if err := f.PlayersErrs[imagePath]; err != nil {
		return nil, err
	}
	if p, ok := f.Players[imagePath]; ok {
		return p, nil
	}
	return nil, vision.ErrSchema
}

// ExtractMatchFeatures implements vision.FeatureExtractor.
func (f *Fake) ExtractMatchFeatures(ctx context.Context, imagePath string) (*vision.MatchFeatures, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if feat, ok := f.Features[imagePath]; ok {
		return feat, nil
	}
	return &vision.MatchFeatures{}, nil
}

// HandIDCalls returns the image paths ExtractHandID was invoked with.
func (f *Fake) HandIDCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.handIDCalls...)
}

// PlayersCalls returns the image paths ExtractPlayers was invoked with.
// The cost-gate tests assert over this.
func (f *Fake) PlayersCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.playersCalls...)
}
