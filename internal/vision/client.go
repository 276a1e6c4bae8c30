// Package vision wraps the vendor vision service behind a narrow capability
// used by the OCR stage. Implementations must be idempotent, bound each call
// by the caller's context, and classify failures as transient or permanent.
package vision

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAuthMissing is returned when no vision credential is available. The
// pipeline refuses to run in that case; there is deliberately no placeholder
// or mock fallback outside of tests.
var ErrAuthMissing = errors.New("vision credential missing")

// ErrSchema marks a phase-2 payload that does not conform to the expected
// shape. The screenshot is treated as having no player data.
var ErrSchema = errors.New("vision payload violates schema")

// Kind classifies a call failure for retry purposes.
type Kind int

const (
	// Permanent failures are not retried.
	Permanent Kind = iota
	// Transient failures may be retried once per the OCR stage policy.
	Transient
)

// Error is a classified vision call failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vision %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == Transient
}

// PlayersPayload is the structured result of a phase-2 extraction: the
// player names visible on the table in visual order (position 1 is the
// bottom seat, which the operator's client always gives to Hero), their
// stacks when legible, and the players carrying role markers.
type PlayersPayload struct {
	Players          []string  `json:"players"`
	Stacks           []float64 `json:"stacks,omitempty"`
	DealerPlayer     string    `json:"dealerPlayer,omitempty"`
	SmallBlindPlayer string    `json:"smallBlindPlayer,omitempty"`
	BigBlindPlayer   string    `json:"bigBlindPlayer,omitempty"`
}

// HeroStack returns the stack of the visually bottom player, or 0.
func (p *PlayersPayload) HeroStack() float64 {
	if len(p.Stacks) > 0 {
		return p.Stacks[0]
	}
	return 0
}

// RolesPopulated counts how many of the three role fields are set.
func (p *PlayersPayload) RolesPopulated() int {
	n := 0
	for _, r := range []string{p.DealerPlayer, p.SmallBlindPlayer, p.BigBlindPlayer} {
		if r != "" {
			n++
		}
	}
	return n
}

// MatchFeatures carries the evidence the scored-fallback matcher weighs for
// screenshots whose hand ID could not be read. Zero-valued fields mean the
// feature was not observable.
type MatchFeatures struct {
	HeroHoleCards  []string
	BoardCards     []string
	HeroVisualSeat int
	HeroStack      float64
	PlayerNames    []string
	CapturedAt     time.Time
}

// Client is the vision capability. Both calls must return promptly once ctx
// is done and must never fabricate output.
type Client interface {
	// ExtractHandID reads the hand ID token shown in the screenshot.
	// An empty string with nil error means no hand ID was legible.
	ExtractHandID(ctx context.Context, imagePath string) (string, error)

	// ExtractPlayers reads the visible player names, stacks, and role
	// markers. Only invoked on screenshots anchored by a matched hand.
	ExtractPlayers(ctx context.Context, imagePath string) (*PlayersPayload, error)
}

// FeatureExtractor is an optional capability a Client may implement to feed
// the scored-fallback matcher for screenshots without a legible hand ID.
// Detected by type assertion, like http.Flusher.
type FeatureExtractor interface {
	ExtractMatchFeatures(ctx context.Context, imagePath string) (*MatchFeatures, error)
}
