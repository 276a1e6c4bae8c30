// Package match binds screenshots to hands. Identity matches (hand ID read
// by OCR, or hand ID embedded in the screenshot filename) are preferred;
// a weighted scored fallback covers screenshots whose hand ID could not be
// read. Acceptance gates are checked separately once phase-2 player data
// exists, because the evidence they need is not available at match time.
package match

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pokerforge/unmask/internal/handhistory"
	"github.com/pokerforge/unmask/internal/vision"
)

// Source records how a match was established.
type Source string

const (
	SourceHandID   Source = "HAND_ID"
	SourceFilename Source = "FILENAME"
	SourceScored   Source = "SCORED"
)

// Match binds one screenshot to one hand.
type Match struct {
	HandID       string
	ScreenshotID string
	Source       Source
	Score        float64
}

// Candidate is one screenshot offered to the matcher.
type Candidate struct {
	ScreenshotID string
	OCR1HandID   string
	Features     *vision.MatchFeatures
}

// Config carries the matcher's tunables. See DefaultConfig for the values
// the operator tier ships with.
type Config struct {
	HandIDPrefixes        []string
	ScoredThreshold       float64
	TimestampWindow       time.Duration
	StackToleranceHero    float64
	StackToleranceGeneral float64
	StackAlignmentRatio   float64
}

// DefaultConfig returns the shipped thresholds.
func DefaultConfig() Config {
	return Config{
		HandIDPrefixes:        []string{"RC", "OM", "TM", "HD", "SG", "MT", "TT"},
		ScoredThreshold:       70.0,
		TimestampWindow:       60 * time.Second,
		StackToleranceHero:    0.25,
		StackToleranceGeneral: 0.30,
		StackAlignmentRatio:   0.50,
	}
}

// Scored-fallback weights. They sum to 100.
const (
	weightHoleCards   = 40.0
	weightBoardCards  = 30.0
	weightHeroSeat    = 15.0
	weightTimestamp   = 10.0
	weightNameOverlap = 3.0
	weightHeroStack   = 2.0
)

// Matcher binds screenshots to hands.
type Matcher struct {
	cfg    Config
	logger *log.Logger
}

// New creates a Matcher.
func New(cfg Config, logger *log.Logger) *Matcher {
	return &Matcher{cfg: cfg, logger: logger.With("component", "matcher")}
}

// MatchAll produces at most one match per hand and per screenshot.
// Candidates are processed in screenshot-ID order so results are
// deterministic for a given input set.
func (m *Matcher) MatchAll(hands []*handhistory.Hand, candidates []Candidate) []Match {
	sorted := append([]Candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ScreenshotID < sorted[j].ScreenshotID })

	byNormalizedID := make(map[string]*handhistory.Hand, len(hands))
	for _, h := range hands {
		byNormalizedID[m.normalize(h.HandID)] = h
	}

	matchedHands := make(map[string]bool, len(hands))
	var matches []Match

	claim := func(hand *handhistory.Hand, c Candidate, source Source, score float64) {
		matchedHands[hand.HandID] = true
		matches = append(matches, Match{
			HandID:       hand.HandID,
			ScreenshotID: c.ScreenshotID,
			Source:       source,
			Score:        score,
		})
	}

	// Identity passes first: hand ID read by OCR, then filename.
	var unmatched []Candidate
	for _, c := range sorted {
		if c.OCR1HandID != "" {
			if hand, ok := byNormalizedID[m.normalize(c.OCR1HandID)]; ok && !matchedHands[hand.HandID] {
				claim(hand, c, SourceHandID, 100)
				continue
			}
		}
		if hand := m.matchByFilename(hands, matchedHands, c.ScreenshotID); hand != nil {
			claim(hand, c, SourceFilename, 100)
			continue
		}
		unmatched = append(unmatched, c)
	}

	// Scored fallback over whatever evidence the screenshot carries.
	for _, c := range unmatched {
		if c.Features == nil {
			continue
		}
		var best *handhistory.Hand
		bestScore := 0.0
		for _, h := range hands {
			if matchedHands[h.HandID] {
				continue
			}
			score := m.Score(h, c.Features)
			if score > bestScore {
				best, bestScore = h, score
			}
		}
		if best != nil && bestScore >= m.cfg.ScoredThreshold {
			m.logger.Info("scored match accepted",
				"screenshot", c.ScreenshotID, "hand", best.HandID, "score", bestScore)
			claim(best, c, SourceScored, bestScore)
		}
	}

	return matches
}

func (m *Matcher) matchByFilename(hands []*handhistory.Hand, matched map[string]bool, screenshotID string) *handhistory.Hand {
	for _, h := range hands {
		if matched[h.HandID] {
			continue
		}
		if strings.Contains(screenshotID, h.HandID) {
			return h
		}
		if norm := m.normalize(h.HandID); norm != "" && strings.Contains(screenshotID, norm) {
			return h
		}
	}
	return nil
}

func (m *Matcher) normalize(id string) string {
	return handhistory.NormalizeHandID(id, m.cfg.HandIDPrefixes)
}

// Score computes the weighted fallback score of hand against the
// screenshot's observable features. Unobservable features score zero.
func (m *Matcher) Score(hand *handhistory.Hand, f *vision.MatchFeatures) float64 {
	score := 0.0

	if len(f.HeroHoleCards) == 2 && len(hand.HeroHoleCards) == 2 &&
		sameCardSet(f.HeroHoleCards, hand.HeroHoleCards) {
		score += weightHoleCards
	}
	if boardPrefixMatch(f.BoardCards, hand.BoardCards) {
		score += weightBoardCards
	}
	// The operator's client renders Hero at the bottom seat, which the
	// vision prompt reports as visual position 1.
	if f.HeroVisualSeat == 1 && hand.HeroSeat != 0 {
		score += weightHeroSeat
	}
	if !f.CapturedAt.IsZero() {
		delta := f.CapturedAt.Sub(hand.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= m.cfg.TimestampWindow {
			score += weightTimestamp
		}
	}
	if nameOverlapsTable(f.PlayerNames, hand.TableName) {
		score += weightNameOverlap
	}
	if f.HeroStack > 0 && withinTolerance(f.HeroStack, hand.HeroStack(), m.cfg.StackToleranceHero) {
		score += weightHeroStack
	}

	return score
}

func sameCardSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	rest := append([]string(nil), b...)
outer:
	for _, card := range a {
		for i, other := range rest {
			if strings.EqualFold(card, other) {
				rest = append(rest[:i], rest[i+1:]...)
				continue outer
			}
		}
		return false
	}
	return true
}

// boardPrefixMatch reports whether the shorter board is an ordered prefix of
// the longer one; the screenshot may have been taken on an earlier street.
func boardPrefixMatch(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func nameOverlapsTable(names []string, tableName string) bool {
	if tableName == "" {
		return false
	}
	for _, name := range names {
		if name != "" && strings.Contains(tableName, name) {
			return true
		}
	}
	return false
}

func withinTolerance(observed, expected, tolerance float64) bool {
	if expected == 0 {
		return false
	}
	return math.Abs(observed-expected) <= expected*tolerance
}

// ErrGateFailed marks an acceptance-gate rejection. Not a pipeline error:
// the match is retracted and the screenshot discarded with the gate name.
var ErrGateFailed = errors.New("acceptance gate failed")

// CheckGates verifies a tentative match against the screenshot's phase-2
// player data. Every candidate passes through here, identity matches
// included. Gates whose evidence is absent (no stacks read) cannot be
// falsified and pass.
func (m *Matcher) CheckGates(hand *handhistory.Hand, payload *vision.PlayersPayload) error {
	if len(payload.Players) != len(hand.Seats) {
		return fmt.Errorf("%w: player_count: screenshot shows %d players, hand has %d seats",
			ErrGateFailed, len(payload.Players), len(hand.Seats))
	}

	if heroStack := payload.HeroStack(); heroStack > 0 {
		if !withinTolerance(heroStack, hand.HeroStack(), m.cfg.StackToleranceHero) {
			return fmt.Errorf("%w: hero_stack: screenshot %.2f vs hand %.2f exceeds ±%.0f%%",
				ErrGateFailed, heroStack, hand.HeroStack(), m.cfg.StackToleranceHero*100)
		}
	}

	if len(payload.Stacks) > 0 {
		aligned := 0
		for _, stack := range payload.Stacks {
			for _, seat := range hand.Seats {
				if withinTolerance(stack, seat.StartingStack, m.cfg.StackToleranceGeneral) {
					aligned++
					break
				}
			}
		}
		ratio := float64(aligned) / float64(len(payload.Stacks))
		if ratio < m.cfg.StackAlignmentRatio {
			return fmt.Errorf("%w: stack_alignment: only %.0f%% of stacks align (need %.0f%%)",
				ErrGateFailed, ratio*100, m.cfg.StackAlignmentRatio*100)
		}
	}

	return nil
}
