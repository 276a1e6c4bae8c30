// Package handhistory parses the operator's anonymized hand-history text
// format into structured hand records.
package handhistory

import (
	"strings"
	"time"
)

// HeroToken is the literal identifier the operator uses for the account
// owner's own seat. It behaves like any other anon ID during rewriting.
const HeroToken = "Hero"

// Stakes holds the blind structure parsed from the hand header.
type Stakes struct {
	SmallBlind float64
	BigBlind   float64
	Currency   string
}

// Seat is one seat line from the hand header.
type Seat struct {
	Number        int
	AnonID        string
	StartingStack float64
}

// Hand is one parsed poker hand. RawText preserves the original block
// byte-for-byte; everything else is derived from it.
type Hand struct {
	HandID    string
	TableName string
	Stakes    Stakes
	Timestamp time.Time
	Seats     []Seat

	// Roles. Zero means the role could not be located in the text.
	// In three-handed play the button may also post the small blind,
	// in which case ButtonSeat == SmallBlindSeat.
	ButtonSeat     int
	SmallBlindSeat int
	BigBlindSeat   int

	HeroSeat      int
	HeroHoleCards []string
	BoardCards    []string

	RawText string
}

// SeatByNumber returns the seat with the given number, or nil.
func (h *Hand) SeatByNumber(n int) *Seat {
	for i := range h.Seats {
		if h.Seats[i].Number == n {
			return &h.Seats[i]
		}
	}
	return nil
}

// SeatByAnonID returns the seat holding the given anon ID, or nil.
func (h *Hand) SeatByAnonID(id string) *Seat {
	for i := range h.Seats {
		if h.Seats[i].AnonID == id {
			return &h.Seats[i]
		}
	}
	return nil
}

// HeroStack returns Hero's starting stack, or 0 if Hero's seat is unknown.
func (h *Hand) HeroStack() float64 {
	if s := h.SeatByNumber(h.HeroSeat); s != nil {
		return s.StartingStack
	}
	return 0
}

// AnonIDs returns every seat identifier in seat order, Hero included.
func (h *Hand) AnonIDs() []string {
	ids := make([]string, 0, len(h.Seats))
	for _, s := range h.Seats {
		ids = append(ids, s.AnonID)
	}
	return ids
}

// NormalizedTable returns the normalized grouping key for this hand's table.
func (h *Hand) NormalizedTable() string {
	return NormalizeTableName(h.TableName)
}

// NormalizeTableName is the single normalization applied to table names.
// It must be used both when grouping hands by table and when looking up a
// table's aggregated mapping; the two sites diverging is a known defect class.
func NormalizeTableName(name string) string {
	trimmed := strings.TrimSpace(name)
	lower := strings.ToLower(trimmed)
	switch {
	case trimmed == "",
		lower == "unknown",
		lower == "n/a",
		strings.HasPrefix(lower, "unknown table"):
		return "unknown"
	}
	return trimmed
}

// NormalizeHandID strips any of the operator's known hand-ID prefixes,
// leaving the numeric tail. Used for matching only; the stored HandID keeps
// its prefix.
func NormalizeHandID(id string, prefixes []string) string {
	trimmed := strings.TrimSpace(id)
	upper := strings.ToUpper(trimmed)
	for _, p := range prefixes {
		if strings.HasPrefix(upper, strings.ToUpper(p)) {
			return trimmed[len(p):]
		}
	}
	return trimmed
}
