// Package mapping turns a matched screenshot's player names into
// anonId → realName pairs for a hand, then aggregates those pairs per table.
//
// The screenshot's visual layout is not isomorphic to the hand's seat
// numbering: the operator's client always renders Hero at the bottom
// (visual position 1), with the remaining players following
// counter-clockwise. Role markers give exact 1:1 pairs; rotation from
// Hero's seat recovers the rest, including players not involved in the hand.
package mapping

import (
	"errors"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/pokerforge/unmask/internal/handhistory"
	"github.com/pokerforge/unmask/internal/vision"
)

// ErrDuplicateName marks a per-hand mapping that would assign the same real
// name to two distinct anon IDs. The underlying match is almost certainly
// wrong, so the whole mapping is discarded.
var ErrDuplicateName = errors.New("duplicate real name in hand mapping")

// Strategy records how a hand mapping was derived.
type Strategy string

const (
	StrategyRoles    Strategy = "roles"
	StrategyRotation Strategy = "rotation"
)

// HandMapping is the anonId → realName mapping extracted for one hand from
// its anchored screenshot.
type HandMapping struct {
	HandID       string
	Table        string // normalized table key
	ScreenshotID string
	Strategy     Strategy
	// RolesUsed is how many role fields backed this mapping; aggregation
	// prefers mappings with more role evidence on conflicts.
	RolesUsed int
	Names     map[string]string
}

// Mapper builds and aggregates hand mappings.
type Mapper struct {
	logger *log.Logger
}

// New creates a Mapper.
func New(logger *log.Logger) *Mapper {
	return &Mapper{logger: logger.With("component", "mapper")}
}

// Build derives the mapping for one hand from its screenshot's phase-2
// payload. Role-based pairs are primary and need at least 2 of 3 roles
// (deriving SB/BB clockwise from the dealer when only the dealer marker is
// legible); otherwise the counter-clockwise rotation fallback applies.
// Returns ErrDuplicateName when the duplicate guard trips.
func (m *Mapper) Build(hand *handhistory.Hand, screenshotID string, payload *vision.PlayersPayload) (*HandMapping, error) {
	players := payload.Players
	if len(players) == 0 {
		return nil, fmt.Errorf("hand %s: screenshot %s has no player data", hand.HandID, screenshotID)
	}

	dealer, sb, bb := payload.DealerPlayer, payload.SmallBlindPlayer, payload.BigBlindPlayer

	// Dealer known but blinds unreadable: derive them clockwise over the
	// visual ordering.
	if dealer != "" && sb == "" && bb == "" {
		if idx := indexOf(players, dealer); idx >= 0 {
			n := len(players)
			sb = players[(idx+1)%n]
			bb = players[(idx+2)%n]
		}
	}

	rolesUsed := 0
	rolePairs := make(map[string]string, 3)
	for _, role := range []struct {
		seat int
		name string
	}{
		{hand.ButtonSeat, dealer},
		{hand.SmallBlindSeat, sb},
		{hand.BigBlindSeat, bb},
	} {
		if role.seat == 0 || role.name == "" {
			continue
		}
		seat := hand.SeatByNumber(role.seat)
		if seat == nil {
			continue
		}
		rolePairs[seat.AnonID] = role.name
		rolesUsed++
	}

	rotationPairs := m.rotationPairs(hand, players)

	var names map[string]string
	strategy := StrategyRotation
	switch {
	case rolesUsed >= 2:
		strategy = StrategyRoles
		// Rotation still contributes names for players without a role
		// marker; role pairs win on disagreement.
		names = make(map[string]string, len(players))
		for anonID, name := range rotationPairs {
			names[anonID] = name
		}
		for anonID, name := range rolePairs {
			if prev, ok := names[anonID]; ok && prev != name {
				m.logger.Warn("visual order disagrees with role markers, preferring roles",
					"hand", hand.HandID, "screenshot", screenshotID,
					"anonId", anonID, "rotation", prev, "role", name)
			}
			names[anonID] = name
		}
	case len(rotationPairs) > 0:
		names = rotationPairs
	default:
		return nil, fmt.Errorf("hand %s: screenshot %s: not enough role or layout evidence", hand.HandID, screenshotID)
	}

	if dup := duplicateName(names); dup != "" {
		return nil, fmt.Errorf("%w: hand %s: %q assigned twice", ErrDuplicateName, hand.HandID, dup)
	}

	return &HandMapping{
		HandID:       hand.HandID,
		Table:        hand.NormalizedTable(),
		ScreenshotID: screenshotID,
		Strategy:     strategy,
		RolesUsed:    rolesUsed,
		Names:        names,
	}, nil
}

// rotationPairs maps visual positions to seats counter-clockwise from Hero:
// visual position v (1-indexed, 1 = Hero) sits at hero's seat index minus
// (v-1), wrapping around the hand's seat ring.
func (m *Mapper) rotationPairs(hand *handhistory.Hand, players []string) map[string]string {
	if hand.HeroSeat == 0 || len(players) != len(hand.Seats) {
		return nil
	}

	seats := append([]handhistory.Seat(nil), hand.Seats...)
	sort.Slice(seats, func(i, j int) bool { return seats[i].Number < seats[j].Number })

	heroIdx := -1
	for i, s := range seats {
		if s.Number == hand.HeroSeat {
			heroIdx = i
			break
		}
	}
	if heroIdx < 0 {
		return nil
	}

	n := len(seats)
	pairs := make(map[string]string, n)
	for v := 1; v <= n; v++ {
		seatIdx := ((heroIdx-(v-1))%n + n) % n
		pairs[seats[seatIdx].AnonID] = players[v-1]
	}
	return pairs
}

func indexOf(players []string, name string) int {
	for i, p := range players {
		if p == name {
			return i
		}
	}
	return -1
}

func duplicateName(names map[string]string) string {
	seen := make(map[string]string, len(names))
	// Deterministic iteration so the reported duplicate is stable.
	anonIDs := make([]string, 0, len(names))
	for id := range names {
		anonIDs = append(anonIDs, id)
	}
	sort.Strings(anonIDs)
	for _, id := range anonIDs {
		name := names[id]
		if _, ok := seen[name]; ok {
			return name
		}
		seen[name] = id
	}
	return ""
}

// TableMapping is the aggregated anonId → realName mapping of one table.
type TableMapping map[string]string

type aggregated struct {
	name      string
	rolesUsed int
}

// Aggregate merges per-hand mappings into per-table mappings. Input order
// does not matter: mappings are processed in (screenshotID, handID) order so
// the first-seen tie-break is deterministic. Conflicting values for the same
// anon ID prefer the mapping with more role evidence.
func (m *Mapper) Aggregate(mappings []*HandMapping) map[string]TableMapping {
	sorted := append([]*HandMapping(nil), mappings...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ScreenshotID != sorted[j].ScreenshotID {
			return sorted[i].ScreenshotID < sorted[j].ScreenshotID
		}
		return sorted[i].HandID < sorted[j].HandID
	})

	tables := make(map[string]map[string]aggregated)
	for _, hm := range sorted {
		if hm == nil || len(hm.Names) == 0 {
			continue
		}
		table, ok := tables[hm.Table]
		if !ok {
			table = make(map[string]aggregated)
			tables[hm.Table] = table
		}

		anonIDs := make([]string, 0, len(hm.Names))
		for id := range hm.Names {
			anonIDs = append(anonIDs, id)
		}
		sort.Strings(anonIDs)

		for _, anonID := range anonIDs {
			name := hm.Names[anonID]
			current, exists := table[anonID]
			if !exists {
				table[anonID] = aggregated{name: name, rolesUsed: hm.RolesUsed}
				continue
			}
			if current.name == name {
				continue
			}
			m.logger.Warn("conflicting names for anon ID across screenshots",
				"table", hm.Table, "anonId", anonID,
				"kept", current.name, "candidate", name,
				"keptRoles", current.rolesUsed, "candidateRoles", hm.RolesUsed)
			if hm.RolesUsed > current.rolesUsed {
				table[anonID] = aggregated{name: name, rolesUsed: hm.RolesUsed}
			}
		}
	}

	out := make(map[string]TableMapping, len(tables))
	for tableName, entries := range tables {
		tm := make(TableMapping, len(entries))
		for anonID, agg := range entries {
			tm[anonID] = agg.name
		}
		out[tableName] = tm
	}
	return out
}
