package rewrite

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHand = `Poker Hand #RC1001: Rush & Cash No Limit Hold'em ($0.25/$0.50) - 2024/01/15 20:30:11
Table 'RushAndCash123' 6-max Seat #3 is the button
Seat 1: e3efcaed ($50.25 in chips)
Seat 2: 5641b4a0 ($48.10 in chips)
Seat 3: Hero ($50 in chips)
e3efcaed: posts small blind $0.25
5641b4a0: posts big blind $0.50
*** HOLE CARDS ***
Dealt to e3efcaed
Dealt to 5641b4a0
Dealt to Hero [Ah Kd]
Hero: raises $1 to $1.50
e3efcaed: folds
5641b4a0: calls $1
*** FLOP *** [7d 2c Qs]
5641b4a0: checks
Hero: bets $2.10
5641b4a0: folds
Uncalled bet ($2.10) returned to Hero
Hero collected $3.10 from pot
Hero: doesn't show hand
*** SUMMARY ***
Total pot $3.25 | Rake $0.15
Board [7d 2c Qs]
Seat 1: e3efcaed folded before Flop
Seat 2: 5641b4a0 folded on the Flop
Seat 3: Hero (button) collected ($3.10)
`

func sampleMapping() map[string]string {
	return map[string]string{
		"Hero":     "TuichAAreko",
		"e3efcaed": "Gyodong22",
		"5641b4a0": "v1[nn]1",
	}
}

func TestRewriteFullHand(t *testing.T) {
	out := Rewrite(sampleHand, sampleMapping())

	assert.NotContains(t, out, "e3efcaed")
	assert.NotContains(t, out, "5641b4a0")
	assert.NotContains(t, out, "Hero")
	assert.Contains(t, out, "Seat 1: Gyodong22 ($50.25 in chips)")
	assert.Contains(t, out, "Gyodong22: posts small blind $0.25")
	assert.Contains(t, out, "v1[nn]1: posts big blind $0.50")
	assert.Contains(t, out, "Dealt to TuichAAreko [Ah Kd]")
	assert.Contains(t, out, "Dealt to Gyodong22\n")
	assert.Contains(t, out, "TuichAAreko: raises $1 to $1.50")
	assert.Contains(t, out, "v1[nn]1: calls $1")
	assert.Contains(t, out, "Uncalled bet ($2.10) returned to TuichAAreko")
	assert.Contains(t, out, "TuichAAreko collected $3.10 from pot")
	assert.Contains(t, out, "TuichAAreko: doesn't show hand")
	assert.Contains(t, out, "Seat 3: TuichAAreko (button) collected ($3.10)")
	assert.Empty(t, ResidualAnonIDs(out))
}

func TestRewritePreservesEverythingElse(t *testing.T) {
	out := Rewrite(sampleHand, sampleMapping())

	// Header, hand ID, timestamp, table name, street markers and amounts are
	// untouched.
	assert.Contains(t, out, "Poker Hand #RC1001:")
	assert.Contains(t, out, "2024/01/15 20:30:11")
	assert.Contains(t, out, "Table 'RushAndCash123' 6-max Seat #3 is the button")
	assert.Contains(t, out, "*** FLOP *** [7d 2c Qs]")
	assert.Contains(t, out, "Total pot $3.25 | Rake $0.15")
	assert.Equal(t, strings.Count(sampleHand, "\n"), strings.Count(out, "\n"))
	assert.Equal(t, strings.Count(sampleHand, "$"), strings.Count(out, "$"))
}

func TestRewriteUnmappedIDStaysAndIsDetected(t *testing.T) {
	mapping := sampleMapping()
	delete(mapping, "5641b4a0")
	out := Rewrite(sampleHand, mapping)

	assert.Contains(t, out, "5641b4a0: posts big blind $0.50")
	assert.Equal(t, []string{"5641b4a0"}, ResidualAnonIDs(out))
}

// Every rule must survive a real name that starts with a digit. With
// numbered backreferences the replacement "$1" + "50Zoos" would be parsed as
// group 150 and drop text; the ${n} form must make this impossible.
func TestRewriteDigitLeadingNameEveryRule(t *testing.T) {
	const anonID = "e3efcaed"
	const name = "50Zoos"
	lines := map[string][2]string{
		"seat_declaration":      {"Seat 1: e3efcaed ($50.25 in chips)", "Seat 1: 50Zoos ($50.25 in chips)"},
		"post_small_blind":      {"e3efcaed: posts small blind $0.25", "50Zoos: posts small blind $0.25"},
		"post_big_blind":        {"e3efcaed: posts big blind $0.50", "50Zoos: posts big blind $0.50"},
		"action_with_amount":    {"e3efcaed: raises $1 to $1.50", "50Zoos: raises $1 to $1.50"},
		"action_all_in":         {"e3efcaed: calls $48.10 and is all-in", "50Zoos: calls $48.10 and is all-in"},
		"action_without_amount": {"e3efcaed: folds", "50Zoos: folds"},
		"dealt_without_cards":   {"Dealt to e3efcaed", "Dealt to 50Zoos"},
		"dealt_with_cards":      {"Dealt to e3efcaed [Ah Kd]", "Dealt to 50Zoos [Ah Kd]"},
		"pot_collection":        {"e3efcaed collected $3.10 from pot", "50Zoos collected $3.10 from pot"},
		"showdown_show":         {"e3efcaed: shows [Ah Kd] (a pair of Aces)", "50Zoos: shows [Ah Kd] (a pair of Aces)"},
		"muck":                  {"e3efcaed: mucks hand", "50Zoos: mucks hand"},
		"does_not_show":         {"e3efcaed: doesn't show hand", "50Zoos: doesn't show hand"},
		"summary_seat":          {"Seat 1: e3efcaed folded before Flop", "Seat 1: 50Zoos folded before Flop"},
		"uncalled_bet_return":   {"Uncalled bet ($2.10) returned to e3efcaed", "Uncalled bet ($2.10) returned to 50Zoos"},
	}
	require.Len(t, lines, len(Rules), "every rule needs a fixture")

	for _, rule := range Rules {
		fixture, ok := lines[rule.Name]
		require.True(t, ok, "missing fixture for rule %s", rule.Name)
		t.Run(rule.Name, func(t *testing.T) {
			out := Rewrite(fixture[0], map[string]string{anonID: name})
			assert.Equal(t, fixture[1], out)
		})
	}
}

func TestRewriteEscapesDollarInName(t *testing.T) {
	out := Rewrite("e3efcaed: folds", map[string]string{"e3efcaed": "$crooge"})
	assert.Equal(t, "$crooge: folds", out)
}

func TestRewriteLongerIDWinsOverPrefix(t *testing.T) {
	in := "Seat 1: abc12345 ($10 in chips)\nSeat 2: abc1234 ($20 in chips)"
	out := Rewrite(in, map[string]string{
		"abc1234":  "Short",
		"abc12345": "Long",
	})
	assert.Contains(t, out, "Seat 1: Long ($10 in chips)")
	assert.Contains(t, out, "Seat 2: Short ($20 in chips)")
}

func TestResidualDetectionIgnoresNonPlayerContext(t *testing.T) {
	// Hex-looking tokens outside player position must not be flagged: card
	// runs, hand IDs, and mid-line occurrences.
	text := fmt.Sprintf("Poker Hand #RC%s: something\nBoard [7d 2c Qs]\nchat: e3efcaed said hi\n", "1001")
	assert.Empty(t, ResidualAnonIDs(text))
}

func TestResidualDetectionFindsBothContexts(t *testing.T) {
	text := "Seat 1: e3efcaed ($50.25 in chips)\n5641b4a0: folds\n"
	assert.Equal(t, []string{"5641b4a0", "e3efcaed"}, ResidualAnonIDs(text))
}
