// Package rewrite substitutes anon IDs with real names in hand-history text
// using an ordered rule list, most specific first, so the generic
// line-start form cannot swallow tokens that belong to a more specific
// rule. Replacement templates use the explicit ${n} group form throughout:
// with \1-style references a name starting with a digit would turn the
// backreference into an octal escape and silently corrupt the output.
package rewrite

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const money = `[$€¥]?[\d,.]+`

// Rule is one substitution pattern. The pattern contains exactly one %s,
// which receives the quoted anon ID; the template reassembles the line with
// the real name in the ID's place.
type Rule struct {
	Name     string
	pattern  string
	template string // %s receives the escaped real name
}

// Rules is the ordered rule set.
var Rules = []Rule{
	{"seat_declaration", `(?m)^(Seat \d+: )%s( \(` + money + ` in chips\))`, `${1}%s${2}`},
	{"post_small_blind", `(?m)^%s(: posts small blind ` + money + `)`, `%s${1}`},
	{"post_big_blind", `(?m)^%s(: posts big blind ` + money + `)`, `%s${1}`},
	{"action_with_amount", `(?m)^%s(: (?:bets|calls|raises) ` + money + `(?: to ` + money + `)?)$`, `%s${1}`},
	{"action_all_in", `(?m)^%s(: (?:bets|calls|raises) ` + money + `(?: to ` + money + `)? and is all-in)$`, `%s${1}`},
	{"action_without_amount", `(?m)^%s(: (?:folds|checks))`, `%s${1}`},
	{"dealt_without_cards", `(?m)^(Dealt to )%s$`, `${1}%s`},
	{"dealt_with_cards", `(?m)^(Dealt to )%s( \[\w{2} \w{2}\])`, `${1}%s${2}`},
	{"pot_collection", `(?m)^%s( collected ` + money + ` from pot)`, `%s${1}`},
	{"showdown_show", `(?m)^%s(: shows \[[^\]]+\])`, `%s${1}`},
	{"muck", `(?m)^%s(: mucks hand)`, `%s${1}`},
	{"does_not_show", `(?m)^%s(: doesn't show hand)`, `%s${1}`},
	{"summary_seat", `(?m)^(Seat \d+: )%s\b`, `${1}%s`},
	{"uncalled_bet_return", `(?m)^(Uncalled bet \(` + money + `\) returned to )%s$`, `${1}%s`},
}

// Rewrite applies the table mapping to one hand's text. Anon IDs are
// processed longest-first so an ID can never partially shadow a longer one;
// within one ID the 14 rules run in order. Text outside the substituted
// tokens is preserved byte-for-byte.
func Rewrite(handText string, mapping map[string]string) string {
	anonIDs := make([]string, 0, len(mapping))
	for id := range mapping {
		anonIDs = append(anonIDs, id)
	}
	sort.Slice(anonIDs, func(i, j int) bool {
		if len(anonIDs[i]) != len(anonIDs[j]) {
			return len(anonIDs[i]) > len(anonIDs[j])
		}
		return anonIDs[i] < anonIDs[j]
	})

	out := handText
	for _, anonID := range anonIDs {
		name := escapeTemplate(mapping[anonID])
		quoted := regexp.QuoteMeta(anonID)
		for _, rule := range Rules {
			re := regexp.MustCompile(fmt.Sprintf(rule.pattern, quoted))
			out = re.ReplaceAllString(out, fmt.Sprintf(rule.template, name))
		}
	}
	return out
}

// escapeTemplate protects a real name from being interpreted as a group
// reference inside ReplaceAllString templates.
func escapeTemplate(name string) string {
	return strings.ReplaceAll(name, "$", "$$")
}

// Residual detection only looks at player-position context so timestamps,
// card pairs, and hand IDs are never mis-flagged.
var (
	residualActorRe = regexp.MustCompile(`(?m)^([a-f0-9]{6,8}):`)
	residualSeatRe  = regexp.MustCompile(`(?m)^Seat \d+: ([a-f0-9]{6,8})\b`)
)

// ResidualAnonIDs returns the anon IDs still present in player position
// after rewriting, unique and sorted. A non-empty result classifies the
// output as incomplete.
func ResidualAnonIDs(text string) []string {
	seen := make(map[string]bool)
	for _, re := range []*regexp.Regexp{residualActorRe, residualSeatRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			seen[m[1]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
