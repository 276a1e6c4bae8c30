// Package validate checks a rewritten hand against the acceptance rules of
// the downstream analysis importer. Each check yields a recorded boolean
// result; nothing here returns an error for a failed check, because a dirty
// file is a classification outcome, not a pipeline fault.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/pokerforge/unmask/internal/handhistory"
	"github.com/pokerforge/unmask/internal/rewrite"
)

// Check names, stable identifiers recorded with each result.
const (
	CheckHeroMentions = "hero_mentions"
	CheckLineDrift    = "line_drift"
	CheckHandID       = "hand_id"
	CheckTimestamp    = "timestamp"
	CheckCurrency     = "currency_doubling"
	CheckSummary      = "summary_present"
	CheckTableName    = "table_name"
	CheckSeatCount    = "seat_count"
	CheckChipTokens   = "chip_tokens"
	CheckResiduals    = "residual_anon_ids"
)

// maxLineDrift is the permitted difference in line counts between the
// original and rewritten text.
const maxLineDrift = 2

// CheckResult is one validator check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Result holds all check outcomes for one rewritten hand.
type Result struct {
	HandID      string        `json:"handId"`
	Checks      []CheckResult `json:"checks"`
	ResidualIDs []string      `json:"residualIds,omitempty"`
}

// Clean reports whether the hand may go into the resolved output: every
// critical check passed.
func (r *Result) Clean() bool {
	for _, c := range r.Checks {
		if c.Critical && !c.Passed {
			return false
		}
	}
	return true
}

// Failures returns the checks that did not pass.
func (r *Result) Failures() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

var (
	headerRe    = regexp.MustCompile(`^Poker Hand #(\S+): .+ - (.+)$`)
	tableLineRe = regexp.MustCompile(`(?m)^Table '([^']*)'`)
	seatDeclRe  = regexp.MustCompile(`(?m)^Seat \d+: .+ in chips\)`)
	chipTokenRe = regexp.MustCompile(`[$€¥]\d[\d,.]*`)
)

// Validator runs the check list.
type Validator struct {
	logger *log.Logger
}

// New creates a Validator.
func New(logger *log.Logger) *Validator {
	return &Validator{logger: logger.With("component", "validator")}
}

// Validate compares a hand's rewritten text against its original. The
// mapping is the table mapping that produced the rewrite; it supplies the
// hero's real name for the mention-count check.
func (v *Validator) Validate(hand *handhistory.Hand, rewritten string, mapping map[string]string) *Result {
	original := hand.RawText
	res := &Result{HandID: hand.HandID}

	record := func(name string, passed bool, critical bool, detail string) {
		if !passed {
			v.logger.Warn("validation check failed",
				"hand", hand.HandID, "check", name, "detail", detail)
		}
		res.Checks = append(res.Checks, CheckResult{
			Name: name, Passed: passed, Critical: critical, Detail: detail,
		})
	}

	heroName, mapped := mapping[handhistory.HeroToken]
	if !mapped {
		heroName = handhistory.HeroToken
	}
	before := strings.Count(original, handhistory.HeroToken)
	after := strings.Count(rewritten, heroName)
	record(CheckHeroMentions, before == after, true,
		fmt.Sprintf("%d mentions before, %d after as %q", before, after, heroName))

	drift := strings.Count(rewritten, "\n") - strings.Count(original, "\n")
	if drift < 0 {
		drift = -drift
	}
	record(CheckLineDrift, drift <= maxLineDrift, false, fmt.Sprintf("drift %d lines", drift))

	origID, origTS := headerFields(original)
	newID, newTS := headerFields(rewritten)
	record(CheckHandID, origID != "" && origID == newID,
		false, fmt.Sprintf("%q vs %q", origID, newID))
	record(CheckTimestamp, origTS != "" && origTS == newTS,
		false, fmt.Sprintf("%q vs %q", origTS, newTS))

	doubled := strings.Contains(rewritten, "$$") ||
		strings.Contains(rewritten, "€€") || strings.Contains(rewritten, "¥¥")
	record(CheckCurrency, !doubled, false, "doubled currency symbol")

	record(CheckSummary, strings.Contains(rewritten, "*** SUMMARY ***"), false, "summary marker missing")

	record(CheckTableName, firstGroup(tableLineRe, original) == firstGroup(tableLineRe, rewritten),
		false, "table name changed")

	origSeats := len(seatDeclRe.FindAllString(original, -1))
	newSeats := len(seatDeclRe.FindAllString(rewritten, -1))
	record(CheckSeatCount, origSeats == newSeats,
		false, fmt.Sprintf("%d seats before, %d after", origSeats, newSeats))

	origChips := len(chipTokenRe.FindAllString(original, -1))
	newChips := len(chipTokenRe.FindAllString(rewritten, -1))
	record(CheckChipTokens, origChips == newChips,
		false, fmt.Sprintf("%d chip tokens before, %d after", origChips, newChips))

	res.ResidualIDs = rewrite.ResidualAnonIDs(rewritten)
	record(CheckResiduals, len(res.ResidualIDs) == 0, true,
		fmt.Sprintf("residual anon IDs: %v", res.ResidualIDs))

	return res
}

func headerFields(text string) (handID, timestamp string) {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	m := headerRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

func firstGroup(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}
