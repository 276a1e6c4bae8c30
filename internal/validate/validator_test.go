package validate

import (
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokerforge/unmask/internal/handhistory"
	"github.com/pokerforge/unmask/internal/rewrite"
)

const originalHand = `Poker Hand #RC1001: Rush & Cash No Limit Hold'em ($0.25/$0.50) - 2024/01/15 20:30:11
Table 'RushAndCash123' 6-max Seat #3 is the button
Seat 1: e3efcaed ($50.25 in chips)
Seat 2: 5641b4a0 ($48.10 in chips)
Seat 3: Hero ($50 in chips)
e3efcaed: posts small blind $0.25
5641b4a0: posts big blind $0.50
*** HOLE CARDS ***
Dealt to Hero [Ah Kd]
Hero: raises $1 to $1.50
e3efcaed: folds
5641b4a0: folds
Uncalled bet ($1) returned to Hero
Hero collected $0.75 from pot
*** SUMMARY ***
Total pot $0.75 | Rake $0
Seat 1: e3efcaed folded before Flop
Seat 2: 5641b4a0 folded before Flop
Seat 3: Hero (button) collected ($0.75)
`

func fullMapping() map[string]string {
	return map[string]string{
		"Hero":     "TuichAAreko",
		"e3efcaed": "Gyodong22",
		"5641b4a0": "v1[nn]1",
	}
}

func testHand() *handhistory.Hand {
	return &handhistory.Hand{HandID: "RC1001", RawText: originalHand}
}

func testValidator() *Validator {
	return New(log.New(io.Discard))
}

func checkByName(t *testing.T, res *Result, name string) CheckResult {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not found", name)
	return CheckResult{}
}

func TestValidateCleanRewrite(t *testing.T) {
	rewritten := rewrite.Rewrite(originalHand, fullMapping())
	res := testValidator().Validate(testHand(), rewritten, fullMapping())

	assert.True(t, res.Clean())
	assert.Empty(t, res.Failures())
	assert.Empty(t, res.ResidualIDs)
}

func TestValidateResidualsAreCritical(t *testing.T) {
	partial := fullMapping()
	delete(partial, "5641b4a0")
	rewritten := rewrite.Rewrite(originalHand, partial)
	res := testValidator().Validate(testHand(), rewritten, partial)

	assert.False(t, res.Clean())
	assert.Equal(t, []string{"5641b4a0"}, res.ResidualIDs)
	c := checkByName(t, res, CheckResiduals)
	assert.False(t, c.Passed)
	assert.True(t, c.Critical)
}

func TestValidateHeroMentionCountIsCritical(t *testing.T) {
	rewritten := rewrite.Rewrite(originalHand, fullMapping())
	// Simulate a corrupted rewrite that dropped one hero line.
	corrupted := strings.Replace(rewritten, "TuichAAreko: raises $1 to $1.50\n", "", 1)
	res := testValidator().Validate(testHand(), corrupted, fullMapping())

	assert.False(t, res.Clean())
	c := checkByName(t, res, CheckHeroMentions)
	assert.False(t, c.Passed)
	assert.True(t, c.Critical)
}

func TestValidateUnmappedHeroCountsLiteralToken(t *testing.T) {
	// No mapping at all: Hero stays Hero and the count check passes.
	res := testValidator().Validate(testHand(), originalHand, nil)
	assert.True(t, checkByName(t, res, CheckHeroMentions).Passed)
}

func TestValidateNonCriticalFailuresAreRecordedNotFatal(t *testing.T) {
	rewritten := rewrite.Rewrite(originalHand, fullMapping())
	corrupted := strings.Replace(rewritten, "*** SUMMARY ***", "*** SUMARY ***", 1)
	res := testValidator().Validate(testHand(), corrupted, fullMapping())

	c := checkByName(t, res, CheckSummary)
	assert.False(t, c.Passed)
	assert.False(t, c.Critical)
	assert.True(t, res.Clean(), "non-critical failure still classifies clean")
	require.Len(t, res.Failures(), 1)
}

func TestValidateDoubledCurrency(t *testing.T) {
	rewritten := rewrite.Rewrite(originalHand, map[string]string{
		"Hero":     "$$Rich",
		"e3efcaed": "Gyodong22",
		"5641b4a0": "v1[nn]1",
	})
	res := testValidator().Validate(testHand(), rewritten, fullMapping())
	assert.False(t, checkByName(t, res, CheckCurrency).Passed)
}

func TestValidateHandIDAndTimestampDrift(t *testing.T) {
	rewritten := rewrite.Rewrite(originalHand, fullMapping())
	corrupted := strings.Replace(rewritten, "#RC1001", "#RC1002", 1)
	corrupted = strings.Replace(corrupted, "20:30:11", "20:30:12", 1)
	res := testValidator().Validate(testHand(), corrupted, fullMapping())

	assert.False(t, checkByName(t, res, CheckHandID).Passed)
	assert.False(t, checkByName(t, res, CheckTimestamp).Passed)
}

func TestValidateSeatAndChipTokenCounts(t *testing.T) {
	rewritten := rewrite.Rewrite(originalHand, fullMapping())
	corrupted := strings.Replace(rewritten, "Seat 2: v1[nn]1 ($48.10 in chips)\n", "", 1)
	res := testValidator().Validate(testHand(), corrupted, fullMapping())

	assert.False(t, checkByName(t, res, CheckSeatCount).Passed)
	assert.False(t, checkByName(t, res, CheckChipTokens).Passed)
}

func TestValidateLineDriftTolerance(t *testing.T) {
	rewritten := rewrite.Rewrite(originalHand, fullMapping())
	res := testValidator().Validate(testHand(), rewritten+"\n\n", fullMapping())
	assert.True(t, checkByName(t, res, CheckLineDrift).Passed, "drift of 2 is tolerated")

	res = testValidator().Validate(testHand(), rewritten+"\n\n\n", fullMapping())
	assert.False(t, checkByName(t, res, CheckLineDrift).Passed)
}
