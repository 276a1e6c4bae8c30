package handhistory

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// ErrMalformedHistory is returned when a file yields no parseable hands at
// all. Individually malformed hands inside an otherwise valid file are
// skipped with a warning instead.
var ErrMalformedHistory = errors.New("hand history file is malformed")

const timestampLayout = "2006/01/02 15:04:05"

var (
	headerRe = regexp.MustCompile(`^Poker Hand #([A-Z]{2}\d+): .+ \(([$€¥]?)([\d.]+)/[$€¥]?([\d.]+)\) - (\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2})`)
	tableRe  = regexp.MustCompile(`^Table '([^']*)'.*?Seat #(\d+) is the button`)
	seatRe   = regexp.MustCompile(`^Seat (\d+): (\S+) \([$€¥]?([\d,.]+) in chips\)`)
	sbRe     = regexp.MustCompile(`^(\S+): posts small blind`)
	bbRe     = regexp.MustCompile(`^(\S+): posts big blind`)
	dealtRe  = regexp.MustCompile(`^Dealt to (\S+)(?: \[(\w{2}) (\w{2})\])?`)
	flopRe   = regexp.MustCompile(`^\*\*\* FLOP \*\*\* \[(\w{2}) (\w{2}) (\w{2})\]`)
	turnRe   = regexp.MustCompile(`^\*\*\* TURN \*\*\* \[[^\]]+\] \[(\w{2})\]`)
	riverRe  = regexp.MustCompile(`^\*\*\* RIVER \*\*\* \[[^\]]+\] \[(\w{2})\]`)
	anonIDRe = regexp.MustCompile(`^[a-f0-9]{6,8}$`)

	// Anon-ID tokens in player position: line start followed by a colon,
	// or directly after a seat declaration.
	actorRe = regexp.MustCompile(`(?m)^([a-f0-9]{6,8}):`)
	seatIDRe = regexp.MustCompile(`(?m)^Seat \d+: ([a-f0-9]{6,8})\b`)
)

// Parser converts hand-history text into Hand records.
type Parser struct {
	logger *log.Logger
}

// NewParser creates a parser that reports skipped hands through logger.
func NewParser(logger *log.Logger) *Parser {
	return &Parser{logger: logger.With("component", "parser")}
}

// ParseFile parses one hand-history file from disk.
func (p *Parser) ParseFile(path string) ([]*Hand, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hand history: %w", err)
	}
	defer f.Close()
	hands, err := p.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return hands, nil
}

// Parse reads one file's worth of hand-history text and returns the hands it
// contains. Returns ErrMalformedHistory when no hand can be extracted.
func (p *Parser) Parse(r io.Reader) ([]*Hand, error) {
	blocks, err := splitBlocks(r)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no hand header found", ErrMalformedHistory)
	}

	hands := make([]*Hand, 0, len(blocks))
	for _, block := range blocks {
		hand, err := p.parseHand(block)
		if err != nil {
			p.logger.Warn("skipping malformed hand", "error", err)
			continue
		}
		hands = append(hands, hand)
	}
	if len(hands) == 0 {
		return nil, fmt.Errorf("%w: all hands malformed", ErrMalformedHistory)
	}
	return hands, nil
}

// splitBlocks divides the file into per-hand text blocks, delimited by the
// vendor header line. Trailing blank lines are trimmed from each block so
// blocks can be rejoined with a uniform separator.
func splitBlocks(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var blocks []string
	var current []string
	flush := func() {
		for len(current) > 0 && strings.TrimSpace(current[len(current)-1]) == "" {
			current = current[:len(current)-1]
		}
		if len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\n"))
		}
		current = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Poker Hand #") {
			flush()
		}
		if len(current) == 0 && strings.TrimSpace(line) == "" {
			continue
		}
		current = append(current, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read hand history: %w", err)
	}
	flush()

	// Leading junk before the first header is not a hand.
	for len(blocks) > 0 && !strings.HasPrefix(blocks[0], "Poker Hand #") {
		blocks = blocks[1:]
	}
	return blocks, nil
}

func (p *Parser) parseHand(block string) (*Hand, error) {
	lines := strings.Split(block, "\n")

	m := headerRe.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, fmt.Errorf("no hand ID in header %q", truncate(lines[0], 60))
	}

	hand := &Hand{
		HandID:  m[1],
		RawText: block,
	}
	hand.Stakes.Currency = m[2]
	hand.Stakes.SmallBlind, _ = strconv.ParseFloat(m[3], 64)
	hand.Stakes.BigBlind, _ = strconv.ParseFloat(m[4], 64)

	ts, err := time.Parse(timestampLayout, m[5])
	if err != nil {
		return nil, fmt.Errorf("hand %s: bad timestamp %q", hand.HandID, m[5])
	}
	hand.Timestamp = ts

	inSummary := false
	for _, line := range lines[1:] {
		if strings.HasPrefix(line, "*** SUMMARY ***") {
			inSummary = true
		}

		if m := tableRe.FindStringSubmatch(line); m != nil {
			hand.TableName = m[1]
			hand.ButtonSeat, _ = strconv.Atoi(m[2])
			continue
		}
		if m := seatRe.FindStringSubmatch(line); m != nil && !inSummary {
			num, _ := strconv.Atoi(m[1])
			stack, _ := strconv.ParseFloat(strings.ReplaceAll(m[3], ",", ""), 64)
			seat := Seat{Number: num, AnonID: m[2], StartingStack: stack}
			if !validAnonID(seat.AnonID) {
				return nil, fmt.Errorf("hand %s: seat %d has invalid identifier %q", hand.HandID, num, seat.AnonID)
			}
			if seat.AnonID == HeroToken {
				hand.HeroSeat = num
			}
			hand.Seats = append(hand.Seats, seat)
			continue
		}
		if m := sbRe.FindStringSubmatch(line); m != nil {
			if s := hand.SeatByAnonID(m[1]); s != nil {
				hand.SmallBlindSeat = s.Number
			}
			continue
		}
		if m := bbRe.FindStringSubmatch(line); m != nil {
			if s := hand.SeatByAnonID(m[1]); s != nil {
				hand.BigBlindSeat = s.Number
			}
			continue
		}
		if m := dealtRe.FindStringSubmatch(line); m != nil {
			if m[1] == HeroToken && m[2] != "" {
				hand.HeroHoleCards = []string{m[2], m[3]}
			}
			continue
		}
		if m := flopRe.FindStringSubmatch(line); m != nil {
			hand.BoardCards = []string{m[1], m[2], m[3]}
			continue
		}
		if m := turnRe.FindStringSubmatch(line); m != nil {
			hand.BoardCards = append(hand.BoardCards, m[1])
			continue
		}
		if m := riverRe.FindStringSubmatch(line); m != nil {
			hand.BoardCards = append(hand.BoardCards, m[1])
			continue
		}
	}

	if len(hand.Seats) == 0 {
		return nil, fmt.Errorf("hand %s: no seat lines", hand.HandID)
	}
	if hand.HeroSeat == 0 {
		return nil, fmt.Errorf("hand %s: no Hero seat", hand.HandID)
	}
	if err := checkReferencedIDs(hand); err != nil {
		return nil, err
	}
	return hand, nil
}

// checkReferencedIDs enforces the invariant that every anon ID appearing in
// player position within the raw text also appears in the seat list.
func checkReferencedIDs(hand *Hand) error {
	seated := make(map[string]bool, len(hand.Seats))
	for _, s := range hand.Seats {
		seated[s.AnonID] = true
	}
	for _, re := range []*regexp.Regexp{actorRe, seatIDRe} {
		for _, m := range re.FindAllStringSubmatch(hand.RawText, -1) {
			if !seated[m[1]] {
				return fmt.Errorf("hand %s: identifier %s acts but holds no seat", hand.HandID, m[1])
			}
		}
	}
	return nil
}

func validAnonID(id string) bool {
	return id == HeroToken || anonIDRe.MatchString(id)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
