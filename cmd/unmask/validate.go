package main

import (
	"fmt"

	"github.com/pokerforge/unmask/internal/handhistory"
)

// ValidateCmd parses one input file and reports what the pipeline would see,
// without spending any OCR budget.
type ValidateCmd struct {
	File string `arg:"" help:"Hand-history text file" type:"existingfile"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	logger := setupLogger(cli.Debug)

	parser := handhistory.NewParser(logger)
	hands, err := parser.ParseFile(c.File)
	if err != nil {
		return err
	}

	tables := make(map[string]int)
	for _, h := range hands {
		tables[h.NormalizedTable()]++
	}

	fmt.Printf("%s: %d hands across %d tables\n", c.File, len(hands), len(tables))
	for _, h := range hands {
		fmt.Printf("  %s  table=%s seats=%d hero_seat=%d anon_ids=%d\n",
			h.HandID, h.NormalizedTable(), len(h.Seats), h.HeroSeat, len(h.AnonIDs()))
	}
	return nil
}
