package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pokerforge/unmask/internal/pipeline"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(22)

	goodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func renderSummary(stats *pipeline.Statistics, outputDir string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(" unmask — job summary "))
	b.WriteString("\n\n")

	row := func(label string, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	row("Hands parsed", fmt.Sprintf("%d (from %d files)", stats.HandsParsed, stats.HandFilesRead))
	row("Screenshots", fmt.Sprintf("%d", stats.Screenshots))
	row("OCR pass 1", fmt.Sprintf("%d ok, %d failed, %d retried",
		stats.OCR1Succeeded, stats.OCR1Failed, stats.OCR1Retried))
	row("OCR pass 2", fmt.Sprintf("%d ok, %d failed", stats.OCR2Succeeded, stats.OCR2Failed))
	row("Matched", fmt.Sprintf("%d (hand ID %d, filename %d, scored %d)",
		stats.Matched(), stats.MatchedByHandID, stats.MatchedByFilename, stats.MatchedByScore))
	row("Gate rejections", fmt.Sprintf("%d", stats.GateRejected))
	row("Mappings", fmt.Sprintf("%d built, %d discarded", stats.MappingsBuilt, stats.MappingsDiscarded))

	clean := fmt.Sprintf("%d", stats.HandsClean)
	if stats.HandsClean > 0 {
		clean = goodStyle.Render(clean)
	}
	incomplete := fmt.Sprintf("%d", stats.HandsIncomplete)
	if stats.HandsIncomplete > 0 {
		incomplete = badStyle.Render(incomplete)
	}
	row("Hands clean", clean)
	row("Hands incomplete", incomplete)
	row("Tables", fmt.Sprintf("%d resolved, %d incomplete", stats.TablesResolved, stats.TablesIncomplete))
	row("Output", outputDir)

	return b.String()
}
