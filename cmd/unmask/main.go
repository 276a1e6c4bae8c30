package main

import (
	"github.com/alecthomas/kong"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Config  string           `short:"c" default:"unmask.hcl" help:"Path to HCL config file"`
	Debug   bool             `help:"Enable debug logging"`

	Run      RunCmd      `cmd:"" help:"Process a batch of hand histories and screenshots"`
	Validate ValidateCmd `cmd:"" help:"Parse one hand-history file without running the pipeline"`
	Jobs     JobsCmd     `cmd:"" help:"List jobs and their outcomes"`
	Watch    WatchCmd    `cmd:"" help:"Watch an inbox directory and process dropped batches"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("unmask"),
		kong.Description("De-anonymize poker hand histories using table screenshots"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
