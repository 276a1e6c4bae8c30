package pipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/pokerforge/unmask/internal/match"
)

// Config is the complete pipeline configuration.
type Config struct {
	OCR     OCRSettings     `hcl:"ocr,block"`
	Matcher MatcherSettings `hcl:"matcher,block"`
	Limits  LimitSettings   `hcl:"limits,block"`
	Storage StorageSettings `hcl:"storage,block"`
}

// OCRSettings controls the vision stage.
type OCRSettings struct {
	Concurrency int    `hcl:"concurrency,optional"`
	MaxRetries  int    `hcl:"max_retries,optional"`
	RetryDelay  string `hcl:"retry_delay,optional"`
	CallTimeout string `hcl:"call_timeout,optional"`
	Model       string `hcl:"model,optional"`

	retryDelay  time.Duration
	callTimeout time.Duration
}

// RetryDelayDuration returns the parsed retry delay.
func (s *OCRSettings) RetryDelayDuration() time.Duration { return s.retryDelay }

// CallTimeoutDuration returns the parsed per-call timeout.
func (s *OCRSettings) CallTimeoutDuration() time.Duration { return s.callTimeout }

// MatcherSettings controls the scored fallback and the acceptance gates.
type MatcherSettings struct {
	ScoredThreshold       float64  `hcl:"scored_threshold,optional"`
	TimestampWindowSec    int      `hcl:"timestamp_window_seconds,optional"`
	StackToleranceHero    float64  `hcl:"stack_tolerance_hero,optional"`
	StackToleranceGeneral float64  `hcl:"stack_tolerance_general,optional"`
	StackAlignmentRatio   float64  `hcl:"stack_alignment_ratio,optional"`
	HandIDPrefixes        []string `hcl:"hand_id_prefixes,optional"`
}

// LimitSettings caps input batch sizes per the operator's tier.
type LimitSettings struct {
	MaxHandFiles   int `hcl:"max_hand_files,optional"`
	MaxScreenshots int `hcl:"max_screenshots,optional"`
}

// StorageSettings places the database and job outputs.
type StorageSettings struct {
	DatabasePath string `hcl:"database_path,optional"`
	OutputDir    string `hcl:"output_dir,optional"`
}

// DefaultConfig returns the shipped configuration.
func DefaultConfig() *Config {
	return &Config{
		OCR: OCRSettings{
			Concurrency: 10,
			MaxRetries:  1,
			RetryDelay:  "1s",
			CallTimeout: "30s",
			Model:       "gemini-2.0-flash",
			retryDelay:  time.Second,
			callTimeout: 30 * time.Second,
		},
		Matcher: MatcherSettings{
			ScoredThreshold:       70.0,
			TimestampWindowSec:    60,
			StackToleranceHero:    0.25,
			StackToleranceGeneral: 0.30,
			StackAlignmentRatio:   0.50,
			HandIDPrefixes:        []string{"RC", "OM", "TM", "HD", "SG", "MT", "TT"},
		},
		Limits: LimitSettings{
			MaxHandFiles:   50,
			MaxScreenshots: 200,
		},
		Storage: StorageSettings{
			DatabasePath: "unmask.db",
			OutputDir:    "output",
		},
	}
}

// LoadConfig loads configuration from an HCL file, falling back to defaults
// when the file does not exist.
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config Config
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	defaults := DefaultConfig()
	if config.OCR.Concurrency == 0 {
		config.OCR.Concurrency = defaults.OCR.Concurrency
	}
	if config.OCR.MaxRetries == 0 {
		config.OCR.MaxRetries = defaults.OCR.MaxRetries
	}
	if config.OCR.RetryDelay == "" {
		config.OCR.RetryDelay = defaults.OCR.RetryDelay
	}
	if config.OCR.CallTimeout == "" {
		config.OCR.CallTimeout = defaults.OCR.CallTimeout
	}
	if config.OCR.Model == "" {
		config.OCR.Model = defaults.OCR.Model
	}
	if config.Matcher.ScoredThreshold == 0 {
		config.Matcher.ScoredThreshold = defaults.Matcher.ScoredThreshold
	}
	if config.Matcher.TimestampWindowSec == 0 {
		config.Matcher.TimestampWindowSec = defaults.Matcher.TimestampWindowSec
	}
	if config.Matcher.StackToleranceHero == 0 {
		config.Matcher.StackToleranceHero = defaults.Matcher.StackToleranceHero
	}
	if config.Matcher.StackToleranceGeneral == 0 {
		config.Matcher.StackToleranceGeneral = defaults.Matcher.StackToleranceGeneral
	}
	if config.Matcher.StackAlignmentRatio == 0 {
		config.Matcher.StackAlignmentRatio = defaults.Matcher.StackAlignmentRatio
	}
	if len(config.Matcher.HandIDPrefixes) == 0 {
		config.Matcher.HandIDPrefixes = defaults.Matcher.HandIDPrefixes
	}
	if config.Limits.MaxHandFiles == 0 {
		config.Limits.MaxHandFiles = defaults.Limits.MaxHandFiles
	}
	if config.Limits.MaxScreenshots == 0 {
		config.Limits.MaxScreenshots = defaults.Limits.MaxScreenshots
	}
	if config.Storage.DatabasePath == "" {
		config.Storage.DatabasePath = defaults.Storage.DatabasePath
	}
	if config.Storage.OutputDir == "" {
		config.Storage.OutputDir = defaults.Storage.OutputDir
	}

	var err error
	if config.OCR.retryDelay, err = time.ParseDuration(config.OCR.RetryDelay); err != nil {
		return nil, fmt.Errorf("invalid retry_delay: %w", err)
	}
	if config.OCR.callTimeout, err = time.ParseDuration(config.OCR.CallTimeout); err != nil {
		return nil, fmt.Errorf("invalid call_timeout: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.OCR.Concurrency < 1 || c.OCR.Concurrency > 100 {
		return fmt.Errorf("ocr concurrency must be between 1 and 100, got %d", c.OCR.Concurrency)
	}
	if c.OCR.MaxRetries < 0 || c.OCR.MaxRetries > 5 {
		return fmt.Errorf("ocr max_retries must be between 0 and 5, got %d", c.OCR.MaxRetries)
	}
	if c.Matcher.ScoredThreshold <= 0 || c.Matcher.ScoredThreshold > 100 {
		return fmt.Errorf("scored_threshold must be in (0, 100], got %.1f", c.Matcher.ScoredThreshold)
	}
	if c.Matcher.StackAlignmentRatio <= 0 || c.Matcher.StackAlignmentRatio > 1 {
		return fmt.Errorf("stack_alignment_ratio must be in (0, 1], got %.2f", c.Matcher.StackAlignmentRatio)
	}
	if c.Limits.MaxHandFiles < 1 {
		return fmt.Errorf("max_hand_files must be positive, got %d", c.Limits.MaxHandFiles)
	}
	if c.Limits.MaxScreenshots < 1 {
		return fmt.Errorf("max_screenshots must be positive, got %d", c.Limits.MaxScreenshots)
	}
	return nil
}

// MatchConfig converts the matcher settings into the matcher's config type.
func (c *Config) MatchConfig() match.Config {
	return match.Config{
		HandIDPrefixes:        c.Matcher.HandIDPrefixes,
		ScoredThreshold:       c.Matcher.ScoredThreshold,
		TimestampWindow:       time.Duration(c.Matcher.TimestampWindowSec) * time.Second,
		StackToleranceHero:    c.Matcher.StackToleranceHero,
		StackToleranceGeneral: c.Matcher.StackToleranceGeneral,
		StackAlignmentRatio:   c.Matcher.StackAlignmentRatio,
	}
}
