package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"

	// Per-call wall-clock bound; the job context may cut it shorter.
	defaultCallTimeout = 30 * time.Second
)

const handIDPrompt = `This is a screenshot of an online poker table. Read the hand
identifier shown in the interface (a short prefix of capital letters followed
by digits, for example RC1810505257). Reply with the identifier token only.
If no hand identifier is visible, reply with the single word NONE.`

const playersPrompt = `This is a screenshot of an online poker table. List the
visible players and role markers as JSON with this exact shape and no other
text:
{"players": ["name1", "name2", ...],
 "stacks": [123.4, 56.7, ...],
 "dealerPlayer": "name", "smallBlindPlayer": "name", "bigBlindPlayer": "name"}
players must be ordered by visual position starting from the bottom seat and
continuing counter-clockwise. Omit stacks and any role field you cannot read.`

const featuresPrompt = `This is a screenshot of an online poker table. Report the
following as JSON with no other text, omitting anything you cannot read:
{"heroHoleCards": ["Ah", "Kd"], "boardCards": ["7d", "2c", "Qs"],
 "heroVisualSeat": 1, "heroStack": 123.4, "playerNames": ["name1", ...]}
The hero is the player at the bottom seat whose hole cards are face up.`

// Gemini implements Client against the Gemini generateContent REST API.
type Gemini struct {
	apiKey      string
	model       string
	baseURL     string
	httpClient  *http.Client
	callTimeout time.Duration
}

// GeminiOption customizes a Gemini client.
type GeminiOption func(*Gemini)

// WithModel overrides the default model.
func WithModel(model string) GeminiOption {
	return func(g *Gemini) { g.model = model }
}

// WithBaseURL points the client at a different endpoint (tests).
func WithBaseURL(url string) GeminiOption {
	return func(g *Gemini) { g.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) GeminiOption {
	return func(g *Gemini) { g.httpClient = c }
}

// WithCallTimeout changes the per-call wall-clock bound.
func WithCallTimeout(d time.Duration) GeminiOption {
	return func(g *Gemini) { g.callTimeout = d }
}

// NewGemini creates a Gemini-backed vision client. An empty API key is a
// hard ErrAuthMissing: there is no placeholder-key path that silently
// returns dummy OCR data.
func NewGemini(apiKey string, opts ...GeminiOption) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrAuthMissing
	}
	g := &Gemini{
		apiKey:      apiKey,
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{},
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

var handIDTokenRe = regexp.MustCompile(`\b[A-Z]{2}\d{4,}\b`)

// ExtractHandID implements Client.
func (g *Gemini) ExtractHandID(ctx context.Context, imagePath string) (string, error) {
	text, err := g.generate(ctx, "ExtractHandID", handIDPrompt, imagePath)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "NONE") {
		return "", nil
	}
	// Models occasionally pad the token with prose despite the prompt.
	if token := handIDTokenRe.FindString(text); token != "" {
		return token, nil
	}
	return "", nil
}

// ExtractPlayers implements Client.
func (g *Gemini) ExtractPlayers(ctx context.Context, imagePath string) (*PlayersPayload, error) {
	text, err := g.generate(ctx, "ExtractPlayers", playersPrompt, imagePath)
	if err != nil {
		return nil, err
	}
	return DecodePlayersPayload([]byte(stripFences(text)))
}

// ExtractMatchFeatures implements FeatureExtractor.
func (g *Gemini) ExtractMatchFeatures(ctx context.Context, imagePath string) (*MatchFeatures, error) {
	text, err := g.generate(ctx, "ExtractMatchFeatures", featuresPrompt, imagePath)
	if err != nil {
		return nil, err
	}
	var raw struct {
		HeroHoleCards  []string `json:"heroHoleCards"`
		BoardCards     []string `json:"boardCards"`
		HeroVisualSeat int      `json:"heroVisualSeat"`
		HeroStack      float64  `json:"heroStack"`
		PlayerNames    []string `json:"playerNames"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return &MatchFeatures{
		HeroHoleCards:  raw.HeroHoleCards,
		BoardCards:     raw.BoardCards,
		HeroVisualSeat: raw.HeroVisualSeat,
		HeroStack:      raw.HeroStack,
		PlayerNames:    raw.PlayerNames,
	}, nil
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Gemini) generate(ctx context.Context, op, prompt, imagePath string) (string, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return "", &Error{Kind: Permanent, Op: op, Err: fmt.Errorf("read image: %w", err)}
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &geminiInlineData{
					MimeType: mimeTypeFor(imagePath),
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
	})
	if err != nil {
		return "", &Error{Kind: Permanent, Op: op, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: Permanent, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are worth one retry.
		return "", &Error{Kind: Transient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Error{Kind: Transient, Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		kind := Permanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = Transient
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", &Error{Kind: Permanent, Op: op, Err: fmt.Errorf("%w: HTTP %d", ErrAuthMissing, resp.StatusCode)}
		}
		return "", &Error{Kind: kind, Op: op, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateBody(respBody))}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &Error{Kind: Permanent, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return "", &Error{Kind: Permanent, Op: op, Err: errors.New(parsed.Error.Message)}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// stripFences removes a markdown code fence the model may wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
