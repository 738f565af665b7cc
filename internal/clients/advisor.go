package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvasek/condorbot/internal/models"
)

// ErrAIUnavailable is returned when the advisor is silent (budget exhausted)
// or not configured. Callers proceed without the advisor; mandatory gates
// treat this as a rejection, never an approval.
var ErrAIUnavailable = errors.New("clients: advisor unavailable")

const advisorTimeout = 30 * time.Second

// Advisor asks a chat-completion endpoint for a structured trade opinion.
type Advisor struct {
	url    string
	model  string
	apiKey string
	http   *http.Client
	budget *Budget
	log    zerolog.Logger
}

// NewAdvisor builds the advisor client. An empty URL leaves the advisor
// permanently unavailable, which the pipeline tolerates.
func NewAdvisor(url, model, apiKey string, budget *Budget, log zerolog.Logger) *Advisor {
	return &Advisor{
		url:    url,
		model:  model,
		apiKey: apiKey,
		http:   &http.Client{Timeout: advisorTimeout},
		budget: budget,
		log:    log.With().Str("client", "advisor").Logger(),
	}
}

// CanRequest reports whether the advisor may be consulted right now.
func (a *Advisor) CanRequest() bool {
	return a.url != "" && a.budget.CanRequest()
}

// Model returns the advisor's model identifier for decision logging.
func (a *Advisor) Model() string { return a.model }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Format   string        `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// rawRecommendation is the advisor's JSON contract before normalization.
type rawRecommendation struct {
	Verdict     string  `json:"verdict"`
	Confidence  float64 `json:"confidence_score"`
	Strategy    string  `json:"strategy"`
	ShortStrike float64 `json:"short_strike"`
	LongStrike  float64 `json:"long_strike"`
	Expiration  string  `json:"expiration"`
	LimitPrice  float64 `json:"limit_price"`
	TakeProfit  float64 `json:"take_profit"`
	StopLoss    float64 `json:"stop_loss"`
	Reasoning   string  `json:"reasoning"`
}

// Ask sends one prompt and returns the parsed recommendation. Any response
// the contract cannot parse normalizes to a REJECT with the parse failure in
// the reasoning, so a confused model can never approve a trade.
func (a *Advisor) Ask(ctx context.Context, prompt string) (models.Recommendation, error) {
	if !a.CanRequest() {
		return models.Recommendation{}, ErrAIUnavailable
	}
	chat, err := a.complete(ctx, prompt)
	if err != nil {
		return models.Recommendation{}, err
	}
	if len(chat.Choices) == 0 {
		return rejectWith("advisor returned no choices"), nil
	}
	return ParseRecommendation(chat.Choices[0].Message.Content), nil
}

// complete runs one chat round trip and records its token usage.
func (a *Advisor) complete(ctx context.Context, prompt string) (chatResponse, error) {
	var chat chatResponse

	body, err := json.Marshal(chatRequest{
		Model:    a.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return chat, fmt.Errorf("encoding advisor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return chat, fmt.Errorf("building advisor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return chat, fmt.Errorf("%w: %v", ErrAIUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return chat, fmt.Errorf("%w: status %d: %s", ErrAIUnavailable, resp.StatusCode, raw)
	}

	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return chat, fmt.Errorf("decoding advisor envelope: %w", err)
	}
	a.budget.RecordTokens(chat.Usage.PromptTokens, chat.Usage.CompletionTokens)
	return chat, nil
}

// ParseRecommendation extracts and normalizes the advisor's JSON payload.
// Unparsable content maps to REJECT.
func ParseRecommendation(content string) models.Recommendation {
	payload := extractJSON(content)
	var raw rawRecommendation
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return rejectWith(fmt.Sprintf("unparsable advisor response: %v", err))
	}

	rec := models.Recommendation{
		Verdict:     NormalizeVerdict(raw.Verdict),
		Confidence:  raw.Confidence,
		Strategy:    models.StrategyKind(strings.ToUpper(strings.TrimSpace(raw.Strategy))),
		ShortStrike: raw.ShortStrike,
		LongStrike:  raw.LongStrike,
		LimitPrice:  raw.LimitPrice,
		TakeProfit:  raw.TakeProfit,
		StopLoss:    raw.StopLoss,
		Reasoning:   raw.Reasoning,
	}
	if raw.Expiration != "" {
		t, err := time.Parse("2006-01-02", raw.Expiration)
		if err != nil {
			return rejectWith(fmt.Sprintf("unparsable expiration %q", raw.Expiration))
		}
		rec.Expiration = t
	}
	if rec.Confidence < 1 || rec.Confidence > 10 {
		return rejectWith(fmt.Sprintf("confidence %.1f outside [1,10]", rec.Confidence))
	}
	return rec
}

// NormalizeVerdict maps the mixed-language verdict set to its canonical
// English value. Anything unrecognized is a rejection.
func NormalizeVerdict(s string) models.Verdict {
	switch strings.ToUpper(stripDiacritics(strings.TrimSpace(s))) {
	case "APPROVE", "SCHVALENO":
		return models.VerdictApprove
	case "REVISE", "UPRAVIT":
		return models.VerdictRevise
	case "REJECT", "ZAMITNUTO":
		return models.VerdictReject
	default:
		return models.VerdictReject
	}
}

// stripDiacritics folds the accented letters the Czech verdict set uses.
func stripDiacritics(s string) string {
	replacer := strings.NewReplacer(
		"Á", "A", "á", "a",
		"É", "E", "é", "e",
		"Í", "I", "í", "i",
	)
	return replacer.Replace(s)
}

// extractJSON pulls the outermost JSON object out of a possibly fenced or
// chatty completion.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return content
	}
	return content[start : end+1]
}

func rejectWith(reason string) models.Recommendation {
	return models.Recommendation{
		Verdict:    models.VerdictReject,
		Confidence: 1,
		Reasoning:  reason,
	}
}
