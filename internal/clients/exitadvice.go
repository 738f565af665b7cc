package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ExitAction is the advisor's second-opinion verdict on an open position.
type ExitAction string

const (
	// ExitNow forces an immediate close regardless of trailing levels.
	ExitNow ExitAction = "EXIT_NOW"
	// TightenStop advises a lower stop multiplier, merged into the next
	// trailing update.
	TightenStop ExitAction = "TIGHTEN_STOP"
	// AdjustProfit advises a new profit target percentage, merged likewise.
	AdjustProfit ExitAction = "ADJUST_PROFIT"
	// Agree endorses the current levels; logged and ignored for flow control.
	Agree ExitAction = "AGREE"
)

// ExitAdvice is the parsed second-opinion payload.
type ExitAdvice struct {
	Action          ExitAction `json:"action"`
	StopMultiplier  float64    `json:"stop_multiplier,omitempty"`
	ProfitTargetPct float64    `json:"profit_target_pct,omitempty"`
	Reasoning       string     `json:"reasoning,omitempty"`
}

type rawExitAdvice struct {
	Action          string  `json:"action"`
	StopMultiplier  float64 `json:"stop_multiplier"`
	ProfitTargetPct float64 `json:"profit_target_pct"`
	Reasoning       string  `json:"reasoning"`
}

// SecondOpinion asks the advisor whether an open position should be managed
// differently. Unparsable responses degrade to AGREE so a confused model can
// never force an exit.
func (a *Advisor) SecondOpinion(ctx context.Context, prompt string) (ExitAdvice, error) {
	rec, err := a.rawAsk(ctx, prompt)
	if err != nil {
		return ExitAdvice{}, err
	}
	return ParseExitAdvice(rec), nil
}

// rawAsk runs the chat round trip and returns the completion text.
func (a *Advisor) rawAsk(ctx context.Context, prompt string) (string, error) {
	if !a.CanRequest() {
		return "", ErrAIUnavailable
	}
	chat, err := a.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrAIUnavailable)
	}
	return chat.Choices[0].Message.Content, nil
}

// ParseExitAdvice normalizes the advisor's exit payload. Anything outside
// the known action set maps to AGREE.
func ParseExitAdvice(content string) ExitAdvice {
	var raw rawExitAdvice
	if err := json.Unmarshal([]byte(extractJSON(content)), &raw); err != nil {
		return ExitAdvice{Action: Agree, Reasoning: fmt.Sprintf("unparsable exit advice: %v", err)}
	}
	advice := ExitAdvice{
		StopMultiplier:  raw.StopMultiplier,
		ProfitTargetPct: raw.ProfitTargetPct,
		Reasoning:       raw.Reasoning,
	}
	switch ExitAction(strings.ToUpper(strings.TrimSpace(raw.Action))) {
	case ExitNow:
		advice.Action = ExitNow
	case TightenStop:
		advice.Action = TightenStop
	case AdjustProfit:
		advice.Action = AdjustProfit
	default:
		advice.Action = Agree
	}
	return advice
}
