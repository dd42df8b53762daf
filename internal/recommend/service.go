// Package recommend runs the billable unit of work: a sponsor recommendation
// produced by the language model. Consumption is committed only after the
// model returned a usable answer.
package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/external"
	"sponsorscout/internal/types"
)

const (
	defaultMaxCandidates = 10
	maxTokens            = 1200
	temperature          = 0.4

	workDescriptionRunes = 120
)

// Request carries the caller's prompt. The prompt is forwarded to the model
// unchanged; it must ask for a JSON array of {name, reason, website}.
type Request struct {
	Prompt        string `json:"prompt" validate:"required,max=8000"`
	MaxCandidates int    `json:"maxCandidates,omitempty" validate:"omitempty,min=1,max=25"`
}

// Candidate is one recommended sponsor.
type Candidate struct {
	Name    string `json:"name"`
	Reason  string `json:"reason"`
	Website string `json:"website,omitempty"`
}

// Result carries the candidates and the units left after this one.
type Result struct {
	Candidates     []Candidate `json:"candidates"`
	RemainingUnits int         `json:"remainingUnits"`
	LedgerEntryID  string      `json:"ledgerEntryId"`
}

// Gate is the billing surface the service needs.
type Gate interface {
	Evaluate(ctx context.Context, userID string) (billing.EntitlementResult, error)
}

// Usage commits one unit.
type Usage interface {
	RecordUsage(ctx context.Context, userID, workDescription string) (*billing.UsageResult, error)
}

type Service struct {
	gate   Gate
	usage  Usage
	llm    external.Completer
	logger *slog.Logger
}

func NewService(gate Gate, usage Usage, llm external.Completer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gate: gate, usage: usage, llm: llm, logger: logger}
}

// Recommend checks entitlement, asks the model, then records usage. A model
// failure consumes nothing. Losing the consumption race after the model
// answered returns the billing error and discards the answer.
func (s *Service) Recommend(ctx context.Context, userID string, req Request) (*Result, error) {
	ent, err := s.gate.Evaluate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := ent.Err(); err != nil {
		return nil, err
	}

	limit := req.MaxCandidates
	if limit <= 0 {
		limit = defaultMaxCandidates
	}
	reply, err := s.llm.Complete(ctx, external.CompletionRequest{
		Prompt:      req.Prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "recommendation model call failed", "user_id", userID, "error", err)
		return nil, err
	}
	candidates, err := ParseCandidates(reply)
	if err != nil {
		s.logger.WarnContext(ctx, "recommendation reply unusable", "user_id", userID, "error", err)
		return nil, types.NewAppError(types.ErrCodeUpstreamLLM, "model reply did not contain candidates", err)
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	used, err := s.usage.RecordUsage(ctx, userID, workDescription(req))
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "recommendation delivered",
		"user_id", userID,
		"candidates", len(candidates),
		"ledger_entry_id", used.Entry.ID,
	)
	return &Result{
		Candidates:     candidates,
		RemainingUnits: used.Record.Remaining(),
		LedgerEntryID:  used.Entry.ID,
	}, nil
}

// workDescription labels the ledger entry with the prompt's first line.
func workDescription(req Request) string {
	line, _, _ := strings.Cut(strings.TrimSpace(req.Prompt), "\n")
	if r := []rune(line); len(r) > workDescriptionRunes {
		line = string(r[:workDescriptionRunes])
	}
	return "sponsor recommendations: " + strings.TrimSpace(line)
}

// ParseCandidates extracts the first JSON array from a model reply. Models
// often wrap the array in prose or a code fence.
func ParseCandidates(reply string) ([]Candidate, error) {
	start := strings.IndexByte(reply, '[')
	end := strings.LastIndexByte(reply, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in reply")
	}

	var raw []Candidate
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	out := raw[:0]
	for _, c := range raw {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		c.Reason = strings.TrimSpace(c.Reason)
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("reply contained no named candidates")
	}
	return out, nil
}
