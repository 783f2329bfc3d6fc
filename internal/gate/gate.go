// Package gate decides whether a low-confidence query should still be answered
// from the ongoing conversation.
package gate

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"supportrag/internal/domain"
	"supportrag/internal/prompt"
)

// Verdict is the gate's decision.
type Verdict int

const (
	// NoHistory: nothing to continue, refuse without calling the provider.
	NoHistory Verdict = iota
	// Relevant: the query continues the conversation.
	Relevant
	// Irrelevant: the query is off-topic.
	Irrelevant
)

func (v Verdict) String() string {
	switch v {
	case Relevant:
		return "relevant"
	case Irrelevant:
		return "irrelevant"
	}
	return "no_history"
}

const checkMaxTokens = 10

// Gate asks the generation provider for a YES/NO continuation verdict.
type Gate struct {
	gen     domain.Generator
	prompts *prompt.Builder
	timeout time.Duration
	logger  *zap.Logger
}

func New(gen domain.Generator, prompts *prompt.Builder, timeout time.Duration, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts == nil {
		prompts = prompt.NewBuilder("", 0, 0)
	}
	return &Gate{gen: gen, prompts: prompts, timeout: timeout, logger: logger}
}

// Check classifies query against history. Provider failures fail open and
// count as Relevant.
func (g *Gate) Check(ctx context.Context, query string, history []domain.ConversationTurn) Verdict {
	if len(history) == 0 {
		return NoHistory
	}
	if g.gen == nil {
		g.logger.Warn("relevance gate has no generator, failing open")
		return Relevant
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	resp, err := g.gen.Generate(ctx, g.prompts.Relevance(query, history), checkMaxTokens)
	if err != nil {
		g.logger.Warn("relevance check failed, failing open", zap.Error(err))
		return Relevant
	}
	if strings.Contains(strings.ToUpper(resp), "YES") {
		return Relevant
	}
	return Irrelevant
}
