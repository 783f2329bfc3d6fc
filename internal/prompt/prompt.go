// Package prompt assembles the deterministic prompts sent to the generation
// provider.
package prompt

import (
	"fmt"
	"strings"

	"supportrag/internal/domain"
)

const (
	DefaultHistoryTurns     = 5
	DefaultGateHistoryTurns = 3
	DefaultProductName      = "Owntrail"
)

// Builder renders answer and relevance prompts.
type Builder struct {
	ProductName      string
	HistoryTurns     int
	GateHistoryTurns int
}

func NewBuilder(productName string, historyTurns, gateHistoryTurns int) *Builder {
	if productName == "" {
		productName = DefaultProductName
	}
	if historyTurns <= 0 {
		historyTurns = DefaultHistoryTurns
	}
	if gateHistoryTurns <= 0 {
		gateHistoryTurns = DefaultGateHistoryTurns
	}
	return &Builder{ProductName: productName, HistoryTurns: historyTurns, GateHistoryTurns: gateHistoryTurns}
}

// Evidence renders the first maxChunks results as numbered evidence lines,
// each carrying its literal chunk id in brackets.
func Evidence(results []domain.RankedResult, maxChunks int) []string {
	if maxChunks < 0 {
		maxChunks = 0
	}
	if len(results) > maxChunks {
		results = results[:maxChunks]
	}
	lines := make([]string, 0, len(results))
	for i, r := range results {
		text := strings.ReplaceAll(strings.TrimSpace(r.BestChunkSnippet), "\n", " ")
		lines = append(lines, fmt.Sprintf("%d. [%s] (%s) %s", i+1, r.BestChunkID, r.Title, text))
	}
	return lines
}

// Answer builds the prompt asking for a JSON answer grounded on the top
// maxChunks results and the recent conversation.
func (b *Builder) Answer(query string, results []domain.RankedResult, history []domain.ConversationTurn, maxChunks int) string {
	evidence := strings.Join(Evidence(results, maxChunks), "\n")
	if evidence == "" {
		evidence = "No chunks retrieved."
	}

	var sb strings.Builder
	sb.WriteString("You are an expert customer-support assistant. Use the 'Retrieved Knowledge Chunks' ")
	sb.WriteString("and 'Conversation History' to answer.\n")
	sb.WriteString("CRITICAL: If the user asks 'what is my problem?' or refers to previous context, ")
	sb.WriteString("you MUST infer the topic from the 'Conversation History'.\n")
	sb.WriteString("REFUSAL POLICY: If the user asks a question (e.g., baking, weather, math) that is NOT covered by the ")
	sb.WriteString("'Retrieved Knowledge Chunks' or 'Conversation History', you MUST refuse to answer. ")
	sb.WriteString("Do NOT use your internal knowledge base to answer general questions. ")
	fmt.Fprintf(&sb, "Reply with: 'I can only assist with %s support questions.'\n\n", b.ProductName)

	sb.WriteString("Retrieved Knowledge Chunks:\n")
	sb.WriteString(evidence)
	sb.WriteString("\n\n")

	if turns := RenderHistory(history, b.HistoryTurns); turns != "" {
		sb.WriteString("Conversation History:\n")
		sb.WriteString(turns)
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, "User ticket: %q\n\n", query)

	sb.WriteString("Task:\n")
	sb.WriteString("1) Provide a concise customer-facing reply (1-2 sentences) as 'answer'.\n")
	sb.WriteString("2) Provide 1-4 recommended next steps the agent should take as 'steps'.\n")
	sb.WriteString("3) Provide 'citations' as a list of chunk ids used (e.g. ['doc_123_0', 'a1_0']). ")
	sb.WriteString("Use the EXACT string ID found in brackets []. Do NOT use the list numbers (1, 2, 3).\n")
	sb.WriteString("4) Provide a 'confidence' score between 0.0 and 1.0 (based only on retrieved chunks).\n\n")

	sb.WriteString("Return EXACTLY a single JSON object with keys: ")
	sb.WriteString(`"answer" (string), "steps" (array of strings), `)
	sb.WriteString(`"citations" (array of chunk_ids), "confidence" (float 0.0-1.0).` + "\n\n")
	sb.WriteString("Example output (must match structure):\n")
	sb.WriteString(`{"answer":"Short reply...","steps":["step1","step2"],"citations":["a3_0"],"confidence":0.85}` + "\n\n")
	sb.WriteString("Return only the JSON object, nothing else.")
	return sb.String()
}

// Relevance builds the strict YES/NO prompt deciding whether query continues
// the conversation.
func (b *Builder) Relevance(query string, history []domain.ConversationTurn) string {
	var sb strings.Builder
	sb.WriteString("You are a strict conversation flow analyzer for a customer support bot.\n")
	sb.WriteString("Conversation History:\n")
	sb.WriteString(RenderHistory(history, b.GateHistoryTurns))
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Latest User Query: %q\n\n", query)
	sb.WriteString("Task: Determine if the Latest User Query is a RELEVANT follow-up to the support context or conversation history.\n")
	sb.WriteString("CRITICAL RULES:\n")
	sb.WriteString("1. If the user asks about baking, cooking, weather, sports, or general knowledge unrelated to the support ticket, return 'NO'.\n")
	sb.WriteString("2. If the user asks 'what is my problem?' or 'help me', it IS relevant -> return 'YES'.\n")
	sb.WriteString("3. If the user asks a follow-up about the previous agent reply, return 'YES'.\n")
	sb.WriteString("Return ONLY the word 'YES' or 'NO'.\n")
	return sb.String()
}

// RenderHistory renders the last n turns as "ROLE: content" lines.
func RenderHistory(history []domain.ConversationTurn, n int) string {
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	lines := make([]string, 0, len(history))
	for _, t := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(string(t.Role)), t.Content))
	}
	return strings.Join(lines, "\n")
}
