package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"supportrag/internal/domain"
	"supportrag/internal/service"
)

// AnswerPort is the TUI-facing subset of the support service.
type AnswerPort interface {
	Answer(ctx context.Context, req service.AnswerRequest) (*service.AnswerResult, error)
}

type answerMsg struct {
	query  string
	result *service.AnswerResult
	err    error
}

// Model is the Bubble Tea model for the support console. Each submitted line
// is a customer message; the generated reply becomes the agent turn.
type Model struct {
	service  AnswerPort
	input    textinput.Model
	viewport viewport.Model
	history  []domain.ConversationTurn
	last     *service.AnswerResult
	product  string
	status   string
	cursor   int
	ready    bool
	busy     bool
	lastQ    string
	timeout  time.Duration
}

// New creates a new console model instance.
func New(svc AnswerPort, product string, timeout time.Duration) Model {
	ti := textinput.New()
	ti.Prompt = "customer> "
	ti.Placeholder = "Type a support question and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	if timeout <= 0 {
		timeout = time.Minute
	}
	return Model{
		service:  svc,
		input:    ti,
		viewport: vp,
		product:  product,
		status:   "Ready. Up/Down browse evidence, Ctrl+R resets the conversation.",
		timeout:  timeout,
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// History returns the conversation so far.
func (m Model) History() []domain.ConversationTurn { return m.history }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around result and query boxes
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 1 + 1 + qh + 1 // header, status, spacer
		vh := msg.Height - reserved
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.render())
		return m, nil
	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		m.last = msg.result
		m.cursor = 0
		m.lastQ = msg.query
		now := time.Now().UTC()
		m.history = append(m.history, domain.ConversationTurn{Role: domain.RoleCustomer, Content: msg.query, Timestamp: now})
		if reply := replyText(msg.result.Outcome); reply != "" {
			m.history = append(m.history, domain.ConversationTurn{Role: domain.RoleAgent, Content: reply, Timestamp: now})
		}
		m.status = fmt.Sprintf("%s · %d evidence article(s)", msg.result.Stage, len(msg.result.Results))
		m.viewport.SetContent(m.render())
		m.viewport.GotoTop()
		return m, nil
	case tea.KeyMsg:
		// Global quits
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.busy = true
			m.input.SetValue("")
			m.status = "Thinking..."
			return m, m.ask(q)
		case "ctrl+r":
			m.history = nil
			m.last = nil
			m.cursor = 0
			m.status = "Conversation reset."
			m.viewport.SetContent(m.render())
			return m, nil
		case "down":
			if m.last != nil && len(m.last.Results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.last.Results)
				m.viewport.SetContent(m.render())
				return m, nil
			}
		case "up":
			if m.last != nil && len(m.last.Results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.last.Results)) % len(m.last.Results)
				m.viewport.SetContent(m.render())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) ask(q string) tea.Cmd {
	history := append([]domain.ConversationTurn(nil), m.history...)
	svc, timeout := m.service, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := svc.Answer(ctx, service.AnswerRequest{Query: q, History: history})
		return answerMsg{query: q, result: res, err: err}
	}
}

// View renders the console layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render(m.product + " support console")
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) render() string {
	var sb strings.Builder
	for _, t := range m.history {
		role := customerStyle.Render("CUSTOMER")
		if t.Role == domain.RoleAgent {
			role = agentStyle.Render("AGENT")
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, t.Content)
	}
	if m.last == nil {
		if sb.Len() == 0 {
			return "No conversation yet."
		}
		return sb.String()
	}
	sb.WriteString("\n")
	sb.WriteString(renderOutcome(m.last.Outcome))
	if len(m.last.Results) == 0 {
		if m.last.Note != "" {
			sb.WriteString("\n" + noteStyle.Render(m.last.Note))
		}
		return sb.String()
	}
	r := m.last.Results[m.cursor]
	fmt.Fprintf(&sb, "\n\nEvidence %d/%d  [%s] %s  score=%.3f\n\n", m.cursor+1, len(m.last.Results), r.BestChunkID, r.Title, r.Score)
	sb.WriteString(highlightBestSentence(r.BestChunkSnippet, m.lastQ))
	return sb.String()
}

func renderOutcome(o domain.Outcome) string {
	switch v := o.(type) {
	case *domain.Answer:
		var sb strings.Builder
		if v.Degraded {
			sb.WriteString(noteStyle.Render("(unstructured model output)") + "\n")
		}
		for i, s := range v.Steps {
			fmt.Fprintf(&sb, "  step %d: %s\n", i+1, s)
		}
		if len(v.Citations) > 0 {
			fmt.Fprintf(&sb, "  citations: %s\n", strings.Join(v.Citations, ", "))
		}
		fmt.Fprintf(&sb, "  confidence: %.2f", v.Confidence)
		return sb.String()
	case *domain.Refusal:
		return noteStyle.Render("refused: " + v.Note)
	case *domain.Failure:
		return errorStyle.Render("generation failed: " + v.Detail)
	}
	return ""
}

func replyText(o domain.Outcome) string {
	switch v := o.(type) {
	case *domain.Answer:
		return v.Text
	case *domain.Refusal:
		return v.Reason
	case *domain.Failure:
		return v.Message
	}
	return ""
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	customerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	agentStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	noteStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe     = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	tokens := unicodeWordRe.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
