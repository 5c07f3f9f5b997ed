package tui

import (
	"fmt"
	"strings"
	"time"

	"governance-sync/internal/models"
	"governance-sync/internal/proposal"
	"governance-sync/internal/sweeper"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
)

var (
	upStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	downStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headingStyle = lipgloss.NewStyle().Bold(true)
)

func padToWidth(s string, width int) string {
	current := runewidth.StringWidth(s)
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

// truncate cuts s to width display columns, marking the cut with "...".
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

func separatorLine(width int) string {
	if width < 2 {
		return strings.Repeat("─", width)
	}
	return "├" + strings.Repeat("─", width-2) + "┤"
}

func formatInfoLine(text string, width int) string {
	if width < 2 {
		return padToWidth(text, width)
	}
	return "│" + padToWidth(truncate(text, width-2), width-2) + "│"
}

// StatusMsg carries a fresh sweep snapshot.
type StatusMsg struct {
	Status sweeper.Status
}

// Model holds the TUI state
type Model struct {
	status  sweeper.Status
	updates int
	width   int
	height  int
}

// NewModel creates a new TUI model
func NewModel() Model {
	return Model{}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case StatusMsg:
		m.status = msg.Status
		m.updates++
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}

	return m, nil
}

// View renders the UI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	if m.updates == 0 {
		return "Waiting for the first reconciliation sweep..."
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.renderProposals())
}

func (m Model) ledgerLine() string {
	st := m.status
	switch {
	case !st.LedgerConfigured:
		return "ledger: " + dimStyle.Render("not configured")
	case st.LedgerUp:
		return fmt.Sprintf("ledger: %s (%d proposals)", upStyle.Render("up"), st.LedgerCount)
	default:
		return fmt.Sprintf("ledger: %s since %s", downStyle.Render("down"), st.LedgerDownSince.Format(time.TimeOnly))
	}
}

// renderHeader renders the top header section
func (m Model) renderHeader() string {
	st := m.status
	colWidth := (m.width - 4) / 3
	rightColWidth := m.width - colWidth*2 - 4

	sweepLine := fmt.Sprintf("last sweep: %s (%s)", st.At.Format(time.TimeOnly), st.Report.Duration.Round(time.Millisecond))
	if st.Err != nil {
		sweepLine = "last sweep: " + downStyle.Render("failed")
	}
	leftLines := []string{
		m.ledgerLine(),
		sweepLine,
		fmt.Sprintf("replayed=%d failed=%d skipped=%d", st.Report.Replayed, st.Report.ReplayFailed, st.Report.Skipped),
		fmt.Sprintf("drift repaired: %d  unrecoverable: %d", st.Report.Drifted, st.Report.Unrecoverable),
	}

	fee := "0"
	if st.Audit.TotalFee != nil {
		fee = st.Audit.TotalFee.Dec()
	}
	middleLines := []string{
		fmt.Sprintf("ledger txs: %d", st.Audit.Total),
		fmt.Sprintf("confirmed=%d failed=%d pending=%d",
			st.Audit.ByStatus[models.TxConfirmed], st.Audit.ByStatus[models.TxFailed], st.Audit.ByStatus[models.TxPending]),
		fmt.Sprintf("gas used: %d (avg %d)", st.Audit.TotalGas, st.Audit.AverageGas),
		fmt.Sprintf("fees (wei): %s", fee),
	}

	unapplied := fmt.Sprintf("unapplied: %d", st.Report.Unapplied)
	if st.Report.Unapplied > 0 {
		unapplied = warnStyle.Render(unapplied)
	}
	discrepancies := fmt.Sprintf("open discrepancies: %d", st.OpenDiscrepancies)
	if st.OpenDiscrepancies > 0 {
		discrepancies = warnStyle.Render(discrepancies)
	}
	rightLines := []string{
		unapplied,
		discrepancies,
		fmt.Sprintf("wallet sessions: %d", st.Sessions),
		fmt.Sprintf("expired this run: %d", st.Pruned),
	}

	rows := make([]string, 0, len(leftLines))
	for i := range leftLines {
		rows = append(rows, fmt.Sprintf("│ %s │ %s │ %s │",
			cell(leftLines[i], colWidth-2),
			cell(middleLines[i], colWidth-2),
			cell(rightLines[i], rightColWidth-2)))
	}

	topBorder := fmt.Sprintf("┌%s┬%s┬%s┐",
		strings.Repeat("─", colWidth),
		strings.Repeat("─", colWidth),
		strings.Repeat("─", rightColWidth))
	separator := fmt.Sprintf("├%s┴%s┴%s┤",
		strings.Repeat("─", colWidth),
		strings.Repeat("─", colWidth),
		strings.Repeat("─", rightColWidth))

	return topBorder + "\n" + strings.Join(rows, "\n") + "\n" + separator
}

// cell fits a possibly styled string into width display columns.
func cell(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if ansi.StringWidth(s) > width {
		s = ansi.Truncate(s, width, "...")
	}
	if w := ansi.StringWidth(s); w < width {
		s += strings.Repeat(" ", width-w)
	}
	return s
}

func statusLabel(s models.ProposalStatus) string {
	switch s {
	case models.StatusActive:
		return upStyle.Render(string(s))
	case models.StatusRejected:
		return downStyle.Render(string(s))
	case models.StatusPending:
		return warnStyle.Render(string(s))
	default:
		return string(s)
	}
}

func outcomeSymbol(o proposal.Outcome) string {
	switch o {
	case proposal.OutcomePass:
		return "✅"
	case proposal.OutcomeFail:
		return "❌"
	default:
		return "🤷"
	}
}

// renderProposals renders the proposals table
func (m Model) renderProposals() string {
	availableHeight := m.height - 6
	maxRows := availableHeight - 4
	bottomBorder := "└" + strings.Repeat("─", max(m.width-2, 0)) + "┘"
	if maxRows <= 0 {
		return bottomBorder
	}

	const (
		idWidth     = 8
		statusWidth = 10
		tallyWidth  = 18
		outWidth    = 4
	)
	titleWidth := m.width - 2 - idWidth - statusWidth - tallyWidth - outWidth - 4
	if titleWidth < 10 {
		titleWidth = 10
	}

	formatRow := func(id, title, status, tally, out string) string {
		line := fmt.Sprintf("│%s %s %s %s %s", cell(id, idWidth), cell(title, titleWidth),
			cell(status, statusWidth), cell(tally, tallyWidth), cell(out, outWidth))
		if w := ansi.StringWidth(line); w < m.width-1 {
			line += strings.Repeat(" ", m.width-1-w)
		}
		return line + "│"
	}

	lines := []string{formatRow(
		headingStyle.Render("ledger"), headingStyle.Render("title"),
		headingStyle.Render("status"), headingStyle.Render("up/down/abstain"), "")}

	rows := m.status.Proposals
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	for _, p := range rows {
		id := dimStyle.Render("local")
		if p.LedgerID != nil {
			id = fmt.Sprintf("#%d", *p.LedgerID)
			if p.Provisional {
				id += "?"
			}
		}
		tally := fmt.Sprintf("%d/%d/%d", p.Tally.Upvotes, p.Tally.Downvotes, p.Tally.Abstains)
		lines = append(lines, formatRow(id, p.Title, statusLabel(p.Status), tally, outcomeSymbol(p.Outcome)))
	}

	return strings.Join(lines, "\n") + "\n" + separatorLine(m.width) + "\n" +
		formatInfoLine("Ledger id (? = provisional), Title, Status, Tally, Advisory outcome  [q] quit", m.width) + "\n" + bottomBorder
}

// Run starts the TUI program
func Run(updateCh <-chan sweeper.Status) error {
	m := NewModel()
	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for st := range updateCh {
			p.Send(StatusMsg{Status: st})
		}
		// Channel closed, quit TUI
		p.Quit()
	}()

	_, err := p.Run()
	return err
}
