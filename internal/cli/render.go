package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/gearguard-board/internal/board"
	"github.com/ChuLiYu/gearguard-board/internal/statemachine"
	"github.com/ChuLiYu/gearguard-board/internal/storage/journal"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

const columnWidth = 28

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Width(columnWidth)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(columnWidth - 2)

	pendingStyle = cardStyle.
			BorderForeground(lipgloss.Color("214"))

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

var columnColors = map[types.Status]lipgloss.Color{
	types.StatusNew:        lipgloss.Color("39"),
	types.StatusInProgress: lipgloss.Color("214"),
	types.StatusRepaired:   lipgloss.Color("42"),
	types.StatusScrap:      lipgloss.Color("196"),
}

// renderColumns draws the four columns side by side. Cards with an
// unconfirmed move get a highlighted border.
func renderColumns(w io.Writer, cols []board.Column, pending map[types.RequestID]bool) {
	blocks := make([]string, 0, len(cols))
	for _, col := range cols {
		parts := []string{
			headerStyle.Foreground(columnColors[col.Status]).
				Render(fmt.Sprintf("%s (%d)", col.Title, len(col.Requests))),
		}
		for _, r := range col.Requests {
			style := cardStyle
			if pending[r.ID] {
				style = pendingStyle
			}
			parts = append(parts, style.Render(cardText(r, pending[r.ID])))
		}
		if len(col.Requests) == 0 {
			parts = append(parts, dimStyle.Padding(0, 1).Render("empty"))
		}
		blocks = append(blocks, lipgloss.JoinVertical(lipgloss.Left, parts...))
	}
	fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top, blocks...))
}

func cardText(r types.MaintenanceRequest, pending bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", r.ID, r.Subject)
	if r.Equipment.Name != "" {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(r.Equipment.Name))
	}
	meta := []string{string(r.RequestType)}
	if r.Priority > 0 {
		meta = append(meta, fmt.Sprintf("P%d", r.Priority))
	}
	if pending {
		meta = append(meta, "saving…")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Join(meta, " · ")))
	return b.String()
}

type yamlColumn struct {
	Status   types.Status               `yaml:"status"`
	Title    string                     `yaml:"title"`
	Requests []types.MaintenanceRequest `yaml:"requests"`
}

// renderYAML dumps the columns for scripting.
func renderYAML(w io.Writer, cols []board.Column) error {
	out := struct {
		Columns []yamlColumn `yaml:"columns"`
	}{}
	for _, c := range cols {
		reqs := c.Requests
		if reqs == nil {
			reqs = []types.MaintenanceRequest{}
		}
		out.Columns = append(out.Columns, yamlColumn{Status: c.Status, Title: c.Title, Requests: reqs})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode board: %w", err)
	}
	return enc.Close()
}

// renderCalendar prints one line per scheduled request.
func renderCalendar(w io.Writer, events []board.CalendarEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no scheduled maintenance")
		return
	}
	for _, e := range events {
		kind := "corrective"
		if e.Preventive {
			kind = "preventive"
		}
		fmt.Fprintf(w, "%s  %s–%s  #%-4d %-40s [%s, %s]\n",
			e.Start.Format("2006-01-02"),
			e.Start.Format("15:04"),
			e.End.Format("15:04"),
			e.RequestID, e.Title, kind, e.Status)
	}
}

var eventStyles = map[journal.EventType]lipgloss.Style{
	journal.EventConfirmed:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	journal.EventRolledBack: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	journal.EventSuperseded: dimStyle,
}

// renderHistory prints one line per journal entry, oldest first.
func renderHistory(w io.Writer, entries []journal.Entry) {
	for _, e := range entries {
		id := e.MutationID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%5d  %s  %s  #%-4d %s → %s  %s\n",
			e.Seq,
			time.UnixMilli(e.Timestamp).Format("2006-01-02 15:04:05"),
			eventStyles[e.Type].Width(11).Render(string(e.Type)),
			e.RequestID, e.From, e.To,
			dimStyle.Render(id))
	}
}

// summaryLine is the one-line board summary printed by run.
func summaryLine(stats map[string]int) string {
	parts := make([]string, 0, 5)
	for _, col := range statemachine.Columns() {
		parts = append(parts, fmt.Sprintf("%s=%d", col, stats[string(col)]))
	}
	parts = append(parts, fmt.Sprintf("pending=%d", stats["pending"]))
	return strings.Join(parts, "  ")
}
