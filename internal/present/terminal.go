package present

import (
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Terminal prints render ops as styled lines. Colors are dropped when w is
// not a terminal.
type Terminal struct {
	w io.Writer

	title    lipgloss.Style
	sent     lipgloss.Style
	received lipgloss.Style
	system   lipgloss.Style
	muted    lipgloss.Style
	errStyle lipgloss.Style
	online   lipgloss.Style
}

func NewTerminal(w io.Writer) *Terminal {
	r := lipgloss.NewRenderer(w)
	return &Terminal{
		w:        w,
		title:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")),
		sent:     r.NewStyle().Foreground(lipgloss.Color("#10B981")),
		received: r.NewStyle().Foreground(lipgloss.Color("#60A5FA")),
		system:   r.NewStyle().Italic(true).Foreground(lipgloss.Color("#9CA3AF")),
		muted:    r.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		errStyle: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444")),
		online:   r.NewStyle().Foreground(lipgloss.Color("#34D399")),
	}
}

// Render prints op.
func (t *Terminal) Render(op RenderOp) error {
	var lines []string
	switch op.Op {
	case OpFull:
		if op.View == nil {
			lines = append(lines, t.muted.Render("-- no conversation selected --"))
			break
		}
		lines = append(lines, t.title.Render("== "+plain(op.View.Title)+" =="))
		for _, it := range op.View.Items {
			lines = append(lines, t.item(it)...)
		}
	case OpAppend:
		lines = t.item(*op.Item)
	case OpReplace:
		lines = append(lines, t.muted.Render("~ "+op.Item.Ref+" "+op.Item.ReadLabel))
	case OpRemove:
		lines = append(lines, t.system.Render("- "+op.Ref+" withdrawn"))
	case OpRead:
		for _, it := range op.Items {
			lines = append(lines, t.muted.Render("✓ "+it.Ref+" "+it.ReadLabel))
		}
	case OpActivity:
		it := op.Item
		lines = append(lines, t.muted.Render(fmt.Sprintf("• [%s] %s: %s", op.Key, plain(it.Name), it.Text)))
	case OpRoster:
		lines = append(lines, t.roster(op))
	case OpNotice:
		lines = append(lines, t.errStyle.Render("! "+op.Notice))
	case OpStatus:
		st := op.Status
		line := "[status] " + st.Connection
		if st.Registered {
			line += ", signed in as " + st.Self
		}
		if st.Outbox > 0 {
			line += fmt.Sprintf(", %d waiting", st.Outbox)
		}
		lines = append(lines, t.muted.Render(line))
	default:
		return nil
	}
	if len(lines) == 0 {
		return nil
	}
	_, err := io.WriteString(t.w, strings.Join(lines, "\n")+"\n")
	return err
}

func (t *Terminal) item(it Item) []string {
	var out []string
	if it.Quote != nil {
		out = append(out, t.muted.Render("  > "+plain(it.Quote.Name)+": "+it.Quote.Text))
	}
	body := it.Text
	if it.ImageSrc != "" && !strings.HasPrefix(it.ImageSrc, "data:") {
		body += " " + plain(it.ImageSrc)
	}
	switch it.Side {
	case SideSystem:
		out = append(out, t.system.Render(it.Time+" "+body))
	case SideSent:
		line := t.sent.Render(it.Time + " " + plain(it.Name) + ": " + body)
		if it.ReadLabel != "" {
			line += " " + t.muted.Render("("+it.ReadLabel+")")
		}
		out = append(out, line+" "+t.muted.Render("["+it.Ref+"]"))
	default:
		line := t.received.Render(it.Time + " " + plain(it.Name) + ": " + body)
		out = append(out, line+" "+t.muted.Render("["+it.Ref+"]"))
	}
	return out
}

func (t *Terminal) roster(op RenderOp) string {
	if len(op.Contacts) == 0 && len(op.Groups) == 0 {
		return t.muted.Render("[roster] empty")
	}
	parts := make([]string, 0, len(op.Contacts)+len(op.Groups))
	for _, c := range op.Contacts {
		name := plain(c.Name)
		if c.Bot {
			name += " (bot)"
		}
		if c.Online {
			parts = append(parts, t.online.Render(name))
		} else {
			parts = append(parts, t.muted.Render(name))
		}
	}
	for _, g := range op.Groups {
		parts = append(parts, t.title.Render(fmt.Sprintf("#%s(%d)", plain(g.Name), g.Members)))
	}
	return "[roster] " + strings.Join(parts, " ")
}

// plain undoes the HTML escaping of sanitized names.
func plain(s string) string { return html.UnescapeString(s) }
