// Package present turns conversation state into render instructions. It
// reads snapshots handed out by the session and never owns chat state.
package present

import (
	"fmt"
	"html"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"github.com/gosuda/portal-chat/internal/convlog"
	"github.com/gosuda/portal-chat/internal/roster"
)

const (
	maxNameLength    = 100
	maxBodyLength    = 10000
	maxPreviewLength = 40
	timeLayout       = "15:04"
)

var (
	namePolicy = bluemonday.StrictPolicy()
	bodyPolicy = newBodyPolicy()
)

// newBodyPolicy allows light formatting in text bodies and strips the rest.
func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "i", "em", "strong", "u", "s", "del", "code", "pre", "br")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowAttrs("href").OnElements("a")
	p.RequireNoFollowOnLinks(true)
	return p
}

// Side tells which side of the conversation an item is drawn on.
type Side string

const (
	SideSent     Side = "sent"
	SideReceived Side = "received"
	SideSystem   Side = "system"
)

// Item is one rendered message. Body and Name are safe to embed in HTML;
// Text is the plain form for terminals.
type Item struct {
	Ref        string              `json:"ref"`
	ID         int64               `json:"id"`
	Sender     string              `json:"sender"`
	Name       string              `json:"name"`
	Side       Side                `json:"side"`
	Kind       convlog.ContentType `json:"kind"`
	Body       string              `json:"body,omitempty"`
	Text       string              `json:"text,omitempty"`
	ImageSrc   string              `json:"imageSrc,omitempty"`
	VoiceLabel string              `json:"voiceLabel,omitempty"`
	Time       string              `json:"time"`
	ReadLabel  string              `json:"readLabel,omitempty"`
	Pending    bool                `json:"pending,omitempty"`
	Quote      *QuotePreview       `json:"quote,omitempty"`
}

type QuotePreview struct {
	Ref  string `json:"ref"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// View is a whole conversation ready to draw.
type View struct {
	Key          convlog.Key  `json:"key"`
	Kind         convlog.Kind `json:"kind"`
	Title        string       `json:"title"`
	Participants []string     `json:"participants"`
	Unread       int          `json:"unread"`
	Items        []Item       `json:"items"`
}

// Names resolves user ids to display names. Unknown ids map to themselves.
type Names map[string]string

// NamesOf indexes the display names of contacts.
func NamesOf(contacts []roster.Contact) Names {
	n := make(Names, len(contacts))
	for _, c := range contacts {
		n[c.ID] = c.Name()
	}
	return n
}

func (n Names) DisplayName(id string) string {
	if name, ok := n[id]; ok && name != "" {
		return name
	}
	return id
}

// Projector renders messages from the point of view of one user.
type Projector struct {
	Self  string
	Names Names
	Loc   *time.Location
}

// Project renders c in full.
func (p Projector) Project(c convlog.Conversation, groups []roster.Group) View {
	v := View{
		Key:          c.Key,
		Kind:         c.Kind,
		Participants: c.Participants,
		Unread:       c.Unread,
		Items:        make([]Item, 0, len(c.Messages)),
	}
	v.Title = p.title(c.Key, c.Kind, c.Participants, groups)
	for _, m := range c.Messages {
		v.Items = append(v.Items, p.Item(m))
	}
	return v
}

func (p Projector) title(key convlog.Key, kind convlog.Kind, participants []string, groups []roster.Group) string {
	if kind == convlog.KindGroup {
		for _, g := range groups {
			if convlog.GroupKey(g.ID) == key {
				return SanitizeName(g.Name)
			}
		}
		return SanitizeName(string(key))
	}
	for _, id := range participants {
		if id != p.Self {
			return SanitizeName(p.Names.DisplayName(id))
		}
	}
	return SanitizeName(string(key))
}

// Item renders a single message.
func (p Projector) Item(m convlog.Message) Item {
	it := Item{
		Ref:     m.Ref().String(),
		ID:      m.ID,
		Sender:  m.Sender,
		Name:    SanitizeName(p.Names.DisplayName(m.Sender)),
		Kind:    m.ContentType,
		Time:    p.clock(m.ID),
		Pending: m.SendState == convlog.Pending,
	}
	switch {
	case m.IsRecallNotice():
		it.Side = SideSystem
	case m.Sender == p.Self:
		it.Side = SideSent
	default:
		it.Side = SideReceived
	}

	switch m.ContentType {
	case convlog.ContentImage:
		it.ImageSrc = imageSource(m.Content)
		it.Text = "[image]"
	case convlog.ContentVoice:
		it.VoiceLabel = VoiceLabel(m.Duration)
		it.Text = "[voice " + it.VoiceLabel + "]"
	default:
		it.Text = cleanText(m.Content, maxBodyLength)
		it.Body = bodyPolicy.Sanitize(it.Text)
	}
	if it.Side == SideSent {
		it.ReadLabel = ReadLabel(m)
	}
	if q := m.Quote; q != nil {
		it.Quote = &QuotePreview{
			Ref:  convlog.Ref{Sender: q.Sender, ID: q.ID}.String(),
			Name: SanitizeName(p.Names.DisplayName(q.Sender)),
			Text: Preview(q.ContentType, q.Preview),
		}
	}
	return it
}

func (p Projector) clock(id int64) string {
	loc := p.Loc
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(id).In(loc).Format(timeLayout)
}

// ReadLabel describes the delivery state of a message self sent.
func ReadLabel(m convlog.Message) string {
	if m.SendState == convlog.Pending {
		return "sending"
	}
	if m.Kind() == convlog.KindGroup {
		if len(m.UnreadMembers) == 0 {
			return "all read"
		}
		return fmt.Sprintf("%d unread", len(m.UnreadMembers))
	}
	if m.Read {
		return "read"
	}
	return "unread"
}

// VoiceLabel renders a clip length as whole seconds.
func VoiceLabel(seconds float64) string {
	return fmt.Sprintf("%d\"", int(math.Max(1, math.Round(seconds))))
}

// Preview is the short plain text shown for a quoted or last message.
func Preview(ct convlog.ContentType, content string) string {
	switch ct {
	case convlog.ContentImage:
		return "[image]"
	case convlog.ContentVoice:
		return "[voice]"
	}
	return cleanText(content, maxPreviewLength)
}

// SanitizeName strips markup from a display name and escapes the rest.
func SanitizeName(name string) string {
	s := namePolicy.Sanitize(html.UnescapeString(cleanText(name, maxNameLength)))
	if s == "" {
		return "anon"
	}
	return s
}

// imageSource accepts inline data URLs and plain web URLs only.
func imageSource(content string) string {
	switch {
	case strings.HasPrefix(content, "data:image/"):
		return content
	case strings.HasPrefix(content, "https://"), strings.HasPrefix(content, "http://"):
		return html.EscapeString(content)
	}
	return ""
}

// cleanText drops control characters except tab and newline and cuts s to
// limit runes.
func cleanText(s string, limit int) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}
