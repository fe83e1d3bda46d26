package summary

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gosuda/portal-chat/internal/convlog"
)

const dateLayout = "2006-01-02"

// Builder turns a slice of a conversation into a summary request.
type Builder struct {
	Loc *time.Location
	// Name maps a user id to the name written into the transcript.
	Name func(id string) string
}

// Range is a half-open time window [From, To). A zero bound is open.
type Range struct {
	From, To time.Time
}

func (r Range) contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Stats describes what went into a request.
type Stats struct {
	Count       int
	First, Last time.Time
}

// Describe is a one-line label such as "1,204 messages since 3 days ago".
func (s Stats) Describe(now time.Time) string {
	return fmt.Sprintf("%s messages since %s", humanize.Comma(int64(s.Count)), humanize.RelTime(s.First, now, "ago", "from now"))
}

// Build writes one line per message in r. Recall notices are left out.
func (b Builder) Build(msgs []convlog.Message, r Range, prompt string) (Request, Stats, error) {
	loc := b.Loc
	if loc == nil {
		loc = time.Local
	}
	name := b.Name
	if name == nil {
		name = func(id string) string { return id }
	}

	var (
		lines []string
		users = map[string]struct{}{}
		st    Stats
	)
	for _, m := range msgs {
		if m.IsRecallNotice() {
			continue
		}
		at := time.UnixMilli(m.ID).In(loc)
		if !r.contains(at) {
			continue
		}
		if st.Count == 0 {
			st.First = at
		}
		st.Last = at
		st.Count++
		who := name(m.Sender)
		users[who] = struct{}{}
		lines = append(lines, fmt.Sprintf("%s %s: %s", at.Format("2006-01-02 15:04"), who, transcriptText(m)))
	}
	if st.Count == 0 {
		return Request{}, st, ErrEmpty
	}
	req := Request{
		Users:        sortedKeys(users),
		StartDate:    st.First.Format(dateLayout),
		EndDate:      st.Last.Format(dateLayout),
		ChatContent:  strings.Join(lines, "\n"),
		CustomPrompt: prompt,
	}
	return req, st, nil
}

func transcriptText(m convlog.Message) string {
	switch m.ContentType {
	case convlog.ContentImage:
		return "[image]"
	case convlog.ContentVoice:
		return fmt.Sprintf("[voice %.0fs]", m.Duration)
	}
	return strings.ReplaceAll(m.Content, "\n", " ")
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
