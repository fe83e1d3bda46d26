package present

import (
	"sync"
	"time"

	"github.com/gosuda/portal-chat/internal/convlog"
	"github.com/gosuda/portal-chat/internal/roster"
	"github.com/gosuda/portal-chat/internal/session"
)

// OpType names a render instruction.
type OpType string

const (
	// OpFull replaces everything on screen; View is nil when nothing is selected.
	OpFull OpType = "full"
	// OpAppend adds Item to the end of the active conversation. Items are
	// keyed by ref, so an item already on screen is replaced instead.
	OpAppend  OpType = "append"
	OpReplace OpType = "replace"
	OpRemove  OpType = "remove"
	OpRead    OpType = "read"
	// OpActivity reports a new message in a conversation that is not shown.
	OpActivity OpType = "activity"
	OpRoster   OpType = "roster"
	OpNotice   OpType = "notice"
	OpStatus   OpType = "status"
)

// RenderOp is one instruction for a view.
type RenderOp struct {
	Op       OpType          `json:"op"`
	Key      convlog.Key     `json:"key,omitempty"`
	View     *View           `json:"view,omitempty"`
	Item     *Item           `json:"item,omitempty"`
	Items    []Item          `json:"items,omitempty"`
	Ref      string          `json:"ref,omitempty"`
	Contacts []ContactItem   `json:"contacts,omitempty"`
	Groups   []GroupItem     `json:"groups,omitempty"`
	Notice   string          `json:"notice,omitempty"`
	Status   *session.Status `json:"status,omitempty"`
}

type ContactItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
	Bot    bool   `json:"bot,omitempty"`
}

type GroupItem struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Members int    `json:"members"`
}

func contactItems(contacts []roster.Contact) []ContactItem {
	out := make([]ContactItem, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, ContactItem{ID: c.ID, Name: SanitizeName(c.Name()), Online: c.Online, Bot: c.IsBot})
	}
	return out
}

func groupItems(groups []roster.Group) []GroupItem {
	out := make([]GroupItem, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupItem{ID: g.ID, Name: SanitizeName(g.Name), Members: len(g.Members)})
	}
	return out
}

// RosterOp renders the contact and group lists.
func RosterOp(contacts []roster.Contact, groups []roster.Group) RenderOp {
	return RenderOp{Op: OpRoster, Contacts: contactItems(contacts), Groups: groupItems(groups)}
}

// Adapter follows session events and turns them into render ops for every
// watcher. Handle is registered with session.Subscribe and runs on the
// session loop, so watchers must not block.
type Adapter struct {
	loc *time.Location

	mu     sync.Mutex
	proj   Projector
	groups []roster.Group
	active convlog.Key
	sinks  map[int]func(RenderOp)
	nextID int
}

func NewAdapter(loc *time.Location) *Adapter {
	if loc == nil {
		loc = time.Local
	}
	return &Adapter{
		loc:   loc,
		proj:  Projector{Loc: loc},
		sinks: make(map[int]func(RenderOp)),
	}
}

// Location is the zone time labels are rendered in.
func (a *Adapter) Location() *time.Location { return a.loc }

// Watch registers fn for every op and returns a func that removes it.
func (a *Adapter) Watch(fn func(RenderOp)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.sinks[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.sinks, id)
		a.mu.Unlock()
	}
}

// Handle projects one session event.
func (a *Adapter) Handle(ev session.Event) {
	a.mu.Lock()
	ops := a.project(ev)
	sinks := make([]func(RenderOp), 0, len(a.sinks))
	for _, fn := range a.sinks {
		sinks = append(sinks, fn)
	}
	a.mu.Unlock()

	for _, op := range ops {
		for _, fn := range sinks {
			fn(op)
		}
	}
}

func (a *Adapter) project(ev session.Event) []RenderOp {
	switch ev.Type {
	case session.EventStatus:
		a.proj.Self = ev.Status.Self
		st := ev.Status
		return []RenderOp{{Op: OpStatus, Status: &st}}

	case session.EventRoster:
		a.proj.Names = NamesOf(ev.Contacts)
		a.groups = ev.Groups
		return []RenderOp{RosterOp(ev.Contacts, ev.Groups)}

	case session.EventSelect:
		a.active = ev.Key
		if ev.Conversation == nil {
			return []RenderOp{{Op: OpFull}}
		}
		v := a.proj.Project(*ev.Conversation, a.groups)
		return []RenderOp{{Op: OpFull, Key: ev.Key, View: &v}}

	case session.EventAppend:
		it := a.proj.Item(*ev.Message)
		if ev.Key != a.active {
			return []RenderOp{{Op: OpActivity, Key: ev.Key, Item: &it}}
		}
		return []RenderOp{{Op: OpAppend, Key: ev.Key, Item: &it}}

	case session.EventConfirm:
		if ev.Key != a.active {
			return nil
		}
		it := a.proj.Item(*ev.Message)
		return []RenderOp{{Op: OpReplace, Key: ev.Key, Item: &it}}

	case session.EventRecall:
		notice := a.proj.Item(*ev.Notice)
		if ev.Key != a.active {
			return []RenderOp{{Op: OpActivity, Key: ev.Key, Item: &notice}}
		}
		return []RenderOp{
			{Op: OpRemove, Key: ev.Key, Ref: ev.Removed.String()},
			{Op: OpAppend, Key: ev.Key, Item: &notice},
		}

	case session.EventRead:
		if ev.Key != a.active {
			return nil
		}
		items := make([]Item, 0, len(ev.Messages))
		for _, m := range ev.Messages {
			items = append(items, a.proj.Item(m))
		}
		return []RenderOp{{Op: OpRead, Key: ev.Key, Items: items}}

	case session.EventReset:
		a.proj = Projector{Loc: a.loc}
		a.groups = nil
		a.active = ""
		return []RenderOp{{Op: OpFull}, {Op: OpRoster}}

	case session.EventError:
		if ev.Err == nil {
			return nil
		}
		return []RenderOp{{Op: OpNotice, Notice: ev.Err.Error()}}
	}
	// signaling is not rendered
	return nil
}
