package session

import (
	"github.com/gosuda/portal-chat/internal/convlog"
	"github.com/gosuda/portal-chat/internal/protocol"
	"github.com/gosuda/portal-chat/internal/roster"
)

// EventType tags what changed.
type EventType string

const (
	// EventAppend carries a message newly inserted into a conversation.
	EventAppend EventType = "append"
	// EventConfirm carries an optimistic message the server acknowledged.
	EventConfirm EventType = "confirm"
	// EventRecall carries the removed ref and the notice that replaced it.
	EventRecall EventType = "recall"
	// EventRead carries messages whose read state changed.
	EventRead EventType = "read"
	// EventReset is sent on logout; every conversation is gone.
	EventReset EventType = "reset"
	// EventRoster carries the full contact and group lists.
	EventRoster EventType = "roster"
	// EventSelect carries the newly active conversation, or none.
	EventSelect EventType = "select"
	// EventError reports a rejected login or a server error frame.
	EventError EventType = "error"
	// EventStatus reports connection and registration state.
	EventStatus EventType = "status"
	// EventSignal carries an inbound WebRTC signaling frame untouched.
	EventSignal EventType = "signal"
)

// Event is delivered to observers after each mutation. Payloads are copies
// and may be retained.
type Event struct {
	Type EventType
	Key  convlog.Key

	Message  *convlog.Message
	Messages []convlog.Message
	Removed  *convlog.Ref
	Notice   *convlog.Message

	// EventSelect
	Target       Target
	Conversation *convlog.Conversation

	// EventRoster
	Contacts []roster.Contact
	Groups   []roster.Group

	// EventStatus
	Status Status

	Signal *protocol.Signal
	Err    error
}

// Status summarizes the connection for observers and views.
type Status struct {
	Connection string `json:"connection"`
	Registered bool   `json:"registered"`
	Self       string `json:"self,omitempty"`
	Outbox     int    `json:"outbox"`
}

func (s *Session) statusSnapshot() Status {
	return Status{
		Connection: s.status.String(),
		Registered: s.registered,
		Self:       s.self(),
		Outbox:     len(s.outbox),
	}
}

func (s *Session) emitStatus() {
	s.emit(Event{Type: EventStatus, Status: s.statusSnapshot()})
}

func (s *Session) emitRoster() {
	s.emit(Event{Type: EventRoster, Contacts: s.roster.Contacts(), Groups: s.roster.Groups()})
}

func (s *Session) emitMessage(t EventType, m convlog.Message) {
	s.emit(Event{Type: t, Key: m.Key, Message: &m})
}

func (s *Session) emitRecall(key convlog.Key, removed convlog.Ref, notice convlog.Message) {
	s.emit(Event{Type: EventRecall, Key: key, Removed: &removed, Notice: &notice})
}

// emitRead reports the current state of refs in key.
func (s *Session) emitRead(key convlog.Key, refs []convlog.Ref) {
	if len(refs) == 0 {
		return
	}
	msgs := make([]convlog.Message, 0, len(refs))
	for _, r := range refs {
		if m, ok := s.log.Get(key, r); ok {
			msgs = append(msgs, m)
		}
	}
	s.emit(Event{Type: EventRead, Key: key, Messages: msgs})
}

func (s *Session) emitSelect() {
	ev := Event{Type: EventSelect, Target: s.active}
	if !s.active.IsZero() {
		key := s.keyOf(s.active)
		ev.Key = key
		if c, ok := s.log.Conversation(key); ok {
			ev.Conversation = &c
		}
	}
	s.emit(ev)
}
