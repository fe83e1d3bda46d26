package session

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/internal/convlog"
	"github.com/gosuda/portal-chat/internal/identity"
	"github.com/gosuda/portal-chat/internal/protocol"
	"github.com/gosuda/portal-chat/internal/roster"
	"github.com/gosuda/portal-chat/internal/transport"
)

// Login sets the local identity and registers with the server. A stored
// identity with the same name keeps its user id so the server recognizes a
// returning user. The outcome of registration arrives later as a status or
// error event.
func (s *Session) Login(name string) (identity.Identity, error) {
	name, err := identity.ValidateName(name)
	if err != nil {
		return identity.Identity{}, err
	}
	var out identity.Identity
	err = s.do(func(s *Session) error {
		id, err := identity.New(name)
		if err != nil {
			return err
		}
		if s.opts.Store != nil {
			if prev, err := s.opts.Store.Load(); err == nil && prev.Username == name && prev.UserID != "" {
				id = prev
			}
		}
		if s.opts.Store != nil {
			saved, err := s.opts.Store.Save(id)
			if err != nil {
				return fmt.Errorf("save identity: %w", err)
			}
			id = saved
		}
		if s.loggedIn && s.ident.Username != id.Username {
			s.resetState()
			s.emit(Event{Type: EventReset})
		}
		s.ident = id
		s.loggedIn = true
		s.log.SetSelf(id.Username)
		s.roster.SetSelf(id.Username)
		if s.status == transport.Connected {
			s.sendRegister()
		}
		s.emitStatus()
		out = id
		return nil
	})
	return out, err
}

// Resume logs in with the stored identity.
func (s *Session) Resume() (identity.Identity, error) {
	if s.opts.Store == nil {
		return identity.Identity{}, identity.ErrNotFound
	}
	id, err := s.opts.Store.Load()
	if err != nil {
		return identity.Identity{}, err
	}
	return s.Login(id.Username)
}

// Logout forgets the identity and every conversation, and drops the
// connection so the server sees the user leave.
func (s *Session) Logout() error {
	return s.do(func(s *Session) error {
		if s.opts.Store != nil {
			if err := s.opts.Store.Clear(); err != nil {
				log.Warn().Err(err).Msg("clear identity")
			}
		}
		s.resetState()
		s.emit(Event{Type: EventReset})
		s.emitStatus()
		if d, ok := s.out.(interface{ Drop() }); ok {
			d.Drop()
		}
		return nil
	})
}

func (s *Session) resetState() {
	s.log.Reset()
	s.rec.Reset()
	s.roster.Reset()
	s.ident = identity.Identity{}
	s.loggedIn = false
	s.registered = false
	s.registerOwed = false
	s.active = Target{}
	s.outbox = nil
	s.log.SetSelf("")
	s.roster.SetSelf("")
	s.gaugeOutbox()
}

// Select makes t the active conversation and acknowledges what is unread in
// it. A zero Target clears the selection.
func (s *Session) Select(t Target) error {
	return s.do(func(s *Session) error {
		if !s.loggedIn {
			return ErrNotRegistered
		}
		if t.IsZero() {
			s.active = Target{}
			s.log.SetActive("")
			s.emitSelect()
			return nil
		}
		key := s.keyOf(t)
		switch t.Kind {
		case convlog.KindDirect:
			if t.ID == s.self() {
				return fmt.Errorf("%w: cannot chat with yourself", ErrNoTarget)
			}
			s.log.Ensure(key, convlog.KindDirect, s.self(), t.ID)
		case convlog.KindGroup:
			g, ok := s.roster.Group(t.ID)
			if !ok {
				return fmt.Errorf("%w: unknown group %s", ErrInvalidGroup, t.ID)
			}
			s.log.Ensure(key, convlog.KindGroup, g.Members...)
		default:
			return fmt.Errorf("%w: kind %q", ErrNoTarget, t.Kind)
		}
		s.active = t
		s.log.SetActive(key)
		s.acknowledge(key)
		s.emitSelect()
		return nil
	})
}

// MarkRead acknowledges every unread message of the active conversation.
func (s *Session) MarkRead() error {
	return s.do(func(s *Session) error {
		if s.active.IsZero() {
			return ErrNoTarget
		}
		s.acknowledge(s.keyOf(s.active))
		return nil
	})
}

func (s *Session) acknowledge(key convlog.Key) {
	self := s.self()
	if s.active.Kind == convlog.KindDirect {
		refs := s.rec.MarkDirectRead(key, self)
		if len(refs) > 0 {
			s.send(protocol.MarkAsRead{Type: protocol.TypeMarkAsRead, From: s.active.ID})
			s.emitRead(key, refs)
		}
		return
	}
	for _, m := range s.log.Query(key) {
		if m.Sender == self || m.IsRecallNotice() || slices.Contains(m.ReadBy, self) {
			continue
		}
		s.ackGroup(s.active.ID, m)
	}
	s.log.MarkSeen(key)
}

// ackGroup tells the server self read m and records it locally, so m is not
// acknowledged again before the server's read update arrives.
func (s *Session) ackGroup(groupID string, m convlog.Message) {
	self := s.self()
	s.send(protocol.MarkGroupMessageRead{Type: protocol.TypeMarkGroupMessageRead, GroupID: groupID, Timestamp: m.ID})
	readBy := append(slices.Clone(m.ReadBy), self)
	unread := slices.DeleteFunc(slices.Clone(m.UnreadMembers), func(u string) bool { return u == self })
	if s.rec.ApplyGroupReadUpdate(groupID, m.Ref(), readBy, unread) {
		s.emitRead(m.Key, []convlog.Ref{m.Ref()})
	}
}

// SendText sends text to the active conversation, optionally quoting the
// message at quote.
func (s *Session) SendText(text string, quote *convlog.Ref) (convlog.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return convlog.Message{}, ErrEmptyMessage
	}
	return s.sendContent(convlog.ContentText, text, 0, quote)
}

// sendContent builds the optimistic entry and the frame for the conversation
// active when the closure runs, not when the caller started.
func (s *Session) sendContent(ct convlog.ContentType, content string, duration float64, quote *convlog.Ref) (convlog.Message, error) {
	var out convlog.Message
	err := s.do(func(s *Session) error {
		if !s.loggedIn {
			return ErrNotRegistered
		}
		if s.active.IsZero() {
			return ErrNoTarget
		}
		key := s.keyOf(s.active)
		m := convlog.Message{
			ID:          s.nextTimestamp(),
			LocalID:     uuid.NewString(),
			Key:         key,
			Sender:      s.self(),
			ContentType: ct,
			Content:     content,
			Duration:    duration,
		}
		if s.active.Kind == convlog.KindGroup {
			if _, ok := s.roster.Group(s.active.ID); !ok {
				return fmt.Errorf("%w: unknown group %s", ErrInvalidGroup, s.active.ID)
			}
			m.GroupID = s.active.ID
			m.ReadBy = []string{s.self()}
			m.UnreadMembers = s.roster.OtherMembers(s.active.ID)
		} else {
			m.Recipient = s.active.ID
		}
		if quote != nil {
			q, ok := s.log.Get(key, *quote)
			if !ok || q.IsRecallNotice() {
				return fmt.Errorf("%w: quote %s", ErrUnknownMessage, quote)
			}
			m.Quote = &convlog.Quote{ID: q.ID, Sender: q.Sender, Preview: q.Content, ContentType: q.ContentType}
		}
		stored, err := s.log.AppendOptimistic(m)
		if err != nil {
			return err
		}
		s.emitMessage(EventAppend, stored)
		out = stored
		return s.send(frameFor(stored))
	})
	return out, err
}

func frameFor(m convlog.Message) protocol.Frame {
	var q *protocol.Quote
	if m.Quote != nil {
		q = &protocol.Quote{Timestamp: m.Quote.ID, From: m.Quote.Sender, Content: m.Quote.Preview, ContentType: string(m.Quote.ContentType)}
	}
	if m.GroupID != "" {
		return protocol.SendGroupMessage{
			Type: protocol.TypeSendGroupMessage, GroupID: m.GroupID,
			Content: m.Content, ContentType: string(m.ContentType), Timestamp: m.ID,
			Duration: m.Duration, ClientID: m.LocalID, QuotedMessage: q,
		}
	}
	return protocol.SendMessage{
		Type: protocol.TypeSendMessage, To: m.Recipient,
		Content: m.Content, ContentType: string(m.ContentType), Timestamp: m.ID,
		Duration: m.Duration, ClientID: m.LocalID, QuotedMessage: q,
	}
}

// Recall withdraws one of self's messages in the active conversation.
func (s *Session) Recall(ref convlog.Ref) error {
	return s.do(func(s *Session) error {
		if !s.loggedIn {
			return ErrNotRegistered
		}
		if s.active.IsZero() {
			return ErrNoTarget
		}
		if ref.Sender == "" {
			ref.Sender = s.self()
		}
		if ref.Sender != s.self() {
			return fmt.Errorf("%w: not your message", ErrNotRecallable)
		}
		key := s.keyOf(s.active)
		m, ok := s.log.Get(key, ref)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, ref)
		}
		if m.IsRecallNotice() {
			return ErrNotRecallable
		}
		notice, res := s.rec.Recall(key, ref)
		s.countRecall(res)
		if res != convlog.Recalled {
			return ErrNotRecallable
		}
		s.emitRecall(key, ref, notice)
		f := protocol.RecallMessage{Type: protocol.TypeRecallMessage, Timestamp: ref.ID}
		if m.GroupID != "" {
			f.GroupID = m.GroupID
		} else {
			f.To = m.Recipient
		}
		return s.send(f)
	})
}

// CreateGroup asks the server to create a group of self and members. At
// least two members other than self are required.
func (s *Session) CreateGroup(name string, members []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidGroup)
	}
	return s.do(func(s *Session) error {
		if !s.loggedIn {
			return ErrNotRegistered
		}
		others := slices.DeleteFunc(convlog.NormalizeSet(members), func(m string) bool { return m == s.self() })
		if len(others) < 2 {
			return fmt.Errorf("%w: at least 2 members required", ErrInvalidGroup)
		}
		return s.send(protocol.CreateGroup{Type: protocol.TypeCreateGroup, Name: name, Members: others})
	})
}

// SendSignal relays a WebRTC signaling frame. Signaling is only meaningful
// live, so it is never parked.
func (s *Session) SendSignal(sig protocol.Signal) error {
	return s.do(func(s *Session) error {
		if !s.loggedIn || !s.registered {
			return ErrNotRegistered
		}
		sig.From = s.self()
		return s.out.Send(sig)
	})
}

// Snapshot is a consistent copy of everything a view needs.
type Snapshot struct {
	Status        Status            `json:"status"`
	Active        Target            `json:"active"`
	ActiveKey     convlog.Key       `json:"activeKey,omitempty"`
	Conversations []convlog.Summary `json:"conversations"`
	Contacts      []roster.Contact  `json:"contacts"`
	Groups        []roster.Group    `json:"groups"`
}

func (s *Session) Snapshot() (Snapshot, error) {
	return query(s, func(s *Session) Snapshot {
		snap := Snapshot{
			Status:        s.statusSnapshot(),
			Active:        s.active,
			Conversations: s.log.Summaries(),
			Contacts:      s.roster.Contacts(),
			Groups:        s.roster.Groups(),
		}
		if !s.active.IsZero() {
			snap.ActiveKey = s.keyOf(s.active)
		}
		return snap
	})
}

// Conversation returns a copy of one conversation.
func (s *Session) Conversation(key convlog.Key) (convlog.Conversation, error) {
	type result struct {
		c  convlog.Conversation
		ok bool
	}
	r, err := query(s, func(s *Session) result {
		c, ok := s.log.Conversation(key)
		return result{c, ok}
	})
	if err != nil {
		return convlog.Conversation{}, err
	}
	if !r.ok {
		return convlog.Conversation{}, fmt.Errorf("%w: %s", ErrUnknownConversation, key)
	}
	return r.c, nil
}

// Identity returns the current identity; the zero value when logged out.
func (s *Session) Identity() identity.Identity {
	id, _ := query(s, func(s *Session) identity.Identity { return s.ident })
	return id
}

// KeyOf resolves t to its conversation key for the current identity.
func (s *Session) KeyOf(t Target) convlog.Key {
	k, _ := query(s, func(s *Session) convlog.Key { return s.keyOf(t) })
	return k
}
