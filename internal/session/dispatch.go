package session

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/internal/convlog"
	"github.com/gosuda/portal-chat/internal/protocol"
	"github.com/gosuda/portal-chat/internal/roster"
	"github.com/gosuda/portal-chat/internal/transport"
)

// HandleRaw decodes one inbound frame and queues it for dispatch. It is the
// transport's frame handler and runs on the read goroutine; decoding there
// keeps the loop free for state changes.
func (s *Session) HandleRaw(raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			reason = "unknown"
		case errors.Is(err, protocol.ErrMalformed):
			reason = "malformed"
		}
		s.countDrop(reason)
		log.Warn().Err(err).Str("reason", reason).Msg("drop frame")
		return
	}
	s.enqueue(func(s *Session) { s.dispatch(f) })
}

func (s *Session) dispatch(f protocol.Frame) {
	t := f.FrameType()
	h, ok := s.handlers[t]
	if !ok {
		s.countDrop("unhandled")
		log.Debug().Str("type", t).Msg("no handler for frame")
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.FramesIn.WithLabelValues(t).Inc()
	}
	h(s, f)
}

func (s *Session) countDrop(reason string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
}

// handleOpen is the transport's open hook: a logged-in session registers
// before anything else goes out on the new connection. The hook only runs on
// a live link, so the status is Connected from here on; a Login that lands
// before the transport reports it still registers.
func (s *Session) handleOpen(write func(protocol.Frame) error) error {
	reg, err := query(s, func(s *Session) *protocol.Register {
		s.status = transport.Connected
		s.registered = false
		s.registerOwed = false
		if !s.loggedIn {
			return nil
		}
		return s.registerFrame()
	})
	if err != nil {
		return err
	}
	if reg == nil {
		return nil
	}
	return write(*reg)
}

// sendRegister writes register on the current link. When the link is still
// being set up the frame is owed and goes out once it reports Connected.
func (s *Session) sendRegister() {
	err := s.out.Send(*s.registerFrame())
	switch {
	case err == nil:
		s.registerOwed = false
	case errors.Is(err, transport.ErrNotConnected):
		s.registerOwed = true
	default:
		s.registerOwed = false
		log.Warn().Err(err).Msg("send register")
	}
}

func (s *Session) registerFrame() *protocol.Register {
	return &protocol.Register{Type: protocol.TypeRegister, Username: s.ident.Username, UserID: s.ident.UserID}
}

// SetStatus records a transport state change. It is the transport's status
// hook.
func (s *Session) SetStatus(st transport.Status) {
	s.enqueue(func(s *Session) {
		s.status = st
		if st != transport.Connected {
			s.registered = false
			s.registerOwed = false
		} else if s.registerOwed && s.loggedIn {
			s.sendRegister()
		}
		s.emitStatus()
	})
}

func dispatchTable() map[string]func(*Session, protocol.Frame) {
	t := map[string]func(*Session, protocol.Frame){
		protocol.TypeRegisterSuccess:     (*Session).onRegisterSuccess,
		protocol.TypeRegisterError:       (*Session).onRegisterError,
		protocol.TypeError:               (*Session).onServerError,
		protocol.TypeUsersList:           (*Session).onUsersList,
		protocol.TypeHistoryMessage:      (*Session).onMessage,
		protocol.TypeHistoryGroupMessage: (*Session).onMessage,
		protocol.TypeNewMessage:          (*Session).onMessage,
		protocol.TypeNewGroupMessage:     (*Session).onMessage,
		protocol.TypeMessageRead:         (*Session).onMessageRead,
		protocol.TypeGroupReadUpdate:     (*Session).onGroupReadUpdate,
		protocol.TypeMessageRecalled:     (*Session).onMessageRecalled,
		protocol.TypeUserOnline:          (*Session).onPresence,
		protocol.TypeUserOffline:         (*Session).onPresence,
		protocol.TypeGroupCreated:        (*Session).onGroupCreated,
		protocol.TypeGroupList:           (*Session).onGroupList,
	}
	for _, st := range protocol.SignalTypes {
		t[st] = (*Session).onSignal
	}
	return t
}

func (s *Session) onRegisterSuccess(f protocol.Frame) {
	rs := f.(*protocol.RegisterSuccess)
	if !s.loggedIn {
		log.Warn().Str("username", rs.Username).Msg("register_success without login")
		return
	}
	s.registered = true
	s.roster.ReplaceUsers(contacts(rs.Users))
	if len(rs.Bots) > 0 {
		s.roster.SetBots(contacts(rs.Bots))
	}
	log.Info().Str("username", rs.Username).Int("users", len(rs.Users)).Msg("registered")
	s.flushOutbox()
	s.emitStatus()
	s.emitRoster()
}

func (s *Session) onRegisterError(f protocol.Frame) {
	re := f.(*protocol.RegisterError)
	log.Warn().Str("message", re.Message).Str("username", s.ident.Username).Msg("register rejected")
	s.loggedIn = false
	s.registered = false
	s.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %s", ErrRegisterRejected, re.Message)})
	s.emitStatus()
}

func (s *Session) onServerError(f protocol.Frame) {
	se := f.(*protocol.ServerError)
	log.Warn().Str("message", se.Message).Msg("server error")
	s.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %s", ErrServer, se.Message)})
}

func (s *Session) onUsersList(f protocol.Frame) {
	s.roster.ReplaceUsers(contacts(f.(*protocol.UsersList).Users))
	s.emitRoster()
}

func (s *Session) onPresence(f protocol.Frame) {
	p := f.(*protocol.Presence)
	online := p.Type == protocol.TypeUserOnline
	if !s.roster.SetOnline(p.Username, online) {
		return
	}
	s.emitRoster()
	if !online && s.active.Kind == convlog.KindDirect && s.active.ID == p.Username {
		s.active = Target{}
		s.log.SetActive("")
		s.emitSelect()
	}
}

func (s *Session) onGroupCreated(f protocol.Frame) {
	gc := f.(*protocol.GroupCreated)
	s.putGroup(roster.Group{ID: gc.GroupID, Name: gc.Name, Members: gc.Members, Creator: gc.Creator})
	s.emitRoster()
}

func (s *Session) onGroupList(f protocol.Frame) {
	gl := f.(*protocol.GroupList)
	groups := make([]roster.Group, 0, len(gl.Groups))
	for _, g := range gl.Groups {
		groups = append(groups, roster.Group{ID: g.Key(), Name: g.Name, Members: g.Members, Creator: g.Creator})
	}
	s.roster.ReplaceGroups(groups)
	for _, g := range groups {
		s.log.Ensure(convlog.GroupKey(g.ID), convlog.KindGroup, g.Members...)
	}
	s.emitRoster()
}

func (s *Session) putGroup(g roster.Group) {
	s.roster.PutGroup(g)
	s.log.Ensure(convlog.GroupKey(g.ID), convlog.KindGroup, g.Members...)
}

func (s *Session) onMessage(f protocol.Frame) {
	mf := f.(*protocol.MessageFrame)
	m := messageFromFrame(mf)
	stored, res := s.log.AppendReceived(m)
	if s.opts.Metrics != nil {
		s.opts.Metrics.Appends.WithLabelValues(res.String()).Inc()
	}
	switch res {
	case convlog.Matched:
		s.emitMessage(EventConfirm, stored)
		return
	case convlog.Duplicate, convlog.Suppressed:
		log.Debug().Str("conversation", string(m.Key)).Str("ref", m.Ref().String()).Stringer("result", res).Msg("message skipped")
		return
	}

	settled := s.rec.Settle(stored)
	if settled.Notice != nil {
		s.emitRecall(stored.Key, stored.Ref(), *settled.Notice)
		return
	}
	s.emitMessage(EventAppend, settled.Message)

	if mf.IsHistory() || stored.Sender == s.self() || stored.IsRecallNotice() {
		return
	}
	if s.active.IsZero() || s.keyOf(s.active) != stored.Key {
		return
	}
	// the conversation is on screen: acknowledge right away
	if stored.Kind() == convlog.KindDirect {
		s.send(protocol.MarkAsRead{Type: protocol.TypeMarkAsRead, From: stored.Sender})
		s.emitRead(stored.Key, s.rec.MarkDirectRead(stored.Key, s.self()))
		return
	}
	s.ackGroup(stored.GroupID, stored)
}

func (s *Session) onMessageRead(f protocol.Frame) {
	mr := f.(*protocol.MessageRead)
	key := convlog.DirectKey(s.self(), mr.User)
	s.emitRead(key, s.rec.MarkDirectRead(key, mr.User))
}

func (s *Session) onGroupReadUpdate(f protocol.Frame) {
	u := f.(*protocol.GroupReadUpdate)
	ref := convlog.Ref{Sender: u.From, ID: u.Timestamp}
	if !s.rec.ApplyGroupReadUpdate(u.GroupID, ref, u.ReadBy, u.UnreadMembers) {
		log.Debug().Str("group", u.GroupID).Int64("timestamp", u.Timestamp).Msg("read update parked")
		return
	}
	key := convlog.GroupKey(u.GroupID)
	if m, ok := s.log.Get(key, ref); ok {
		s.emitRead(key, []convlog.Ref{m.Ref()})
	}
}

func (s *Session) onMessageRecalled(f protocol.Frame) {
	mr := f.(*protocol.MessageRecalled)
	ref := convlog.Ref{Sender: mr.From, ID: mr.Timestamp}
	var key convlog.Key
	switch {
	case mr.GroupID != "":
		key = convlog.GroupKey(mr.GroupID)
	case mr.To != "":
		key = convlog.DirectKey(mr.From, mr.To)
	case mr.From == s.self():
		// echo of our own recall without a peer: only the log knows where
		// the message lived
		k, ok := s.log.Locate(ref)
		if !ok {
			s.countRecall(convlog.NotFound)
			log.Debug().Str("ref", ref.String()).Msg("recall echo for unknown message")
			return
		}
		key = k
	default:
		key = convlog.DirectKey(s.self(), mr.From)
	}
	notice, res := s.rec.Recall(key, ref)
	s.countRecall(res)
	if res == convlog.Recalled {
		s.emitRecall(key, ref, notice)
	}
}

func (s *Session) onSignal(f protocol.Frame) {
	sig := *f.(*protocol.Signal)
	s.emit(Event{Type: EventSignal, Signal: &sig})
}

func (s *Session) countRecall(res convlog.RecallResult) {
	if s.opts.Metrics == nil {
		return
	}
	label := "recalled"
	switch res {
	case convlog.AlreadyRecalled:
		label = "already_recalled"
	case convlog.NotFound:
		label = "not_found"
	case convlog.NotRecallable:
		label = "not_recallable"
	}
	s.opts.Metrics.Recalls.WithLabelValues(label).Inc()
}

func contacts(entries []protocol.RosterEntry) []roster.Contact {
	out := make([]roster.Contact, 0, len(entries))
	for _, e := range entries {
		c := roster.Contact{ID: e.Username, DisplayName: e.DisplayName, Online: true}
		if e.Online != nil {
			c.Online = *e.Online
		}
		out = append(out, c)
	}
	return out
}

func messageFromFrame(f *protocol.MessageFrame) convlog.Message {
	m := convlog.Message{
		ID:            f.Timestamp,
		LocalID:       f.ClientID,
		ServerID:      f.ID,
		Sender:        f.From,
		ContentType:   convlog.ContentType(f.ContentType),
		Content:       f.Content,
		Duration:      f.Duration,
		Read:          f.Read,
		ReadBy:        f.ReadBy,
		UnreadMembers: f.UnreadMembers,
	}
	if f.IsGroup() {
		m.GroupID = f.GroupID
		m.Key = convlog.GroupKey(f.GroupID)
	} else {
		m.Recipient = f.To
		m.Key = convlog.DirectKey(f.From, f.To)
	}
	if q := f.QuotedMessage; q != nil {
		m.Quote = &convlog.Quote{ID: q.Timestamp, Sender: q.From, Preview: q.Content, ContentType: convlog.ContentType(q.ContentType)}
	}
	return m
}
