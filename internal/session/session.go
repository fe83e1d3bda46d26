// Package session owns the live state of one chat client: identity, roster,
// conversation log and reconciler. All of it is touched from a single event
// loop; frame handlers, user actions and snapshot reads are closures queued
// onto that loop.
package session

import (
	"errors"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/internal/convlog"
	"github.com/gosuda/portal-chat/internal/identity"
	"github.com/gosuda/portal-chat/internal/metrics"
	"github.com/gosuda/portal-chat/internal/protocol"
	"github.com/gosuda/portal-chat/internal/reconcile"
	"github.com/gosuda/portal-chat/internal/roster"
	"github.com/gosuda/portal-chat/internal/transport"
)

var (
	ErrClosed              = errors.New("session closed")
	ErrNoTarget            = errors.New("no conversation selected")
	ErrNotRegistered       = errors.New("not logged in")
	ErrInvalidName         = identity.ErrInvalidName
	ErrNotRecallable       = errors.New("message cannot be recalled")
	ErrUnknownMessage      = errors.New("message not in conversation")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrEmptyMessage        = errors.New("empty message")
	ErrInvalidGroup        = errors.New("invalid group")
	ErrUnsupportedMedia    = errors.New("unsupported media")
	ErrMediaTooLarge       = errors.New("media too large")
	ErrRegisterRejected    = errors.New("register rejected")
	ErrServer              = errors.New("server error")

	errPanicked = errors.New("session command panicked")
)

const commandBufferSize = 1024

// Sender is the outbound side of the transport.
type Sender interface {
	Send(protocol.Frame) error
}

// IdentityStore persists the identity between runs.
type IdentityStore interface {
	Load() (identity.Identity, error)
	Save(identity.Identity) (identity.Identity, error)
	Clear() error
}

type Options struct {
	Store          IdentityStore
	Metrics        *metrics.Metrics
	OutboxSize     int
	PendingUpdates int
	MaxMediaBytes  int64
	// RecallNotice renders the text of a recall notice.
	RecallNotice convlog.NoticeFunc

	Now      func() time.Time
	ReadFile func(path string) ([]byte, error)
}

// Target selects a conversation: a peer for direct chats or a group id.
type Target struct {
	Kind convlog.Kind `json:"kind"`
	ID   string       `json:"id"`
}

func Direct(peer string) Target { return Target{Kind: convlog.KindDirect, ID: peer} }
func Group(groupID string) Target { return Target{Kind: convlog.KindGroup, ID: groupID} }
func (t Target) IsZero() bool { return t.ID == "" }
func (t Target) String() string { return string(t.Kind) + ":" + t.ID }

// Session is the conversation state manager of one client.
type Session struct {
	opts Options
	out  Sender

	commands chan func(*Session)
	closing  chan struct{}
	done     chan struct{}

	// owned by the loop
	ident      identity.Identity
	loggedIn   bool
	registered bool
	status     transport.Status
	log        *convlog.Log
	rec        *reconcile.Reconciler
	roster     *roster.Roster
	active     Target
	lastTS     int64
	outbox     []protocol.Frame
	observers  map[int]func(Event)
	nextObs    int
	handlers   map[string]func(*Session, protocol.Frame)

	// set when Login could not reach a link that was still opening
	registerOwed bool
}

// New starts a session that sends through out. Close stops it.
func New(out Sender, opts Options) *Session {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 128
	}
	if opts.MaxMediaBytes <= 0 {
		opts.MaxMediaBytes = 10 << 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	l := convlog.New("")
	l.SetNotice(opts.RecallNotice)
	s := &Session{
		opts:      opts,
		out:       out,
		commands:  make(chan func(*Session), commandBufferSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		log:       l,
		rec:       reconcile.New(l, opts.PendingUpdates),
		roster:    roster.New(""),
		observers: make(map[int]func(Event)),
	}
	s.handlers = dispatchTable()
	go s.loop()
	return s
}

// Attach wires s to a transport connection. It must run before conn.Run.
func (s *Session) Attach(conn *transport.Conn) {
	conn.OnFrame(s.HandleRaw)
	conn.OnOpen(s.handleOpen)
	conn.OnStatus(s.SetStatus)
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.commands:
			s.run(fn)
		case <-s.closing:
			return
		}
	}
}

func (s *Session) run(fn func(*Session)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("session command panicked")
		}
	}()
	fn(s)
}

// enqueue blocks while the queue is full. Commands carry state changes and
// must not be dropped.
func (s *Session) enqueue(fn func(*Session)) bool {
	select {
	case s.commands <- fn:
		return true
	case <-s.closing:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(fn func(*Session) error) error {
	errc := make(chan error, 1)
	ok := s.enqueue(func(s *Session) {
		err := errPanicked
		defer func() { errc <- err }()
		err = fn(s)
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrClosed
	}
}

func query[T any](s *Session, fn func(*Session) T) (T, error) {
	var out T
	err := s.do(func(s *Session) error {
		out = fn(s)
		return nil
	})
	return out, err
}

// Close stops the loop. Pending commands are discarded.
func (s *Session) Close() {
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	<-s.done
}

// Subscribe registers fn for every event. fn runs on the session loop and
// must not call back into the session; it returns an unsubscribe func.
func (s *Session) Subscribe(fn func(Event)) func() {
	var id int
	_ = s.do(func(s *Session) error {
		id = s.nextObs
		s.nextObs++
		s.observers[id] = fn
		return nil
	})
	return func() {
		s.enqueue(func(s *Session) { delete(s.observers, id) })
	}
}

func (s *Session) emit(ev Event) {
	for _, fn := range s.observers {
		fn(ev)
	}
}

// nextTimestamp returns a millisecond timestamp strictly greater than every
// one this session handed out before.
func (s *Session) nextTimestamp() int64 {
	ts := s.opts.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func (s *Session) keyOf(t Target) convlog.Key {
	if t.Kind == convlog.KindGroup {
		return convlog.GroupKey(t.ID)
	}
	return convlog.DirectKey(s.ident.Username, t.ID)
}

func (s *Session) self() string { return s.ident.Username }
