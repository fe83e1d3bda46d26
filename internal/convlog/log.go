package convlog

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoTarget  = errors.New("message has no resolved recipient or group")
	ErrDuplicate = errors.New("message already in log")
)

// AppendResult tells the caller what AppendReceived did.
type AppendResult int

const (
	// Inserted means a new entry was added.
	Inserted AppendResult = iota
	// Matched means a pending optimistic entry matched and is now confirmed.
	Matched
	// Duplicate means an identical confirmed entry already existed.
	Duplicate
	// Suppressed means the message was recalled earlier and stays gone.
	Suppressed
)

func (r AppendResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Matched:
		return "matched"
	case Duplicate:
		return "duplicate"
	case Suppressed:
		return "suppressed"
	}
	return fmt.Sprintf("AppendResult(%d)", int(r))
}

// RecallResult tells the caller what Recall did.
type RecallResult int

const (
	Recalled RecallResult = iota
	AlreadyRecalled
	NotFound
	NotRecallable
)

// NoticeFunc renders the content of a recall notice for sender.
type NoticeFunc func(sender string) string

// DefaultNotice is the notice text used when none is configured.
func DefaultNotice(sender string) string { return sender + " recalled a message" }

// Summary is the list-view projection of a conversation.
type Summary struct {
	Key          Key
	Kind         Kind
	Participants []string
	Unread       int
	Len          int
	Last         *Message
}

// Conversation is a read-only snapshot of one conversation.
type Conversation struct {
	Key          Key
	Kind         Kind
	Participants []string
	Unread       int
	Messages     []Message
}

type conversation struct {
	key          Key
	kind         Kind
	participants []string
	unread       int
	msgs         []*Message
	index        map[string]*Message
	tombstones   map[string]struct{}
}

// Log holds one ordered, deduplicated message sequence per conversation.
//
// Log is not safe for concurrent use. The session owns it and only touches
// it from its event loop.
type Log struct {
	self   string
	active Key
	notice NoticeFunc
	convs  map[Key]*conversation
}

func New(self string) *Log {
	return &Log{
		self:   self,
		notice: DefaultNotice,
		convs:  make(map[Key]*conversation),
	}
}

func (l *Log) Self() string        { return l.self }
func (l *Log) SetSelf(self string) { l.self = self }

// SetNotice replaces the recall notice renderer.
func (l *Log) SetNotice(fn NoticeFunc) {
	if fn == nil {
		fn = DefaultNotice
	}
	l.notice = fn
}

// SetActive marks key as the conversation currently on screen. Messages
// appended to the active conversation do not count as unread.
func (l *Log) SetActive(key Key) { l.active = key }
func (l *Log) Active() Key       { return l.active }

// Ensure creates the conversation if needed and merges participants.
func (l *Log) Ensure(key Key, kind Kind, participants ...string) {
	c := l.conv(key, kind)
	c.participants = NormalizeSet(append(c.participants, participants...))
}

// Participants returns the known members of a conversation.
func (l *Log) Participants(key Key) []string {
	if c, ok := l.convs[key]; ok {
		return slices.Clone(c.participants)
	}
	return nil
}

func (l *Log) conv(key Key, kind Kind) *conversation {
	c, ok := l.convs[key]
	if !ok {
		c = &conversation{
			key:        key,
			kind:       kind,
			index:      make(map[string]*Message),
			tombstones: make(map[string]struct{}),
		}
		l.convs[key] = c
	}
	return c
}

// AppendOptimistic inserts a locally originated message in pending state
// before the server has seen it.
func (l *Log) AppendOptimistic(m Message) (Message, error) {
	if m.Key == "" || (m.Recipient == "" && m.GroupID == "") {
		return Message{}, ErrNoTarget
	}
	m = m.Clone()
	m.SendState = Pending
	m.ReadBy = nilIfEmpty(NormalizeSet(m.ReadBy))
	m.UnreadMembers = nilIfEmpty(NormalizeSet(m.UnreadMembers))
	c := l.conv(m.Key, m.Kind())
	if hit := c.lookup(&m); hit != nil {
		return hit.Clone(), ErrDuplicate
	}
	l.track(c, &m)
	c.insert(&m)
	return m.Clone(), nil
}

// AppendReceived inserts a message that came from the server, live or from
// history. It is idempotent on the dedup key and confirms a matching
// optimistic entry in place.
func (l *Log) AppendReceived(m Message) (Message, AppendResult) {
	m = m.Clone()
	m.SendState = Confirmed
	c := l.conv(m.Key, m.Kind())
	if c.recalled(&m) {
		return m, Suppressed
	}
	if hit := c.lookup(&m); hit != nil {
		res := Duplicate
		if hit.SendState == Pending {
			hit.SendState = Confirmed
			res = Matched
		}
		if m.ServerID != "" && hit.ServerID == "" {
			hit.ServerID = m.ServerID
			c.index["s:"+m.ServerID] = hit
		}
		if m.Read {
			hit.Read = true
		}
		if m.ReadBy != nil || m.UnreadMembers != nil {
			hit.ReadBy = NormalizeSet(m.ReadBy)
			hit.UnreadMembers = NormalizeSet(m.UnreadMembers)
		}
		return hit.Clone(), res
	}
	m.ReadBy = nilIfEmpty(NormalizeSet(m.ReadBy))
	m.UnreadMembers = nilIfEmpty(NormalizeSet(m.UnreadMembers))
	l.track(c, &m)
	c.insert(&m)
	if m.Key != l.active && !m.IsRecallNotice() && !m.ReadBySelf(l.self) {
		c.unread++
	}
	return m.Clone(), Inserted
}

func (l *Log) track(c *conversation, m *Message) {
	switch m.Kind() {
	case KindDirect:
		c.participants = NormalizeSet(append(c.participants, m.Sender, m.Recipient))
	case KindGroup:
		if m.Sender != "" && !slices.Contains(c.participants, m.Sender) {
			c.participants = NormalizeSet(append(c.participants, m.Sender))
		}
	}
}

// Recall removes the message addressed by ref and appends a recall notice
// in its stead. The notice gets an id strictly greater than every id in
// the conversation. When ref.Sender is empty the first message with ref.ID
// is recalled.
func (l *Log) Recall(key Key, ref Ref) (Message, RecallResult) {
	c, ok := l.convs[key]
	if !ok {
		return Message{}, NotFound
	}
	target := c.find(ref)
	if target == nil {
		if ref.Sender != "" {
			if _, gone := c.tombstones[refKey(ref)]; gone {
				return Message{}, AlreadyRecalled
			}
		}
		return Message{}, NotFound
	}
	if target.IsRecallNotice() {
		return Message{}, NotRecallable
	}
	c.remove(target)
	c.tombstones[refKey(target.Ref())] = struct{}{}
	if target.ServerID != "" {
		c.tombstones["s:"+target.ServerID] = struct{}{}
	}

	next := target.ID
	if n := len(c.msgs); n > 0 && c.msgs[n-1].ID > next {
		next = c.msgs[n-1].ID
	}
	notice := &Message{
		ID:          next + 1,
		LocalID:     uuid.NewString(),
		Key:         key,
		Sender:      target.Sender,
		Recipient:   target.Recipient,
		GroupID:     target.GroupID,
		ContentType: ContentRecallNotice,
		Content:     l.notice(target.Sender),
		SendState:   Confirmed,
	}
	c.insert(notice)
	log.Debug().Str("conversation", string(key)).Str("ref", target.Ref().String()).Msg("message recalled")
	return notice.Clone(), Recalled
}

// Locate finds the conversation holding ref, live or already recalled.
func (l *Log) Locate(ref Ref) (Key, bool) {
	if ref.Sender == "" {
		return "", false
	}
	for key, c := range l.convs {
		if c.index[refKey(ref)] != nil {
			return key, true
		}
		if _, gone := c.tombstones[refKey(ref)]; gone {
			return key, true
		}
	}
	return "", false
}

// Get returns the message addressed by ref.
func (l *Log) Get(key Key, ref Ref) (Message, bool) {
	c, ok := l.convs[key]
	if !ok {
		return Message{}, false
	}
	if m := c.find(ref); m != nil {
		return m.Clone(), true
	}
	return Message{}, false
}

// Update applies fn to the message addressed by ref in place. The ordering
// and dedup fields must not be changed by fn.
func (l *Log) Update(key Key, ref Ref, fn func(*Message)) bool {
	c, ok := l.convs[key]
	if !ok {
		return false
	}
	m := c.find(ref)
	if m == nil {
		return false
	}
	fn(m)
	return true
}

// Each calls fn for every message of key in order, allowing in-place
// mutation of non-key fields. It returns the number of visited messages.
func (l *Log) Each(key Key, fn func(*Message)) int {
	c, ok := l.convs[key]
	if !ok {
		return 0
	}
	for _, m := range c.msgs {
		fn(m)
	}
	return len(c.msgs)
}

// Query returns an ordered copy of the conversation. The result is
// independent from the log and can be iterated any number of times.
func (l *Log) Query(key Key) []Message {
	c, ok := l.convs[key]
	if !ok {
		return nil
	}
	out := make([]Message, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Conversation returns a full snapshot of one conversation.
func (l *Log) Conversation(key Key) (Conversation, bool) {
	c, ok := l.convs[key]
	if !ok {
		return Conversation{}, false
	}
	return Conversation{
		Key:          c.key,
		Kind:         c.kind,
		Participants: slices.Clone(c.participants),
		Unread:       c.unread,
		Messages:     l.Query(key),
	}, true
}

// Summaries lists every conversation, most recently active first.
func (l *Log) Summaries() []Summary {
	out := make([]Summary, 0, len(l.convs))
	for _, c := range l.convs {
		s := Summary{
			Key:          c.key,
			Kind:         c.kind,
			Participants: slices.Clone(c.participants),
			Unread:       c.unread,
			Len:          len(c.msgs),
		}
		if n := len(c.msgs); n > 0 {
			last := c.msgs[n-1].Clone()
			s.Last = &last
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := lastID(out[i]), lastID(out[j])
		if li != lj {
			return li > lj
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func lastID(s Summary) int64 {
	if s.Last == nil {
		return 0
	}
	return s.Last.ID
}

// Unread returns the unread counter of key.
func (l *Log) Unread(key Key) int {
	if c, ok := l.convs[key]; ok {
		return c.unread
	}
	return 0
}

// MarkSeen resets the unread counter of key.
func (l *Log) MarkSeen(key Key) {
	if c, ok := l.convs[key]; ok {
		c.unread = 0
	}
}

// Len returns the number of messages in key.
func (l *Log) Len(key Key) int {
	if c, ok := l.convs[key]; ok {
		return len(c.msgs)
	}
	return 0
}

// Reset discards every conversation, as on logout.
func (l *Log) Reset() {
	l.convs = make(map[Key]*conversation)
	l.active = ""
}

func (c *conversation) lookup(m *Message) *Message {
	for _, k := range dedupKeys(m) {
		if hit, ok := c.index[k]; ok {
			return hit
		}
	}
	return nil
}

func (c *conversation) recalled(m *Message) bool {
	if m.IsRecallNotice() {
		return false
	}
	if _, ok := c.tombstones[refKey(m.Ref())]; ok {
		return true
	}
	if m.ServerID != "" {
		if _, ok := c.tombstones["s:"+m.ServerID]; ok {
			return true
		}
	}
	return false
}

func (c *conversation) find(ref Ref) *Message {
	if ref.Sender != "" {
		return c.index[refKey(ref)]
	}
	for _, m := range c.msgs {
		if m.ID == ref.ID {
			return m
		}
	}
	return nil
}

// insert places m after every message with an id <= m.ID.
func (c *conversation) insert(m *Message) {
	i := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].ID > m.ID })
	c.msgs = slices.Insert(c.msgs, i, m)
	for _, k := range dedupKeys(m) {
		c.index[k] = m
	}
}

func (c *conversation) remove(m *Message) {
	if i := slices.Index(c.msgs, m); i >= 0 {
		c.msgs = slices.Delete(c.msgs, i, i+1)
	}
	for _, k := range dedupKeys(m) {
		if c.index[k] == m {
			delete(c.index, k)
		}
	}
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
