// Package reconcile folds read receipts and recalls into a conversation log.
//
// Updates may reach the client before the message they address (history
// backfill racing live traffic). Such updates are parked per conversation and
// replayed by Settle once the message is appended.
package reconcile

import (
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/internal/convlog"
)

// DefaultMaxPending bounds the parked updates kept per conversation.
const DefaultMaxPending = 256

type updateKind int

const (
	groupRead updateKind = iota
	recall
)

type pendingUpdate struct {
	kind          updateKind
	ref           convlog.Ref
	readBy        []string
	unreadMembers []string
}

func (p pendingUpdate) matches(m convlog.Message) bool {
	return p.ref.ID == m.ID && (p.ref.Sender == "" || p.ref.Sender == m.Sender)
}

// Settled reports what Settle changed on a freshly appended message.
type Settled struct {
	Message convlog.Message
	Changed bool
	// Notice is set when a parked recall removed the message again.
	Notice *convlog.Message
}

// Reconciler applies read and recall events onto a Log. Like the Log it is
// owned by a single goroutine.
type Reconciler struct {
	log        *convlog.Log
	maxPending int
	pending    map[convlog.Key][]pendingUpdate
	// readThrough is the highest self-authored id the peer acknowledged in a
	// direct conversation.
	readThrough map[convlog.Key]int64
}

func New(l *convlog.Log, maxPending int) *Reconciler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Reconciler{
		log:         l,
		maxPending:  maxPending,
		pending:     make(map[convlog.Key][]pendingUpdate),
		readThrough: make(map[convlog.Key]int64),
	}
}

// MarkDirectRead applies a bulk read acknowledgment in a 1:1 conversation.
// When reader is the peer every self-authored message sent to them becomes
// read; when reader is self the peer's messages become read and the unread
// counter resets. It returns the refs whose read flag flipped.
func (r *Reconciler) MarkDirectRead(key convlog.Key, reader string) []convlog.Ref {
	self := r.log.Self()
	var changed []convlog.Ref
	if reader == self {
		r.log.Each(key, func(m *convlog.Message) {
			if m.Sender != self && !m.IsRecallNotice() && !m.Read {
				m.Read = true
				changed = append(changed, m.Ref())
			}
		})
		r.log.MarkSeen(key)
		return changed
	}
	mark := r.readThrough[key]
	r.log.Each(key, func(m *convlog.Message) {
		if m.Sender != self || m.Recipient != reader || m.IsRecallNotice() {
			return
		}
		if m.ID > mark {
			mark = m.ID
		}
		if !m.Read {
			m.Read = true
			changed = append(changed, m.Ref())
		}
	})
	r.readThrough[key] = mark
	return changed
}

// ApplyGroupReadUpdate replaces the read sets of one group message. The
// server always sends full sets, so the last update wins and repeated
// delivery is harmless. It returns false when the message is not in the log
// yet; the update is then parked until Settle sees the message.
func (r *Reconciler) ApplyGroupReadUpdate(groupID string, ref convlog.Ref, readBy, unreadMembers []string) bool {
	key := convlog.GroupKey(groupID)
	readBy = convlog.NormalizeSet(readBy)
	unreadMembers = convlog.NormalizeSet(unreadMembers)
	ok := r.log.Update(key, ref, func(m *convlog.Message) {
		m.ReadBy = readBy
		m.UnreadMembers = unreadMembers
	})
	if !ok {
		r.park(key, pendingUpdate{kind: groupRead, ref: ref, readBy: readBy, unreadMembers: unreadMembers})
	}
	return ok
}

// Recall removes a message and inserts its notice. A recall for a message
// never seen is parked so a late delivery of the original is recalled on
// arrival; a recall for a message already recalled is a no-op.
func (r *Reconciler) Recall(key convlog.Key, ref convlog.Ref) (convlog.Message, convlog.RecallResult) {
	notice, res := r.log.Recall(key, ref)
	if res == convlog.NotFound && ref.Sender != "" {
		r.park(key, pendingUpdate{kind: recall, ref: ref})
	}
	return notice, res
}

// Settle applies watermarks and parked updates to a message that was just
// appended to the log.
func (r *Reconciler) Settle(m convlog.Message) Settled {
	out := Settled{Message: m}
	key := m.Key
	if m.Kind() == convlog.KindDirect && m.Sender == r.log.Self() && !m.Read && m.ID <= r.readThrough[key] {
		r.log.Update(key, m.Ref(), func(mm *convlog.Message) { mm.Read = true })
		out.Changed = true
	}
	queue := r.pending[key]
	if len(queue) > 0 {
		kept := queue[:0]
		for _, p := range queue {
			if !p.matches(m) || out.Notice != nil {
				kept = append(kept, p)
				continue
			}
			switch p.kind {
			case groupRead:
				r.log.Update(key, m.Ref(), func(mm *convlog.Message) {
					mm.ReadBy = p.readBy
					mm.UnreadMembers = p.unreadMembers
				})
				out.Changed = true
			case recall:
				if notice, res := r.log.Recall(key, m.Ref()); res == convlog.Recalled {
					out.Notice = &notice
				}
			}
		}
		if len(kept) == 0 {
			delete(r.pending, key)
		} else {
			r.pending[key] = kept
		}
	}
	if out.Changed && out.Notice == nil {
		if cur, ok := r.log.Get(key, m.Ref()); ok {
			out.Message = cur
		}
	}
	return out
}

// Pending returns the number of parked updates for key.
func (r *Reconciler) Pending(key convlog.Key) int { return len(r.pending[key]) }

// Reset drops every parked update and watermark.
func (r *Reconciler) Reset() {
	r.pending = make(map[convlog.Key][]pendingUpdate)
	r.readThrough = make(map[convlog.Key]int64)
}

func (r *Reconciler) park(key convlog.Key, p pendingUpdate) {
	q := r.pending[key]
	// a newer group update for the same message supersedes the parked one
	if p.kind == groupRead {
		q = slices.DeleteFunc(q, func(o pendingUpdate) bool { return o.kind == groupRead && o.ref == p.ref })
	}
	q = append(q, p)
	if len(q) > r.maxPending {
		log.Debug().Str("conversation", string(key)).Int("dropped", len(q)-r.maxPending).Msg("pending updates over limit")
		q = q[len(q)-r.maxPending:]
	}
	r.pending[key] = q
}
