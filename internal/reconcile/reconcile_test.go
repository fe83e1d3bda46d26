package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/internal/convlog"
)

func msg(from, to string, ts int64) convlog.Message {
	return convlog.Message{
		ID: ts, Key: convlog.DirectKey(from, to), Sender: from, Recipient: to,
		ContentType: convlog.ContentText, Content: "m",
	}
}

func groupMsg(gid, from string, ts int64) convlog.Message {
	return convlog.Message{
		ID: ts, Key: convlog.GroupKey(gid), Sender: from, GroupID: gid,
		ContentType: convlog.ContentText, Content: "g",
	}
}

func TestMarkDirectReadByPeer(t *testing.T) {
	l := convlog.New("A")
	r := New(l, 0)
	key := convlog.DirectKey("A", "B")
	l.AppendOptimistic(msg("A", "B", 1))
	l.AppendReceived(msg("B", "A", 2))
	l.AppendReceived(msg("A", "B", 3))

	changed := r.MarkDirectRead(key, "B")
	assert.Len(t, changed, 2)
	for _, m := range l.Query(key) {
		if m.Sender == "A" {
			assert.True(t, m.Read, "self message %d", m.ID)
		} else {
			assert.False(t, m.Read, "peer message untouched")
		}
	}

	// applying again changes nothing
	assert.Empty(t, r.MarkDirectRead(key, "B"))
}

func TestMarkDirectReadBySelfResetsUnread(t *testing.T) {
	l := convlog.New("A")
	r := New(l, 0)
	key := convlog.DirectKey("A", "B")
	l.AppendReceived(msg("B", "A", 1))
	l.AppendReceived(msg("B", "A", 2))
	require.Equal(t, 2, l.Unread(key))

	changed := r.MarkDirectRead(key, "A")
	assert.Len(t, changed, 2)
	assert.Equal(t, 0, l.Unread(key))
}

func TestReadWatermarkAppliesToBackfill(t *testing.T) {
	l := convlog.New("A")
	r := New(l, 0)
	key := convlog.DirectKey("A", "B")
	l.AppendOptimistic(msg("A", "B", 50))
	r.MarkDirectRead(key, "B")

	old, res := l.AppendReceived(msg("A", "B", 10))
	require.Equal(t, convlog.Inserted, res)
	s := r.Settle(old)
	assert.True(t, s.Changed)
	assert.True(t, s.Message.Read)

	newer, _ := l.AppendReceived(msg("A", "B", 60))
	s = r.Settle(newer)
	assert.False(t, s.Changed)
	assert.False(t, s.Message.Read)
}

func TestGroupReadUpdateIsIdempotent(t *testing.T) {
	l := convlog.New("A")
	r := New(l, 0)
	key := convlog.GroupKey("G")
	m := groupMsg("G", "A", 100)
	m.ReadBy = []string{"A"}
	m.UnreadMembers = []string{"B", "C"}
	l.AppendOptimistic(m)

	got, _ := l.Get(key, m.Ref())
	assert.Equal(t, []string{"A"}, got.ReadBy)
	assert.Equal(t, []string{"B", "C"}, got.UnreadMembers)

	require.True(t, r.ApplyGroupReadUpdate("G", convlog.Ref{ID: 100}, []string{"B", "A"}, []string{"C"}))
	once := l.Query(key)
	require.True(t, r.ApplyGroupReadUpdate("G", convlog.Ref{ID: 100}, []string{"A", "B"}, []string{"C"}))
	twice := l.Query(key)
	assert.Equal(t, once, twice)
	assert.Equal(t, []string{"A", "B"}, twice[0].ReadBy)
	assert.Equal(t, []string{"C"}, twice[0].UnreadMembers)
}

func TestGroupReadUpdateBeforeMessageIsParked(t *testing.T) {
	l := convlog.New("A")
	r := New(l, 0)
	key := convlog.GroupKey("G")

	assert.False(t, r.ApplyGroupReadUpdate("G", convlog.Ref{ID: 7}, []string{"B"}, []string{"C"}))
	assert.False(t, r.ApplyGroupReadUpdate("G", convlog.Ref{ID: 7}, []string{"B", "C"}, nil))
	assert.Equal(t, 1, r.Pending(key), "newer update supersedes")

	m, _ := l.AppendReceived(groupMsg("G", "B", 7))
	s := r.Settle(m)
	assert.True(t, s.Changed)
	assert.Equal(t, []string{"B", "C"}, s.Message.ReadBy)
	assert.Empty(t, s.Message.UnreadMembers)
	assert.Equal(t, 0, r.Pending(key))
}

func TestRecallBeforeMessageIsParked(t *testing.T) {
	l := convlog.New("A")
	r := New(l, 0)
	key := convlog.DirectKey("A", "B")

	_, res := r.Recall(key, convlog.Ref{Sender: "B", ID: 5})
	assert.Equal(t, convlog.NotFound, res)
	assert.Equal(t, 1, r.Pending(key))

	m, _ := l.AppendReceived(msg("B", "A", 5))
	s := r.Settle(m)
	require.NotNil(t, s.Notice)
	msgs := l.Query(key)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRecallNotice())
}

func TestRecallTwiceIsNoop(t *testing.T) {
	l := convlog.New("A")
	r := New(l, 0)
	key := convlog.DirectKey("A", "B")
	l.AppendOptimistic(msg("A", "B", 2000))

	_, res := r.Recall(key, convlog.Ref{Sender: "A", ID: 2000})
	require.Equal(t, convlog.Recalled, res)
	_, res = r.Recall(key, convlog.Ref{Sender: "A", ID: 2000})
	assert.Equal(t, convlog.AlreadyRecalled, res)
	assert.Equal(t, 0, r.Pending(key))
	assert.Len(t, l.Query(key), 1)
}

func TestParkedUpdatesAreBounded(t *testing.T) {
	l := convlog.New("A")
	r := New(l, 3)
	for i := int64(1); i <= 5; i++ {
		r.ApplyGroupReadUpdate("G", convlog.Ref{ID: i}, []string{"B"}, nil)
	}
	assert.Equal(t, 3, r.Pending(convlog.GroupKey("G")))

	r.Reset()
	assert.Equal(t, 0, r.Pending(convlog.GroupKey("G")))
}
