package convlog

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func direct(from, to string, ts int64, text string) Message {
	return Message{
		ID:          ts,
		Key:         DirectKey(from, to),
		Sender:      from,
		Recipient:   to,
		ContentType: ContentText,
		Content:     text,
	}
}

func group(gid, from string, ts int64, text string) Message {
	return Message{
		ID:          ts,
		Key:         GroupKey(gid),
		Sender:      from,
		GroupID:     gid,
		ContentType: ContentText,
		Content:     text,
	}
}

func TestDirectKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, DirectKey("alice", "bob"), DirectKey("bob", "alice"))
	assert.Equal(t, Key("alice_bob"), DirectKey("bob", "alice"))
	assert.Equal(t, Key("group_7"), GroupKey("group_7"))
}

func TestAppendReceivedIsIdempotent(t *testing.T) {
	l := New("me")
	rng := rand.New(rand.NewSource(42))
	unique := map[int64]bool{}
	for i := 0; i < 500; i++ {
		ts := int64(rng.Intn(60) + 1)
		unique[ts] = true
		l.AppendReceived(direct("bob", "me", ts, "x"))
	}
	msgs := l.Query(DirectKey("me", "bob"))
	require.Len(t, msgs, len(unique))
	for i := 1; i < len(msgs); i++ {
		assert.Less(t, msgs[i-1].ID, msgs[i].ID)
	}
}

func TestHistoryBackfillInterleavesByID(t *testing.T) {
	l := New("me")
	l.AppendReceived(direct("bob", "me", 300, "live"))
	l.AppendReceived(direct("me", "bob", 100, "old"))
	l.AppendReceived(direct("bob", "me", 200, "older reply"))
	l.AppendReceived(direct("me", "bob", 300, "same ms, other sender"))

	var got []string
	for _, m := range l.Query(DirectKey("me", "bob")) {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"old", "older reply", "live", "same ms, other sender"}, got)
}

func TestOptimisticThenEchoYieldsOneConfirmed(t *testing.T) {
	l := New("A")
	sent, err := l.AppendOptimistic(direct("A", "B", 1000, "hi"))
	require.NoError(t, err)
	assert.Equal(t, Pending, sent.SendState)

	msgs := l.Query(DirectKey("A", "B"))
	require.Len(t, msgs, 1)
	assert.Equal(t, "A", msgs[0].Sender)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, Pending, msgs[0].SendState)

	echo := direct("A", "B", 1000, "hi")
	echo.ServerID = "srv-1"
	_, res := l.AppendReceived(echo)
	assert.Equal(t, Matched, res)

	msgs = l.Query(DirectKey("A", "B"))
	require.Len(t, msgs, 1)
	assert.Equal(t, Confirmed, msgs[0].SendState)
	assert.Equal(t, "srv-1", msgs[0].ServerID)

	_, res = l.AppendReceived(echo)
	assert.Equal(t, Duplicate, res)
	assert.Equal(t, 1, l.Len(DirectKey("A", "B")))
}

func TestEchoCorrelatesByClientID(t *testing.T) {
	l := New("A")
	m := direct("A", "B", 1000, "hi")
	m.LocalID = "local-1"
	_, err := l.AppendOptimistic(m)
	require.NoError(t, err)

	// server rewrote the timestamp but echoed our correlation id
	echo := direct("A", "B", 1003, "hi")
	echo.LocalID = "local-1"
	_, res := l.AppendReceived(echo)
	assert.Equal(t, Matched, res)
	assert.Equal(t, 1, l.Len(DirectKey("A", "B")))
}

func TestAppendOptimisticRequiresTarget(t *testing.T) {
	l := New("A")
	_, err := l.AppendOptimistic(Message{ID: 1, Key: "x", Sender: "A", ContentType: ContentText, Content: "x"})
	assert.ErrorIs(t, err, ErrNoTarget)

	_, err = l.AppendOptimistic(direct("A", "B", 5, "x"))
	require.NoError(t, err)
	_, err = l.AppendOptimistic(direct("A", "B", 5, "x"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestRecallReplacesWithNotice(t *testing.T) {
	l := New("A")
	key := DirectKey("A", "B")
	l.AppendReceived(direct("B", "A", 1500, "before"))
	_, err := l.AppendOptimistic(direct("A", "B", 2000, "oops"))
	require.NoError(t, err)

	notice, res := l.Recall(key, Ref{Sender: "A", ID: 2000})
	require.Equal(t, Recalled, res)
	assert.Equal(t, ContentRecallNotice, notice.ContentType)
	assert.Equal(t, "A", notice.Sender)
	assert.Greater(t, notice.ID, int64(2000))
	assert.Nil(t, notice.Quote)
	assert.Nil(t, notice.ReadBy)

	msgs := l.Query(key)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.NotEqual(t, int64(2000), m.ID)
	}
	notices := 0
	for _, m := range msgs {
		if m.IsRecallNotice() {
			notices++
		}
	}
	assert.Equal(t, 1, notices)

	// the server's own recall event for the same message arrives afterwards
	_, res = l.Recall(key, Ref{Sender: "A", ID: 2000})
	assert.Equal(t, AlreadyRecalled, res)
	assert.Len(t, l.Query(key), 2)

	// a history replay must not resurrect it
	_, ares := l.AppendReceived(direct("A", "B", 2000, "oops"))
	assert.Equal(t, Suppressed, ares)
	assert.Len(t, l.Query(key), 2)
}

func TestRecallNoticeIsNotRecallable(t *testing.T) {
	l := New("A")
	key := DirectKey("A", "B")
	l.AppendReceived(direct("B", "A", 10, "x"))
	notice, res := l.Recall(key, Ref{Sender: "B", ID: 10})
	require.Equal(t, Recalled, res)

	_, res = l.Recall(key, Ref{ID: notice.ID})
	assert.Equal(t, NotRecallable, res)
	_, res = l.Recall(key, notice.Ref())
	assert.Equal(t, NotFound, res)

	_, res = l.Recall(key, Ref{Sender: "zzz", ID: 999})
	assert.Equal(t, NotFound, res)
	_, res = l.Recall("nope", Ref{Sender: "B", ID: 10})
	assert.Equal(t, NotFound, res)
}

func TestRecallNoticeIDsStayUnique(t *testing.T) {
	l := New("A")
	key := GroupKey("g")
	l.AppendReceived(group("g", "B", 10, "one"))
	l.AppendReceived(group("g", "C", 10, "two"))
	n1, _ := l.Recall(key, Ref{Sender: "B", ID: 10})
	n2, _ := l.Recall(key, Ref{Sender: "C", ID: 10})
	assert.Greater(t, n2.ID, n1.ID)
	assert.Len(t, l.Query(key), 2)
}

func TestUnreadCounting(t *testing.T) {
	l := New("me")
	key := DirectKey("me", "bob")
	l.AppendReceived(direct("bob", "me", 1, "a"))
	l.AppendReceived(direct("bob", "me", 2, "b"))
	l.AppendReceived(direct("me", "bob", 3, "mine"))
	assert.Equal(t, 2, l.Unread(key))

	l.SetActive(key)
	l.AppendReceived(direct("bob", "me", 4, "c"))
	assert.Equal(t, 2, l.Unread(key))

	l.MarkSeen(key)
	assert.Equal(t, 0, l.Unread(key))

	gk := GroupKey("g")
	read := group("g", "bob", 5, "seen already")
	read.ReadBy = []string{"bob", "me"}
	l.AppendReceived(read)
	assert.Equal(t, 0, l.Unread(gk))
}

func TestQueryReturnsIndependentCopies(t *testing.T) {
	l := New("me")
	m := group("g", "bob", 1, "x")
	m.ReadBy = []string{"bob"}
	l.AppendReceived(m)

	first := l.Query(GroupKey("g"))
	first[0].ReadBy[0] = "mallory"
	first[0].Content = "changed"

	again := l.Query(GroupKey("g"))
	assert.Equal(t, "bob", again[0].ReadBy[0])
	assert.Equal(t, "x", again[0].Content)
	assert.Nil(t, l.Query("missing"))
}

func TestSummariesAndReset(t *testing.T) {
	l := New("me")
	l.AppendReceived(direct("bob", "me", 10, "a"))
	l.AppendReceived(group("g", "carol", 20, "b"))
	l.Ensure(GroupKey("empty"), KindGroup, "me", "dave")

	sums := l.Summaries()
	require.Len(t, sums, 3)
	assert.Equal(t, GroupKey("g"), sums[0].Key)
	assert.Equal(t, KindGroup, sums[0].Kind)
	assert.Equal(t, DirectKey("me", "bob"), sums[1].Key)
	assert.Equal(t, []string{"bob", "me"}, sums[1].Participants)
	assert.Nil(t, sums[2].Last)

	l.Reset()
	assert.Empty(t, l.Summaries())
	assert.Equal(t, Key(""), l.Active())
}

func TestLocateFindsLiveAndRecalled(t *testing.T) {
	l := New("A")
	l.AppendReceived(direct("A", "B", 10, "hi"))
	l.AppendReceived(group("G", "A", 20, "all"))

	key, ok := l.Locate(Ref{Sender: "A", ID: 10})
	require.True(t, ok)
	assert.Equal(t, DirectKey("A", "B"), key)

	_, res := l.Recall(GroupKey("G"), Ref{Sender: "A", ID: 20})
	require.Equal(t, Recalled, res)
	key, ok = l.Locate(Ref{Sender: "A", ID: 20})
	require.True(t, ok)
	assert.Equal(t, GroupKey("G"), key)

	_, ok = l.Locate(Ref{Sender: "A", ID: 99})
	assert.False(t, ok)
	_, ok = l.Locate(Ref{ID: 10})
	assert.False(t, ok)
}
