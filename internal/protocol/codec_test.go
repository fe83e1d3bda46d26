package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageFrames(t *testing.T) {
	f, err := Decode([]byte(`{"type":"new_message","from":"alice","to":"bob","content":"hi","timestamp":1000}`))
	require.NoError(t, err)
	m, ok := f.(*MessageFrame)
	require.True(t, ok)
	assert.Equal(t, ContentText, m.ContentType, "content type defaults to text")
	assert.False(t, m.IsGroup())
	assert.False(t, m.IsHistory())

	f, err = Decode([]byte(`{"type":"history_group_message","from":"alice","group_id":"group_1","content":"yo","content_type":"text","timestamp":5,"read_by":["alice"],"unread_members":["bob","carol"]}`))
	require.NoError(t, err)
	m = f.(*MessageFrame)
	assert.True(t, m.IsGroup())
	assert.True(t, m.IsHistory())
	assert.Equal(t, []string{"bob", "carol"}, m.UnreadMembers)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{`not json`, ErrMalformed},
		{`{"content":"x"}`, ErrMalformed},
		{`{"type":"teleport"}`, ErrUnknownType},
		{`{"type":"new_message","to":"b","content":"x","timestamp":1}`, ErrInvalid},
		{`{"type":"new_group_message","from":"a","content":"x","timestamp":1}`, ErrInvalid},
		{`{"type":"new_message","from":"a","to":"b","content":"x","content_type":"pdf","timestamp":1}`, ErrInvalid},
		{`{"type":"group_message_read_update","group_id":"g","read_by":[]}`, ErrInvalid},
		{`{"type":"message_recalled","timestamp":3}`, ErrInvalid},
		{`{"type":"users_list","users":42}`, ErrMalformed},
	}
	for _, tc := range cases {
		_, err := Decode([]byte(tc.raw))
		assert.ErrorIs(t, err, tc.want, tc.raw)
	}
}

func TestRosterEntryAcceptsStringsAndObjects(t *testing.T) {
	f, err := Decode([]byte(`{"type":"register_success","username":"me","users":["me","bob",{"username":"carol","userId":"u-3"}],"bots":["helper"]}`))
	require.NoError(t, err)
	rs := f.(*RegisterSuccess)
	require.Len(t, rs.Users, 3)
	assert.Equal(t, "bob", rs.Users[1].Username)
	assert.Equal(t, "u-3", rs.Users[2].UserID)
	assert.Equal(t, "helper", rs.Bots[0].Username)
}

func TestSignalFramesPassThrough(t *testing.T) {
	f, err := Decode([]byte(`{"type":"video_offer","from":"bob","to":"me","data":{"sdp":"v=0"}}`))
	require.NoError(t, err)
	s := f.(*Signal)
	assert.Equal(t, "video_offer", s.FrameType())
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(s.Data))
}

func TestEncodeKeepsMarkup(t *testing.T) {
	out, err := Encode(SendMessage{Type: TypeSendMessage, To: "bob", Content: "<b>&</b>", ContentType: ContentText, Timestamp: 7})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"content":"<b>&</b>"`)
	assert.NotContains(t, string(out), "\n")
}

func TestEncodeRejectsInvalidAndUntyped(t *testing.T) {
	_, err := Encode(CreateGroup{Type: TypeCreateGroup, Name: "x", Members: []string{"a"}})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Encode(MarkAsRead{From: "bob"})
	assert.ErrorIs(t, err, ErrInvalid)
}
