package present

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/internal/metrics"
	"github.com/gosuda/portal-chat/internal/protocol"
	"github.com/gosuda/portal-chat/internal/session"
	"github.com/gosuda/portal-chat/internal/summary"
	"github.com/gosuda/portal-chat/internal/transport"
)

type nopSender struct{}

func (nopSender) Send(protocol.Frame) error { return nil }

type viewFixture struct {
	sess *session.Session
	srv  *Server
	http *httptest.Server
}

func newViewFixture(t *testing.T) *viewFixture {
	t.Helper()
	m := metrics.New()
	sess := session.New(nopSender{}, session.Options{Metrics: m})
	adapter := NewAdapter(time.UTC)
	sess.Subscribe(adapter.Handle)

	sess.SetStatus(transport.Connected)
	_, err := sess.Login("A")
	require.NoError(t, err)
	sess.HandleRaw([]byte(`{"type":"register_success","username":"A","users":["A","B"]}`))

	srv := NewServer("test", sess, adapter, m)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
		sess.Close()
	})
	return &viewFixture{sess: sess, srv: srv, http: hs}
}

func (f *viewFixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func TestViewAPI(t *testing.T) {
	f := newViewFixture(t)

	res, _ := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, body := f.do(t, http.MethodPost, "/api/select", `{"kind":"direct","id":"B"}`)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var view View
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "B", view.Title)
	assert.Empty(t, view.Items)

	res, body = f.do(t, http.MethodPost, "/api/send", `{"text":"<3 & hello"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var item Item
	require.NoError(t, json.Unmarshal(body, &item))
	assert.Equal(t, SideSent, item.Side)
	assert.Equal(t, "<3 & hello", item.Text)
	assert.True(t, bytes.Contains(body, []byte(`"text":"<3 & hello"`)), "responses are not HTML escaped")

	res, body = f.do(t, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var o Overview
	require.NoError(t, json.Unmarshal(body, &o))
	require.Len(t, o.Conversations, 1)
	assert.Equal(t, "A_B", string(o.Conversations[0].Key))
	require.NotNil(t, o.Conversations[0].Last)
	assert.Equal(t, item.Ref, o.Conversations[0].Last.Ref)
	assert.True(t, o.Status.Registered)

	res, body = f.do(t, http.MethodGet, "/api/conversations/A_B", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Len(t, view.Items, 1)

	res, _ = f.do(t, http.MethodGet, "/api/conversations/nope", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = f.do(t, http.MethodPost, "/api/recall", `{"id":`+jsonInt(item.ID)+`}`)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/recall", `{"id":`+jsonInt(item.ID)+`}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = f.do(t, http.MethodPost, "/api/select", `{"kind":"","id":""}`)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/send", `{"text":"nobody"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/send", `{`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body = f.do(t, http.MethodGet, "/api/roster", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `"id":"B"`)

	res, body = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "portal_chat_session_outbox_depth")
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestLiveFeed(t *testing.T) {
	f := newViewFixture(t)
	res, _ := f.do(t, http.MethodPost, "/api/select", `{"kind":"direct","id":"B"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() RenderOp {
		t.Helper()
		var op RenderOp
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&op))
		return op
	}

	assert.Equal(t, OpStatus, read().Op)
	assert.Equal(t, OpRoster, read().Op)
	full := read()
	require.Equal(t, OpFull, full.Op)
	require.NotNil(t, full.View)
	assert.Equal(t, "A_B", string(full.Key))

	res, _ = f.do(t, http.MethodPost, "/api/send", `{"text":"live"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	op := read()
	assert.Equal(t, OpAppend, op.Op)
	require.NotNil(t, op.Item)
	assert.Equal(t, "live", op.Item.Text)

	f.sess.HandleRaw([]byte(`{"type":"user_offline","username":"B"}`))
	assert.Equal(t, OpRoster, read().Op)
	cleared := read()
	assert.Equal(t, OpFull, cleared.Op)
	assert.Nil(t, cleared.View)
}

type echoSummarizer struct{ got summary.Request }

func (e *echoSummarizer) Summarize(_ context.Context, req summary.Request) (string, error) {
	e.got = req
	return "short version", nil
}

func TestSummaryRoute(t *testing.T) {
	m := metrics.New()
	sess := session.New(nopSender{}, session.Options{Metrics: m})
	defer sess.Close()
	sess.SetStatus(transport.Connected)
	_, err := sess.Login("A")
	require.NoError(t, err)
	sess.HandleRaw([]byte(`{"type":"register_success","username":"A","users":[{"username":"B","display_name":"Bob"}]}`))
	sess.HandleRaw([]byte(`{"type":"history_message","from":"B","to":"A","content":"status?","timestamp":1700000000000}`))

	srv := NewServer("test", sess, NewAdapter(time.UTC), m)
	sum := &echoSummarizer{}
	srv.EnableSummary(sum)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()
	f := &viewFixture{sess: sess, srv: srv, http: hs}

	res, body := f.do(t, http.MethodPost, "/api/summary", `{"key":"A_B","prompt":"tl;dr"}`)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Contains(t, string(body), `"summary":"short version"`)
	assert.Equal(t, []string{"Bob"}, sum.got.Users)
	assert.Contains(t, sum.got.ChatContent, "Bob: status?")

	res, _ = f.do(t, http.MethodPost, "/api/summary", `{"key":"A_B","since":"2030-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	res, _ = f.do(t, http.MethodDelete, "/api/summary", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}
