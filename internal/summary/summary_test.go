package summary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/internal/convlog"
)

func TestClientSummarize(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"summary": "they said hi"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	out, err := c.Summarize(context.Background(), Request{Users: []string{"A"}, ChatContent: "A: hi", CustomPrompt: "short"})
	require.NoError(t, err)
	assert.Equal(t, "they said hi", out)
	assert.Equal(t, "A: hi", got.ChatContent)
	assert.Equal(t, "short", got.CustomPrompt)
}

func TestClientServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "content too long"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Summarize(context.Background(), Request{ChatContent: "x"})
	require.ErrorIs(t, err, ErrService)
	assert.Contains(t, err.Error(), "content too long")

	_, err = NewClient(srv.URL, time.Second).Summarize(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestBuilder(t *testing.T) {
	day := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) int64 { return day.Add(d).UnixMilli() }
	msgs := []convlog.Message{
		{ID: at(-24 * time.Hour), Sender: "B", ContentType: convlog.ContentText, Content: "old"},
		{ID: at(0), Sender: "B", ContentType: convlog.ContentText, Content: "morning\nall"},
		{ID: at(time.Minute), Sender: "A", ContentType: convlog.ContentImage, Content: "data:image/png;base64,AA"},
		{ID: at(2 * time.Minute), Sender: "A", ContentType: convlog.ContentRecallNotice, Content: "A recalled a message"},
		{ID: at(26 * time.Hour), Sender: "A", ContentType: convlog.ContentVoice, Duration: 3},
	}
	b := Builder{Loc: time.UTC, Name: func(id string) string { return map[string]string{"A": "Alice", "B": "Bob"}[id] }}

	req, st, err := b.Build(msgs, Range{From: day}, "be brief")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, []string{"Alice", "Bob"}, req.Users)
	assert.Equal(t, "2024-03-01", req.StartDate)
	assert.Equal(t, "2024-03-02", req.EndDate)
	assert.Equal(t, "be brief", req.CustomPrompt)
	assert.Equal(t,
		"2024-03-01 09:00 Bob: morning all\n2024-03-01 09:01 Alice: [image]\n2024-03-02 11:00 Alice: [voice 3s]",
		req.ChatContent)
	assert.Equal(t, "3 messages since 2 days ago", st.Describe(day.Add(48*time.Hour)))

	_, _, err = b.Build(msgs, Range{From: day.Add(100 * time.Hour)}, "")
	assert.ErrorIs(t, err, ErrEmpty)
}

type fakeSummarizer struct {
	started chan struct{}
	release chan struct{}
}

func (f *fakeSummarizer) Summarize(ctx context.Context, req Request) (string, error) {
	f.started <- struct{}{}
	select {
	case <-f.release:
		return "done: " + req.ChatContent, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestViewAppliesCurrentResult(t *testing.T) {
	f := &fakeSummarizer{started: make(chan struct{}, 1), release: make(chan struct{})}
	v := NewView(f)
	ticket := v.Open()
	close(f.release)

	var got string
	err := v.Run(context.Background(), ticket, Request{ChatContent: "x"}, func(s string, err error) {
		require.NoError(t, err)
		got = s
	})
	require.NoError(t, err)
	assert.Equal(t, "done: x", got)
}

func TestViewDiscardsResultAfterClose(t *testing.T) {
	f := &fakeSummarizer{started: make(chan struct{}, 1), release: make(chan struct{})}
	v := NewView(f)
	ticket := v.Open()

	errc := make(chan error, 1)
	applied := false
	go func() {
		errc <- v.Run(context.Background(), ticket, Request{ChatContent: "x"}, func(string, error) { applied = true })
	}()
	<-f.started
	v.Close()

	assert.ErrorIs(t, <-errc, ErrStale)
	assert.False(t, applied)
	assert.False(t, v.Current(ticket))
	assert.ErrorIs(t, v.Run(context.Background(), ticket, Request{}, func(string, error) {}), ErrStale)
}

func TestViewReopenSupersedes(t *testing.T) {
	f := &fakeSummarizer{started: make(chan struct{}, 1), release: make(chan struct{})}
	v := NewView(f)
	first := v.Open()

	errc := make(chan error, 1)
	go func() {
		errc <- v.Run(context.Background(), first, Request{ChatContent: "x"}, func(string, error) {})
	}()
	<-f.started
	second := v.Open()

	assert.ErrorIs(t, <-errc, ErrStale)
	assert.True(t, v.Current(second))
	assert.False(t, v.Current(first))
}
