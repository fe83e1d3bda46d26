package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/internal/convlog"
	"github.com/gosuda/portal-chat/internal/present"
	"github.com/gosuda/portal-chat/internal/session"
)

func TestLoadConfigLayering(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  url: wss://chat.example.com/ws
view:
  port: 8000
identity:
  data_path: /tmp/chat-id
`), 0o600))
	for _, k := range []string{"SERVER_URL", "DATA_PATH", "LOG_LEVEL", "PORT", "SUMMARY_URL"} {
		t.Setenv("PORTAL_CHAT_"+k, "")
	}
	t.Setenv("PORTAL_CHAT_NAME", "fromenv")
	t.Setenv("RELAY", "")
	t.Setenv("RELAY_URL", "")
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	require.NoError(t, runCmd.ParseFlags([]string{"--config", path, "--port", "9100", "--log-level", "debug"}))
	require.NoError(t, loadConfig(runCmd))

	assert.Equal(t, "wss://chat.example.com/ws", cfg.Server.URL)
	assert.Equal(t, "/tmp/chat-id", cfg.Identity.DataPath)
	assert.Equal(t, "fromenv", cfg.Identity.Name)
	assert.Equal(t, 9100, cfg.View.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "https://chat.example.com/api/summarize_chat", cfg.SummaryURL())
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestSetupLoggingRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, setupLogging("loud"))
}

func TestParseLine(t *testing.T) {
	_, ok := parseLine("   ")
	assert.False(t, ok)

	c, ok := parseLine("hello there")
	require.True(t, ok)
	assert.Equal(t, consoleCmd{Text: "hello there"}, c)

	c, _ = parseLine("//not a command")
	assert.Equal(t, "", c.Name)
	assert.Equal(t, "/not a command", c.Text)

	c, _ = parseLine("/Reply B@17 sounds good")
	assert.Equal(t, "reply", c.Name)
	assert.Equal(t, "B@17 sounds good", c.Text)
	assert.Equal(t, []string{"B@17", "sounds", "good"}, c.Args)
}

func TestParseRef(t *testing.T) {
	r, err := parseRef("user@mail@1700000000000")
	require.NoError(t, err)
	assert.Equal(t, convlog.Ref{Sender: "user@mail", ID: 1700000000000}, r)

	for _, bad := range []string{"nope", "@12", "B@x"} {
		_, err := parseRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestSplitURLs(t *testing.T) {
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, splitURLs([]string{"https://a, https://b", "", " https://c "}))
}

func TestConsoleCommands(t *testing.T) {
	sess := session.New(nil, session.Options{})
	defer sess.Close()
	var out bytes.Buffer
	c := &console{sess: sess, term: present.NewTerminal(&out), out: &out}

	assert.ErrorIs(t, c.exec(consoleCmd{Name: "quit"}), errQuit)
	require.NoError(t, c.exec(consoleCmd{Name: "help"}))
	assert.Contains(t, out.String(), "/recall <sender@id>")

	assert.ErrorContains(t, c.exec(consoleCmd{Name: "dance"}), "unknown command /dance")
	assert.ErrorContains(t, c.exec(consoleCmd{Name: "voice", Args: []string{"a.wav"}}), "usage")
	assert.ErrorContains(t, c.exec(consoleCmd{Name: "recall", Args: []string{"oops"}}), "bad message ref")
	assert.ErrorIs(t, c.exec(consoleCmd{Text: "hi"}), session.ErrNotRegistered)

	require.NoError(t, c.exec(consoleCmd{Name: "who"}))
	assert.Contains(t, out.String(), "[roster] empty")
}

type sliceFeed struct {
	ops []present.RenderOp
}

func (f *sliceFeed) ReadJSON(v any) error {
	if len(f.ops) == 0 {
		return io.EOF
	}
	*(v.(*present.RenderOp)) = f.ops[0]
	f.ops = f.ops[1:]
	return nil
}

func TestRenderFeed(t *testing.T) {
	var out bytes.Buffer
	feed := &sliceFeed{ops: []present.RenderOp{
		{Op: present.OpStatus, Status: &session.Status{Connection: "connected"}},
		{Op: present.OpNotice, Notice: "server error: busy"},
	}}
	require.NoError(t, renderFeed(t.Context(), feed, present.NewTerminal(&out)))
	assert.Contains(t, out.String(), "[status] connected")
	assert.Contains(t, out.String(), "! server error: busy")
}
