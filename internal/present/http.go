package present

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/internal/convlog"
	"github.com/gosuda/portal-chat/internal/metrics"
	"github.com/gosuda/portal-chat/internal/session"
	"github.com/gosuda/portal-chat/internal/summary"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 20 * time.Second
	clientBuffer   = 256
	maxRequestBody = 1 << 20
)

// Server is the local HTTP view of a session: a JSON API and a websocket
// feed of render ops.
type Server struct {
	name    string
	sess    *session.Session
	adapter *Adapter
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
	summary  *summary.View

	mu      sync.Mutex
	clients map[*viewClient]struct{}
	wg      sync.WaitGroup
}

func NewServer(name string, sess *session.Session, adapter *Adapter, m *metrics.Metrics) *Server {
	return &Server{
		name:    name,
		sess:    sess,
		adapter: adapter,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		clients: make(map[*viewClient]struct{}),
	}
}

// EnableSummary serves POST and DELETE /api/summary through s.
func (v *Server) EnableSummary(s summary.Summarizer) {
	v.summary = summary.NewView(s)
}

// Handler builds the router.
func (v *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": v.name})
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/conversations", v.handleOverview)
		r.Get("/conversations/{key}", v.handleConversation)
		r.Get("/roster", v.handleRoster)
		r.Post("/send", v.handleSend)
		r.Post("/select", v.handleSelect)
		r.Post("/recall", v.handleRecall)
		if v.summary != nil {
			r.Post("/summary", v.handleSummary)
			r.Delete("/summary", v.handleSummaryClose)
		}
	})
	r.Get("/ws", v.handleWS)
	if v.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(v.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// ConversationItem is one row of the conversation list.
type ConversationItem struct {
	Key    convlog.Key  `json:"key"`
	Kind   convlog.Kind `json:"kind"`
	Title  string       `json:"title"`
	Unread int          `json:"unread"`
	Last   *Item        `json:"last,omitempty"`
}

// Overview is the state behind the conversation list.
type Overview struct {
	Status        session.Status     `json:"status"`
	Active        session.Target     `json:"active"`
	ActiveKey     convlog.Key        `json:"activeKey,omitempty"`
	Conversations []ConversationItem `json:"conversations"`
	Contacts      []ContactItem      `json:"contacts"`
	Groups        []GroupItem        `json:"groups"`
}

func (v *Server) projector(snap session.Snapshot) Projector {
	return Projector{Self: snap.Status.Self, Names: NamesOf(snap.Contacts), Loc: v.adapter.Location()}
}

// BuildOverview projects a session snapshot for the conversation list.
func BuildOverview(p Projector, snap session.Snapshot) Overview {
	o := Overview{
		Status:        snap.Status,
		Active:        snap.Active,
		ActiveKey:     snap.ActiveKey,
		Conversations: make([]ConversationItem, 0, len(snap.Conversations)),
		Contacts:      contactItems(snap.Contacts),
		Groups:        groupItems(snap.Groups),
	}
	for _, c := range snap.Conversations {
		ci := ConversationItem{
			Key:    c.Key,
			Kind:   c.Kind,
			Title:  p.title(c.Key, c.Kind, c.Participants, snap.Groups),
			Unread: c.Unread,
		}
		if c.Last != nil {
			it := p.Item(*c.Last)
			ci.Last = &it
		}
		o.Conversations = append(o.Conversations, ci)
	}
	return o
}

func (v *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	snap, err := v.sess.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BuildOverview(v.projector(snap), snap))
}

func (v *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad conversation key"})
		return
	}
	v.writeView(w, convlog.Key(key))
}

func (v *Server) writeView(w http.ResponseWriter, key convlog.Key) {
	snap, err := v.sess.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := v.sess.Conversation(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.projector(snap).Project(c, snap.Groups))
}

func (v *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	snap, err := v.sess.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Contacts []ContactItem `json:"contacts"`
		Groups   []GroupItem   `json:"groups"`
	}{contactItems(snap.Contacts), groupItems(snap.Groups)})
}

type refBody struct {
	Sender string `json:"sender,omitempty"`
	ID     int64  `json:"id"`
}

func (b *refBody) ref() *convlog.Ref {
	if b == nil {
		return nil
	}
	return &convlog.Ref{Sender: b.Sender, ID: b.ID}
}

func (v *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text  string   `json:"text"`
		Quote *refBody `json:"quote,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	m, err := v.sess.SendText(req.Text, req.Quote.ref())
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := v.sess.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v.projector(snap).Item(m))
}

func (v *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var t session.Target
	if !readJSON(w, r, &t) {
		return
	}
	if err := v.sess.Select(t); err != nil {
		writeError(w, err)
		return
	}
	if t.IsZero() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	v.writeView(w, v.sess.KeyOf(t))
}

func (v *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req refBody
	if !readJSON(w, r, &req) {
		return
	}
	if err := v.sess.Recall(*req.ref()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSummary summarizes a conversation. A newer request or a DELETE
// while this one is in flight makes it answer 409 without a result.
func (v *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key    convlog.Key `json:"key"`
		Since  time.Time   `json:"since"`
		Until  time.Time   `json:"until"`
		Prompt string      `json:"prompt"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	snap, err := v.sess.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Key == "" {
		req.Key = snap.ActiveKey
	}
	c, err := v.sess.Conversation(req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	names := NamesOf(snap.Contacts)
	b := summary.Builder{Loc: v.adapter.Location(), Name: names.DisplayName}
	body, stats, err := b.Build(c.Messages, summary.Range{From: req.Since, To: req.Until}, req.Prompt)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return
	}

	ticket := v.summary.Open()
	err = v.summary.Run(r.Context(), ticket, body, func(text string, err error) {
		if err != nil {
			writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"summary":  text,
			"messages": stats.Count,
			"label":    stats.Describe(time.Now()),
		})
	})
	if errors.Is(err, summary.ErrStale) {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	}
}

func (v *Server) handleSummaryClose(w http.ResponseWriter, r *http.Request) {
	v.summary.Close()
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownConversation), errors.Is(err, session.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotRegistered), errors.Is(err, session.ErrNotRecallable):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNoTarget), errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, session.ErrInvalidGroup), errors.Is(err, session.ErrInvalidName):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("[view] request failed")
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// writeJSON keeps <, > and & unescaped; bodies are already sanitized.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Debug().Err(err).Msg("[view] write response")
	}
}
