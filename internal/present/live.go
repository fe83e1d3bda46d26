package present

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// viewClient is one websocket watching render ops. A client that falls
// behind is disconnected; on reconnect it gets a fresh full render.
type viewClient struct {
	conn *websocket.Conn
	send chan RenderOp
	done chan struct{}
	once sync.Once
}

func (c *viewClient) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *viewClient) push(op RenderOp) {
	select {
	case c.send <- op:
	case <-c.done:
	default:
		log.Debug().Msg("[view] live client too slow, dropping it")
		c.stop()
	}
}

// wsJSON writes v as one text message without HTML escaping.
func wsJSON(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Close()
}

func (v *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &viewClient{conn: conn, send: make(chan RenderOp, clientBuffer), done: make(chan struct{})}

	// watch before taking the snapshot so nothing falls in between; ops
	// that overlap the snapshot are keyed by ref and apply idempotently
	unwatch := v.adapter.Watch(c.push)
	initial, err := v.initialOps()
	if err != nil {
		unwatch()
		_ = conn.Close()
		return
	}

	v.mu.Lock()
	v.clients[c] = struct{}{}
	v.mu.Unlock()
	if v.metrics != nil {
		v.metrics.ViewClients.Inc()
	}

	v.wg.Add(2)
	go func() {
		defer v.wg.Done()
		v.writePump(c, initial)
	}()
	go func() {
		defer v.wg.Done()
		defer func() {
			unwatch()
			c.stop()
			v.mu.Lock()
			delete(v.clients, c)
			v.mu.Unlock()
			if v.metrics != nil {
				v.metrics.ViewClients.Dec()
			}
		}()
		readPump(c)
	}()
}

func (v *Server) initialOps() ([]RenderOp, error) {
	snap, err := v.sess.Snapshot()
	if err != nil {
		return nil, err
	}
	p := v.projector(snap)
	st := snap.Status
	ops := []RenderOp{
		{Op: OpStatus, Status: &st},
		RosterOp(snap.Contacts, snap.Groups),
	}
	full := RenderOp{Op: OpFull}
	if snap.ActiveKey != "" {
		if c, err := v.sess.Conversation(snap.ActiveKey); err == nil {
			view := p.Project(c, snap.Groups)
			full.Key, full.View = snap.ActiveKey, &view
		}
	}
	return append(ops, full), nil
}

func (v *Server) writePump(c *viewClient, initial []RenderOp) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
	}()
	for _, op := range initial {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := wsJSON(c.conn, op); err != nil {
			return
		}
	}
	for {
		select {
		case op := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsJSON(c.conn, op); err != nil {
				log.Debug().Err(err).Msg("[view] write op")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump only watches for the peer going away; the feed is one way.
func readPump(c *viewClient) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
	}
}

// Close disconnects every live client and waits for their goroutines.
func (v *Server) Close() {
	v.mu.Lock()
	for c := range v.clients {
		c.stop()
	}
	v.mu.Unlock()
	v.wg.Wait()
}
