package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/internal/config"
	"github.com/gosuda/portal-chat/internal/identity"
	"github.com/gosuda/portal-chat/internal/metrics"
	"github.com/gosuda/portal-chat/internal/session"
	"github.com/gosuda/portal-chat/internal/transport"
)

// client is a running session with its store and connection.
type client struct {
	store   *identity.Store
	metrics *metrics.Metrics
	conn    *transport.Conn
	sess    *session.Session

	runDone chan struct{}
}

// startClient opens the identity store, connects to the chat server and
// signs in: with name when set, from the saved identity otherwise.
func startClient(ctx context.Context, c *config.Config) (*client, error) {
	store, err := identity.Open(c.Identity.DataPath)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	conn := transport.New(transport.Options{
		URL:            c.Server.URL,
		ReconnectDelay: c.Server.ReconnectDelay.Duration(),
		ReadLimit:      c.Server.ReadLimit.Int64(),
		Metrics:        m,
	})
	sess := session.New(conn, session.Options{
		Store:          store,
		Metrics:        m,
		OutboxSize:     c.Session.OutboxSize,
		PendingUpdates: c.Session.PendingUpdates,
	})
	sess.Attach(conn)

	cl := &client{store: store, metrics: m, conn: conn, sess: sess, runDone: make(chan struct{})}
	if err := cl.signIn(c.Identity.Name); err != nil {
		sess.Close()
		_ = store.Close()
		return nil, err
	}
	go func() {
		defer close(cl.runDone)
		if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("[chat] connection stopped")
		}
	}()
	log.Info().Str("server", c.Server.URL).Msg("[chat] connecting")
	return cl, nil
}

func (c *client) signIn(name string) error {
	if name != "" {
		id, err := c.sess.Login(name)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		log.Info().Str("user", id.Username).Str("id", id.UserID).Msg("[chat] logging in")
		return nil
	}
	id, err := c.sess.Resume()
	if errors.Is(err, identity.ErrNotFound) {
		return errors.New("no saved identity; pass --name to log in")
	}
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	log.Info().Str("user", id.Username).Msg("[chat] resuming saved identity")
	return nil
}

// waitRegistered blocks until the server accepted the login or rejected it.
func (c *client) waitRegistered(ctx context.Context) error {
	var once sync.Once
	result := make(chan error, 1)
	finish := func(err error) { once.Do(func() { result <- err }) }
	unsubscribe := c.sess.Subscribe(func(ev session.Event) {
		switch {
		case ev.Type == session.EventStatus && ev.Status.Registered:
			finish(nil)
		case ev.Type == session.EventError && errors.Is(ev.Err, session.ErrRegisterRejected):
			finish(ev.Err)
		}
	})
	defer unsubscribe()

	if snap, err := c.sess.Snapshot(); err != nil {
		return err
	} else if snap.Status.Registered {
		return nil
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitQuiet returns once no message has arrived for settle. History is
// replayed without an end marker, so quiet is the only signal it is done.
func (c *client) waitQuiet(ctx context.Context, settle time.Duration) error {
	activity := make(chan struct{}, 1)
	unsubscribe := c.sess.Subscribe(func(ev session.Event) {
		if ev.Type == session.EventAppend {
			select {
			case activity <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	t := time.NewTimer(settle)
	defer t.Stop()
	for {
		select {
		case <-activity:
			t.Reset(settle)
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close stops the session after ctx ended and waits for the connection.
func (c *client) close() {
	<-c.runDone
	c.sess.Close()
	if err := c.store.Close(); err != nil {
		log.Warn().Err(err).Msg("[chat] store close error")
	}
}
