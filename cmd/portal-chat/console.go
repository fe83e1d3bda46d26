package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gosuda/portal-chat/internal/convlog"
	"github.com/gosuda/portal-chat/internal/present"
	"github.com/gosuda/portal-chat/internal/session"
)

const consoleHelp = `commands:
  /to <user>                 open a direct chat
  /group <id>                open a group chat
  /close                     close the open chat
  /reply <sender@id> <text>  quote a message
  /recall <sender@id>        withdraw one of your messages
  /image <path>              send an image
  /voice <path> <seconds>    send a voice clip
  /newgroup <name> <a,b,...> create a group
  /read                      mark the open chat read
  /who                       list contacts and groups
  /login <name>              log in under another name
  /logout                    forget the saved identity
  /quit                      exit
anything else is sent as text`

var errQuit = errors.New("quit")

// consoleCmd is one parsed input line. Name is empty for plain text.
type consoleCmd struct {
	Name string
	Args []string
	Text string
}

func parseLine(line string) (consoleCmd, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return consoleCmd{}, false
	}
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return consoleCmd{Text: strings.TrimPrefix(line, "/")}, true
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	c := consoleCmd{Name: strings.ToLower(name), Text: strings.TrimSpace(rest)}
	c.Args = strings.Fields(c.Text)
	return c, true
}

// parseRef reads the "sender@id" form printed next to every message.
func parseRef(s string) (convlog.Ref, error) {
	i := strings.LastIndexByte(s, '@')
	if i <= 0 {
		return convlog.Ref{}, fmt.Errorf("bad message ref %q, want sender@id", s)
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return convlog.Ref{}, fmt.Errorf("bad message ref %q: %w", s, err)
	}
	return convlog.Ref{Sender: s[:i], ID: id}, nil
}

type console struct {
	sess *session.Session
	term *present.Terminal
	out  io.Writer
}

// run reads commands from in until it ends, /quit or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, ok := parseLine(line)
			if !ok {
				continue
			}
			err := c.exec(cmd)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				_ = c.term.Render(present.RenderOp{Op: present.OpNotice, Notice: err.Error()})
			}
		}
	}
}

func (c *console) exec(cmd consoleCmd) error {
	switch cmd.Name {
	case "":
		_, err := c.sess.SendText(cmd.Text, nil)
		return err
	case "to":
		if len(cmd.Args) != 1 {
			return errors.New("usage: /to <user>")
		}
		return c.sess.Select(session.Direct(cmd.Args[0]))
	case "group":
		if len(cmd.Args) != 1 {
			return errors.New("usage: /group <id>")
		}
		return c.sess.Select(session.Group(cmd.Args[0]))
	case "close":
		return c.sess.Select(session.Target{})
	case "reply":
		ref, text, _ := strings.Cut(cmd.Text, " ")
		r, err := parseRef(ref)
		if err != nil {
			return err
		}
		_, err = c.sess.SendText(text, &r)
		return err
	case "recall":
		if len(cmd.Args) != 1 {
			return errors.New("usage: /recall <sender@id>")
		}
		r, err := parseRef(cmd.Args[0])
		if err != nil {
			return err
		}
		return c.sess.Recall(r)
	case "image":
		if cmd.Text == "" {
			return errors.New("usage: /image <path>")
		}
		_, err := c.sess.SendImage(cmd.Text)
		return err
	case "voice":
		if len(cmd.Args) != 2 {
			return errors.New("usage: /voice <path> <seconds>")
		}
		secs, err := strconv.ParseFloat(cmd.Args[1], 64)
		if err != nil {
			return fmt.Errorf("voice duration: %w", err)
		}
		_, err = c.sess.SendVoice(cmd.Args[0], secs)
		return err
	case "newgroup":
		if len(cmd.Args) != 2 {
			return errors.New("usage: /newgroup <name> <a,b,...>")
		}
		return c.sess.CreateGroup(cmd.Args[0], strings.Split(cmd.Args[1], ","))
	case "read":
		return c.sess.MarkRead()
	case "who":
		snap, err := c.sess.Snapshot()
		if err != nil {
			return err
		}
		return c.term.Render(present.RosterOp(snap.Contacts, snap.Groups))
	case "login":
		if cmd.Text == "" {
			return errors.New("usage: /login <name>")
		}
		_, err := c.sess.Login(cmd.Text)
		return err
	case "logout":
		return c.sess.Logout()
	case "help":
		_, err := fmt.Fprintln(c.out, consoleHelp)
		return err
	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command /%s, try /help", cmd.Name)
}
