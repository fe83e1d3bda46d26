package convlog

import (
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Kind distinguishes 1:1 conversations from group conversations.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

type ContentType string

const (
	ContentText         ContentType = "text"
	ContentImage        ContentType = "image"
	ContentVoice        ContentType = "voice"
	ContentRecallNotice ContentType = "recall_notice"
)

type SendState string

const (
	Pending   SendState = "pending"
	Confirmed SendState = "confirmed"
)

// Key identifies a conversation. Direct keys are the two participant ids
// sorted and joined with "_", group keys are the group id itself.
type Key string

// DirectKey returns the key shared by a and b regardless of order.
func DirectKey(a, b string) Key {
	if b < a {
		a, b = b, a
	}
	return Key(a + "_" + b)
}

// GroupKey returns the key of a group conversation.
func GroupKey(groupID string) Key { return Key(groupID) }

// Ref addresses a message inside a conversation. The wire protocol only
// identifies messages by sender and timestamp.
type Ref struct {
	Sender string
	ID     int64
}

func (r Ref) String() string { return r.Sender + "@" + strconv.FormatInt(r.ID, 10) }

// Quote is the denormalized preview of a quoted message.
type Quote struct {
	ID          int64
	Sender      string
	Preview     string
	ContentType ContentType
}

// Message is one entry of a conversation.
type Message struct {
	// ID orders messages inside a conversation: the sender's timestamp in
	// milliseconds, or a synthetic id for recall notices.
	ID       int64
	LocalID  string
	ServerID string

	Key       Key
	Sender    string
	Recipient string
	GroupID   string

	ContentType ContentType
	Content     string
	Duration    float64
	Quote       *Quote

	// Direct conversations only.
	Read bool
	// Group conversations only; kept sorted.
	ReadBy        []string
	UnreadMembers []string

	SendState SendState
}

func (m Message) Ref() Ref { return Ref{Sender: m.Sender, ID: m.ID} }

func (m Message) Kind() Kind {
	if m.GroupID != "" {
		return KindGroup
	}
	return KindDirect
}

func (m Message) IsRecallNotice() bool { return m.ContentType == ContentRecallNotice }

// Clone returns a deep copy so callers outside the log cannot mutate state.
func (m Message) Clone() Message {
	c := m
	if m.Quote != nil {
		q := *m.Quote
		c.Quote = &q
	}
	c.ReadBy = slices.Clone(m.ReadBy)
	c.UnreadMembers = slices.Clone(m.UnreadMembers)
	return c
}

// ReadBySelf reports whether self has already seen m.
func (m Message) ReadBySelf(self string) bool {
	if m.Sender == self {
		return true
	}
	if m.Kind() == KindGroup {
		return slices.Contains(m.ReadBy, self)
	}
	return m.Read
}

// NormalizeSet returns a sorted copy of members without duplicates or blanks.
func NormalizeSet(members []string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func dedupKeys(m *Message) []string {
	keys := make([]string, 0, 3)
	if m.LocalID != "" {
		keys = append(keys, "c:"+m.LocalID)
	}
	if m.ServerID != "" {
		keys = append(keys, "s:"+m.ServerID)
	}
	if m.IsRecallNotice() {
		keys = append(keys, "n:"+refKey(m.Ref()))
	} else {
		keys = append(keys, refKey(m.Ref()))
	}
	return keys
}

func refKey(r Ref) string { return "t:" + r.Sender + "\x00" + strconv.FormatInt(r.ID, 10) }
