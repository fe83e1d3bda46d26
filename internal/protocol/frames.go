package protocol

import (
	"encoding/json"
	"strings"
)

// Client -> server frame types.
const (
	TypeRegister             = "register"
	TypeSendMessage          = "send_message"
	TypeSendGroupMessage     = "send_group_message"
	TypeMarkAsRead           = "mark_as_read"
	TypeMarkGroupMessageRead = "mark_group_message_read"
	TypeRecallMessage        = "recall_message"
	TypeCreateGroup          = "create_group"
)

// Server -> client frame types.
const (
	TypeRegisterSuccess     = "register_success"
	TypeRegisterError       = "register_error"
	TypeUsersList           = "users_list"
	TypeHistoryMessage      = "history_message"
	TypeHistoryGroupMessage = "history_group_message"
	TypeNewMessage          = "new_message"
	TypeNewGroupMessage     = "new_group_message"
	TypeMessageRead         = "message_read"
	TypeGroupReadUpdate     = "group_message_read_update"
	TypeMessageRecalled     = "message_recalled"
	TypeUserOnline          = "user_online"
	TypeUserOffline         = "user_offline"
	TypeGroupCreated        = "group_created"
	TypeGroupList           = "group_list"
	TypeError               = "error"
)

// WebRTC signaling frame types. They are relayed by shape only.
var SignalTypes = []string{
	"video_invite", "video_accept", "video_reject", "video_offer", "video_answer", "ice_candidate", "video_end",
	"group_video_invite", "group_video_accept", "group_video_reject", "group_video_offer", "group_video_answer",
	"group_ice_candidate", "group_video_end",
}

// Content types carried in message frames.
const (
	ContentText         = "text"
	ContentImage        = "image"
	ContentVoice        = "voice"
	ContentRecallNotice = "recall_notice"
)

// Frame is any decoded or encodable protocol frame.
type Frame interface {
	FrameType() string
	Validate() error
}

// Quote is the denormalized reference to a quoted message.
type Quote struct {
	Timestamp   int64  `json:"timestamp"`
	From        string `json:"from"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// RosterEntry is a contact as listed by the server. The server may send
// either a bare username or an object.
type RosterEntry struct {
	Username    string `json:"username"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Online      *bool  `json:"online,omitempty"`
}

func (e *RosterEntry) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*e = RosterEntry{Username: name}
		return nil
	}
	type plain RosterEntry
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = RosterEntry(p)
	return nil
}

// GroupEntry describes a group in group_list.
type GroupEntry struct {
	ID      string   `json:"id"`
	GroupID string   `json:"group_id,omitempty"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
	Creator string   `json:"creator,omitempty"`
}

// Key returns whichever id field the server populated.
func (g GroupEntry) Key() string {
	if g.ID != "" {
		return g.ID
	}
	return g.GroupID
}

// ---- client frames ----

type Register struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	UserID   string `json:"userId,omitempty"`
}

func (Register) FrameType() string { return TypeRegister }

func (f Register) Validate() error {
	if strings.TrimSpace(f.Username) == "" {
		return missing("username")
	}
	return nil
}

type SendMessage struct {
	Type          string  `json:"type"`
	To            string  `json:"to"`
	Content       string  `json:"content"`
	ContentType   string  `json:"content_type"`
	Timestamp     int64   `json:"timestamp"`
	Duration      float64 `json:"duration,omitempty"`
	ClientID      string  `json:"client_id,omitempty"`
	QuotedMessage *Quote  `json:"quoted_message,omitempty"`
}

func (SendMessage) FrameType() string { return TypeSendMessage }

func (f SendMessage) Validate() error {
	if f.To == "" {
		return missing("to")
	}
	return validateContent(f.Content, f.ContentType)
}

type SendGroupMessage struct {
	Type          string  `json:"type"`
	GroupID       string  `json:"group_id"`
	Content       string  `json:"content"`
	ContentType   string  `json:"content_type"`
	Timestamp     int64   `json:"timestamp"`
	Duration      float64 `json:"duration,omitempty"`
	ClientID      string  `json:"client_id,omitempty"`
	QuotedMessage *Quote  `json:"quoted_message,omitempty"`
}

func (SendGroupMessage) FrameType() string { return TypeSendGroupMessage }

func (f SendGroupMessage) Validate() error {
	if f.GroupID == "" {
		return missing("group_id")
	}
	return validateContent(f.Content, f.ContentType)
}

type MarkAsRead struct {
	Type string `json:"type"`
	From string `json:"from"`
}

func (MarkAsRead) FrameType() string { return TypeMarkAsRead }

func (f MarkAsRead) Validate() error {
	if f.From == "" {
		return missing("from")
	}
	return nil
}

type MarkGroupMessageRead struct {
	Type      string `json:"type"`
	GroupID   string `json:"group_id"`
	Timestamp int64  `json:"timestamp"`
}

func (MarkGroupMessageRead) FrameType() string { return TypeMarkGroupMessageRead }

func (f MarkGroupMessageRead) Validate() error {
	if f.GroupID == "" {
		return missing("group_id")
	}
	if f.Timestamp <= 0 {
		return missing("timestamp")
	}
	return nil
}

type RecallMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	To        string `json:"to,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
}

func (RecallMessage) FrameType() string { return TypeRecallMessage }

func (f RecallMessage) Validate() error {
	if f.Timestamp <= 0 {
		return missing("timestamp")
	}
	if f.To == "" && f.GroupID == "" {
		return missing("to|group_id")
	}
	return nil
}

type CreateGroup struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (CreateGroup) FrameType() string { return TypeCreateGroup }

func (f CreateGroup) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return missing("name")
	}
	if len(f.Members) < 2 {
		return invalid("members", "at least 2 members required")
	}
	return nil
}

// Signal carries a WebRTC signaling frame in either direction. Only the
// routing fields are interpreted; Data is passed through untouched.
type Signal struct {
	Type    string          `json:"type"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	GroupID string          `json:"group_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (f Signal) FrameType() string { return f.Type }

func (f Signal) Validate() error {
	if !IsSignalType(f.Type) {
		return invalid("type", "not a signaling frame: "+f.Type)
	}
	return nil
}

// IsSignalType reports whether t is one of the WebRTC signaling frame types.
func IsSignalType(t string) bool {
	for _, s := range SignalTypes {
		if s == t {
			return true
		}
	}
	return false
}

// ---- server frames ----

type RegisterSuccess struct {
	Type     string        `json:"type"`
	Username string        `json:"username"`
	Users    []RosterEntry `json:"users"`
	Bots     []RosterEntry `json:"bots,omitempty"`
}

func (RegisterSuccess) FrameType() string { return TypeRegisterSuccess }

func (f RegisterSuccess) Validate() error {
	if f.Username == "" {
		return missing("username")
	}
	return nil
}

type RegisterError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (RegisterError) FrameType() string { return TypeRegisterError }
func (RegisterError) Validate() error   { return nil }

// ServerError is the generic "error" frame the server sends for rejected actions.
type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (ServerError) FrameType() string { return TypeError }
func (ServerError) Validate() error   { return nil }

type UsersList struct {
	Type  string        `json:"type"`
	Users []RosterEntry `json:"users"`
}

func (UsersList) FrameType() string { return TypeUsersList }
func (UsersList) Validate() error   { return nil }

// MessageFrame is shared by new_message, new_group_message, history_message
// and history_group_message.
type MessageFrame struct {
	Type          string   `json:"type"`
	ID            string   `json:"id,omitempty"`
	ClientID      string   `json:"client_id,omitempty"`
	From          string   `json:"from"`
	To            string   `json:"to,omitempty"`
	GroupID       string   `json:"group_id,omitempty"`
	Content       string   `json:"content"`
	ContentType   string   `json:"content_type"`
	Timestamp     int64    `json:"timestamp"`
	Duration      float64  `json:"duration,omitempty"`
	Read          bool     `json:"read,omitempty"`
	ReadBy        []string `json:"read_by,omitempty"`
	UnreadMembers []string `json:"unread_members,omitempty"`
	QuotedMessage *Quote   `json:"quoted_message,omitempty"`
}

func (f MessageFrame) FrameType() string { return f.Type }

// IsGroup reports whether the frame belongs to a group conversation.
func (f MessageFrame) IsGroup() bool {
	return f.Type == TypeNewGroupMessage || f.Type == TypeHistoryGroupMessage || (f.GroupID != "" && f.To == "")
}

// IsHistory reports whether the frame is a history replay.
func (f MessageFrame) IsHistory() bool {
	return f.Type == TypeHistoryMessage || f.Type == TypeHistoryGroupMessage
}

func (f MessageFrame) Validate() error {
	if f.From == "" {
		return missing("from")
	}
	if f.Timestamp <= 0 {
		return missing("timestamp")
	}
	if f.IsGroup() {
		if f.GroupID == "" {
			return missing("group_id")
		}
	} else if f.To == "" {
		return missing("to")
	}
	if f.ContentType == ContentRecallNotice {
		return nil
	}
	return validateContent(f.Content, f.ContentType)
}

type MessageRead struct {
	Type string `json:"type"`
	User string `json:"user"`
}

func (MessageRead) FrameType() string { return TypeMessageRead }

func (f MessageRead) Validate() error {
	if f.User == "" {
		return missing("user")
	}
	return nil
}

type GroupReadUpdate struct {
	Type          string   `json:"type"`
	GroupID       string   `json:"group_id"`
	Timestamp     int64    `json:"timestamp"`
	From          string   `json:"from,omitempty"`
	ReadBy        []string `json:"read_by"`
	UnreadMembers []string `json:"unread_members"`
}

func (GroupReadUpdate) FrameType() string { return TypeGroupReadUpdate }

func (f GroupReadUpdate) Validate() error {
	if f.GroupID == "" {
		return missing("group_id")
	}
	if f.Timestamp <= 0 {
		return missing("timestamp")
	}
	return nil
}

type MessageRecalled struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
}

func (MessageRecalled) FrameType() string { return TypeMessageRecalled }

func (f MessageRecalled) Validate() error {
	if f.Timestamp <= 0 {
		return missing("timestamp")
	}
	if f.From == "" {
		return missing("from")
	}
	return nil
}

// Presence is user_online / user_offline.
type Presence struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

func (f Presence) FrameType() string { return f.Type }

func (f Presence) Validate() error {
	if f.Username == "" {
		return missing("username")
	}
	return nil
}

type GroupCreated struct {
	Type    string   `json:"type"`
	GroupID string   `json:"group_id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
	Creator string   `json:"creator,omitempty"`
}

func (GroupCreated) FrameType() string { return TypeGroupCreated }

func (f GroupCreated) Validate() error {
	if f.GroupID == "" {
		return missing("group_id")
	}
	return nil
}

type GroupList struct {
	Type   string       `json:"type"`
	Groups []GroupEntry `json:"groups"`
}

func (GroupList) FrameType() string { return TypeGroupList }

func (f GroupList) Validate() error {
	for i, g := range f.Groups {
		if g.Key() == "" {
			return invalid("groups", "entry "+itoa(i)+" has no id")
		}
	}
	return nil
}

func validateContent(content, contentType string) error {
	switch contentType {
	case ContentText, ContentImage, ContentVoice:
	case "":
		return missing("content_type")
	default:
		return invalid("content_type", contentType)
	}
	if content == "" {
		return missing("content")
	}
	return nil
}
