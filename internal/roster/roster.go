// Package roster tracks the contacts and groups known to a session.
package roster

import (
	"slices"
	"sort"
	"strings"

	"github.com/gosuda/portal-chat/internal/convlog"
)

// Contact is a user or bot listed by the server.
type Contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
	IsBot       bool   `json:"isBot"`
}

// Name returns the display name, falling back to the id.
func (c Contact) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.ID
}

// Group is a group conversation and its members.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
	Creator string   `json:"creator,omitempty"`
}

// Roster is owned by the session loop and not safe for concurrent use.
type Roster struct {
	self     string
	contacts map[string]*Contact
	groups   map[string]*Group
}

func New(self string) *Roster {
	return &Roster{
		self:     self,
		contacts: make(map[string]*Contact),
		groups:   make(map[string]*Group),
	}
}

func (r *Roster) SetSelf(self string) { r.self = self }

// ReplaceUsers swaps the user list for users, keeping bots. Users missing
// from the new list are dropped; everyone listed is online unless stated.
func (r *Roster) ReplaceUsers(users []Contact) {
	next := make(map[string]*Contact, len(users))
	for id, c := range r.contacts {
		if c.IsBot {
			next[id] = c
		}
	}
	for _, u := range users {
		if u.ID == "" || u.ID == r.self {
			continue
		}
		c := u
		next[u.ID] = &c
	}
	r.contacts = next
}

// SetBots replaces the bot entries.
func (r *Roster) SetBots(bots []Contact) {
	for id, c := range r.contacts {
		if c.IsBot {
			delete(r.contacts, id)
		}
	}
	for _, b := range bots {
		if b.ID == "" {
			continue
		}
		c := b
		c.IsBot = true
		c.Online = true
		r.contacts[b.ID] = &c
	}
}

// SetOnline flips the presence of id, adding an unknown user. It reports
// whether anything changed.
func (r *Roster) SetOnline(id string, online bool) bool {
	if id == "" || id == r.self {
		return false
	}
	c, ok := r.contacts[id]
	if !ok {
		r.contacts[id] = &Contact{ID: id, Online: online}
		return true
	}
	if c.Online == online {
		return false
	}
	c.Online = online
	return true
}

func (r *Roster) Contact(id string) (Contact, bool) {
	if c, ok := r.contacts[id]; ok {
		return *c, true
	}
	return Contact{}, false
}

// Contacts lists contacts: online first, then by name.
func (r *Roster) Contacts() []Contact {
	out := make([]Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		return strings.ToLower(out[i].Name()) < strings.ToLower(out[j].Name())
	})
	return out
}

// PutGroup adds or replaces a group.
func (r *Roster) PutGroup(g Group) {
	if g.ID == "" {
		return
	}
	g.Members = convlog.NormalizeSet(g.Members)
	r.groups[g.ID] = &g
}

// ReplaceGroups swaps the full group list.
func (r *Roster) ReplaceGroups(groups []Group) {
	r.groups = make(map[string]*Group, len(groups))
	for _, g := range groups {
		r.PutGroup(g)
	}
}

func (r *Roster) Group(id string) (Group, bool) {
	if g, ok := r.groups[id]; ok {
		c := *g
		c.Members = slices.Clone(g.Members)
		return c, true
	}
	return Group{}, false
}

func (r *Roster) Groups() []Group {
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		c := *g
		c.Members = slices.Clone(g.Members)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OtherMembers returns the members of a group except self. These are the
// initial unread members of a message self sends to the group.
func (r *Roster) OtherMembers(groupID string) []string {
	g, ok := r.groups[groupID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		if m != r.self {
			out = append(out, m)
		}
	}
	return out
}

// DisplayName resolves a user or group id for presentation.
func (r *Roster) DisplayName(id string) string {
	if id == r.self && id != "" {
		return id
	}
	if c, ok := r.contacts[id]; ok {
		return c.Name()
	}
	if g, ok := r.groups[id]; ok && g.Name != "" {
		return g.Name
	}
	return id
}

// Reset forgets everything, as on logout.
func (r *Roster) Reset() {
	r.contacts = make(map[string]*Contact)
	r.groups = make(map[string]*Group)
}
