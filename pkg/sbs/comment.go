// Copyright 2024-2026 Aiku AI

package sbs

import (
	"encoding/json"
)

// Kind is the mutation a comment represents when it shows up in a listen
// batch.
type Kind int

const (
	KindCreate Kind = iota
	KindEdit
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindEdit:
		return "edit"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// User is a SmileBASIC Source account as returned in the user chain.
type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Avatar     int64  `json:"avatar"`
	CreateDate string `json:"createDate,omitempty"`
	Special    string `json:"special,omitempty"`
	Banned     bool   `json:"banned"`
	Super      bool   `json:"super"`
	Registered bool   `json:"registered"`
}

// Comment is a post in a SmileBASIC Source room.
type Comment struct {
	ID           int64  `json:"id"`
	ParentID     int64  `json:"parentId"`
	Content      string `json:"content"`
	CreateDate   string `json:"createDate"`
	EditDate     string `json:"editDate"`
	CreateUserID int64  `json:"createUserId"`
	EditUserID   int64  `json:"editUserId"`
	Deleted      bool   `json:"deleted"`

	// Settings and TextContent are derived from Content.
	Settings    Settings `json:"-"`
	TextContent string   `json:"-"`

	// CreateUser and EditUser are filled from the user chain when present.
	CreateUser *User `json:"-"`
	EditUser   *User `json:"-"`
}

func (c *Comment) UnmarshalJSON(data []byte) error {
	type rawComment Comment
	if err := json.Unmarshal(data, (*rawComment)(c)); err != nil {
		return err
	}
	c.Settings, c.TextContent = DecodeContent(c.Content)
	return nil
}

// SetContent replaces the wire content and refreshes the derived fields.
func (c *Comment) SetContent(settings Settings, text string) {
	c.Content = EncodeContent(settings, text)
	c.Settings = settings
	c.TextContent = text
}

// Kind classifies the comment. A deleted flag wins over everything; a
// differing edit date means an edit. A comment edited within the same
// request that created it is reported as a create.
func (c *Comment) Kind() Kind {
	switch {
	case c.Deleted:
		return KindDelete
	case c.EditDate != c.CreateDate:
		return KindEdit
	default:
		return KindCreate
	}
}

// Clone returns a shallow copy that can be mutated without affecting the
// original.
func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// attachUsers resolves CreateUser and EditUser from a user chain.
func attachUsers(comments []*Comment, users []*User) {
	if len(users) == 0 {
		return
	}
	byID := make(map[int64]*User, len(users))
	for _, u := range users {
		if u != nil {
			byID[u.ID] = u
		}
	}
	for _, c := range comments {
		c.CreateUser = byID[c.CreateUserID]
		c.EditUser = byID[c.EditUserID]
	}
}

// filterAuthor drops comments created by the given user id.
func filterAuthor(comments []*Comment, userID int64) []*Comment {
	var out []*Comment
	for _, c := range comments {
		if c == nil || c.CreateUserID == userID {
			continue
		}
		out = append(out, c)
	}
	return out
}
