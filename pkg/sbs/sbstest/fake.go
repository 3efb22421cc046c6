// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sbstest provides an in-process fake of the SmileBASIC Source API
// for tests. It records every call and serves canned listen batches.
package sbstest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiku/mattermost-sbs/pkg/sbs"
)

// Call records which API endpoint was hit.
type Call struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// Account is a user that can authenticate against the fake.
type Account struct {
	Password string
	User     sbs.User
}

// ListenReply is one scripted answer to a listen request. A zero Status
// means 200.
type ListenReply struct {
	Status   int
	LastID   int64
	Comments []*sbs.Comment
	Users    []*sbs.User
}

// Upload records a multipart file upload.
type Upload struct {
	Bucket   string
	Filename string
	Size     int
}

// Subscription is a subscribe frame received on the push socket.
type Subscription struct {
	Auth    string `json:"auth"`
	Actions struct {
		LastID int64    `json:"lastId"`
		Chains []string `json:"chains"`
	} `json:"actions"`
}

// Server is a fake SBS API. Its API root is URL().
type Server struct {
	Server *httptest.Server

	mu       sync.Mutex
	calls    []Call
	accounts map[string]*Account
	users    map[int64]*sbs.User
	tokens   map[string]int64
	comments map[int64]*sbs.Comment
	listen   []ListenReply
	cursors  []int64
	uploads  []Upload
	subs     []Subscription
	sockets  []*websocket.Conn
	failures map[string]int
	nextID   int64
	nextFile int64
	nextTok  int
	clock    int

	// ListenWait bounds how long an unscripted listen request blocks.
	ListenWait time.Duration

	closing  chan struct{}
	upgrader websocket.Upgrader
}

// NewServer starts a fake with no accounts and no comments.
func NewServer() *Server {
	f := &Server{
		accounts:   make(map[string]*Account),
		users:      make(map[int64]*sbs.User),
		tokens:     make(map[string]int64),
		comments:   make(map[int64]*sbs.Comment),
		failures:   make(map[string]int),
		nextID:     1000,
		nextFile:   500,
		ListenWait: 5 * time.Second,
		closing:    make(chan struct{}),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

// URL returns the API root, with a trailing slash.
func (f *Server) URL() string {
	return f.Server.URL + "/api/"
}

// Close unblocks pending listen requests and sockets, then stops the server.
func (f *Server) Close() {
	f.mu.Lock()
	select {
	case <-f.closing:
	default:
		close(f.closing)
	}
	for _, c := range f.sockets {
		_ = c.Close()
	}
	f.sockets = nil
	f.mu.Unlock()
	f.Server.Close()
}

// AddAccount registers a user that can log in with password.
func (f *Server) AddAccount(id int64, username, password string) *sbs.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := sbs.User{ID: id, Username: username, Registered: true}
	f.accounts[username] = &Account{Password: password, User: u}
	f.users[id] = &u
	return &u
}

// AddUser registers a user that only appears in user chains.
func (f *Server) AddUser(u sbs.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = &u
}

// IssueToken makes token valid for the given user id.
func (f *Server) IssueToken(token string, userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = userID
}

// ExpireTokens invalidates every issued token.
func (f *Server) ExpireTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = make(map[string]int64)
}

// AddComment stores a comment as if it had been posted earlier.
func (f *Server) AddComment(c *sbs.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[c.ID] = c.Clone()
	if c.ID >= f.nextID {
		f.nextID = c.ID + 1
	}
}

// Comment returns a stored comment by id.
func (f *Server) Comment(id int64) (*sbs.Comment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Fail makes every request whose path contains fragment answer with status.
func (f *Server) Fail(fragment string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[fragment] = status
}

// ClearFailures removes every configured failure.
func (f *Server) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]int)
}

// QueueListen scripts the next listen replies in order.
func (f *Server) QueueListen(replies ...ListenReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listen = append(f.listen, replies...)
}

// ListenCursors returns the lastId of every listen request received.
func (f *Server) ListenCursors() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.cursors...)
}

// Uploads returns every file upload received.
func (f *Server) Uploads() []Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Upload(nil), f.uploads...)
}

// Subscriptions returns every push socket subscribe frame received.
func (f *Server) Subscriptions() []Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Subscription(nil), f.subs...)
}

// PushFrame sends a batch to every subscribed socket.
func (f *Server) PushFrame(reply ListenReply) {
	frame := listenBody(reply)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.sockets {
		_ = c.WriteJSON(frame)
	}
}

// DropSockets closes every open push socket from the server side.
func (f *Server) DropSockets() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.sockets {
		_ = c.Close()
	}
	f.sockets = nil
}

// Calls returns every recorded call.
func (f *Server) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount counts calls with the given method whose path contains fragment.
func (f *Server) CallCount(method, fragment string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, fragment) {
			n++
		}
	}
	return n
}

// CalledPath reports whether any call's path contains fragment.
func (f *Server) CalledPath(fragment string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, fragment) {
			return true
		}
	}
	return false
}

func (f *Server) record(r *http.Request, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   body,
	})
}

func (f *Server) tick() string {
	f.clock++
	return time.Date(2024, 1, 1, 0, 0, f.clock, 0, time.UTC).Format(time.RFC3339)
}

func (f *Server) authUser(r *http.Request) (int64, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[token]
	return id, ok
}

func (f *Server) failure(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fragment, status := range f.failures {
		if strings.Contains(path, fragment) {
			return status
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *Server) handler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/")

	if path == "read/wslisten" {
		f.record(r, "")
		f.handleSocket(w, r)
		return
	}

	var body []byte
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		body, _ = io.ReadAll(r.Body)
	}
	f.record(r, string(body))

	if status := f.failure(r.URL.Path); status != 0 {
		writeJSON(w, status, map[string]string{"message": "fake error"})
		return
	}

	if r.Method == http.MethodPost && path == "User/authenticate" {
		f.handleAuthenticate(w, body)
		return
	}

	userID, ok := f.authUser(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodGet && path == "User/me":
		f.mu.Lock()
		u := f.users[userID]
		f.mu.Unlock()
		if u == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, u)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "Read/chain"):
		f.handleChain(w, r)

	case r.Method == http.MethodGet && path == "Read/listen":
		f.handleListen(w, r)

	case r.Method == http.MethodGet && path == "read/wsauth":
		f.mu.Lock()
		f.nextTok++
		ticket := fmt.Sprintf("ticket-%d", f.nextTok)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, ticket)

	case r.Method == http.MethodPost && path == "Comment":
		f.handleCreate(w, body, userID)

	case r.Method == http.MethodPut && strings.HasPrefix(path, "Comment/"):
		f.handleEdit(w, path, body, userID)

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "Comment/"):
		f.handleDelete(w, path)

	case r.Method == http.MethodPost && path == "File":
		f.handleUpload(w, r)

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found: " + path})
	}
}

func (f *Server) handleAuthenticate(w http.ResponseWriter, body []byte) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.Unmarshal(body, &creds)
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[creds.Username]
	if !ok || acct.Password != creds.Password {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid username or password"))
		return
	}
	f.nextTok++
	token := fmt.Sprintf("token-%d", f.nextTok)
	f.tokens[token] = acct.User.ID
	_, _ = w.Write([]byte(token))
}

func (f *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	var settings struct {
		Reverse   bool    `json:"reverse"`
		Limit     int     `json:"limit"`
		ParentIDs []int64 `json:"parentIds"`
	}
	for _, req := range r.URL.Query()["requests"] {
		if raw, ok := strings.CutPrefix(req, "comment-"); ok {
			_ = json.Unmarshal([]byte(raw), &settings)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sbs.Comment
	for _, c := range f.comments {
		if len(settings.ParentIDs) > 0 && !containsID(settings.ParentIDs, c.ParentID) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if settings.Limit > 0 && len(out) > settings.Limit {
		out = out[:settings.Limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"comment": out,
		"user":    f.usersFor(out),
	})
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// usersFor must be called with f.mu held.
func (f *Server) usersFor(comments []*sbs.Comment) []*sbs.User {
	seen := make(map[int64]bool)
	var out []*sbs.User
	for _, c := range comments {
		for _, id := range []int64{c.CreateUserID, c.EditUserID} {
			if u, ok := f.users[id]; ok && !seen[id] {
				seen[id] = true
				out = append(out, u)
			}
		}
	}
	return out
}

type listenChains struct {
	Comment []*sbs.Comment `json:"comment"`
	User    []*sbs.User    `json:"user"`
}

func listenBody(reply ListenReply) map[string]any {
	return map[string]any{
		"lastId": reply.LastID,
		"chains": listenChains{Comment: reply.Comments, User: reply.Users},
	}
}

func (f *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	var actions struct {
		LastID int64 `json:"lastId"`
	}
	_ = json.Unmarshal([]byte(r.URL.Query().Get("actions")), &actions)

	f.mu.Lock()
	f.cursors = append(f.cursors, actions.LastID)
	var reply *ListenReply
	if len(f.listen) > 0 {
		reply = &f.listen[0]
		f.listen = f.listen[1:]
	}
	f.mu.Unlock()

	if reply == nil {
		select {
		case <-r.Context().Done():
		case <-f.closing:
		case <-time.After(f.ListenWait):
		}
		writeJSON(w, http.StatusOK, listenBody(ListenReply{LastID: actions.LastID}))
		return
	}
	if reply.Status != 0 && reply.Status != http.StatusOK {
		w.WriteHeader(reply.Status)
		return
	}
	writeJSON(w, http.StatusOK, listenBody(*reply))
}

type commentBody struct {
	ParentID int64  `json:"parentId"`
	Content  string `json:"content"`
}

func (f *Server) handleCreate(w http.ResponseWriter, body []byte, userID int64) {
	var req commentBody
	if err := json.Unmarshal(body, &req); err != nil || req.ParentID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad comment"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tick()
	c := &sbs.Comment{
		ID:           f.nextID,
		ParentID:     req.ParentID,
		Content:      req.Content,
		CreateDate:   now,
		EditDate:     now,
		CreateUserID: userID,
		EditUserID:   userID,
	}
	f.nextID++
	f.comments[c.ID] = c
	writeJSON(w, http.StatusOK, c)
}

func commentID(path string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(path, "Comment/"), 10, 64)
	return id, err == nil
}

func (f *Server) handleEdit(w http.ResponseWriter, path string, body []byte, userID int64) {
	id, ok := commentID(path)
	var req commentBody
	if !ok || json.Unmarshal(body, &req) != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad comment"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no such comment"})
		return
	}
	c.Content = req.Content
	c.EditDate = f.tick()
	c.EditUserID = userID
	writeJSON(w, http.StatusOK, c)
}

func (f *Server) handleDelete(w http.ResponseWriter, path string) {
	id, ok := commentID(path)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no such comment"})
		return
	}
	c.Deleted = true
	writeJSON(w, http.StatusOK, c)
}

func (f *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, Upload{
		Bucket:   r.URL.Query().Get("bucket"),
		Filename: header.Filename,
		Size:     len(data),
	})
	f.nextFile++
	writeJSON(w, http.StatusOK, map[string]int64{"id": f.nextFile})
}

func (f *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	var sub Subscription
	if err = json.Unmarshal(data, &sub); err != nil {
		_ = conn.Close()
		return
	}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.sockets = append(f.sockets, conn)
	f.mu.Unlock()

	// Hold the socket open until either side closes it.
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	f.mu.Lock()
	for i, c := range f.sockets {
		if c == conn {
			f.sockets = append(f.sockets[:i], f.sockets[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	_ = conn.Close()
}
