// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-sbs/pkg/sbs"
	"github.com/aiku/mattermost-sbs/pkg/sbs/sbstest"
)

const (
	testBridgeUserID = "bridgeuserid0000000000000a"
	testRoom   int64 = 937
	// testChannel is a snowflake-style channel id, as found in state files
	// written by earlier bridges.
	testChannel = "774531326203527178"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []endpointCall
	posts  []*model.Post
	nextID int

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Passwords maps login ids to passwords for Login.
	Passwords map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// Images maps user ID to profile image bytes.
	Images map[string][]byte
	// FileLinks maps file ID to its public link.
	FileLinks map[string]string
	// FailEndpoints causes specific path fragments to return 500.
	FailEndpoints map[string]bool
	// WSEvents are written to every websocket client right after it
	// connects.
	WSEvents []*model.WebSocketEvent
	// WSHangUp closes every websocket right after WSEvents are written.
	WSHangUp bool

	upgrader websocket.Upgrader
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Passwords:     make(map[string]string),
		Channels:      make(map[string]*model.Channel),
		Teams:         make(map[string][]*model.Team),
		Images:        make(map[string][]byte),
		FileLinks:     make(map[string]string),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

// CreatedPosts returns every post created through the fake.
func (f *fakeMM) CreatedPosts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*model.Post, len(f.posts))
	copy(cp, f.posts)
	return cp
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) failing(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for prefix := range f.FailEndpoints {
		if strings.Contains(path, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	if f.failing(r.URL.Path) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
		return
	}

	path := r.URL.Path
	const users = "/api/v4/users/"

	switch {
	// GET /api/v4/websocket
	case path == "/api/v4/websocket":
		f.serveWebSocket(w, r)

	// POST /api/v4/users/login
	case r.Method == http.MethodPost && path == "/api/v4/users/login":
		var req map[string]string
		_ = json.Unmarshal(body, &req)
		for uid, u := range f.Users {
			if u.Username == req["login_id"] && f.Passwords[u.Username] == req["password"] && req["password"] != "" {
				tok := "session-" + uid
				f.mu.Lock()
				f.TokenToUser[tok] = uid
				f.mu.Unlock()
				w.Header().Set(model.HeaderToken, tok)
				_ = json.NewEncoder(w).Encode(u)
				return
			}
		}
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})

	// GET /api/v4/users/me
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users/{user_id}/teams
	case r.Method == http.MethodGet && strings.HasPrefix(path, users) && strings.HasSuffix(path, "/teams"):
		uid := strings.TrimSuffix(path[len(users):], "/teams")
		_ = json.NewEncoder(w).Encode(f.Teams[uid])

	// GET /api/v4/users/{user_id}/image
	case r.Method == http.MethodGet && strings.HasPrefix(path, users) && strings.HasSuffix(path, "/image"):
		uid := strings.TrimSuffix(path[len(users):], "/image")
		if img, ok := f.Images[uid]; ok {
			_, _ = w.Write(img)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users/{user_id}
	case r.Method == http.MethodGet && strings.HasPrefix(path, users) && !strings.Contains(path[len(users):], "/"):
		uid := path[len(users):]
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/posts
	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		f.nextID++
		post.Id = fmt.Sprintf("post%022d", f.nextID)
		f.posts = append(f.posts, &post)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	// PUT /api/v4/posts/{post_id}/patch
	case r.Method == http.MethodPut && strings.HasSuffix(path, "/patch"):
		_ = json.NewEncoder(w).Encode(&model.Post{Id: "patched"})

	// DELETE /api/v4/posts/{post_id}
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/api/v4/posts/"):
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// GET /api/v4/channels/{channel_id}
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/files/{file_id}/link
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/files/") && strings.HasSuffix(path, "/link"):
		fileID := strings.TrimSuffix(path[len("/api/v4/files/"):], "/link")
		if link, ok := f.FileLinks[fileID]; ok {
			_ = json.NewEncoder(w).Encode(map[string]string{"link": link})
			return
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

func (f *fakeMM) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	events := append([]*model.WebSocketEvent(nil), f.WSEvents...)
	hangUp := f.WSHangUp
	f.mu.Unlock()
	for _, evt := range events {
		data, err := evt.ToJSON()
		if err != nil {
			return
		}
		if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	if hangUp {
		return
	}
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			return
		}
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postEvent wraps post in an event of the given type.
func postEvent(t *testing.T, eventType model.WebsocketEventType, post *model.Post, senderName string) *model.WebSocketEvent {
	t.Helper()
	data, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return newWebSocketEvent(eventType, post.ChannelId, map[string]any{
		"post":        string(data),
		"sender_name": senderName,
	})
}

// newTestClient creates a MattermostClient logged in to a fake server as
// the bridge account.
func newTestClient(serverURL string) *MattermostClient {
	mc := NewMattermostClient(MattermostCredentials{ServerURL: serverURL, Token: "test-token"}, "", zerolog.Nop())
	mc.client = model.NewAPIv4Client(serverURL)
	mc.client.SetToken("test-token")
	mc.userID = testBridgeUserID
	mc.teamID = "my-team-id"
	return mc
}

// newNotLoggedInClient creates a MattermostClient that is not logged in (nil client).
func newNotLoggedInClient() *MattermostClient {
	return NewMattermostClient(MattermostCredentials{ServerURL: "http://127.0.0.1:1"}, "", zerolog.Nop())
}

// recordingSink captures local events handed over by the client.
type recordingSink struct {
	mu     sync.Mutex
	events []*LocalEvent
	err    error
}

func (s *recordingSink) HandleLocal(_ context.Context, evt *LocalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func (s *recordingSink) Events() []*LocalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]*LocalEvent, len(s.events))
	copy(cp, s.events)
	return cp
}

// sentPost is a post written through fakeLocal.
type sentPost struct {
	ID        string
	ChannelID string
	Identity  Identity
	Content   string
	Deleted   bool
	Edits     []string
}

// fakeLocal is an in-memory LocalPlatform.
type fakeLocal struct {
	mu       sync.Mutex
	posts    map[string]*sentPost
	order    []string
	notices  []string
	resolves int
	nextID   int

	selfID     string
	avatars    map[string][]byte
	fetches    int
	failSend   error
	failEdit   error
	failTarget error
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		posts:   make(map[string]*sentPost),
		avatars: make(map[string][]byte),
		selfID:  testBridgeUserID,
	}
}

func (f *fakeLocal) SelfID() string { return f.selfID }

func (f *fakeLocal) ResolveTarget(_ context.Context, channelID string) (*WriteTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.failTarget != nil {
		return nil, f.failTarget
	}
	return &WriteTarget{ChannelID: channelID, DisplayName: "chan-" + channelID}, nil
}

func (f *fakeLocal) SendAs(_ context.Context, target *WriteTarget, identity Identity, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return "", f.failSend
	}
	f.nextID++
	id := fmt.Sprintf("local-%d", f.nextID)
	f.posts[id] = &sentPost{ID: id, ChannelID: target.ChannelID, Identity: identity, Content: content}
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeLocal) EditMessage(_ context.Context, _ *WriteTarget, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEdit != nil {
		return f.failEdit
	}
	p, ok := f.posts[messageID]
	if !ok {
		return errors.New("no such post")
	}
	p.Edits = append(p.Edits, content)
	p.Content = content
	return nil
}

func (f *fakeLocal) DeleteMessage(_ context.Context, _ *WriteTarget, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[messageID]
	if !ok {
		return errors.New("no such post")
	}
	p.Deleted = true
	return nil
}

func (f *fakeLocal) SendNotice(_ context.Context, target *WriteTarget, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, target.ChannelID+": "+text)
	return nil
}

func (f *fakeLocal) FetchAvatar(_ context.Context, userID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	data, ok := f.avatars[userID]
	if !ok {
		return nil, errors.New("no avatar")
	}
	return data, nil
}

// Sent returns every post in send order.
func (f *fakeLocal) Sent() []sentPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentPost, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.posts[id])
	}
	return out
}

func (f *fakeLocal) Notices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notices...)
}

func (f *fakeLocal) Calls() (resolves, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves, f.fetches
}

// newTestSBS starts a fake SBS with a bridge account (id 1) and a regular
// user (id 2), and returns a logged in client.
func newTestSBS(t *testing.T) (*sbstest.Server, *sbs.Client) {
	t.Helper()
	fake := sbstest.NewServer()
	t.Cleanup(fake.Close)
	fake.AddAccount(1, "bridge", "hunter2")
	fake.AddUser(sbs.User{ID: 2, Username: "yuki", Avatar: 77})

	client := sbs.NewClient(fake.URL(), sbs.Credentials{Username: "bridge", Password: "hunter2"}, 10*time.Second, zerolog.Nop())
	if _, err := client.Session().Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return fake, client
}

// remoteComment builds a comment as the listener would hand it over.
func remoteComment(id, userID int64, created, edited string, text string) *sbs.Comment {
	c := &sbs.Comment{
		ID:           id,
		ParentID:     testRoom,
		CreateDate:   created,
		EditDate:     edited,
		CreateUserID: userID,
		EditUserID:   userID,
		CreateUser:   &sbs.User{ID: userID, Username: fmt.Sprintf("user%d", userID), Avatar: 77},
	}
	c.SetContent(sbs.Settings{Markup: sbs.Markup12y}, text)
	return c
}

func solidImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 90, A: 255})
		}
	}
	return img
}

func pngBytes(t testing.TB) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage()); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func jpegBytes(t testing.TB) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidImage(), nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}
