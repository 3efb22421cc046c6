// Copyright 2024-2026 Aiku AI

// Package sbs is a client for the SmileBASIC Source comment API: token
// sessions, comment CRUD, avatar uploads, and the two listener strategies
// (long-poll and websocket) used to ingest new comments.
package sbs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultAPIURL is the public SmileBASIC Source API root.
const DefaultAPIURL = "https://smilebasicsource.com/api/"

// listenChains are the chains requested alongside new comments.
var listenChains = []string{"comment.0id", "user.1createUserId", "content.1parentId"}

// maxErrorBody caps how much of an error response ends up in APIError.
const maxErrorBody = 512

// Client talks to the SBS REST API on behalf of a Session.
type Client struct {
	apiURL  string
	http    *http.Client
	session *Session
	log     zerolog.Logger
}

// NewClient creates a client rooted at apiURL. The timeout bounds every
// request, including long-polls.
func NewClient(apiURL string, creds Credentials, timeout time.Duration, log zerolog.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	c := &Client{
		apiURL: apiURL,
		http:   &http.Client{Timeout: timeout},
		log:    log,
	}
	c.session = newSession(creds, c.Authenticate, log.With().Str("component", "sbs_session").Logger())
	return c
}

// Session returns the session that owns this client's token.
func (c *Client) Session() *Session {
	return c.session
}

// APIURL returns the API root, always with a trailing slash.
func (c *Client) APIURL() string {
	return c.apiURL
}

// WebSocketURL returns the websocket listen endpoint derived from the API root.
func (c *Client) WebSocketURL() string {
	return httpToWS(c.apiURL) + "read/wslisten"
}

// AvatarLink returns a cropped, resized image link for an SBS file id.
func (c *Client) AvatarLink(fileID int64, size int) string {
	return fmt.Sprintf("%sFile/raw/%d?size=%d&crop=true", c.apiURL, fileID, size)
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Authenticate exchanges credentials for a token. It does not touch the
// session; Session.Login calls it.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"User/authenticate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read authenticate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to authenticate: %w", newAPIError(req, resp.StatusCode, data))
	}
	token := parseToken(data)
	if token == "" {
		return "", fmt.Errorf("failed to authenticate: empty token")
	}
	return token, nil
}

// parseToken accepts the token either as raw text or as a JSON string.
func parseToken(data []byte) string {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, `"`) {
		var token string
		if err := json.Unmarshal([]byte(raw), &token); err == nil {
			return token
		}
	}
	return raw
}

// Me returns the account the session is logged in as.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "User/me", ContentJSON, nil, "", &user); err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return &user, nil
}

type chainResponse struct {
	Comment []*Comment `json:"comment"`
	User    []*User    `json:"user"`
}

// RecentComments returns up to limit of the newest comments, oldest first.
// A roomID of 0 reads across all rooms.
func (c *Client) RecentComments(ctx context.Context, limit int, roomID int64) ([]*Comment, error) {
	settings := map[string]any{
		"reverse": true,
		"limit":   limit,
	}
	if roomID != 0 {
		settings["parentIds"] = []int64{roomID}
	}
	encoded, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Add("requests", "comment-"+string(encoded))
	query.Add("requests", "user.0createUserId")
	query.Add("requests", "user.0editUserId")

	var resp chainResponse
	if err := c.do(ctx, http.MethodGet, "Read/chain/?"+query.Encode(), ContentJSON, nil, "", &resp); err != nil {
		return nil, fmt.Errorf("failed to get recent comments: %w", err)
	}
	attachUsers(resp.Comment, resp.User)
	// The API answers newest first.
	comments := resp.Comment
	for i, j := 0, len(comments)-1; i < j; i, j = i+1, j-1 {
		comments[i], comments[j] = comments[j], comments[i]
	}
	return comments, nil
}

// SeedCursor returns the id of the most recent non-deleted comment, which
// listeners start from so that only comments after start-up are relayed.
func (c *Client) SeedCursor(ctx context.Context) (int64, error) {
	comments, err := c.RecentComments(ctx, 10, 0)
	if err != nil {
		return 0, err
	}
	return latestCursor(comments), nil
}

func latestCursor(comments []*Comment) int64 {
	for i := len(comments) - 1; i >= 0; i-- {
		if !comments[i].Deleted {
			return comments[i].ID
		}
	}
	if len(comments) > 0 {
		return comments[len(comments)-1].ID
	}
	return -1
}

type commentRequest struct {
	ParentID int64  `json:"parentId"`
	Content  string `json:"content"`
}

// CreateComment posts text with a settings header into a room.
func (c *Client) CreateComment(ctx context.Context, roomID int64, settings Settings, text string) (*Comment, error) {
	body, err := json.Marshal(commentRequest{
		ParentID: roomID,
		Content:  EncodeContent(settings, text),
	})
	if err != nil {
		return nil, err
	}
	var created Comment
	if err := c.do(ctx, http.MethodPost, "Comment", ContentJSON, bytes.NewReader(body), "", &created); err != nil {
		return nil, fmt.Errorf("failed to create comment in room %d: %w", roomID, err)
	}
	return &created, nil
}

// EditComment replaces the content of an existing comment and returns the
// updated copy. The passed comment is not modified.
func (c *Client) EditComment(ctx context.Context, comment *Comment, settings Settings, text string) (*Comment, error) {
	updated := comment.Clone()
	updated.SetContent(settings, text)
	body, err := json.Marshal(updated)
	if err != nil {
		return nil, err
	}
	var resp Comment
	path := "Comment/" + strconv.FormatInt(comment.ID, 10)
	if err := c.do(ctx, http.MethodPut, path, ContentJSON, bytes.NewReader(body), "", &resp); err != nil {
		return nil, fmt.Errorf("failed to edit comment %d: %w", comment.ID, err)
	}
	if resp.ID != 0 {
		resp.CreateUser, resp.EditUser = updated.CreateUser, updated.EditUser
		return &resp, nil
	}
	return updated, nil
}

// DeleteComment deletes a comment by id.
func (c *Client) DeleteComment(ctx context.Context, id int64) error {
	path := "Comment/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, http.MethodDelete, path, ContentJSON, nil, "", nil); err != nil {
		return fmt.Errorf("failed to delete comment %d: %w", id, err)
	}
	return nil
}

// UploadFile uploads data as a multipart form into the given bucket and
// returns the new file id.
func (c *Client) UploadFile(ctx context.Context, bucket, filename string, data []byte) (int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return 0, err
	}
	if _, err = part.Write(data); err != nil {
		return 0, err
	}
	if err = mw.Close(); err != nil {
		return 0, err
	}
	path := "File"
	if bucket != "" {
		path += "?bucket=" + url.QueryEscape(bucket)
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, path, ContentMultipart, &buf, mw.FormDataContentType(), &resp); err != nil {
		return 0, fmt.Errorf("failed to upload file: %w", err)
	}
	if resp.ID == 0 {
		return 0, fmt.Errorf("failed to upload file: no file id returned")
	}
	return resp.ID, nil
}

// listenActions is the cursor request understood by both listen endpoints.
type listenActions struct {
	LastID int64    `json:"lastId"`
	Chains []string `json:"chains"`
}

func newListenActions(lastID int64) listenActions {
	return listenActions{LastID: lastID, Chains: listenChains}
}

// ListenResult is one batch of new activity after a cursor.
type ListenResult struct {
	LastID   int64
	Comments []*Comment
}

type listenResponse struct {
	LastID int64 `json:"lastId"`
	Chains struct {
		Comment []*Comment `json:"comment"`
		User    []*User    `json:"user"`
	} `json:"chains"`
}

func (r *listenResponse) result() *ListenResult {
	attachUsers(r.Chains.Comment, r.Chains.User)
	return &ListenResult{LastID: r.LastID, Comments: r.Chains.Comment}
}

// Listen long-polls for activity after lastID.
func (c *Client) Listen(ctx context.Context, lastID int64) (*ListenResult, error) {
	actions, err := json.Marshal(newListenActions(lastID))
	if err != nil {
		return nil, err
	}
	var resp listenResponse
	if err := c.do(ctx, http.MethodGet, "Read/listen?actions="+url.QueryEscape(string(actions)), ContentJSON, nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.result(), nil
}

// WebSocketTicket fetches a one-time auth ticket for the websocket listener.
func (c *Client) WebSocketTicket(ctx context.Context) (string, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "read/wsauth", ContentJSON, nil, "", &raw); err != nil {
		return "", fmt.Errorf("failed to get websocket ticket: %w", err)
	}
	ticket := parseToken(raw)
	if ticket == "" {
		return "", fmt.Errorf("failed to get websocket ticket: empty ticket")
	}
	return ticket, nil
}

// do performs an authenticated request. A 401 marks the session expired and
// yields ErrAuthExpired; a 429 yields ErrRateLimited. out may be nil, and an
// empty response body leaves out untouched.
func (c *Client) do(ctx context.Context, method, path string, kind ContentKind, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return err
	}
	req.Header = c.session.Headers(kind)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.session.MarkExpired()
		return ErrAuthExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return newAPIError(req, resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func newAPIError(req *http.Request, status int, data []byte) *APIError {
	body := strings.TrimSpace(string(data))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &APIError{
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: status,
		Body:       body,
	}
}
