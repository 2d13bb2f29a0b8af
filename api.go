package vynqtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// ============================================================================
// Response helpers
// ============================================================================

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &ParseError{Source: "response", Err: err}
	}
	return &result, nil
}

// decodeData unwraps the {success, message, data} envelope and decodes data into T.
// Bodies that are not an envelope are decoded whole.
func decodeData[T any](data []byte) (T, error) {
	var out T
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err == nil {
		_, hasData := fields["data"]
		_, hasSuccess := fields["success"]
		if hasData || hasSuccess {
			env, err := decodeJSON[Envelope](data)
			if err != nil {
				return out, err
			}
			if !env.Success && hasSuccess && len(env.Data) == 0 {
				return out, &APIError{Status: http.StatusOK, Message: env.Message}
			}
			err = env.Decode(&out)
			return out, err
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &ParseError{Source: "response", Err: err}
	}
	return out, nil
}

func call[T any](ctx context.Context, c *Client, method, path string, body interface{}) (T, error) {
	data, err := c.gateway.Do(ctx, method, path, body)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeData[T](data)
}

func exec(ctx context.Context, c *Client, method, path string, body interface{}) error {
	_, err := c.gateway.Do(ctx, method, path, body)
	return err
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func pageQuery(path string, opts *PageOptions) string {
	if opts == nil {
		return path
	}
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Size > 0 {
		q.Set("size", strconv.Itoa(opts.Size))
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// ============================================================================
// Auth
// ============================================================================

// AuthAPI covers the token-exempt auth endpoints.
type AuthAPI struct{ c *Client }

func (a *AuthAPI) public(ctx context.Context, path string, body interface{}) ([]byte, error) {
	r, err := jsonRequest(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return a.c.gateway.doPublic(ctx, r)
}

// Login authenticates and persists the issued token pair and user.
func (a *AuthAPI) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	if email == "" || password == "" {
		return nil, &ValidationError{Field: "credentials", Message: "email and password are required"}
	}
	return a.establish(ctx, "/auth/login", LoginRequest{Email: email, Password: password})
}

// Signup registers a new account and signs it in.
func (a *AuthAPI) Signup(ctx context.Context, req SignupRequest) (*AuthResult, error) {
	if req.Email == "" || req.Password == "" || req.Name == "" {
		return nil, &ValidationError{Field: "signup", Message: "name, email and password are required"}
	}
	return a.establish(ctx, "/auth/signup", req)
}

func (a *AuthAPI) establish(ctx context.Context, path string, body interface{}) (*AuthResult, error) {
	data, err := a.public(ctx, path, body)
	if err != nil {
		return nil, err
	}
	res, err := decodeData[AuthResult](data)
	if err != nil {
		return nil, err
	}
	if err := a.c.gateway.SetSession(TokenPair{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}); err != nil {
		return nil, err
	}
	if err := SetJSON(a.c.storage, KeyUser, res.User); err != nil {
		a.c.logger.Warn("failed to cache user", "error", err)
	}
	return &res, nil
}

// Logout notifies the server best-effort, then clears the local session.
func (a *AuthAPI) Logout(ctx context.Context) error {
	token, _ := a.c.gateway.AccessToken()
	var err error
	if token != "" {
		r, _ := jsonRequest(http.MethodPost, "/auth/logout", nil)
		r.bearer = token
		_, err = a.c.gateway.doPublic(ctx, r)
		if err != nil {
			a.c.logger.Warn("server logout failed", "error", err)
		}
	}
	a.c.session.Disconnect()
	a.c.gateway.Logout()
	return err
}

func (a *AuthAPI) ForgotPassword(ctx context.Context, email string) error {
	_, err := a.public(ctx, "/auth/forgot-password", map[string]string{"email": email})
	return err
}

func (a *AuthAPI) ResetPassword(ctx context.Context, token, newPassword string) error {
	_, err := a.public(ctx, "/auth/reset-password", map[string]string{"token": token, "newPassword": newPassword})
	return err
}

// ============================================================================
// Users
// ============================================================================

type UsersAPI struct{ c *Client }

func (u *UsersAPI) Me(ctx context.Context) (User, error) {
	return call[User](ctx, u.c, http.MethodGet, "/users/me", nil)
}

func (u *UsersAPI) Get(ctx context.Context, userID int64) (User, error) {
	return call[User](ctx, u.c, http.MethodGet, "/users/"+itoa(userID), nil)
}

func (u *UsersAPI) List(ctx context.Context) ([]User, error) {
	return call[[]User](ctx, u.c, http.MethodGet, "/users", nil)
}

func (u *UsersAPI) UpdateProfile(ctx context.Context, p ProfileUpdate) (User, error) {
	user, err := call[User](ctx, u.c, http.MethodPut, "/users/me", p)
	if err == nil {
		_ = SetJSON(u.c.storage, KeyUser, user)
	}
	return user, err
}

func (u *UsersAPI) Settings(ctx context.Context) (UserSettings, error) {
	return call[UserSettings](ctx, u.c, http.MethodGet, "/users/me/settings", nil)
}

// UpdateSettings saves settings remotely and caches them with the theme locally.
func (u *UsersAPI) UpdateSettings(ctx context.Context, s UserSettings) (UserSettings, error) {
	saved, err := call[UserSettings](ctx, u.c, http.MethodPut, "/users/me/settings", s)
	if err != nil {
		return saved, err
	}
	if err := SetJSON(u.c.storage, KeySettings, saved); err != nil {
		u.c.logger.Warn("failed to cache settings", "error", err)
	}
	if saved.Theme != "" {
		_ = u.c.storage.Set(KeyTheme, saved.Theme)
	}
	return saved, nil
}

func (u *UsersAPI) ChangePassword(ctx context.Context, current, next string) error {
	return exec(ctx, u.c, http.MethodPut, "/users/me/password", map[string]string{
		"currentPassword": current,
		"newPassword":     next,
	})
}

// UploadAvatar replaces the current user's avatar.
func (u *UsersAPI) UploadAvatar(ctx context.Context, fileName string, data []byte) (User, error) {
	r, err := multipartRequest("/users/me/avatar", "avatar", fileName, data)
	if err != nil {
		return User{}, err
	}
	raw, err := u.c.gateway.do(ctx, r)
	if err != nil {
		return User{}, err
	}
	return decodeData[User](raw)
}

// ============================================================================
// Messages
// ============================================================================

type MessagesAPI struct{ c *Client }

func (m *MessagesAPI) List(ctx context.Context, opts *PageOptions) (Page[Message], error) {
	return call[Page[Message]](ctx, m.c, http.MethodGet, pageQuery("/messages", opts), nil)
}

// Conversation returns the direct history between the current user and userID.
func (m *MessagesAPI) Conversation(ctx context.Context, userID int64) ([]Message, error) {
	return call[[]Message](ctx, m.c, http.MethodGet, "/messages/conversation/"+itoa(userID), nil)
}

func (m *MessagesAPI) Edit(ctx context.Context, messageID int64, content string) (Message, error) {
	return call[Message](ctx, m.c, http.MethodPut, "/messages/"+itoa(messageID), map[string]string{"content": content})
}

func (m *MessagesAPI) Delete(ctx context.Context, messageID int64) error {
	return exec(ctx, m.c, http.MethodDelete, "/messages/"+itoa(messageID), nil)
}

// ============================================================================
// Groups
// ============================================================================

type GroupsAPI struct{ c *Client }

// GroupInput carries the mutable group fields.
type GroupInput struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	IsPrivate   bool    `json:"isPrivate"`
	MemberIDs   []int64 `json:"memberIds,omitempty"`
}

func (g *GroupsAPI) List(ctx context.Context) ([]Group, error) {
	return call[[]Group](ctx, g.c, http.MethodGet, "/groups", nil)
}

func (g *GroupsAPI) Get(ctx context.Context, groupID int64) (Group, error) {
	return call[Group](ctx, g.c, http.MethodGet, "/groups/"+itoa(groupID), nil)
}

func (g *GroupsAPI) Create(ctx context.Context, in GroupInput) (Group, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Group{}, &ValidationError{Field: "name", Message: "must not be empty"}
	}
	return call[Group](ctx, g.c, http.MethodPost, "/groups", in)
}

func (g *GroupsAPI) Update(ctx context.Context, groupID int64, in GroupInput) (Group, error) {
	return call[Group](ctx, g.c, http.MethodPut, "/groups/"+itoa(groupID), in)
}

func (g *GroupsAPI) Delete(ctx context.Context, groupID int64) error {
	return exec(ctx, g.c, http.MethodDelete, "/groups/"+itoa(groupID), nil)
}

func (g *GroupsAPI) AddMember(ctx context.Context, groupID, userID int64) error {
	return exec(ctx, g.c, http.MethodPost, "/groups/"+itoa(groupID)+"/members", map[string]int64{"userId": userID})
}

func (g *GroupsAPI) RemoveMember(ctx context.Context, groupID, userID int64) error {
	return exec(ctx, g.c, http.MethodDelete, "/groups/"+itoa(groupID)+"/members/"+itoa(userID), nil)
}

func (g *GroupsAPI) Join(ctx context.Context, groupID int64) error {
	return exec(ctx, g.c, http.MethodPost, "/groups/"+itoa(groupID)+"/join", nil)
}

func (g *GroupsAPI) Leave(ctx context.Context, groupID int64) error {
	return exec(ctx, g.c, http.MethodPost, "/groups/"+itoa(groupID)+"/leave", nil)
}

func (g *GroupsAPI) Messages(ctx context.Context, groupID int64) ([]Message, error) {
	return call[[]Message](ctx, g.c, http.MethodGet, "/groups/"+itoa(groupID)+"/messages", nil)
}

// ============================================================================
// Files
// ============================================================================

type FilesAPI struct{ c *Client }

// Upload is the stored location of an attachment.
type Upload struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

// MessageType infers the chat message type for the uploaded file.
func (u Upload) MessageType() MessageType {
	mt := u.MimeType
	if mt == "" {
		mt = guessMimeType(u.FileName)
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return MessageImage
	case strings.HasPrefix(mt, "audio/"):
		return MessageAudio
	}
	return MessageFile
}

// Upload stores an attachment and returns its URL for use as message content.
func (f *FilesAPI) Upload(ctx context.Context, fileName string, data []byte) (Upload, error) {
	if len(data) == 0 {
		return Upload{}, &ValidationError{Field: "file", Message: "empty file"}
	}
	r, err := multipartRequest("/files/upload", "file", fileName, data)
	if err != nil {
		return Upload{}, err
	}
	raw, err := f.c.gateway.do(ctx, r)
	if err != nil {
		return Upload{}, err
	}
	up, err := decodeData[Upload](raw)
	if err != nil {
		return up, err
	}
	if up.FileName == "" {
		up.FileName = fileName
	}
	if up.Size == 0 {
		up.Size = int64(len(data))
	}
	return up, nil
}

func multipartRequest(path, field, fileName string, data []byte) (request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(fileName)))
	h.Set("Content-Type", guessMimeType(fileName))
	part, err := w.CreatePart(h)
	if err != nil {
		return request{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return request{}, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return request{}, fmt.Errorf("failed to finish form: %w", err)
	}
	return request{
		method:      http.MethodPost,
		path:        path,
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
	}, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "audio/webm", ".ogg": "audio/ogg",
		".m4a": "audio/mp4", ".md": "text/markdown",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Notifications
// ============================================================================

type NotificationsAPI struct{ c *Client }

func (n *NotificationsAPI) List(ctx context.Context) ([]Notification, error) {
	return call[[]Notification](ctx, n.c, http.MethodGet, "/notifications", nil)
}

func (n *NotificationsAPI) MarkRead(ctx context.Context, notificationID int64) error {
	return exec(ctx, n.c, http.MethodPut, "/notifications/"+itoa(notificationID)+"/read", nil)
}

func (n *NotificationsAPI) MarkAllRead(ctx context.Context) error {
	return exec(ctx, n.c, http.MethodPut, "/notifications/read-all", nil)
}

func (n *NotificationsAPI) Delete(ctx context.Context, notificationID int64) error {
	return exec(ctx, n.c, http.MethodDelete, "/notifications/"+itoa(notificationID), nil)
}

// VAPIDPublicKey returns the server key used to create push subscriptions.
func (n *NotificationsAPI) VAPIDPublicKey(ctx context.Context) (string, error) {
	return call[string](ctx, n.c, http.MethodGet, "/notifications/vapid-public-key", nil)
}

// Subscribe registers a push endpoint with the backend.
func (n *NotificationsAPI) Subscribe(ctx context.Context, sub PushSubscription) error {
	if sub.Endpoint == "" {
		return &ValidationError{Field: "endpoint", Message: "required"}
	}
	return exec(ctx, n.c, http.MethodPost, "/notifications/subscribe", sub)
}

func (n *NotificationsAPI) Unsubscribe(ctx context.Context, endpoint string) error {
	return exec(ctx, n.c, http.MethodPost, "/notifications/unsubscribe", map[string]string{"endpoint": endpoint})
}

// ============================================================================
// Admin
// ============================================================================

type AdminAPI struct{ c *Client }

func (a *AdminAPI) Users(ctx context.Context) ([]User, error) {
	return call[[]User](ctx, a.c, http.MethodGet, "/admin/users", nil)
}

func (a *AdminAPI) BlockUser(ctx context.Context, userID int64) error {
	return exec(ctx, a.c, http.MethodPut, "/admin/users/"+itoa(userID)+"/block", nil)
}

func (a *AdminAPI) UnblockUser(ctx context.Context, userID int64) error {
	return exec(ctx, a.c, http.MethodPut, "/admin/users/"+itoa(userID)+"/unblock", nil)
}

func (a *AdminAPI) DeleteUser(ctx context.Context, userID int64) error {
	return exec(ctx, a.c, http.MethodDelete, "/admin/users/"+itoa(userID), nil)
}

func (a *AdminAPI) Groups(ctx context.Context) ([]Group, error) {
	return call[[]Group](ctx, a.c, http.MethodGet, "/admin/groups", nil)
}

func (a *AdminAPI) DeleteGroup(ctx context.Context, groupID int64) error {
	return exec(ctx, a.c, http.MethodDelete, "/admin/groups/"+itoa(groupID), nil)
}

func (a *AdminAPI) Messages(ctx context.Context, opts *PageOptions) (Page[Message], error) {
	return call[Page[Message]](ctx, a.c, http.MethodGet, pageQuery("/admin/messages", opts), nil)
}

func (a *AdminAPI) DeleteMessage(ctx context.Context, messageID int64) error {
	return exec(ctx, a.c, http.MethodDelete, "/admin/messages/"+itoa(messageID), nil)
}

func (a *AdminAPI) Metrics(ctx context.Context) (DashboardMetrics, error) {
	return call[DashboardMetrics](ctx, a.c, http.MethodGet, "/admin/metrics", nil)
}

func (a *AdminAPI) SetMaintenance(ctx context.Context, enabled bool, message string) error {
	return exec(ctx, a.c, http.MethodPut, "/admin/maintenance", map[string]interface{}{
		"enabled": enabled,
		"message": message,
	})
}

// ============================================================================
// System
// ============================================================================

type SystemAPI struct{ c *Client }

// Status returns the maintenance state. It is readable without a session.
func (s *SystemAPI) Status(ctx context.Context) (MaintenanceStatus, error) {
	r := request{method: http.MethodGet, path: "/system/status"}
	r.bearer, _ = s.c.gateway.AccessToken()
	data, err := s.c.gateway.doPublic(ctx, r)
	if err != nil {
		return MaintenanceStatus{}, err
	}
	return decodeData[MaintenanceStatus](data)
}
