// Package backend talks to the platform's REST API for wallet balances,
// creator rates and session-end notifications.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/digkill/sessiontimer/internal/config"
	"github.com/digkill/sessiontimer/internal/models"
)

var ErrNotFound = errors.New("backend: not found")

type Client struct {
	baseURL        string
	sessionEndPath string
	httpClient     *http.Client
	log            *slog.Logger
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	endPath := cfg.BackendSessionEndPath
	if endPath == "" {
		endPath = "/session/end"
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BackendBaseURL, "/"),
		sessionEndPath: endPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// userPayload accepts both Mongo-style and plain ids, and numbers that
// arrive either as JSON numbers or as strings.
type userPayload struct {
	ID            string   `json:"id"`
	MongoID       string   `json:"_id"`
	Email         string   `json:"email"`
	WalletBalance flexible `json:"walletBalance"`
	VideoRate     flexible `json:"videoRate"`
	AudioRate     flexible `json:"audioRate"`
	ChatRate      flexible `json:"chatRate"`
}

func (p userPayload) id() string {
	if p.ID != "" {
		return p.ID
	}
	return p.MongoID
}

// GetUser loads a user by id. Role selects the creator or client collection.
func (c *Client) GetUser(ctx context.Context, role models.Role, id string) (*models.User, error) {
	payload, err := c.fetchUser(ctx, "/"+string(role)+"/getUser/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	return &models.User{
		ID:            firstNonEmpty(payload.id(), id),
		Email:         payload.Email,
		Role:          role,
		WalletBalance: float64(payload.WalletBalance),
	}, nil
}

// GetUserByEmail is used for globally billed users that have no local id.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	payload, err := c.fetchUser(ctx, "/client/getUserByEmail/"+url.PathEscape(email))
	if err != nil {
		return nil, err
	}
	return &models.User{
		ID:            payload.id(),
		Email:         firstNonEmpty(payload.Email, email),
		Role:          models.RoleClient,
		WalletBalance: float64(payload.WalletBalance),
	}, nil
}

func (c *Client) GetCreator(ctx context.Context, id string) (*models.Creator, error) {
	payload, err := c.fetchUser(ctx, "/creator/getUser/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	return &models.Creator{
		ID:        firstNonEmpty(payload.id(), id),
		VideoRate: float64(payload.VideoRate),
		AudioRate: float64(payload.AudioRate),
		ChatRate:  float64(payload.ChatRate),
	}, nil
}

// NotifySessionEnded posts {callId|chatId, reason} to the session end endpoint.
func (c *Client) NotifySessionEnded(ctx context.Context, t models.SessionType, sessionID string, reason models.EndReason) error {
	key := "callId"
	if t == models.SessionChat {
		key = "chatId"
	}
	body, err := json.Marshal(map[string]string{
		key:      sessionID,
		"reason": string(reason),
	})
	if err != nil {
		return fmt.Errorf("marshal session end: %w", err)
	}

	fullURL, err := c.resolve(c.sessionEndPath)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if _, err := c.do(req); err != nil {
		return fmt.Errorf("notify session end: %w", err)
	}
	c.log.Info("backend notified of session end", "session_id", sessionID, "reason", string(reason))
	return nil
}

func (c *Client) fetchUser(ctx context.Context, path string) (userPayload, error) {
	fullURL, err := c.resolve(path)
	if err != nil {
		return userPayload{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return userPayload{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	raw, err := c.do(req)
	if err != nil {
		return userPayload{}, err
	}

	// some endpoints wrap the record in {"user": {...}} or {"data": {...}}
	var envelope struct {
		User *userPayload `json:"user"`
		Data *userPayload `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.User != nil {
			return *envelope.User, nil
		}
		if envelope.Data != nil {
			return *envelope.Data, nil
		}
	}

	var payload userPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return userPayload{}, fmt.Errorf("decode user: %w (body=%s)", err, truncateBody(raw))
	}
	return payload, nil
}

func (c *Client) resolve(path string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	return base.JoinPath(path).String(), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("backend request failed", "status", resp.StatusCode, "method", req.Method, "path", req.URL.Path, "body", truncateBody(raw))
		return nil, fmt.Errorf("backend error: status=%d path=%s body=%s", resp.StatusCode, req.URL.Path, truncateBody(raw))
	}
	return raw, nil
}

// flexible decodes a number sent as a JSON number, a numeric string or null.
type flexible float64

func (f *flexible) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexible(v)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
