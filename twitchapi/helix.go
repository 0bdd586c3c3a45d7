// Package twitchapi contains helpers to interact with Twitch Helix APIs for
// user id resolution, follow-graph queries, and live-stream lookup, using an
// app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Twitch Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// MaxStreamsPerRequest is the platform ceiling on user_id filters per
// /streams request.
const MaxStreamsPerRequest = 100

// FollowPageSize is the maximum page size for /users/follows.
const FollowPageSize = 100

const defaultRequestTimeout = 10 * time.Second

// Direction selects which side of the follow edge a query pins.
type Direction string

const (
	// Following lists the accounts a user follows (from_id=user).
	Following Direction = "following"
	// Followers lists the accounts following a user (to_id=user).
	Followers Direction = "followers"
)

// FollowEdge is one follow relationship returned by the platform.
type FollowEdge struct {
	FromID    string `json:"from_id"`
	FromLogin string `json:"from_login"`
	ToID      string `json:"to_id"`
	ToLogin   string `json:"to_login"`
}

// Stream describes one currently-live broadcast.
type Stream struct {
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	GameName  string    `json:"game_name"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

// Client is a minimal Helix API client. Every call applies the configured
// rate limiter and a per-call timeout so a stalled platform request can never
// block a poll loop indefinitely.
type Client struct {
	TokenSource    oauth2.TokenSource
	ClientID       string
	BaseURL        string // defaults to DefaultBaseURL
	HTTPClient     *http.Client
	Limiter        *rate.Limiter // optional client-side pacing
	RequestTimeout time.Duration // defaults to 10s
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	tok, err := c.TokenSource.Token()
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = query.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (c *Client) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/users", q, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found: %s", login)
	}
	return body.Data[0].ID, nil
}

// Follows fetches one page of follow edges for a user. The direction selects
// whether the user is the follower (Following) or the followee (Followers).
// It returns the page and the cursor for the next one; an empty cursor after
// a request that supplied one means this was the last page.
func (c *Client) Follows(ctx context.Context, direction Direction, userID, after string) ([]FollowEdge, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	q := url.Values{}
	switch direction {
	case Following:
		q.Set("from_id", userID)
	case Followers:
		q.Set("to_id", userID)
	default:
		return nil, "", fmt.Errorf("unknown follow direction %q", direction)
	}
	q.Set("first", strconv.Itoa(FollowPageSize))
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data       []FollowEdge `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := c.get(ctx, "/users/follows", q, &body); err != nil {
		return nil, "", err
	}
	return body.Data, body.Pagination.Cursor, nil
}

// LiveStreams reports which of the given user ids are currently broadcasting,
// batching requests at the platform's 100-id ceiling. A failed batch is
// skipped so one bad page cannot wipe out the whole liveness check; the error
// is returned only when every batch fails.
func (c *Client) LiveStreams(ctx context.Context, userIDs []string) ([]Stream, error) {
	var all []Stream
	var lastErr error
	failed := 0
	batches := 0
	for start := 0; start < len(userIDs); start += MaxStreamsPerRequest {
		end := start + MaxStreamsPerRequest
		if end > len(userIDs) {
			end = len(userIDs)
		}
		batches++
		q := url.Values{}
		q.Set("type", "live")
		q.Set("first", strconv.Itoa(end-start))
		for _, id := range userIDs[start:end] {
			q.Add("user_id", id)
		}
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := c.get(ctx, "/streams", q, &body); err != nil {
			slog.Warn("live streams batch failed", slog.Int("offset", start), slog.Any("err", err))
			lastErr = err
			failed++
			continue
		}
		all = append(all, body.Data...)
	}
	if batches > 0 && failed == batches {
		return nil, fmt.Errorf("all %d live-stream batches failed: %w", batches, lastErr)
	}
	return all, nil
}
