package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"
)

func testClient(serverURL string) *Client {
	return &Client{
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		ClientID:    "test-client-id",
		BaseURL:     serverURL,
	}
}

func TestClientGetUserID(t *testing.T) {
	tests := []struct {
		name        string
		login       string
		data        []map[string]string
		statusCode  int
		wantUserID  string
		wantErr     bool
		errContains string
	}{
		{
			name:       "successful lookup",
			login:      "testuser",
			data:       []map[string]string{{"id": "12345", "login": "testuser"}},
			statusCode: http.StatusOK,
			wantUserID: "12345",
		},
		{
			name:       "user not found",
			login:      "nonexistent",
			data:       []map[string]string{},
			statusCode: http.StatusOK,
			wantErr:    true,
		},
		{
			name:    "empty login",
			login:   "",
			wantErr: true,
		},
		{
			name:       "server error",
			login:      "testuser",
			statusCode: http.StatusInternalServerError,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if got := r.URL.Query().Get("login"); got != tt.login {
					t.Errorf("login query param = %q, want %q", got, tt.login)
				}
				w.WriteHeader(tt.statusCode)
				_ = json.NewEncoder(w).Encode(map[string]any{"data": tt.data})
			}))
			defer server.Close()

			got, err := testClient(server.URL).GetUserID(context.Background(), tt.login)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetUserID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.wantUserID {
				t.Errorf("GetUserID() = %q, want %q", got, tt.wantUserID)
			}
		})
	}
}

func TestClientFollowsDirections(t *testing.T) {
	var gotFrom, gotTo string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFrom = r.URL.Query().Get("from_id")
		gotTo = r.URL.Query().Get("to_id")
		if got := r.URL.Query().Get("first"); got != "100" {
			t.Errorf("first = %q, want 100", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"from_id": "1", "from_login": "a", "to_id": "2", "to_login": "b"},
			},
			"pagination": map[string]string{},
		})
	}))
	defer server.Close()
	client := testClient(server.URL)

	edges, cursor, err := client.Follows(context.Background(), Following, "u1", "")
	if err != nil {
		t.Fatalf("Follows(Following) error = %v", err)
	}
	if gotFrom != "u1" || gotTo != "" {
		t.Errorf("Following query = from_id=%q to_id=%q, want from_id=u1", gotFrom, gotTo)
	}
	if len(edges) != 1 || cursor != "" {
		t.Errorf("Follows() = %v edges, cursor %q", len(edges), cursor)
	}

	if _, _, err := client.Follows(context.Background(), Followers, "u2", ""); err != nil {
		t.Fatalf("Follows(Followers) error = %v", err)
	}
	if gotTo != "u2" || gotFrom != "" {
		t.Errorf("Followers query = from_id=%q to_id=%q, want to_id=u2", gotFrom, gotTo)
	}

	if _, _, err := client.Follows(context.Background(), Direction("sideways"), "u3", ""); err == nil {
		t.Error("unknown direction should fail")
	}
	if _, _, err := client.Follows(context.Background(), Following, "", ""); err == nil {
		t.Error("empty user id should fail")
	}
}

func TestClientFollowsCursorPassthrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("after"); got != "cursor-1" {
			t.Errorf("after = %q, want cursor-1", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":       []map[string]string{{"from_id": "1", "to_id": "2"}},
			"pagination": map[string]string{"cursor": "cursor-2"},
		})
	}))
	defer server.Close()

	_, cursor, err := testClient(server.URL).Follows(context.Background(), Followers, "u1", "cursor-1")
	if err != nil {
		t.Fatalf("Follows() error = %v", err)
	}
	if cursor != "cursor-2" {
		t.Errorf("cursor = %q, want cursor-2", cursor)
	}
}

func TestClientLiveStreamsBatching(t *testing.T) {
	var requests [][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query()["user_id"]
		requests = append(requests, ids)
		streams := make([]map[string]any, 0, 1)
		// Only the first id of each batch is "live".
		if len(ids) > 0 {
			streams = append(streams, map[string]any{
				"user_id": ids[0], "user_login": "login-" + ids[0], "game_name": "Tetris",
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": streams})
	}))
	defer server.Close()

	ids := make([]string, 150)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}
	streams, err := testClient(server.URL).LiveStreams(context.Background(), ids)
	if err != nil {
		t.Fatalf("LiveStreams() error = %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2 (150 ids at 100 per page)", len(requests))
	}
	if len(requests[0]) != 100 || len(requests[1]) != 50 {
		t.Errorf("batch sizes = %d, %d, want 100, 50", len(requests[0]), len(requests[1]))
	}
	if len(streams) != 2 {
		t.Errorf("streams = %d, want 2", len(streams))
	}
}

func TestClientLiveStreamsPartialBatchFailure(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"user_id": "x", "user_login": "x", "game_name": "Chess"}},
		})
	}))
	defer server.Close()

	ids := make([]string, 101) // two batches
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}
	streams, err := testClient(server.URL).LiveStreams(context.Background(), ids)
	if err != nil {
		t.Fatalf("LiveStreams() error = %v, want partial success", err)
	}
	if len(streams) != 1 {
		t.Errorf("streams = %d, want 1 from the surviving batch", len(streams))
	}
}

func TestClientLiveStreamsAllBatchesFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	if _, err := testClient(server.URL).LiveStreams(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("LiveStreams() should fail when every batch fails")
	}
}

func TestClientLiveStreamsEmptyInput(t *testing.T) {
	streams, err := testClient("http://127.0.0.1:0").LiveStreams(context.Background(), nil)
	if err != nil {
		t.Fatalf("LiveStreams(nil) error = %v", err)
	}
	if len(streams) != 0 {
		t.Errorf("streams = %d, want 0", len(streams))
	}
}
