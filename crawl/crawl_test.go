package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/ttv-presence/twitchapi"
)

// fakeSource drives the pipeline from canned data. Follower edges and follow
// lists are keyed by user id; chatters by channel login.
type fakeSource struct {
	mu sync.Mutex

	userIDs      map[string]string
	followers    map[string][]twitchapi.FollowEdge // to_id -> followers
	following    map[string][]twitchapi.FollowEdge // from_id -> followed accounts
	followingErr map[string]error
	streams      []twitchapi.Stream
	streamsErr   error
	chatters     map[string][]string
	chattersErr  map[string]error

	followRequests int
}

func (f *fakeSource) GetUserID(_ context.Context, login string) (string, error) {
	if id, ok := f.userIDs[login]; ok {
		return id, nil
	}
	return "", fmt.Errorf("user not found: %s", login)
}

func (f *fakeSource) Follows(_ context.Context, direction twitchapi.Direction, userID, after string) ([]twitchapi.FollowEdge, string, error) {
	f.mu.Lock()
	f.followRequests++
	f.mu.Unlock()
	switch direction {
	case twitchapi.Followers:
		return f.followers[userID], "", nil
	case twitchapi.Following:
		if err := f.followingErr[userID]; err != nil {
			return nil, "", err
		}
		return f.following[userID], "", nil
	}
	return nil, "", fmt.Errorf("unknown direction %q", direction)
}

func (f *fakeSource) LiveStreams(_ context.Context, _ []string) ([]twitchapi.Stream, error) {
	return f.streams, f.streamsErr
}

func (f *fakeSource) Chatters(_ context.Context, channel string) ([]string, error) {
	if err := f.chattersErr[channel]; err != nil {
		return nil, err
	}
	return f.chatters[channel], nil
}

// twoFollowerWorld is a small consistent fixture: oxcanteven is followed by
// tek and bear, both of whom follow streamer_a who is live playing tetris
// with both of them in chat.
func twoFollowerWorld() *fakeSource {
	return &fakeSource{
		userIDs: map[string]string{"oxcanteven": "100"},
		followers: map[string][]twitchapi.FollowEdge{
			"100": {
				{FromID: "1", FromLogin: "tek", ToID: "100"},
				{FromID: "2", FromLogin: "bear", ToID: "100"},
			},
		},
		following: map[string][]twitchapi.FollowEdge{
			"1": {{FromID: "1", ToID: "200", ToLogin: "streamer_a"}},
			"2": {{FromID: "2", ToID: "200", ToLogin: "streamer_a"}},
		},
		streams: []twitchapi.Stream{
			{UserID: "200", UserLogin: "streamer_a", GameName: "tetris"},
		},
		chatters: map[string][]string{
			"streamer_a": {"tek", "bear", "some_stranger"},
		},
	}
}

func TestCrawlHappyPath(t *testing.T) {
	c := &Crawler{Source: twoFollowerWorld()}
	obs, err := c.Crawl(context.Background(), "OxCantEven")
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("observations = %d, want 2 (strangers excluded)", len(obs))
	}
	seen := map[string]bool{}
	for _, o := range obs {
		if o.Channel != "streamer_a" || o.Game != "tetris" {
			t.Errorf("observation = %+v, want channel streamer_a game tetris", o)
		}
		seen[o.Username] = true
	}
	if !seen["tek"] || !seen["bear"] {
		t.Errorf("observed users = %v, want tek and bear", seen)
	}
}

func TestCrawlProgressSequence(t *testing.T) {
	var progress []int
	c := &Crawler{
		Source:      twoFollowerWorld(),
		Concurrency: 1, // deterministic interpolation order
		OnProgress:  func(p int) { progress = append(progress, p) },
	}
	if _, err := c.Crawl(context.Background(), "oxcanteven"); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(progress) == 0 || progress[0] != 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("progress = %v, want 0 first and 100 last", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards at %d: %v", i, progress)
		}
	}
	for _, milestone := range []int{25, 50, 75} {
		found := false
		for _, p := range progress {
			if p == milestone {
				found = true
			}
		}
		if !found {
			t.Errorf("progress %v missing milestone %d", progress, milestone)
		}
	}
}

func TestCrawlEmptyFollowersShortCircuits(t *testing.T) {
	src := twoFollowerWorld()
	src.followers["100"] = nil
	var progress []int
	c := &Crawler{Source: src, OnProgress: func(p int) { progress = append(progress, p) }}

	obs, err := c.Crawl(context.Background(), "oxcanteven")
	if err != nil {
		t.Fatalf("Crawl() error = %v, want nil (empty followers is valid)", err)
	}
	if len(obs) != 0 {
		t.Errorf("observations = %d, want 0", len(obs))
	}
	if progress[len(progress)-1] != 100 {
		t.Errorf("progress = %v, want to finish at 100", progress)
	}
}

func TestCrawlPartialFollowerFailureIsolated(t *testing.T) {
	src := &fakeSource{
		userIDs:      map[string]string{"chan": "100"},
		followers:    map[string][]twitchapi.FollowEdge{"100": {}},
		following:    map[string][]twitchapi.FollowEdge{},
		followingErr: map[string]error{},
		chatters:     map[string][]string{},
	}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("%d", i)
		login := fmt.Sprintf("f%d", i)
		src.followers["100"] = append(src.followers["100"], twitchapi.FollowEdge{FromID: id, FromLogin: login, ToID: "100"})
		src.following[id] = []twitchapi.FollowEdge{{FromID: id, ToID: "200", ToLogin: "streamer_a"}}
	}
	src.followingErr["2"] = errors.New("platform timeout")
	src.streams = []twitchapi.Stream{{UserID: "200", UserLogin: "streamer_a", GameName: "chess"}}
	src.chatters["streamer_a"] = []string{"f1", "f2", "f3", "f4", "f5"}

	c := &Crawler{Source: src}
	obs, err := c.Crawl(context.Background(), "chan")
	if err != nil {
		t.Fatalf("Crawl() error = %v, want partial result", err)
	}
	// f2's follow list failed but f2 itself is still a stage-1 follower, so
	// the roster intersection keeps all five.
	if len(obs) != 5 {
		t.Errorf("observations = %d, want 5", len(obs))
	}
}

func TestCrawlLivenessFailureAborts(t *testing.T) {
	src := twoFollowerWorld()
	src.streamsErr = errors.New("helix down")
	c := &Crawler{Source: src}
	if _, err := c.Crawl(context.Background(), "oxcanteven"); err == nil {
		t.Fatal("Crawl() error = nil, want liveness failure to abort")
	}
}

func TestCrawlRosterFailureSkipsChannel(t *testing.T) {
	src := twoFollowerWorld()
	src.streams = append(src.streams, twitchapi.Stream{UserID: "201", UserLogin: "streamer_b", GameName: "chess"})
	src.chatters["streamer_b"] = []string{"tek"}
	src.chattersErr = map[string]error{"streamer_a": errors.New("irc refused")}

	c := &Crawler{Source: src}
	obs, err := c.Crawl(context.Background(), "oxcanteven")
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(obs) != 1 || obs[0].Channel != "streamer_b" {
		t.Errorf("observations = %+v, want single streamer_b entry", obs)
	}
}

func TestCrawlIntersectionIsCaseInsensitive(t *testing.T) {
	src := twoFollowerWorld()
	src.followers["100"] = []twitchapi.FollowEdge{{FromID: "1", FromLogin: "TekVT", ToID: "100"}}
	src.following = map[string][]twitchapi.FollowEdge{"1": {{FromID: "1", ToID: "200", ToLogin: "streamer_a"}}}
	src.chatters["streamer_a"] = []string{"tekvt"}

	c := &Crawler{Source: src}
	obs, err := c.Crawl(context.Background(), "oxcanteven")
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(obs) != 1 || !strings.EqualFold(obs[0].Username, "tekvt") {
		t.Errorf("observations = %+v, want case-insensitive match on tekvt", obs)
	}
}

// paginatedSource returns one full page with a cursor, then an empty page.
type paginatedSource struct {
	fakeSource
	requests int
}

func (p *paginatedSource) Follows(_ context.Context, _ twitchapi.Direction, _ string, after string) ([]twitchapi.FollowEdge, string, error) {
	p.requests++
	if after == "" {
		page := make([]twitchapi.FollowEdge, twitchapi.FollowPageSize)
		for i := range page {
			page[i] = twitchapi.FollowEdge{FromID: fmt.Sprintf("%d", i), ToID: "100"}
		}
		return page, "cursor-1", nil
	}
	return nil, "", nil
}

func TestPaginationTerminatesAfterEmptyPage(t *testing.T) {
	src := &paginatedSource{}
	edges, err := collectFollows(context.Background(), src, twitchapi.Followers, "100")
	if err != nil {
		t.Fatalf("collectFollows() error = %v", err)
	}
	if len(edges) != twitchapi.FollowPageSize {
		t.Errorf("edges = %d, want %d", len(edges), twitchapi.FollowPageSize)
	}
	if src.requests != 2 {
		t.Errorf("requests = %d, want exactly 2", src.requests)
	}
}

func TestPaginationSinglePageWithoutCursor(t *testing.T) {
	src := twoFollowerWorld()
	edges, err := collectFollows(context.Background(), src, twitchapi.Followers, "100")
	if err != nil {
		t.Fatalf("collectFollows() error = %v", err)
	}
	if len(edges) != 2 {
		t.Errorf("edges = %d, want 2", len(edges))
	}
	if src.followRequests != 1 {
		t.Errorf("requests = %d, want 1 (no cursor means single page)", src.followRequests)
	}
}

func TestInterpolate(t *testing.T) {
	tests := []struct {
		base, done, total, want int
	}{
		{25, 0, 4, 25},
		{25, 1, 4, 32}, // ceil(25/4) = 7
		{25, 4, 4, 50},
		{75, 1, 1, 100},
		{75, 0, 0, 100}, // empty stage jumps to the boundary
	}
	for _, tt := range tests {
		if got := interpolate(tt.base, tt.done, tt.total); got != tt.want {
			t.Errorf("interpolate(%d, %d, %d) = %d, want %d", tt.base, tt.done, tt.total, got, tt.want)
		}
	}
}
