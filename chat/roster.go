package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

const defaultSettle = 5 * time.Second

// Roster reads a channel's current chat participant list over anonymous IRC.
// The zero value is usable.
type Roster struct {
	// Settle is how long the connection stays joined so membership messages
	// can accumulate. Large chats deliver NAMES in several bursts.
	Settle time.Duration

	// fetch is a test seam; nil means the real IRC path.
	fetch func(ctx context.Context, channel string, settle time.Duration) ([]string, error)
}

// Chatters returns the usernames currently in the channel's chat, lowercased,
// trimmed, and deduplicated. The connection is torn down before returning.
func (r *Roster) Chatters(ctx context.Context, channel string) ([]string, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return nil, fmt.Errorf("channel empty")
	}
	settle := r.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	fetch := r.fetch
	if fetch == nil {
		fetch = ircChatters
	}
	names, err := fetch(ctx, channel, settle)
	if err != nil {
		return nil, err
	}
	return Normalize(names), nil
}

func ircChatters(ctx context.Context, channel string, settle time.Duration) ([]string, error) {
	client := twitch.NewAnonymousClient()
	client.Capabilities = []string{twitch.MembershipCapability}

	// OnConnect fires again after the library's automatic reconnects, so the
	// signal must be idempotent.
	connected := make(chan struct{})
	client.OnConnect(closeOnce(connected))
	client.Join(channel)

	connErr := make(chan error, 1)
	go func() { connErr <- client.Connect() }()
	defer func() {
		if err := client.Disconnect(); err != nil {
			slog.Debug("roster disconnect", slog.String("channel", channel), slog.Any("err", err))
		}
	}()

	select {
	case <-connected:
	case err := <-connErr:
		return nil, fmt.Errorf("irc connect to %s: %w", channel, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Poll the tracked userlist until it stops growing or the settle window
	// runs out. Userlist errors until the first NAMES burst lands.
	deadline := time.NewTimer(settle)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	var last []string
	stable := 0
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case err := <-connErr:
			return last, fmt.Errorf("irc connection dropped: %w", err)
		case <-deadline.C:
			return last, nil
		case <-tick.C:
			names, err := client.Userlist(channel)
			if err != nil {
				continue
			}
			if len(names) == len(last) && len(names) > 0 {
				stable++
				if stable >= 2 {
					return names, nil
				}
			} else {
				stable = 0
			}
			last = names
		}
	}
}

// closeOnce returns a callback that closes ch the first time only; later
// invocations are no-ops.
func closeOnce(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}

// Normalize lowercases, trims, deduplicates, and sorts a username list.
func Normalize(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
