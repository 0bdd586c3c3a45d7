// Package crawl turns one tracked channel into a snapshot of viewer presence.
// Four stages run in order: the channel's followers, the accounts each
// follower follows, which of those accounts are live, and which followers sit
// in each live chat. The output is the observation batch the session
// reconciler consumes.
package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/ttv-presence/chat"
	"github.com/onnwee/ttv-presence/session"
	"github.com/onnwee/ttv-presence/telemetry"
	"github.com/onnwee/ttv-presence/twitchapi"
)

// DefaultConcurrency bounds the per-follower and per-channel fan-out.
const DefaultConcurrency = 4

// Source is the platform query surface the crawl runs against.
type Source interface {
	GetUserID(ctx context.Context, login string) (string, error)
	Follows(ctx context.Context, direction twitchapi.Direction, userID, after string) ([]twitchapi.FollowEdge, string, error)
	LiveStreams(ctx context.Context, userIDs []string) ([]twitchapi.Stream, error)
	Chatters(ctx context.Context, channel string) ([]string, error)
}

// PlatformSource adapts the Helix client and the IRC roster into one Source.
type PlatformSource struct {
	Helix  *twitchapi.Client
	Roster *chat.Roster
}

func (p *PlatformSource) GetUserID(ctx context.Context, login string) (string, error) {
	return p.Helix.GetUserID(ctx, login)
}

func (p *PlatformSource) Follows(ctx context.Context, direction twitchapi.Direction, userID, after string) ([]twitchapi.FollowEdge, string, error) {
	return p.Helix.Follows(ctx, direction, userID, after)
}

func (p *PlatformSource) LiveStreams(ctx context.Context, userIDs []string) ([]twitchapi.Stream, error) {
	return p.Helix.LiveStreams(ctx, userIDs)
}

func (p *PlatformSource) Chatters(ctx context.Context, channel string) ([]string, error) {
	return p.Roster.Chatters(ctx, channel)
}

// Crawler runs the four-stage pipeline. Progress lands on 0/25/50/75/100 at
// stage boundaries with interpolation inside the two fan-out stages; it is
// advisory only and never gates behavior.
type Crawler struct {
	Source      Source
	Concurrency int       // fan-out bound; defaults to DefaultConcurrency
	OnProgress  func(int) // optional, called with 0..100
}

func (c *Crawler) progress(p int) {
	if c.OnProgress != nil {
		c.OnProgress(p)
	}
}

func (c *Crawler) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return DefaultConcurrency
}

// Crawl produces the observation batch for one channel. A per-follower or
// per-live-channel failure is skipped so one bad account cannot wipe out the
// whole snapshot; only stage-level failures (the channel itself, liveness)
// abort the crawl.
func (c *Crawler) Crawl(ctx context.Context, channel string) ([]session.Observation, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return nil, fmt.Errorf("channel empty")
	}

	ctx, span := telemetry.StartSpan(ctx, "crawl", "crawl.pipeline",
		attribute.String("channel", channel))
	defer span.End()

	start := time.Now()
	telemetry.IncCrawlsStarted()
	obs, err := c.crawl(ctx, channel)
	telemetry.CrawlFinished(time.Since(start), len(obs), err)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("observations", len(obs)))
	telemetry.SetSpanSuccess(span)
	return obs, nil
}

func (c *Crawler) crawl(ctx context.Context, channel string) ([]session.Observation, error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", channel))
	c.progress(0)

	// Stage 1: the channel's followers. An empty list is a valid outcome and
	// ends the crawl early.
	channelID, err := c.Source.GetUserID(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", channel, err)
	}
	followerEdges, err := collectFollows(ctx, c.Source, twitchapi.Followers, channelID)
	if err != nil {
		return nil, fmt.Errorf("followers of %s: %w", channel, err)
	}
	c.progress(25)
	if len(followerEdges) == 0 {
		log.Info("channel has no followers, nothing to crawl")
		c.progress(100)
		return nil, nil
	}

	followerIDs := make([]string, 0, len(followerEdges))
	followerLogins := make(map[string]struct{}, len(followerEdges))
	for _, e := range followerEdges {
		followerIDs = append(followerIDs, e.FromID)
		followerLogins[strings.ToLower(e.FromLogin)] = struct{}{}
	}
	log.Info("followers fetched", slog.Int("count", len(followerIDs)))

	// Stage 2: union of everyone the followers follow. The dominant cost, so
	// it fans out with a bounded group; a failed follower is skipped.
	followed := c.transitiveFollows(ctx, log, followerIDs)
	c.progress(50)
	if len(followed) == 0 {
		c.progress(100)
		return nil, nil
	}

	// Stage 3: which of those accounts are live right now.
	ids := make([]string, 0, len(followed))
	for id := range followed {
		ids = append(ids, id)
	}
	streams, err := c.Source.LiveStreams(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("live status: %w", err)
	}
	c.progress(75)
	log.Info("liveness checked", slog.Int("candidates", len(ids)), slog.Int("live", len(streams)))

	// Stage 4: per live channel, intersect its chat roster with the stage-1
	// follower set. A failed roster read skips that channel.
	obs := c.chatMembership(ctx, log, streams, followerLogins)
	c.progress(100)
	return obs, nil
}

func (c *Crawler) transitiveFollows(ctx context.Context, log *slog.Logger, followerIDs []string) map[string]struct{} {
	var mu sync.Mutex
	followed := make(map[string]struct{})
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency())
	for _, id := range followerIDs {
		g.Go(func() error {
			edges, err := collectFollows(gctx, c.Source, twitchapi.Following, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("skipping follower", slog.String("follower_id", id), slog.Any("err", err))
			} else {
				for _, e := range edges {
					followed[e.ToID] = struct{}{}
				}
			}
			done++
			c.progress(interpolate(25, done, len(followerIDs)))
			return nil
		})
	}
	_ = g.Wait() // per-item errors are swallowed above
	return followed
}

func (c *Crawler) chatMembership(ctx context.Context, log *slog.Logger, streams []twitchapi.Stream, followerLogins map[string]struct{}) []session.Observation {
	var mu sync.Mutex
	var obs []session.Observation
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency())
	for _, s := range streams {
		g.Go(func() error {
			chatters, err := c.Source.Chatters(gctx, s.UserLogin)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("skipping live channel roster", slog.String("live_channel", s.UserLogin), slog.Any("err", err))
			} else {
				for _, name := range chatters {
					if _, ok := followerLogins[strings.ToLower(name)]; ok {
						obs = append(obs, session.Observation{
							Username: name,
							Channel:  s.UserLogin,
							Game:     s.GameName,
						})
					}
				}
			}
			done++
			c.progress(interpolate(75, done, len(streams)))
			return nil
		})
	}
	_ = g.Wait()
	return obs
}

// collectFollows walks the cursor pagination for one user until the platform
// signals end-of-results: an empty page, or an empty cursor (whether that is
// the first response or one that followed a supplied cursor).
func collectFollows(ctx context.Context, src Source, direction twitchapi.Direction, userID string) ([]twitchapi.FollowEdge, error) {
	var all []twitchapi.FollowEdge
	after := ""
	for {
		page, cursor, err := src.Follows(ctx, direction, userID, after)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) == 0 || cursor == "" {
			return all, nil
		}
		after = cursor
	}
}

// interpolate maps done/total onto base..base+25, rounding up so the first
// completed item already moves the needle.
func interpolate(base, done, total int) int {
	if total <= 0 {
		return base + 25
	}
	p := base + (done*25+total-1)/total
	if p > base+25 {
		p = base + 25
	}
	return p
}
