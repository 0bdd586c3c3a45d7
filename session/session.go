// Package session reconciles point-in-time chat observations into continuous
// presence sessions. A session records one user staying in one channel's chat
// while one game was being played; repeated sightings within the disconnect
// tolerance extend the open session instead of creating a new row.
package session

import (
	"strings"
	"time"
)

// Observation is one ephemeral (user, channel, game) sighting produced by a
// single poll. Identifiers are case-insensitive; Normalize before comparing.
type Observation struct {
	Username string
	Channel  string
	Game     string
}

// Normalize lowercases and trims all three identifiers.
func (o Observation) Normalize() Observation {
	return Observation{
		Username: strings.ToLower(strings.TrimSpace(o.Username)),
		Channel:  strings.ToLower(strings.TrimSpace(o.Channel)),
		Game:     strings.ToLower(strings.TrimSpace(o.Game)),
	}
}

// Key identifies a session stream: one user in one channel under one game.
type Key struct {
	UserID    int64
	ChannelID int64
	GameID    int64
}

// Record is a persisted session row.
type Record struct {
	ID       int64
	Key      Key
	JoinedAt time.Time
	LeftAt   time.Time
}

// Plan decides, for each distinct key observed in a batch, whether the
// observation starts a new session or extends the most recent one. latest
// maps each key to its most recently closed session (if any). Keys may
// repeat; each distinct key yields exactly one action.
func Plan(now time.Time, tolerance time.Duration, keys []Key, latest map[Key]Record) (inserts []Key, extendIDs []int64) {
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		prior, ok := latest[k]
		if !ok || now.Sub(prior.LeftAt) > tolerance {
			inserts = append(inserts, k)
			continue
		}
		extendIDs = append(extendIDs, prior.ID)
	}
	return inserts, extendIDs
}
