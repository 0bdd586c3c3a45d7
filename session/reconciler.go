package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/ttv-presence/telemetry"
)

// DefaultTolerance is the gap between two observations of the same key that
// still counts as one continuous session.
const DefaultTolerance = 30 * time.Minute

// Reconciler merges observation batches into the session store. Each call is
// one transaction spanning identity resolution and session writes, so a
// failure leaves no partial batch behind.
type Reconciler struct {
	DB        *sql.DB
	Tolerance time.Duration    // defaults to DefaultTolerance
	Now       func() time.Time // defaults to time.Now; injectable for tests
}

func (r *Reconciler) tolerance() time.Duration {
	if r.Tolerance > 0 {
		return r.Tolerance
	}
	return DefaultTolerance
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Reconcile persists one poll's observations: every distinct key either
// extends its open session (left_at bumped to now) or starts a new one
// (joined_at = left_at = now). An empty batch is a no-op. Any storage failure
// rolls back the entire batch.
func (r *Reconciler) Reconcile(ctx context.Context, observations []Observation) error {
	if len(observations) == 0 {
		return nil
	}
	start := time.Now()

	obs := make([]Observation, 0, len(observations))
	nameSet := make(map[string]struct{})
	gameSet := make(map[string]struct{})
	for _, o := range observations {
		o = o.Normalize()
		if o.Username == "" || o.Channel == "" || o.Game == "" {
			continue
		}
		obs = append(obs, o)
		nameSet[o.Username] = struct{}{}
		nameSet[o.Channel] = struct{}{}
		gameSet[o.Game] = struct{}{}
	}
	if len(obs) == 0 {
		return nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		telemetry.IncReconcileFailures()
		return fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	users, err := getOrCreate(ctx, tx, "twitch_users", "username", setToSlice(nameSet))
	if err != nil {
		telemetry.IncReconcileFailures()
		return fmt.Errorf("resolve users: %w", err)
	}
	games, err := getOrCreate(ctx, tx, "twitch_games", "name", setToSlice(gameSet))
	if err != nil {
		telemetry.IncReconcileFailures()
		return fmt.Errorf("resolve games: %w", err)
	}
	if len(users) == 0 || len(games) == 0 {
		telemetry.IncReconcileFailures()
		return fmt.Errorf("identity resolution returned no rows (users=%d games=%d)", len(users), len(games))
	}

	keys := make([]Key, 0, len(obs))
	for _, o := range obs {
		userID, okU := users[o.Username]
		channelID, okC := users[o.Channel]
		gameID, okG := games[o.Game]
		if !okU || !okC || !okG {
			// Should not happen: get-or-create covers every name in the batch.
			slog.Warn("observation lost identity mapping",
				slog.String("user", o.Username), slog.String("channel", o.Channel), slog.String("game", o.Game))
			continue
		}
		keys = append(keys, Key{UserID: userID, ChannelID: channelID, GameID: gameID})
	}

	latest, err := latestByKey(ctx, tx, keys)
	if err != nil {
		telemetry.IncReconcileFailures()
		return fmt.Errorf("load latest sessions: %w", err)
	}

	now := r.now()
	inserts, extendIDs := Plan(now, r.tolerance(), keys, latest)

	if len(inserts) > 0 {
		userIDs := make([]int64, len(inserts))
		channelIDs := make([]int64, len(inserts))
		gameIDs := make([]int64, len(inserts))
		for i, k := range inserts {
			userIDs[i] = k.UserID
			channelIDs[i] = k.ChannelID
			gameIDs[i] = k.GameID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_sessions (twitch_user_id, twitch_channel_id, twitch_game_id, joined_at, left_at)
			SELECT u, c, g, $4, $4 FROM unnest($1::bigint[], $2::bigint[], $3::bigint[]) AS t(u, c, g)`,
			userIDs, channelIDs, gameIDs, now); err != nil {
			telemetry.IncReconcileFailures()
			return fmt.Errorf("insert sessions: %w", err)
		}
	}
	if len(extendIDs) > 0 {
		// left_at only ever moves forward.
		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_sessions SET left_at = $1 WHERE id = ANY($2::bigint[]) AND left_at < $1`,
			now, extendIDs); err != nil {
			telemetry.IncReconcileFailures()
			return fmt.Errorf("extend sessions: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		telemetry.IncReconcileFailures()
		return fmt.Errorf("commit reconcile tx: %w", err)
	}

	telemetry.AddSessionsCreated(len(inserts))
	telemetry.AddSessionsExtended(len(extendIDs))
	telemetry.ObserveReconcileDuration(time.Since(start))
	slog.Debug("reconciled observations",
		slog.Int("observations", len(obs)),
		slog.Int("created", len(inserts)),
		slog.Int("extended", len(extendIDs)))
	return nil
}

// getOrCreate resolves names to stable integer identities, creating missing
// rows. The unique constraint plus ON CONFLICT DO NOTHING makes it safe under
// concurrent insert attempts on the same name; the re-select then sees the
// winner's row.
func getOrCreate(ctx context.Context, tx *sql.Tx, table, column string, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	if len(names) == 0 {
		return out, nil
	}
	//nolint:gosec // G201: table/column come from two call sites with constant values
	insert := fmt.Sprintf(`INSERT INTO %s (%s) SELECT unnest($1::text[]) ON CONFLICT (%s) DO NOTHING`, table, column, column)
	if _, err := tx.ExecContext(ctx, insert, names); err != nil {
		return nil, err
	}
	//nolint:gosec // G201: same constant identifiers
	query := fmt.Sprintf(`SELECT id, %s FROM %s WHERE %s = ANY($1::text[])`, column, table, column)
	rows, err := tx.QueryContext(ctx, query, names)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

// latestByKey fetches the most recently closed session for every key in one
// query. Ties on left_at break on the higher id so concurrent writers still
// yield a deterministic winner.
func latestByKey(ctx context.Context, tx *sql.Tx, keys []Key) (map[Key]Record, error) {
	out := make(map[Key]Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	userIDs := make([]int64, len(keys))
	channelIDs := make([]int64, len(keys))
	gameIDs := make([]int64, len(keys))
	for i, k := range keys {
		userIDs[i] = k.UserID
		channelIDs[i] = k.ChannelID
		gameIDs[i] = k.GameID
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT ON (twitch_user_id, twitch_channel_id, twitch_game_id)
			id, twitch_user_id, twitch_channel_id, twitch_game_id, joined_at, left_at
		FROM chat_sessions
		WHERE (twitch_user_id, twitch_channel_id, twitch_game_id) IN (
			SELECT u, c, g FROM unnest($1::bigint[], $2::bigint[], $3::bigint[]) AS t(u, c, g))
		ORDER BY twitch_user_id, twitch_channel_id, twitch_game_id, left_at DESC, id DESC`,
		userIDs, channelIDs, gameIDs)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Key.UserID, &rec.Key.ChannelID, &rec.Key.GameID, &rec.JoinedAt, &rec.LeftAt); err != nil {
			return nil, err
		}
		out[rec.Key] = rec
	}
	return out, rows.Err()
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
