package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kestrel-video/agent/internal/logging"
	"github.com/kestrel-video/agent/pkg/api"
)

var log = logging.L("store")

// ErrNoSession is returned for lookups of unknown session ids.
var ErrNoSession = errors.New("store: session not found")

// ErrPathBusy is returned when opening a session on a path that already has
// an open one.
var ErrPathBusy = errors.New("store: path already has an open session")

// DB wraps the sqlite database holding sessions and detections.
type DB struct {
	sql *sql.DB
}

// OpenDB opens (and migrates) the store database. WAL keeps readers off the
// writer's back; busy_timeout absorbs the occasional write collision.
func OpenDB(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"busy_timeout(5000)",
			"foreign_keys(1)",
			"synchronous(NORMAL)",
		},
	}.Encode())

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if err := migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.Info("store db ready", "path", path)
	return &DB{sql: sqlDB}, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id                  TEXT PRIMARY KEY,
	dev_id                      TEXT NOT NULL,
	path                        TEXT NOT NULL,
	status                      TEXT NOT NULL DEFAULT 'open',
	reason                      TEXT,
	start_ts                    INTEGER NOT NULL,
	end_ts                      INTEGER,
	postroll_sec                REAL,
	detected_classes            TEXT NOT NULL DEFAULT '',
	media_connect_ts            INTEGER,
	media_start_ts              INTEGER,
	media_end_ts                INTEGER,
	recommended_start_offset_ms INTEGER,
	archived_ts                 INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_open_per_path
	ON sessions(path) WHERE status = 'open';

CREATE INDEX IF NOT EXISTS idx_sessions_start_ts
	ON sessions(start_ts DESC);

CREATE TABLE IF NOT EXISTS detections (
	session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
	track_id   TEXT NOT NULL,
	cls        TEXT NOT NULL,
	conf       REAL NOT NULL,
	bbox       TEXT NOT NULL,
	first_ts   INTEGER NOT NULL,
	last_ts    INTEGER NOT NULL,
	url_frame  TEXT,
	PRIMARY KEY (session_id, track_id)
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate store db: %w", err)
	}
	return nil
}

// OpenSession inserts a new session or returns the existing record for the
// same id. The partial unique index enforces one open session per path.
func (d *DB) OpenSession(ctx context.Context, req api.OpenRequest) (*api.SessionRecord, bool, error) {
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO sessions (session_id, dev_id, path, status, reason, start_ts)
		VALUES (?, ?, ?, 'open', ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		req.SessionID, req.DevID, req.Path, req.Reason, req.StartTs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, ErrPathBusy
		}
		return nil, false, err
	}
	n, _ := res.RowsAffected()

	rec, err := d.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, false, err
	}
	return rec, n > 0, nil
}

// CloseSession marks the session closed. end_ts is clamped to start_ts so a
// wall-clock jump can never produce a negative-length session.
func (d *DB) CloseSession(ctx context.Context, req api.CloseRequest) error {
	res, err := d.sql.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'closed', end_ts = MAX(?, start_ts), postroll_sec = ?
		WHERE session_id = ?`,
		req.EndTs, req.PostrollSec, req.SessionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSession
	}
	return nil
}

// GetSession fetches one session record.
func (d *DB) GetSession(ctx context.Context, id string) (*api.SessionRecord, error) {
	row := d.sql.QueryRowContext(ctx, sessionSelect+`WHERE session_id = ?`, id)
	return scanSession(row)
}

// ListSessions returns the most recent sessions, newest first.
func (d *DB) ListSessions(ctx context.Context, limit int) ([]api.SessionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := d.sql.QueryContext(ctx,
		sessionSelect+`ORDER BY start_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// ListRange returns sessions overlapping [from, to], newest first.
func (d *DB) ListRange(ctx context.Context, from, to int64, limit int) ([]api.SessionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := d.sql.QueryContext(ctx, sessionSelect+`
		WHERE start_ts <= ? AND COALESCE(end_ts, ?) >= ?
		ORDER BY start_ts DESC LIMIT ?`,
		to, to, from, limit)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// UpsertDetections merges a detection batch. A higher-confidence sighting
// replaces cls/conf/bbox/url_frame; timestamps only ever widen the track's
// [first_ts, last_ts] interval.
func (d *DB) UpsertDetections(ctx context.Context, sessionID string, dets []api.Detection, ts int64) (inserted int, total int, err error) {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&exists); err != nil {
		return 0, 0, err
	}
	if exists == 0 {
		return 0, 0, ErrNoSession
	}

	for _, det := range dets {
		bbox, err := json.Marshal(det.BBox)
		if err != nil {
			return 0, 0, err
		}
		detTs := det.Ts
		if detTs == 0 {
			detTs = ts
		}

		var known int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM detections WHERE session_id = ? AND track_id = ?`,
			sessionID, det.TrackID,
		).Scan(&known); err != nil {
			return 0, 0, err
		}
		if known == 0 {
			inserted++
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO detections (session_id, track_id, cls, conf, bbox, first_ts, last_ts, url_frame)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, track_id) DO UPDATE SET
				cls       = CASE WHEN excluded.conf > conf THEN excluded.cls ELSE cls END,
				bbox      = CASE WHEN excluded.conf > conf THEN excluded.bbox ELSE bbox END,
				url_frame = CASE WHEN excluded.conf > conf THEN excluded.url_frame ELSE url_frame END,
				conf      = CASE WHEN excluded.conf > conf THEN excluded.conf ELSE conf END,
				first_ts  = MIN(first_ts, excluded.first_ts),
				last_ts   = MAX(last_ts, excluded.last_ts)`,
			sessionID, det.TrackID, det.Class, det.Confidence, string(bbox), detTs, detTs, det.URLFrame,
		); err != nil {
			return 0, 0, err
		}
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM detections WHERE session_id = ?`, sessionID,
	).Scan(&total); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return inserted, total, nil
}

// GetDetections returns the tracks of a session ordered by first sighting.
func (d *DB) GetDetections(ctx context.Context, sessionID string) ([]api.DetectionRecord, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT track_id, cls, conf, bbox, first_ts, last_ts, COALESCE(url_frame, '')
		FROM detections WHERE session_id = ? ORDER BY first_ts`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.DetectionRecord
	for rows.Next() {
		var rec api.DetectionRecord
		var bbox string
		if err := rows.Scan(&rec.TrackID, &rec.Class, &rec.Confidence, &bbox,
			&rec.FirstTs, &rec.LastTs, &rec.URLFrame); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(bbox), &rec.BBox); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExtendClasses merges classes into the session's detected_classes set.
func (d *DB) ExtendClasses(ctx context.Context, sessionID string, classes []string) error {
	if len(classes) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT detected_classes FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoSession
	}
	if err != nil {
		return err
	}

	merged := mergeClasses(current, classes)
	if merged == current {
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET detected_classes = ? WHERE session_id = ?`,
		merged, sessionID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkArchived stamps the session as uploaded to the archive.
func (d *DB) MarkArchived(ctx context.Context, sessionID string, ts int64) error {
	_, err := d.sql.ExecContext(ctx,
		`UPDATE sessions SET archived_ts = ? WHERE session_id = ?`, ts, sessionID)
	return err
}

// ClosedUnarchived lists closed sessions that were never archived.
func (d *DB) ClosedUnarchived(ctx context.Context, limit int) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT session_id FROM sessions
		WHERE status = 'closed' AND archived_ts IS NULL
		ORDER BY end_ts LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OpenSessionByPath returns the open session on a path, ErrNoSession if none.
func (d *DB) OpenSessionByPath(ctx context.Context, path string) (*api.SessionRecord, error) {
	row := d.sql.QueryRowContext(ctx,
		sessionSelect+`WHERE path = ? AND status = 'open'`, path)
	return scanSession(row)
}

// MediaConnect records the publisher connecting; first-seen wins. The
// recommended start offset gets its default when still unset.
func (d *DB) MediaConnect(ctx context.Context, sessionID string, ts int64, defaultOffsetMs int) error {
	_, err := d.sql.ExecContext(ctx, `
		UPDATE sessions SET
			media_connect_ts = COALESCE(media_connect_ts, ?),
			recommended_start_offset_ms = COALESCE(recommended_start_offset_ms, ?)
		WHERE session_id = ?`,
		ts, defaultOffsetMs, sessionID)
	return err
}

// MediaSegmentStart records the first segment start; first-seen wins.
func (d *DB) MediaSegmentStart(ctx context.Context, sessionID string, ts int64) error {
	_, err := d.sql.ExecContext(ctx, `
		UPDATE sessions SET media_start_ts = COALESCE(media_start_ts, ?)
		WHERE session_id = ?`,
		ts, sessionID)
	return err
}

// MediaSegmentComplete advances media_end_ts monotonically.
func (d *DB) MediaSegmentComplete(ctx context.Context, sessionID string, ts int64) error {
	_, err := d.sql.ExecContext(ctx, `
		UPDATE sessions SET media_end_ts = MAX(COALESCE(media_end_ts, 0), ?)
		WHERE session_id = ?`,
		ts, sessionID)
	return err
}

const sessionSelect = `
	SELECT session_id, dev_id, path, status, reason, start_ts, end_ts,
	       postroll_sec, detected_classes, media_connect_ts, media_start_ts,
	       media_end_ts, recommended_start_offset_ms, archived_ts
	FROM sessions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*api.SessionRecord, error) {
	var rec api.SessionRecord
	var reason sql.NullString
	var classes string
	var endTs, mediaConnect, mediaStart, mediaEnd, startOffset, archived sql.NullInt64
	var postroll sql.NullFloat64
	err := row.Scan(
		&rec.SessionID, &rec.DevID, &rec.Path, &rec.Status, &reason,
		&rec.StartTs, &endTs, &postroll, &classes,
		&mediaConnect, &mediaStart, &mediaEnd, &startOffset, &archived,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	rec.Reason = reason.String
	if classes != "" {
		rec.DetectedClasses = strings.Split(classes, ",")
	}
	rec.EndTs = nullInt(endTs)
	rec.MediaConnectTs = nullInt(mediaConnect)
	rec.MediaStartTs = nullInt(mediaStart)
	rec.MediaEndTs = nullInt(mediaEnd)
	rec.RecommendedStartOffsetMs = nullInt(startOffset)
	rec.ArchivedTs = nullInt(archived)
	if postroll.Valid {
		v := postroll.Float64
		rec.PostrollSec = &v
	}
	return &rec, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func scanSessions(rows *sql.Rows) ([]api.SessionRecord, error) {
	defer rows.Close()
	var out []api.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func mergeClasses(current string, add []string) string {
	set := make(map[string]struct{})
	var order []string
	for _, c := range strings.Split(current, ",") {
		if c = strings.TrimSpace(c); c != "" {
			if _, ok := set[c]; !ok {
				set[c] = struct{}{}
				order = append(order, c)
			}
		}
	}
	for _, c := range add {
		if c = strings.TrimSpace(c); c != "" {
			if _, ok := set[c]; !ok {
				set[c] = struct{}{}
				order = append(order, c)
			}
		}
	}
	sort.Strings(order)
	return strings.Join(order, ",")
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE in the message;
	// matching the text avoids depending on driver-internal error types.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
