package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	_ "modernc.org/sqlite"
)

// Session is one transcription run.
type Session struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Language  string    `json:"language"`
	Task      string    `json:"task"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Record is a stored segment with its translation, if any.
type Record struct {
	ID          int64            `json:"id"`
	Segment     protocol.Segment `json:"segment"`
	Translation string           `json:"translation,omitempty"`
	TargetLang  string           `json:"target_lang,omitempty"`
}

// Store keeps finalized segments in SQLite. In ephemeral mode every call is
// a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.TranscriptStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.TranscriptStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("transcript store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    source TEXT,
    language TEXT,
    task TEXT,
    state TEXT NOT NULL DEFAULT 'running',
    created_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    text TEXT NOT NULL,
    start_sec REAL NOT NULL,
    end_sec REAL NOT NULL,
    start_pos INTEGER NOT NULL,
    end_pos INTEGER NOT NULL,
    avg_logprob REAL,
    compression_ratio REAL,
    no_speech_prob REAL,
    temperature REAL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_session_seq ON segments(session_id, seq);
CREATE TABLE IF NOT EXISTS translations (
    segment_id INTEGER NOT NULL,
    provider TEXT NOT NULL,
    target_lang TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY(segment_id, target_lang),
    FOREIGN KEY(segment_id) REFERENCES segments(id) ON DELETE CASCADE
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init transcript schema: %w", err)
	}
	return nil
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) now() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records a new session, or marks an existing one running.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, source, language, task, state, created_at)
		 VALUES(?, ?, ?, ?, 'running', ?)
		 ON CONFLICT(session_id) DO UPDATE SET state='running', ended_at=NULL`,
		sess.ID, sess.Source, sess.Language, sess.Task, s.now())
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

// EndSession stores the final controller state of a session.
func (s *Store) EndSession(ctx context.Context, sessionID, state string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, ended_at = ? WHERE session_id = ?`,
		state, s.now(), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// AppendSegment stores seg and returns its row id.
func (s *Store) AppendSegment(ctx context.Context, seg protocol.Segment) (int64, error) {
	if s.disabled() {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(session_id, seq, text, start_sec, end_sec, start_pos, end_pos,
		     avg_logprob, compression_ratio, no_speech_prob, temperature, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.SessionID, seg.Sequence, seg.Text, seg.Start, seg.End, seg.StartPos, seg.EndPos,
		seg.AvgLogprob, seg.CompressionRatio, seg.NoSpeechProb, seg.Temperature, s.now())
	if err != nil {
		return 0, fmt.Errorf("append segment: %w", err)
	}
	return res.LastInsertId()
}

// AppendTranslation attaches a translation to a stored segment.
func (s *Store) AppendTranslation(ctx context.Context, segmentID int64, tr protocol.TranslatedSegment) error {
	if s.disabled() || segmentID == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO translations(segment_id, provider, target_lang, text, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(segment_id, target_lang) DO UPDATE SET provider=excluded.provider, text=excluded.text`,
		segmentID, tr.Provider, tr.TargetLang, tr.Translation, s.now())
	if err != nil {
		return fmt.Errorf("append translation: %w", err)
	}
	return nil
}

// ListSegments returns up to limit segments of a session in emission order.
func (s *Store) ListSegments(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.session_id, s.seq, s.text, s.start_sec, s.end_sec, s.start_pos, s.end_pos,
		        s.avg_logprob, s.compression_ratio, s.no_speech_prob, s.temperature, s.created_at,
		        COALESCE(t.text, ''), COALESCE(t.target_lang, '')
		 FROM segments s LEFT JOIN translations t ON t.segment_id = s.id
		 WHERE s.session_id = ? ORDER BY s.seq ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created int64
		seg := &r.Segment
		if err := rows.Scan(&r.ID, &seg.SessionID, &seg.Sequence, &seg.Text, &seg.Start, &seg.End,
			&seg.StartPos, &seg.EndPos, &seg.AvgLogprob, &seg.CompressionRatio, &seg.NoSpeechProb,
			&seg.Temperature, &created, &r.Translation, &r.TargetLang); err != nil {
			return nil, err
		}
		seg.Timestamp = time.UnixMilli(created).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Sessions lists the most recent sessions first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COALESCE(source, ''), COALESCE(language, ''), COALESCE(task, ''), state, created_at, ended_at
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created int64
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.Language, &sess.Task, &sess.State, &created, &ended); err != nil {
			return nil, err
		}
		sess.CreatedAt = time.UnixMilli(created).UTC()
		if ended.Valid {
			sess.EndedAt = time.UnixMilli(ended.Int64).UTC()
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies the configured retention. Segments and translations follow
// their session through cascading deletes.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
