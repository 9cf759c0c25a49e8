// Package promotion implements §4.6's Promotion Store: a persisted
// (page_signature, frame_hash, label_key) -> selector history with
// success/failure counters and confidence, warm-cached in memory above a
// threshold. Grounded on original_source's PromotionManager, keyed by the
// spec's structural triple rather than the original's raw url_pattern, and
// adapted from aiosqlite to database/sql with an explicit single-writer
// mutex per §5.
package promotion

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/polzovatel/her/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS promotions (
	page_signature TEXT NOT NULL,
	frame_hash TEXT NOT NULL,
	label_key TEXT NOT NULL,
	selector TEXT NOT NULL,
	strategy INTEGER NOT NULL,
	success INTEGER NOT NULL DEFAULT 0,
	failure INTEGER NOT NULL DEFAULT 0,
	last_success REAL,
	last_failure REAL,
	confidence REAL NOT NULL DEFAULT 0.5,
	metadata TEXT,
	updated_at REAL NOT NULL,
	PRIMARY KEY (page_signature, frame_hash, label_key)
);
CREATE INDEX IF NOT EXISTS idx_promotions_confidence ON promotions(confidence DESC);
`

const schemaVersion = "1"

// warmCacheLimit bounds the in-memory high-confidence tier, per §5.
const warmCacheLimit = 1000

// warmCacheThreshold is the confidence above which an entry is kept warm.
const warmCacheThreshold = 0.7

type Store struct {
	db   *sql.DB
	warm *lru.Cache[string, domain.PromotionEntry]
	mu   sync.Mutex
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open promotion store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate promotion schema: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?) ON CONFLICT(key) DO NOTHING`, schemaVersion); err != nil {
		return nil, fmt.Errorf("set schema version: %w", err)
	}
	warm, err := lru.New[string, domain.PromotionEntry](warmCacheLimit)
	if err != nil {
		return nil, fmt.Errorf("create warm cache: %w", err)
	}
	s := &Store{db: db, warm: warm}
	if err := s.loadWarm(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func key(pageSignature, frameHash, labelKey string) string {
	return pageSignature + "\x1f" + frameHash + "\x1f" + labelKey
}

func (s *Store) loadWarm(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT page_signature, frame_hash, label_key, selector, strategy,
		success, failure, last_success, last_failure, confidence, metadata
		FROM promotions WHERE confidence > ? ORDER BY confidence DESC LIMIT ?`, warmCacheThreshold, warmCacheLimit)
	if err != nil {
		return fmt.Errorf("load warm cache: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return err
		}
		s.warm.Add(key(e.PageSignature, e.FrameHash, e.LabelKey), e)
	}
	return rows.Err()
}

// Lookup returns the promoted selector for (pageSignature, frameHash,
// labelKey), checking the warm cache first.
func (s *Store) Lookup(ctx context.Context, pageSignature, frameHash, labelKey string) (domain.PromotionEntry, bool, error) {
	k := key(pageSignature, frameHash, labelKey)
	if e, ok := s.warm.Get(k); ok {
		return e, true, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT page_signature, frame_hash, label_key, selector, strategy,
		success, failure, last_success, last_failure, confidence, metadata
		FROM promotions WHERE page_signature = ? AND frame_hash = ? AND label_key = ?`, pageSignature, frameHash, labelKey)
	e, err := scanRow(row)
	if err == sql.ErrNoRows {
		return domain.PromotionEntry{}, false, nil
	}
	if err != nil {
		return domain.PromotionEntry{}, false, fmt.Errorf("lookup promotion: %w", err)
	}
	return e, true, nil
}

// RecordSuccess increments the success counter and recomputes confidence,
// inserting a fresh entry (confidence 0.5) if none existed yet.
func (s *Store) RecordSuccess(ctx context.Context, pageSignature, frameHash, labelKey, selector string, strategy domain.Strategy, metadata string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.lookupLocked(ctx, pageSignature, frameHash, labelKey)
	if err != nil {
		return err
	}
	now := time.Now()
	if !ok {
		_, err := s.db.ExecContext(ctx, `INSERT INTO promotions
			(page_signature, frame_hash, label_key, selector, strategy, success, failure, last_success, confidence, metadata, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, 0, ?, 0.5, ?, ?)`,
			pageSignature, frameHash, labelKey, selector, int(strategy), float64(now.Unix()), metadata, float64(now.Unix()))
		if err != nil {
			return fmt.Errorf("insert promotion: %w", err)
		}
		return nil
	}

	success := existing.Success + 1
	confidence := calculateConfidence(success, existing.Failure)
	_, err = s.db.ExecContext(ctx, `UPDATE promotions SET selector = ?, strategy = ?, success = ?,
		last_success = ?, confidence = ?, metadata = ?, updated_at = ?
		WHERE page_signature = ? AND frame_hash = ? AND label_key = ?`,
		selector, int(strategy), success, float64(now.Unix()), confidence, metadata, float64(now.Unix()),
		pageSignature, frameHash, labelKey)
	if err != nil {
		return fmt.Errorf("update promotion: %w", err)
	}
	entry := existing
	entry.Selector, entry.Strategy, entry.Success, entry.LastSuccess, entry.Confidence, entry.Metadata =
		selector, strategy, success, now, confidence, metadata
	if confidence > warmCacheThreshold {
		s.warm.Add(key(pageSignature, frameHash, labelKey), entry)
	}
	return nil
}

// RecordFailure increments the failure counter; it never inserts a new row
// for a selector that has never succeeded, per the original's behavior.
func (s *Store) RecordFailure(ctx context.Context, pageSignature, frameHash, labelKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.lookupLocked(ctx, pageSignature, frameHash, labelKey)
	if err != nil || !ok {
		return err
	}
	now := time.Now()
	failure := existing.Failure + 1
	confidence := calculateConfidence(existing.Success, failure)
	_, err = s.db.ExecContext(ctx, `UPDATE promotions SET failure = ?, last_failure = ?, confidence = ?, updated_at = ?
		WHERE page_signature = ? AND frame_hash = ? AND label_key = ?`,
		failure, float64(now.Unix()), confidence, float64(now.Unix()), pageSignature, frameHash, labelKey)
	if err != nil {
		return fmt.Errorf("update promotion failure: %w", err)
	}
	if confidence < warmCacheThreshold {
		s.warm.Remove(key(pageSignature, frameHash, labelKey))
	}
	return nil
}

func (s *Store) lookupLocked(ctx context.Context, pageSignature, frameHash, labelKey string) (domain.PromotionEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT page_signature, frame_hash, label_key, selector, strategy,
		success, failure, last_success, last_failure, confidence, metadata
		FROM promotions WHERE page_signature = ? AND frame_hash = ? AND label_key = ?`, pageSignature, frameHash, labelKey)
	e, err := scanRow(row)
	if err == sql.ErrNoRows {
		return domain.PromotionEntry{}, false, nil
	}
	if err != nil {
		return domain.PromotionEntry{}, false, fmt.Errorf("lookup promotion: %w", err)
	}
	return e, true, nil
}

// calculateConfidence mirrors the original's success-rate-with-sample-size-
// damping formula exactly.
func calculateConfidence(success, failure int) float64 {
	total := success + failure
	if total == 0 {
		return 0.5
	}
	confidence := float64(success) / float64(total)
	switch {
	case total < 5:
		confidence *= 0.7
	case total < 10:
		confidence *= 0.85
	case total < 20:
		confidence *= 0.95
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	if confidence < 0.0 {
		confidence = 0.0
	}
	return confidence
}

// Stats summarizes the store's overall health, per the original's get_stats.
type Stats struct {
	TotalEntries        int
	TotalSuccesses       int
	TotalFailures        int
	AvgConfidence        float64
	HighConfidenceCount  int
	WarmCacheSize        int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(success),0), COALESCE(SUM(failure),0),
		COALESCE(AVG(confidence),0), COUNT(CASE WHEN confidence > 0.8 THEN 1 END) FROM promotions`)
	var st Stats
	if err := row.Scan(&st.TotalEntries, &st.TotalSuccesses, &st.TotalFailures, &st.AvgConfidence, &st.HighConfidenceCount); err != nil {
		return Stats{}, fmt.Errorf("promotion stats: %w", err)
	}
	st.WarmCacheSize = s.warm.Len()
	return st, nil
}

// Vacuum removes stale, low-confidence entries and refreshes the warm
// cache. Supplements the original's cleanup_old_entries as a maintenance
// entry point that callers invoke; nothing in this module schedules it.
func (s *Store) Vacuum(ctx context.Context, olderThan time.Duration, belowConfidence float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := float64(time.Now().Add(-olderThan).Unix())
	res, err := s.db.ExecContext(ctx, `DELETE FROM promotions WHERE updated_at < ? AND confidence < ?`, cutoff, belowConfidence)
	if err != nil {
		return 0, fmt.Errorf("vacuum promotions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.warm.Purge()
		if err := s.loadWarm(ctx); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scan(s scannable) (domain.PromotionEntry, error) {
	var e domain.PromotionEntry
	var strategy int
	var lastSuccess, lastFailure sql.NullFloat64
	var metadata sql.NullString
	if err := s.Scan(&e.PageSignature, &e.FrameHash, &e.LabelKey, &e.Selector, &strategy,
		&e.Success, &e.Failure, &lastSuccess, &lastFailure, &e.Confidence, &metadata); err != nil {
		return e, err
	}
	e.Strategy = domain.Strategy(strategy)
	if lastSuccess.Valid {
		e.LastSuccess = time.Unix(int64(lastSuccess.Float64), 0)
	}
	if lastFailure.Valid {
		e.LastFailure = time.Unix(int64(lastFailure.Float64), 0)
	}
	e.Metadata = metadata.String
	return e, nil
}

func scanRow(row *sql.Row) (domain.PromotionEntry, error) { return scan(row) }
