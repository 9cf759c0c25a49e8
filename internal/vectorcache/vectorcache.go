// Package vectorcache implements the content-addressed Vector Cache of §2/§3:
// an in-memory LRU tier over a sqlite-backed persistent tier, matching the
// persisted schema in §6. Grounded on the original implementation's
// memory-then-db VectorCache, adapted from asyncio/aiosqlite to database/sql
// plus an explicit mutex for the single-writer-many-reader rule of §5.
package vectorcache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
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
CREATE TABLE IF NOT EXISTS embeddings (
	fingerprint TEXT PRIMARY KEY,
	vector BLOB NOT NULL,
	dim INTEGER NOT NULL,
	model_id TEXT NOT NULL,
	created REAL NOT NULL,
	last_access REAL NOT NULL,
	access_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_last_access ON embeddings(last_access);
`

const schemaVersion = "1"

// Cache is the Vector Cache: LRU in-memory tier (~1000 hottest entries per
// §5) backed by a sqlite persistent tier enforcing a byte cap with LRU
// eviction.
type Cache struct {
	db       *sql.DB
	memory   *lru.Cache[string, domain.EmbeddingEntry]
	mu       sync.Mutex // serializes writes; reads go through the memory tier or db directly
	byteCap  int64
}

// Open creates/migrates the sqlite-backed store at path and wraps it with a
// bounded in-memory LRU tier.
func Open(path string, memoryCapacity int, byteCap int64) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open vector cache db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate vector cache schema: %w", err)
	}
	if err := ensureSchemaVersion(db, schemaVersion); err != nil {
		return nil, err
	}
	memory, err := lru.New[string, domain.EmbeddingEntry](memoryCapacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Cache{db: db, memory: memory, byteCap: byteCap}, nil
}

func ensureSchemaVersion(db *sql.DB, version string) error {
	_, err := db.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO NOTHING`, version)
	return err
}

func (c *Cache) Close() error { return c.db.Close() }

// Get returns a cached embedding for fingerprint, checking the in-memory
// tier before falling back to sqlite. A hit updates access stats.
func (c *Cache) Get(ctx context.Context, fingerprint string) (domain.EmbeddingEntry, bool, error) {
	e, ok := c.memory.Get(fingerprint)
	if !ok {
		row := c.db.QueryRowContext(ctx, `SELECT fingerprint, vector, dim, model_id, created, last_access, access_count
		FROM embeddings WHERE fingerprint = ?`, fingerprint)
		var err error
		e, err = scanEntry(row)
		if err == sql.ErrNoRows {
			return domain.EmbeddingEntry{}, false, nil
		}
		if err != nil {
			return domain.EmbeddingEntry{}, false, fmt.Errorf("get embedding: %w", err)
		}
		c.memory.Add(fingerprint, e)
	}
	c.mu.Lock()
	_, err := c.db.ExecContext(ctx, `UPDATE embeddings SET last_access = ?, access_count = access_count + 1
		WHERE fingerprint = ?`, float64(time.Now().Unix()), fingerprint)
	c.mu.Unlock()
	if err != nil {
		return domain.EmbeddingEntry{}, false, fmt.Errorf("touch embedding: %w", err)
	}
	return e, true, nil
}

// BatchGet looks up many fingerprints at once, returning a map of hits;
// misses are simply absent from the result.
func (c *Cache) BatchGet(ctx context.Context, fingerprints []string) (map[string]domain.EmbeddingEntry, error) {
	out := make(map[string]domain.EmbeddingEntry, len(fingerprints))
	var missing []string
	for _, fp := range fingerprints {
		if e, ok := c.memory.Get(fp); ok {
			out[fp] = e
			continue
		}
		missing = append(missing, fp)
	}
	if len(missing) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(missing))
	args := make([]any, len(missing))
	for i, fp := range missing {
		placeholders[i] = "?"
		args[i] = fp
	}
	query := fmt.Sprintf(`SELECT fingerprint, vector, dim, model_id, created, last_access, access_count
		FROM embeddings WHERE fingerprint IN (%s)`, joinPlaceholders(placeholders))
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch get embeddings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		out[e.Fingerprint] = e
		c.memory.Add(e.Fingerprint, e)
	}
	return out, rows.Err()
}

// BatchPut writes many embeddings in one transaction, per §4.2 step 5.
func (c *Cache) BatchPut(ctx context.Context, entries []domain.EmbeddingEntry) error {
	if len(entries) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch put: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO embeddings
		(fingerprint, vector, dim, model_id, created, last_access, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			vector=excluded.vector, dim=excluded.dim, model_id=excluded.model_id,
			last_access=excluded.last_access, access_count=embeddings.access_count+1`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare batch put: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, e := range entries {
		if e.Created.IsZero() {
			e.Created = now
		}
		e.LastAccess = now
		if _, err := stmt.ExecContext(ctx, e.Fingerprint, encodeVector(e.Vector), e.Dim, e.ModelID,
			float64(e.Created.Unix()), float64(e.LastAccess.Unix()), e.AccessCount); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert embedding: %w", err)
		}
		c.memory.Add(e.Fingerprint, e)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch put: %w", err)
	}
	go c.maybeEvict(context.Background())
	return nil
}

// maybeEvict enforces the byte cap with LRU-by-last-access eviction when
// the persistent tier grows past its configured budget.
func (c *Cache) maybeEvict(ctx context.Context) {
	if c.byteCap <= 0 {
		return
	}
	var total sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(vector)) FROM embeddings`).Scan(&total); err != nil {
		return
	}
	if !total.Valid || total.Int64 <= c.byteCap {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.db.ExecContext(ctx, `DELETE FROM embeddings WHERE fingerprint IN (
		SELECT fingerprint FROM embeddings ORDER BY last_access ASC LIMIT (
			SELECT MAX(1, COUNT(*) / 10) FROM embeddings
		)
	)`)
}

func scanEntry(row *sql.Row) (domain.EmbeddingEntry, error) {
	var e domain.EmbeddingEntry
	var vec []byte
	var created, lastAccess float64
	if err := row.Scan(&e.Fingerprint, &vec, &e.Dim, &e.ModelID, &created, &lastAccess, &e.AccessCount); err != nil {
		return e, err
	}
	e.Vector = decodeVector(vec, e.Dim)
	e.Created = time.Unix(int64(created), 0)
	e.LastAccess = time.Unix(int64(lastAccess), 0)
	return e, nil
}

func scanRows(rows *sql.Rows) (domain.EmbeddingEntry, error) {
	var e domain.EmbeddingEntry
	var vec []byte
	var created, lastAccess float64
	if err := rows.Scan(&e.Fingerprint, &vec, &e.Dim, &e.ModelID, &created, &lastAccess, &e.AccessCount); err != nil {
		return e, err
	}
	e.Vector = decodeVector(vec, e.Dim)
	e.Created = time.Unix(int64(created), 0)
	e.LastAccess = time.Unix(int64(lastAccess), 0)
	return e, nil
}

// encodeVector/decodeVector store vectors as little-endian float32, per §6.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte, dim int) []float32 {
	if dim <= 0 {
		dim = len(buf) / 4
	}
	out := make([]float32, dim)
	for i := 0; i < dim && (i+1)*4 <= len(buf); i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}
