package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"llmos/internal/logging"
)

// KnowledgeStore holds durable facts and insights alongside cached goal
// embeddings, backed by a single sqlite file under the workspace.
type KnowledgeStore struct {
	db   *sql.DB
	path string
}

// Fact is a standalone piece of knowledge recorded during execution.
type Fact struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Insight is a lesson tied to a specific goal's execution history.
type Insight struct {
	ID            int64     `json:"id"`
	Content       string    `json:"content"`
	GoalSignature string    `json:"goal_signature"`
	CreatedAt     time.Time `json:"created_at"`
}

// OpenKnowledge opens (or creates) <workspace>/memories/knowledge.db.
func OpenKnowledge(workspace string) (*KnowledgeStore, error) {
	dir := filepath.Join(workspace, "memories")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating memories dir: %w", err)
	}

	path := filepath.Join(dir, "knowledge.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening knowledge db: %w", err)
	}

	s := &KnowledgeStore{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Memory("knowledge store opened at %s", path)
	return s, nil
}

func (s *KnowledgeStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS insights (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		goal_signature TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_insights_signature ON insights(goal_signature);

	CREATE TABLE IF NOT EXISTS goal_embeddings (
		goal_signature TEXT PRIMARY KEY,
		model TEXT NOT NULL DEFAULT '',
		vector BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing knowledge schema: %w", err)
	}
	return nil
}

// Path returns the database file location.
func (s *KnowledgeStore) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *KnowledgeStore) Close() error {
	return s.db.Close()
}

// AddFact records a fact and returns its id.
func (s *KnowledgeStore) AddFact(content, source string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO facts (content, source, created_at) VALUES (?, ?, ?)`,
		content, source, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting fact: %w", err)
	}
	return res.LastInsertId()
}

// AddInsight records a lesson, optionally tied to a goal signature.
func (s *KnowledgeStore) AddInsight(content, goalSignature string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO insights (content, goal_signature, created_at) VALUES (?, ?, ?)`,
		content, goalSignature, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting insight: %w", err)
	}
	return res.LastInsertId()
}

// FactsCount returns the number of stored facts.
func (s *KnowledgeStore) FactsCount() (int, error) {
	return s.count("facts")
}

// InsightsCount returns the number of stored insights.
func (s *KnowledgeStore) InsightsCount() (int, error) {
	return s.count("insights")
}

func (s *KnowledgeStore) count(table string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

// Facts returns up to limit facts, newest first. A limit of 0 or less
// returns everything.
func (s *KnowledgeStore) Facts(limit int) ([]Fact, error) {
	query := `SELECT id, content, source, created_at FROM facts ORDER BY id DESC`
	rows, err := s.queryLimited(query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var created string
		if err := rows.Scan(&f.ID, &f.Content, &f.Source, &created); err != nil {
			return nil, fmt.Errorf("scanning fact: %w", err)
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, created)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// Insights returns up to limit insights, newest first. A limit of 0 or
// less returns everything.
func (s *KnowledgeStore) Insights(limit int) ([]Insight, error) {
	query := `SELECT id, content, goal_signature, created_at FROM insights ORDER BY id DESC`
	rows, err := s.queryLimited(query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying insights: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var in Insight
		var created string
		if err := rows.Scan(&in.ID, &in.Content, &in.GoalSignature, &created); err != nil {
			return nil, fmt.Errorf("scanning insight: %w", err)
		}
		in.CreatedAt, _ = time.Parse(time.RFC3339, created)
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

// InsightsFor returns the insights recorded against a goal signature.
func (s *KnowledgeStore) InsightsFor(goalSignature string) ([]Insight, error) {
	rows, err := s.db.Query(
		`SELECT id, content, goal_signature, created_at FROM insights WHERE goal_signature = ? ORDER BY id DESC`,
		goalSignature,
	)
	if err != nil {
		return nil, fmt.Errorf("querying insights for %s: %w", goalSignature, err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var in Insight
		var created string
		if err := rows.Scan(&in.ID, &in.Content, &in.GoalSignature, &created); err != nil {
			return nil, fmt.Errorf("scanning insight: %w", err)
		}
		in.CreatedAt, _ = time.Parse(time.RFC3339, created)
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

func (s *KnowledgeStore) queryLimited(query string, limit int) (*sql.Rows, error) {
	if limit > 0 {
		return s.db.Query(query+` LIMIT ?`, limit)
	}
	return s.db.Query(query)
}

// PutEmbedding caches a goal's vector, replacing any previous one.
func (s *KnowledgeStore) PutEmbedding(goalSignature string, vector []float32) error {
	return s.PutEmbeddingModel(goalSignature, "", vector)
}

// PutEmbeddingModel caches a goal's vector tagged with the model that
// produced it.
func (s *KnowledgeStore) PutEmbeddingModel(goalSignature, model string, vector []float32) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO goal_embeddings (goal_signature, model, vector, created_at) VALUES (?, ?, ?, ?)`,
		goalSignature, model, EncodeVector(vector), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("caching embedding for %s: %w", goalSignature, err)
	}
	return nil
}

// GetEmbedding returns the cached vector for a goal signature. The
// second return is false when no vector is cached.
func (s *KnowledgeStore) GetEmbedding(goalSignature string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRow(
		`SELECT vector FROM goal_embeddings WHERE goal_signature = ?`,
		goalSignature,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading embedding for %s: %w", goalSignature, err)
	}

	vec, err := DecodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}
