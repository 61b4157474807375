package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgVectorStore implements VectorStore against a PostgreSQL table with a
// pgvector column. Rows are ranked by cosine distance; the returned score is
// cosine similarity (1 - distance).
type PgVectorStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPgVectorStore creates a pgvector-backed store from a database URL.
func NewPgVectorStore(ctx context.Context, databaseURL string) (*PgVectorStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PgVectorStore{pool: pool, table: "vector_db"}, nil
}

// Close closes the connection pool
func (s *PgVectorStore) Close() {
	s.pool.Close()
}

// Query returns the k rows nearest to vector by cosine distance.
func (s *PgVectorStore) Query(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	query := fmt.Sprintf(`
		SELECT id::text, text, 1 - (vector <=> $1::vector) AS similarity
		FROM %s
		ORDER BY vector <=> $1::vector
		LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, formatVector(vector), k)
	if err != nil {
		return nil, &Error{Backend: "pgvector", Err: err}
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var similarity float64
		if err := rows.Scan(&c.DocumentID, &c.Content, &similarity); err != nil {
			return nil, &Error{Backend: "pgvector", Err: err}
		}
		c.Score = float32(similarity)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Backend: "pgvector", Err: err}
	}

	return candidates, nil
}

// formatVector renders a float32 slice in pgvector's text format, e.g.
// "[0.1,0.2,0.3]".
func formatVector(vector []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteByte(']')
	return sb.String()
}

// Ensure PgVectorStore implements VectorStore
var _ VectorStore = (*PgVectorStore)(nil)
