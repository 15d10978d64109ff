package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the roadmaps table with plainto_tsquery and ts_rank, using
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM roadmaps
		WHERE fts @@ plainto_tsquery('english', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name,
			ts_headline('english', coalesce(description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			jsonb_array_length(nodes) AS node_count,
			ts_rank(fts, plainto_tsquery('english', $1)) AS rank
		FROM roadmaps
		WHERE fts @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT %d OFFSET %d
	`, limit, offset), q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rank float64
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet, &r.NodeCount, &rank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every roadmap for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RoadmapRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, jsonb_array_length(nodes)
		FROM roadmaps
	`)
	if err != nil {
		return nil, fmt.Errorf("load roadmaps: %w", err)
	}
	defer rows.Close()

	var records []RoadmapRecord
	for rows.Next() {
		var rec RoadmapRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.NodeCount); err != nil {
			return nil, fmt.Errorf("scan roadmap record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
