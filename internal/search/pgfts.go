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

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across documents and audit_log using
// plainto_tsquery and ts_rank, with ts_headline for snippets. The audit
// sub-query's tsvector expression must match the GIN index in the schema.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "to_tsvector('english', d.title) @@ " + tsQuery
		if q.FilterDocumentID != "" {
			docWhere += fmt.Sprintf(" AND d.id = $%d", argN)
			args = append(args, q.FilterDocumentID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				''::text AS snippet,
				d.id AS document_id, d.stage,
				ts_rank(to_tsvector('english', d.title), %s) AS rank
			FROM documents d
			WHERE %s`, tsQuery, docWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultAudit {
		auditWhere := "to_tsvector('english', coalesce(a.new_text,'') || ' ' || coalesce(a.reason,'')) @@ " + tsQuery
		if q.FilterDocumentID != "" {
			auditWhere += fmt.Sprintf(" AND a.document_id = $%d", argN)
			args = append(args, q.FilterDocumentID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'audit'::text AS type, a.id::text, a.actor_legal_name AS title,
				ts_headline('english', coalesce(a.new_text, '') || ' ' || coalesce(a.reason, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.document_id, a.stage,
				ts_rank(to_tsvector('english', coalesce(a.new_text,'') || ' ' || coalesce(a.reason,'')), %s) AS rank
			FROM audit_log a
			WHERE %s`, tsQuery, tsQuery, auditWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, document_id, stage
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.Stage); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []AuditEventRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.stage, u.legal_name
		FROM documents d
		JOIN users u ON u.id = d.owner_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title, &d.Stage, &d.Owner); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	auditRows, err := p.db.QueryContext(ctx, `
		SELECT a.id::text, a.document_id, a.actor_legal_name, a.actor_email,
			a.action_type, a.stage, a.new_text, a.reason
		FROM audit_log a
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load audit events: %w", err)
	}
	defer auditRows.Close()

	events := make([]AuditEventRecord, 0)
	for auditRows.Next() {
		var e AuditEventRecord
		if err := auditRows.Scan(&e.ID, &e.DocumentID, &e.ActorName, &e.ActorEmail, &e.ActionType, &e.Stage, &e.Text, &e.Reason); err != nil {
			return nil, nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	if err := auditRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate audit events: %w", err)
	}

	return documents, events, nil
}
