package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"veridoc/api/internal/attachment"
	"veridoc/api/internal/audit"
	"veridoc/api/internal/workflow"
)

// ErrStaleDocument is returned when a mutation carries an edit-time token
// that no longer matches the stored one. The caller reloads and aborts.
var ErrStaleDocument = errors.New("document state is stale")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, legal_name, email, initials, password_hash, role)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.LegalName, user.Email, user.Initials, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, legal_name, email, initials, password_hash, role
		FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.LegalName, &user.Email, &user.Initials, &user.PasswordHash, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, legal_name, email, initials, password_hash, role
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.LegalName, &user.Email, &user.Initials, &user.PasswordHash, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// ---- refresh sessions (Postgres fallback when Redis is not configured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.legal_name, u.email, u.initials, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.LegalName, &user.Email, &user.Initials, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// ---- documents ----

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, stage, marker_counter, empty_cell_count, edit_time, owner_id, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, doc.ID, doc.Title, int(doc.Stage), doc.MarkerCounter, doc.EmptyCellCount, doc.EditTime, doc.OwnerID, doc.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	var stage int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, stage, marker_counter, empty_cell_count, edit_time, owner_id, updated_by, created_at, updated_at
		FROM documents WHERE id = $1
	`, documentID).Scan(&doc.ID, &doc.Title, &stage, &doc.MarkerCounter, &doc.EmptyCellCount, &doc.EditTime, &doc.OwnerID, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	doc.Stage = workflow.Stage(stage)
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, stage, marker_counter, empty_cell_count, edit_time, owner_id, updated_by, created_at, updated_at
		FROM documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var stage int
		if err := rows.Scan(&doc.ID, &doc.Title, &stage, &doc.MarkerCounter, &doc.EmptyCellCount, &doc.EditTime, &doc.OwnerID, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Stage = workflow.Stage(stage)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// FreshState reads the authoritative snapshot used to build the next audit
// item: the document row, its participant groups, and the per-attachment
// verification lists.
func (s *PostgresStore) FreshState(ctx context.Context, documentID string) (FreshState, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return FreshState{}, err
	}
	groups, err := s.ListGroups(ctx, documentID)
	if err != nil {
		return FreshState{}, err
	}
	attachments, err := s.ListAttachments(ctx, documentID)
	if err != nil {
		return FreshState{}, err
	}
	verifications := make(map[string][]string, len(attachments))
	for _, a := range attachments {
		verifications[strconv.Itoa(a.Number)] = a.Verifications
	}
	return FreshState{Document: doc, Groups: groups, Verifications: verifications}, nil
}

// ---- participant groups ----

// ReplaceGroup installs the participant group for one stage, replacing any
// previous membership and clearing signed flags.
func (s *PostgresStore) ReplaceGroup(ctx context.Context, documentID string, group workflow.Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO participant_groups (document_id, stage, enforce_order)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, stage) DO UPDATE SET enforce_order = EXCLUDED.enforce_order
	`, documentID, int(group.Stage), group.EnforceOrder); err != nil {
		return fmt.Errorf("upsert participant group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM participants WHERE document_id=$1 AND stage=$2
	`, documentID, int(group.Stage)); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for _, p := range group.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (id, document_id, stage, user_id, name, initials, sign_order, signed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		`, p.ID, documentID, int(group.Stage), p.UserID, p.Name, p.Initials, p.Order); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListGroups(ctx context.Context, documentID string) ([]workflow.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pg.stage, pg.enforce_order, p.id, p.user_id, p.name, p.initials, p.sign_order, p.signed
		FROM participant_groups pg
		LEFT JOIN participants p ON p.document_id = pg.document_id AND p.stage = pg.stage
		WHERE pg.document_id = $1
		ORDER BY pg.stage, p.sign_order
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	byStage := map[int]*workflow.Group{}
	var order []int
	for rows.Next() {
		var stage int
		var enforce bool
		var id, userID, name, initials sql.NullString
		var signOrder sql.NullInt64
		var signed sql.NullBool
		if err := rows.Scan(&stage, &enforce, &id, &userID, &name, &initials, &signOrder, &signed); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		group, ok := byStage[stage]
		if !ok {
			group = &workflow.Group{Stage: workflow.Stage(stage), EnforceOrder: enforce}
			byStage[stage] = group
			order = append(order, stage)
		}
		if id.Valid {
			group.Participants = append(group.Participants, workflow.Participant{
				ID:       id.String,
				UserID:   userID.String,
				Name:     name.String,
				Initials: initials.String,
				Order:    int(signOrder.Int64),
				Signed:   signed.Bool,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	groups := make([]workflow.Group, 0, len(order))
	for _, stage := range order {
		groups = append(groups, *byStage[stage])
	}
	return groups, nil
}

// ---- attachments ----

func (s *PostgresStore) ListAttachments(ctx context.Context, documentID string) ([]attachment.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, number, hash, url, filename, file_type, attached_by, attached_on, verifications
		FROM attachments WHERE document_id = $1 ORDER BY number
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var items []attachment.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetAttachment(ctx context.Context, documentID string, number int) (attachment.Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, number, hash, url, filename, file_type, attached_by, attached_on, verifications
		FROM attachments WHERE document_id = $1 AND number = $2
	`, documentID, number)
	return scanAttachment(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttachment(row rowScanner) (attachment.Attachment, error) {
	var a attachment.Attachment
	var verifications []byte
	if err := row.Scan(&a.ID, &a.DocumentID, &a.Number, &a.Hash, &a.URL, &a.Filename, &a.FileType, &a.AttachedBy, &a.AttachedOn, &verifications); err != nil {
		return attachment.Attachment{}, err
	}
	if len(verifications) > 0 {
		if err := json.Unmarshal(verifications, &a.Verifications); err != nil {
			return attachment.Attachment{}, fmt.Errorf("unmarshal verifications: %w", err)
		}
	}
	return a, nil
}

// ---- mutations ----

// ApplyMutation appends the audit record and writes every piece of derived
// state in one transaction keyed on the optimistic edit-time token. Either
// everything lands or the mutation never happened.
func (s *PostgresStore) ApplyMutation(ctx context.Context, m Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mutation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET edit_time = $3,
			stage = COALESCE($4, stage),
			marker_counter = COALESCE($5, marker_counter),
			empty_cell_count = empty_cell_count - $6,
			updated_by = $7,
			updated_at = NOW()
		WHERE id = $1 AND edit_time = $2
	`, m.DocumentID, m.ExpectedEditTime, m.NewEditTime, stageArg(m.NewStage), m.NewMarkerCounter, m.EmptyCellDelta, m.Item.LegalName)
	if err != nil {
		return fmt.Errorf("update document state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStaleDocument
	}

	if err := insertAuditRow(ctx, tx, m.DocumentID, m.Item); err != nil {
		return err
	}

	if m.SignParticipantID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE participants SET signed = TRUE WHERE id = $1 AND document_id = $2
		`, m.SignParticipantID, m.DocumentID); err != nil {
			return fmt.Errorf("mark participant signed: %w", err)
		}
	}
	if m.ResetSignaturesFor != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE participants SET signed = FALSE WHERE document_id = $1 AND stage = $2
		`, m.DocumentID, int(*m.ResetSignaturesFor)); err != nil {
			return fmt.Errorf("reset stage signatures: %w", err)
		}
	}
	if m.InsertAttachment != nil {
		a := m.InsertAttachment
		verifications, err := json.Marshal(a.Verifications)
		if err != nil {
			return fmt.Errorf("marshal verifications: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (id, document_id, number, hash, url, filename, file_type, attached_by, attached_on, verifications)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, a.ID, a.DocumentID, a.Number, a.Hash, a.URL, a.Filename, a.FileType, a.AttachedBy, a.AttachedOn, verifications); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	if m.VerifyAttachmentNum > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE attachments
			SET verifications = verifications || to_jsonb($3::text)
			WHERE document_id = $1 AND number = $2
		`, m.DocumentID, m.VerifyAttachmentNum, m.VerifierInitials); err != nil {
			return fmt.Errorf("append verification: %w", err)
		}
	}

	return tx.Commit()
}

func stageArg(stage *workflow.Stage) any {
	if stage == nil {
		return nil
	}
	return int(*stage)
}

func insertAuditRow(ctx context.Context, tx *sql.Tx, documentID string, item audit.Item) error {
	payload, err := item.MarshalWire()
	if err != nil {
		return fmt.Errorf("marshal audit item: %w", err)
	}
	var lateDate, lateTime, lateReason string
	if item.Late != nil {
		lateDate, lateTime, lateReason = item.Late.Date, item.Late.Time, item.Late.Reason
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (
			document_id, actor_user_id, actor_email, actor_legal_name, actor_initials,
			time_ms, action_type, stage, new_text, removed_text, reason,
			late_action_date, late_action_time, late_reason, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, documentID, item.UserID, item.Email, item.LegalName, item.Initials,
		item.Time, item.ActionType(), int(item.Stage), item.NewText, item.RemovedText, item.Reason,
		lateDate, lateTime, lateReason, payload)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// ---- audit trail ----

func (s *PostgresStore) ListAuditLog(ctx context.Context, documentID string, filter AuditFilter) ([]AuditRecord, error) {
	query := `
		SELECT id, document_id, payload, created_at
		FROM audit_log
		WHERE document_id = $1
	`
	args := []any{documentID}
	if filter.ActorEmail != "" {
		args = append(args, filter.ActorEmail)
		query += fmt.Sprintf(" AND actor_email = $%d", len(args))
	}
	if filter.ActionType != nil {
		args = append(args, *filter.ActionType)
		query += fmt.Sprintf(" AND action_type = $%d", len(args))
	}
	if filter.Stage != nil {
		args = append(args, int(*filter.Stage))
		query += fmt.Sprintf(" AND stage = $%d", len(args))
	}
	if filter.Query != "" {
		args = append(args, filter.Query)
		query += fmt.Sprintf(" AND to_tsvector('english', coalesce(new_text,'') || ' ' || coalesce(reason,'')) @@ plainto_tsquery('english', $%d)", len(args))
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var record AuditRecord
		var payload []byte
		if err := rows.Scan(&record.ID, &record.DocumentID, &payload, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		item, err := audit.UnmarshalWire(payload)
		if err != nil {
			return nil, fmt.Errorf("decode audit record %d: %w", record.ID, err)
		}
		record.Item = item
		records = append(records, record)
	}
	return records, rows.Err()
}
