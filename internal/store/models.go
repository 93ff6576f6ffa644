package store

import (
	"time"

	"veridoc/api/internal/attachment"
	"veridoc/api/internal/audit"
	"veridoc/api/internal/workflow"
)

type User struct {
	ID           string
	LegalName    string
	Email        string
	Initials     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Document struct {
	ID             string
	Title          string
	Stage          workflow.Stage
	MarkerCounter  int
	EmptyCellCount int
	// EditTime is the optimistic concurrency token. It is bumped on every
	// committed mutation; a writer holding an older value is stale.
	EditTime  int64
	OwnerID   string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FreshState is the authoritative snapshot the guard hands to the pipeline
// for constructing the next audit item.
type FreshState struct {
	Document      Document
	Groups        []workflow.Group
	Verifications map[string][]string
}

// Mutation is the single request through which a committed mutation writes
// both the audit record and every piece of derived state, so the log and
// the state it derives can never diverge.
type Mutation struct {
	DocumentID string
	Item       audit.Item
	// ExpectedEditTime must match the stored token or the whole mutation
	// is rejected as stale.
	ExpectedEditTime int64
	NewEditTime      int64

	NewStage            *workflow.Stage
	NewMarkerCounter    *int
	EmptyCellDelta      int
	SignParticipantID   string
	ResetSignaturesFor  *workflow.Stage
	InsertAttachment    *attachment.Attachment
	VerifyAttachmentNum int
	VerifierInitials    string
}

// AuditRecord is one persisted row of the append-only log.
type AuditRecord struct {
	ID         int64
	DocumentID string
	Item       audit.Item
	CreatedAt  time.Time
}

// AuditFilter narrows an audit trail listing. Zero values mean "any".
type AuditFilter struct {
	ActorEmail string
	ActionType *int
	Stage      *workflow.Stage
	Query      string
	Limit      int
}
