package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"veridoc/api/internal/attachment"
	"veridoc/api/internal/audit"
	"veridoc/api/internal/auth"
	"veridoc/api/internal/authpw"
	"veridoc/api/internal/config"
	"veridoc/api/internal/email"
	"veridoc/api/internal/history"
	"veridoc/api/internal/rbac"
	"veridoc/api/internal/search"
	"veridoc/api/internal/store"
	"veridoc/api/internal/util"
	"veridoc/api/internal/workflow"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	LegalName    string
	Email        string
	Initials     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// Observer is notified after a mutation has been durably committed.
// Callbacks run on the caller's goroutine after the queue has applied
// the mutation; they must not block for long.
type Observer interface {
	MutationCommitted(documentID string, item audit.Item)
}

type dataStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	InsertDocument(ctx context.Context, doc store.Document) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	FreshState(ctx context.Context, documentID string) (store.FreshState, error)
	ReplaceGroup(ctx context.Context, documentID string, group workflow.Group) error
	ListGroups(ctx context.Context, documentID string) ([]workflow.Group, error)
	ListAttachments(ctx context.Context, documentID string) ([]attachment.Attachment, error)
	GetAttachment(ctx context.Context, documentID string, number int) (attachment.Attachment, error)
	ApplyMutation(ctx context.Context, m store.Mutation) error
	ListAuditLog(ctx context.Context, documentID string, filter store.AuditFilter) ([]store.AuditRecord, error)
	Ping(ctx context.Context) error
}

// refreshStore holds refresh sessions; Redis in production, Postgres as
// the fallback when Redis is not configured.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type lockStore interface {
	Acquire(ctx context.Context, documentID, ownerID string) error
	Holder(ctx context.Context, documentID string) (string, error)
	Release(ctx context.Context, documentID, ownerID string) error
}

type historyService interface {
	EnsureDocumentRepo(documentID string, initial history.Snapshot, author string) error
	CommitSnapshot(documentID string, snap history.Snapshot, author, message string) (history.CommitInfo, error)
	HeadSnapshot(documentID string) (history.Snapshot, history.CommitInfo, error)
	SnapshotByHash(documentID, hash string) (history.Snapshot, error)
	History(documentID string, limit int) ([]history.CommitInfo, error)
	TagVersion(documentID, name string) error
}

type objectStore interface {
	Put(ctx context.Context, documentID, filename, contentType string, fileBytes []byte) (hash string, url string, err error)
	PresignGet(ctx context.Context, documentID, hash string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	locks    lockStore
	history  historyService
	search   *search.Service
	mailer   *email.Service
	objects  objectStore
	authpw   *authpw.Service

	lateValidator audit.LateEntryValidator

	queueMu sync.Mutex
	queues  map[string]*audit.Queue

	obsMu     sync.RWMutex
	observers []Observer
}

type Deps struct {
	Store    *store.PostgresStore
	Sessions refreshStore
	Locks    lockStore
	History  *history.Service
	Search   *search.Service
	Mailer   *email.Service
	Objects  objectStore
}

func New(cfg config.Config, deps Deps) *Service {
	var sessions refreshStore = deps.Store
	if deps.Sessions != nil {
		sessions = deps.Sessions
	}
	var hist historyService
	if deps.History != nil {
		hist = deps.History
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: sessions,
		locks:    deps.Locks,
		history:  hist,
		search:   deps.Search,
		mailer:   deps.Mailer,
		objects:  deps.Objects,
		authpw:   authpw.NewService(deps.Store),
		lateValidator: audit.LateEntryValidator{
			MinReasonLen: cfg.LateReasonMinLen,
		},
		queues: make(map[string]*audit.Queue),
	}
}

// Subscribe registers an observer for committed mutations.
func (s *Service) Subscribe(obs Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, obs)
}

func (s *Service) notifyObservers(documentID string, item audit.Item) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, obs := range s.observers {
		obs.MutationCommitted(documentID, item)
	}
}

// Bootstrap runs one-time startup work: reindexing search from Postgres
// when Meilisearch comes up empty.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close drains every per-document queue.
func (s *Service) Close() {
	s.queueMu.Lock()
	queues := make([]*audit.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.queueMu.Unlock()
	for _, q := range queues {
		q.Close()
	}
}

func (s *Service) queue(documentID string) *audit.Queue {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	q, ok := s.queues[documentID]
	if !ok {
		q = audit.NewQueue()
		s.queues[documentID] = q
	}
	return q
}

// --- auth and sessions ---

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusBadRequest, "INVALID_SIGNUP", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH", "Refresh token invalid or expired", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	if err := s.authpw.ChangePassword(ctx, session.UserID, current, next); err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return domainError(http.StatusForbidden, "INVALID_CREDENTIALS", "Current password is incorrect", nil)
		}
		return domainError(http.StatusBadRequest, "INVALID_PASSWORD", err.Error(), nil)
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:       user.ID,
		Email:     user.Email,
		LegalName: user.LegalName,
		Initials:  user.Initials,
		Role:      user.Role,
		JTI:       jti,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		LegalName:    user.LegalName,
		Email:        user.Email,
		Initials:     user.Initials,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		LegalName: claims.LegalName,
		Email:     claims.Email,
		Initials:  claims.Initials,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// --- documents ---

type CreateDocumentInput struct {
	Title          string `json:"title"`
	EmptyCellCount int    `json:"emptyCellCount"`
}

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (store.Document, error) {
	if !s.Can(session.Role, rbac.ActionCreateDoc) {
		return store.Document{}, domainError(http.StatusForbidden, "FORBIDDEN", "Role may not create documents", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Document{}, domainError(http.StatusBadRequest, "INVALID_TITLE", "Title is required", nil)
	}
	if input.EmptyCellCount < 0 {
		return store.Document{}, domainError(http.StatusBadRequest, "INVALID_CELL_COUNT", "Empty cell count may not be negative", nil)
	}

	doc := store.Document{
		ID:             util.NewID("doc"),
		Title:          title,
		Stage:          workflow.StageDraft,
		EmptyCellCount: input.EmptyCellCount,
		EditTime:       nowMillis(),
		OwnerID:        session.UserID,
		UpdatedBy:      session.LegalName,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}

	if s.history != nil {
		if err := s.history.EnsureDocumentRepo(doc.ID, snapshotOf(doc, nil), session.LegalName); err != nil {
			return store.Document{}, fmt.Errorf("init document history: %w", err)
		}
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{
			ID: doc.ID, Title: doc.Title, Stage: int(doc.Stage), Owner: session.LegalName,
		})
	}
	return doc, nil
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return s.store.GetDocument(ctx, documentID)
}

// OpenDocument takes the edit lock and returns the authoritative current
// state. The returned edit time is the token the client must echo back on
// every mutation.
func (s *Service) OpenDocument(ctx context.Context, session Session, documentID string) (store.FreshState, error) {
	if s.locks != nil {
		if err := s.locks.Acquire(ctx, documentID, session.UserID); err != nil {
			return store.FreshState{}, mapLockError(ctx, s.locks, documentID, err)
		}
	}
	return s.store.FreshState(ctx, documentID)
}

// ReleaseDocument drops the caller's edit lock. Safe to call when the
// lock already expired.
func (s *Service) ReleaseDocument(ctx context.Context, session Session, documentID string) error {
	if s.locks == nil {
		return nil
	}
	return s.locks.Release(ctx, documentID, session.UserID)
}

func (s *Service) ReplaceGroup(ctx context.Context, session Session, documentID string, group workflow.Group) error {
	if !s.Can(session.Role, rbac.ActionManageGroups) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Role may not manage signing groups", nil)
	}
	if !group.Stage.SignActive() {
		return domainError(http.StatusBadRequest, "INVALID_GROUP_STAGE", "Signing groups exist only for sign-active stages", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Stage.Terminal() {
		return domainError(http.StatusConflict, "DOCUMENT_TERMINAL", "Document accepts no further changes", nil)
	}
	for i := range group.Participants {
		if group.Participants[i].ID == "" {
			group.Participants[i].ID = util.NewID("ptc")
		}
	}
	return s.store.ReplaceGroup(ctx, documentID, group)
}

func (s *Service) ListGroups(ctx context.Context, documentID string) ([]workflow.Group, error) {
	return s.store.ListGroups(ctx, documentID)
}

func (s *Service) AuditTrail(ctx context.Context, documentID string, filter store.AuditFilter) ([]store.AuditRecord, error) {
	return s.store.ListAuditLog(ctx, documentID, filter)
}

func (s *Service) DocumentHistory(ctx context.Context, documentID string, limit int) ([]history.CommitInfo, error) {
	if s.history == nil {
		return []history.CommitInfo{}, nil
	}
	return s.history.History(documentID, limit)
}

// DocumentSnapshot returns the recorded document state at head, or at a
// specific history commit when hash is given. A client rejected with
// STALE_DOCUMENT reloads from here before rebuilding its view.
func (s *Service) DocumentSnapshot(ctx context.Context, documentID, hash string) (history.Snapshot, history.CommitInfo, error) {
	if s.history == nil {
		return history.Snapshot{}, history.CommitInfo{}, domainError(http.StatusNotFound, "NO_HISTORY", "Document history is not enabled", nil)
	}
	if hash == "" {
		return s.history.HeadSnapshot(documentID)
	}
	snap, err := s.history.SnapshotByHash(documentID, hash)
	if err != nil {
		return history.Snapshot{}, history.CommitInfo{}, err
	}
	return snap, history.CommitInfo{Hash: hash}, nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// --- mutation operations ---

// LateInput is the client-supplied backdated timestamp for a late entry.
type LateInput struct {
	Date   string `json:"date"`
	Time   string `json:"time"`
	Reason string `json:"reason"`
}

type SignInput struct {
	ExpectedEditTime int64           `json:"expectedEditTime"`
	AtCursor         bool            `json:"atCursor"`
	CellIndices      []audit.CellRef `json:"cellIndices"`
	Late             *LateInput      `json:"late,omitempty"`
}

// Sign records the caller's signature for the document's current
// sign-active stage. The audit kind depends on the stage: approval
// signatures in PreApprove, performance signatures in Execute, review
// signatures in PostApprove.
func (s *Service) Sign(ctx context.Context, session Session, documentID string, input SignInput) (store.AuditRecord, error) {
	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}

	stage := fresh.Document.Stage
	group := groupForStage(fresh.Groups, stage)
	actor := workflow.Actor{UserID: session.UserID, Role: workflow.Role(session.Role)}
	if decision := workflow.CanAct(actor, stage, workflow.ActionSign, group); !decision.Allowed {
		return store.AuditRecord{}, denialError(decision.Denial)
	}
	member, _ := group.Member(session.UserID)

	item, err := s.newItem(session, fresh, signKindFor(stage), input.AtCursor, input.CellIndices, input.Late)
	if err != nil {
		return store.AuditRecord{}, err
	}
	item.NewText = session.LegalName

	m := s.newMutation(documentID, fresh, item)
	m.SignParticipantID = member.ID

	rec, err := s.commit(ctx, session, fresh, m)
	if err != nil {
		return store.AuditRecord{}, err
	}

	s.notifyNextSigner(ctx, fresh, session, member)
	return rec, nil
}

type TextInput struct {
	ExpectedEditTime int64           `json:"expectedEditTime"`
	Text             string          `json:"text"`
	AtCursor         bool            `json:"atCursor"`
	CellIndices      []audit.CellRef `json:"cellIndices"`
	Late             *LateInput      `json:"late,omitempty"`
}

func (s *Service) AddFreeText(ctx context.Context, session Session, documentID string, input TextInput) (store.AuditRecord, error) {
	return s.addText(ctx, session, documentID, input, audit.KindFreeText, workflow.ActionFreeText)
}

func (s *Service) AddNote(ctx context.Context, session Session, documentID string, input TextInput) (store.AuditRecord, error) {
	return s.addText(ctx, session, documentID, input, audit.KindNote, workflow.ActionNote)
}

func (s *Service) addText(ctx context.Context, session Session, documentID string, input TextInput, kind audit.Kind, action workflow.Action) (store.AuditRecord, error) {
	if strings.TrimSpace(input.Text) == "" {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "EMPTY_TEXT", "Text is required", nil)
	}
	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}

	stage := fresh.Document.Stage
	actor := workflow.Actor{UserID: session.UserID, Role: workflow.Role(session.Role)}
	if decision := workflow.CanAct(actor, stage, action, groupForStage(fresh.Groups, stage)); !decision.Allowed {
		return store.AuditRecord{}, denialError(decision.Denial)
	}

	item, err := s.newItem(session, fresh, kind, input.AtCursor, input.CellIndices, input.Late)
	if err != nil {
		return store.AuditRecord{}, err
	}
	item.NewText = input.Text

	m := s.newMutation(documentID, fresh, item)
	// Free text placed into a cell fills it; notes never occupy cells.
	if kind == audit.KindFreeText && !input.AtCursor && len(input.CellIndices) > 0 {
		delta := cappedDelta(len(input.CellIndices), fresh.Document.EmptyCellCount)
		item.EmptyCellCountChange = &delta
		m.Item = item
		m.EmptyCellDelta = delta
	}

	return s.commit(ctx, session, fresh, m)
}

type CorrectionInput struct {
	ExpectedEditTime int64           `json:"expectedEditTime"`
	CellIndices      []audit.CellRef `json:"cellIndices"`
	RemovedText      string          `json:"removedText"`
	NewText          string          `json:"newText"`
	Reason           string          `json:"reason"`
	Late             *LateInput      `json:"late,omitempty"`
}

// MakeCorrection strikes prior content and records the replacement. The
// struck cell is labelled with a correction marker "{initials}*{n}" whose
// counter is allocated here from the server-side value, never from
// whatever the client last saw.
func (s *Service) MakeCorrection(ctx context.Context, session Session, documentID string, input CorrectionInput) (store.AuditRecord, error) {
	if strings.TrimSpace(input.Reason) == "" {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "REASON_REQUIRED", "A correction requires a reason", nil)
	}
	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}

	stage := fresh.Document.Stage
	actor := workflow.Actor{UserID: session.UserID, Role: workflow.Role(session.Role)}
	if decision := workflow.CanAct(actor, stage, workflow.ActionCorrect, groupForStage(fresh.Groups, stage)); !decision.Allowed {
		return store.AuditRecord{}, denialError(decision.Denial)
	}

	item, err := s.newItem(session, fresh, audit.KindMadeCorrection, false, input.CellIndices, input.Late)
	if err != nil {
		return store.AuditRecord{}, err
	}
	marker := audit.NextMarker(fresh.Document.MarkerCounter)
	item.MarkerCounter = &marker
	item.NewText = input.NewText
	item.RemovedText = input.RemovedText
	item.Reason = input.Reason

	m := s.newMutation(documentID, fresh, item)
	m.NewMarkerCounter = &marker

	return s.commit(ctx, session, fresh, m)
}

type CheckboxInput struct {
	ExpectedEditTime int64           `json:"expectedEditTime"`
	CellIndices      []audit.CellRef `json:"cellIndices"`
	Late             *LateInput      `json:"late,omitempty"`
}

func (s *Service) CheckBox(ctx context.Context, session Session, documentID string, input CheckboxInput) (store.AuditRecord, error) {
	if len(input.CellIndices) == 0 {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "CELL_REQUIRED", "A checkbox event targets at least one cell", nil)
	}
	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}

	stage := fresh.Document.Stage
	actor := workflow.Actor{UserID: session.UserID, Role: workflow.Role(session.Role)}
	if decision := workflow.CanAct(actor, stage, workflow.ActionCheckbox, groupForStage(fresh.Groups, stage)); !decision.Allowed {
		return store.AuditRecord{}, denialError(decision.Denial)
	}

	item, err := s.newItem(session, fresh, audit.KindCheckedBox, false, input.CellIndices, input.Late)
	if err != nil {
		return store.AuditRecord{}, err
	}
	// Checkboxes draw from the same marker sequence as corrections.
	marker := audit.NextMarker(fresh.Document.MarkerCounter)
	item.MarkerCounter = &marker
	delta := cappedDelta(len(input.CellIndices), fresh.Document.EmptyCellCount)
	item.EmptyCellCountChange = &delta

	m := s.newMutation(documentID, fresh, item)
	m.NewMarkerCounter = &marker
	m.EmptyCellDelta = delta

	return s.commit(ctx, session, fresh, m)
}

type AttachmentInput struct {
	ExpectedEditTime int64           `json:"expectedEditTime"`
	Filename         string          `json:"filename"`
	FileType         string          `json:"fileType"`
	FileBytes        []byte          `json:"fileBytes"`
	AtCursor         bool            `json:"atCursor"`
	CellIndices      []audit.CellRef `json:"cellIndices"`
	Late             *LateInput      `json:"late,omitempty"`
}

// AddAttachment stores the file, computes its content digest, and records
// the attachment event. Numbers are allocated sequentially per document.
func (s *Service) AddAttachment(ctx context.Context, session Session, documentID string, input AttachmentInput) (store.AuditRecord, error) {
	if len(input.FileBytes) == 0 {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "EMPTY_FILE", "Attachment bytes are required", nil)
	}
	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}

	stage := fresh.Document.Stage
	actor := workflow.Actor{UserID: session.UserID, Role: workflow.Role(session.Role)}
	if decision := workflow.CanAct(actor, stage, workflow.ActionAttach, groupForStage(fresh.Groups, stage)); !decision.Allowed {
		return store.AuditRecord{}, denialError(decision.Denial)
	}

	hash := attachment.Hash(input.FileBytes)
	url := ""
	if s.objects != nil {
		storedHash, storedURL, err := s.objects.Put(ctx, documentID, input.Filename, input.FileType, input.FileBytes)
		if err != nil {
			return store.AuditRecord{}, fmt.Errorf("store attachment: %w", err)
		}
		hash, url = storedHash, storedURL
	}

	existing, err := s.store.ListAttachments(ctx, documentID)
	if err != nil {
		return store.AuditRecord{}, err
	}
	number := len(existing) + 1

	item, err := s.newItem(session, fresh, audit.KindAddAttachment, input.AtCursor, input.CellIndices, input.Late)
	if err != nil {
		return store.AuditRecord{}, err
	}
	item.Attachment = &audit.AttachmentRef{
		Hash:     hash,
		URL:      url,
		Filename: input.Filename,
		Number:   number,
	}

	m := s.newMutation(documentID, fresh, item)
	m.InsertAttachment = &attachment.Attachment{
		ID:            util.NewID("att"),
		DocumentID:    documentID,
		Number:        number,
		Hash:          hash,
		URL:           url,
		Filename:      input.Filename,
		FileType:      input.FileType,
		AttachedBy:    session.Initials,
		AttachedOn:    time.Now(),
		Verifications: []string{},
	}

	return s.commit(ctx, session, fresh, m)
}

type VerifyAttachmentInput struct {
	ExpectedEditTime int64 `json:"expectedEditTime"`
	Number           int   `json:"number"`
}

// VerifyAttachment records that the caller checked the stored file against
// its digest and attests it is a true copy.
func (s *Service) VerifyAttachment(ctx context.Context, session Session, documentID string, input VerifyAttachmentInput) (store.AuditRecord, error) {
	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}

	stage := fresh.Document.Stage
	actor := workflow.Actor{UserID: session.UserID, Role: workflow.Role(session.Role)}
	if decision := workflow.CanAct(actor, stage, workflow.ActionVerifyAttachment, groupForStage(fresh.Groups, stage)); !decision.Allowed {
		return store.AuditRecord{}, denialError(decision.Denial)
	}

	att, err := s.store.GetAttachment(ctx, documentID, input.Number)
	if err != nil {
		return store.AuditRecord{}, err
	}
	if err := attachment.AddVerification(&att, session.Initials, s.cfg.VerificationCap); err != nil {
		switch {
		case errors.Is(err, attachment.ErrVerificationCapReached):
			return store.AuditRecord{}, domainError(http.StatusConflict, "VERIFICATION_CAP", "Attachment already fully verified", nil)
		case errors.Is(err, attachment.ErrDuplicateVerifier):
			return store.AuditRecord{}, domainError(http.StatusConflict, "ALREADY_VERIFIED", "You already verified this attachment", nil)
		default:
			return store.AuditRecord{}, err
		}
	}

	item, err := s.newItem(session, fresh, audit.KindVerifyAttachment, false, nil, nil)
	if err != nil {
		return store.AuditRecord{}, err
	}
	item.Attachment = &audit.AttachmentRef{Hash: att.Hash, URL: att.URL, Filename: att.Filename, Number: att.Number}
	verifications := make(map[string][]string, len(fresh.Verifications)+1)
	for k, v := range fresh.Verifications {
		verifications[k] = v
	}
	verifications[strconv.Itoa(att.Number)] = att.Verifications
	item.Verifications = verifications

	m := s.newMutation(documentID, fresh, item)
	m.VerifyAttachmentNum = att.Number
	m.VerifierInitials = session.Initials

	return s.commit(ctx, session, fresh, m)
}

type StageChangeInput struct {
	ExpectedEditTime int64 `json:"expectedEditTime"`
	Target           int   `json:"target"`
}

// AdvanceStage moves the document forward one stage. Entering a
// sign-active stage resets that stage's signatures so a re-entered stage
// collects a fresh set.
func (s *Service) AdvanceStage(ctx context.Context, session Session, documentID string, input StageChangeInput) (store.AuditRecord, error) {
	target, ok := workflow.ParseStage(input.Target)
	if !ok {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "INVALID_STAGE", "Unknown target stage", nil)
	}
	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}

	stage := fresh.Document.Stage
	actor := workflow.Actor{UserID: session.UserID, Role: workflow.Role(session.Role)}
	if decision := workflow.CanAct(actor, stage, workflow.ActionChangeStage, groupForStage(fresh.Groups, stage)); !decision.Allowed {
		return store.AuditRecord{}, denialError(decision.Denial)
	}
	if err := workflow.AdvanceStage(stage, target); err != nil {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "INVALID_TRANSITION",
			fmt.Sprintf("Cannot move from %s to %s", stage, target), nil)
	}
	if target == workflow.StageVoided {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "USE_VOID", "Voiding has its own operation", nil)
	}

	item, err := s.newItem(session, fresh, audit.KindChangedStage, false, nil, nil)
	if err != nil {
		return store.AuditRecord{}, err
	}
	item.NewText = target.String()
	item.RemovedText = stage.String()

	m := s.newMutation(documentID, fresh, item)
	m.NewStage = &target
	if target.SignActive() {
		m.ResetSignaturesFor = &target
	}

	rec, err := s.commit(ctx, session, fresh, m)
	if err != nil {
		return store.AuditRecord{}, err
	}

	s.afterStageChange(ctx, fresh, session, target)
	return rec, nil
}

type CloseInput struct {
	ExpectedEditTime int64 `json:"expectedEditTime"`
}

// CloseDocument ends the sign-off workflow. Owner only; every sign-active
// group must be complete.
func (s *Service) CloseDocument(ctx context.Context, session Session, documentID string, input CloseInput) (store.AuditRecord, error) {
	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}
	if fresh.Document.OwnerID != session.UserID && rbac.Normalize(session.Role) != rbac.RoleAdmin {
		return store.AuditRecord{}, domainError(http.StatusForbidden, "OWNER_ONLY", "Only the document owner may close it", nil)
	}

	stage := fresh.Document.Stage
	actor := workflow.Actor{UserID: session.UserID, Role: workflow.Role(session.Role)}
	if decision := workflow.CanAct(actor, stage, workflow.ActionClose, groupForStage(fresh.Groups, stage)); !decision.Allowed {
		return store.AuditRecord{}, denialError(decision.Denial)
	}
	if err := workflow.AdvanceStage(stage, workflow.StageClosed); err != nil {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "INVALID_TRANSITION",
			fmt.Sprintf("Cannot close from %s", stage), nil)
	}
	for _, group := range fresh.Groups {
		if !group.Complete() {
			return store.AuditRecord{}, domainError(http.StatusConflict, "SIGNATURES_PENDING",
				fmt.Sprintf("Signatures missing for %s", group.Stage), nil)
		}
	}

	item, err := s.newItem(session, fresh, audit.KindClosed, false, nil, nil)
	if err != nil {
		return store.AuditRecord{}, err
	}

	m := s.newMutation(documentID, fresh, item)
	closed := workflow.StageClosed
	m.NewStage = &closed

	return s.commit(ctx, session, fresh, m)
}

type FinaliseInput struct {
	ExpectedEditTime int64 `json:"expectedEditTime"`
	PageCount        int   `json:"pageCount"`
}

// Finalise freezes the closed document permanently and pins a version tag
// on its history.
func (s *Service) Finalise(ctx context.Context, session Session, documentID string, input FinaliseInput) (store.AuditRecord, error) {
	if input.PageCount <= 0 {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "INVALID_PAGE_COUNT", "Page count must be positive", nil)
	}
	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}
	if fresh.Document.OwnerID != session.UserID && rbac.Normalize(session.Role) != rbac.RoleAdmin {
		return store.AuditRecord{}, domainError(http.StatusForbidden, "OWNER_ONLY", "Only the document owner may finalise it", nil)
	}

	stage := fresh.Document.Stage
	if err := workflow.AdvanceStage(stage, workflow.StageFinalised); err != nil {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "INVALID_TRANSITION",
			fmt.Sprintf("Cannot finalise from %s", stage), nil)
	}

	item, err := s.newItem(session, fresh, audit.KindFinalisePDF, false, nil, nil)
	if err != nil {
		return store.AuditRecord{}, err
	}
	item.PageCount = &input.PageCount

	m := s.newMutation(documentID, fresh, item)
	finalised := workflow.StageFinalised
	m.NewStage = &finalised

	rec, err := s.commit(ctx, session, fresh, m)
	if err != nil {
		return store.AuditRecord{}, err
	}

	if s.history != nil {
		if err := s.history.TagVersion(documentID, fmt.Sprintf("final-%d", m.NewEditTime)); err != nil {
			return store.AuditRecord{}, fmt.Errorf("tag finalised version: %w", err)
		}
	}
	return rec, nil
}

type VoidInput struct {
	ExpectedEditTime int64  `json:"expectedEditTime"`
	Reason           string `json:"reason"`
}

// Void terminates the document from any non-terminal stage.
func (s *Service) Void(ctx context.Context, session Session, documentID string, input VoidInput) (store.AuditRecord, error) {
	if strings.TrimSpace(input.Reason) == "" {
		return store.AuditRecord{}, domainError(http.StatusBadRequest, "REASON_REQUIRED", "Voiding requires a reason", nil)
	}
	if !s.Can(session.Role, rbac.ActionVoid) {
		return store.AuditRecord{}, domainError(http.StatusForbidden, "FORBIDDEN", "Role may not void documents", nil)
	}
	fresh, err := s.checkFreshAndLock(ctx, documentID, session.UserID, input.ExpectedEditTime)
	if err != nil {
		return store.AuditRecord{}, err
	}

	stage := fresh.Document.Stage
	if err := workflow.AdvanceStage(stage, workflow.StageVoided); err != nil {
		return store.AuditRecord{}, domainError(http.StatusConflict, "DOCUMENT_TERMINAL", "Document accepts no further changes", nil)
	}

	item, err := s.newItem(session, fresh, audit.KindVoided, false, nil, nil)
	if err != nil {
		return store.AuditRecord{}, err
	}
	item.Reason = input.Reason

	m := s.newMutation(documentID, fresh, item)
	voided := workflow.StageVoided
	m.NewStage = &voided

	return s.commit(ctx, session, fresh, m)
}

// --- pipeline internals ---

// newItem builds the audit item shared by every operation: actor identity
// from the session, submission time from the server clock, stage from the
// fresh state, plus the validated late entry if one was claimed.
func (s *Service) newItem(session Session, fresh store.FreshState, kind audit.Kind, atCursor bool, cells []audit.CellRef, late *LateInput) (audit.Item, error) {
	mode := audit.AtCell
	if atCursor {
		mode = audit.AtCursor
	}
	item := audit.Item{
		LegalName:   session.LegalName,
		Email:       session.Email,
		UserID:      session.UserID,
		Initials:    session.Initials,
		Time:        nowMillis(),
		Kind:        kind,
		Mode:        mode,
		Stage:       fresh.Document.Stage,
		CellIndices: cells,
	}
	if late != nil {
		problems := s.lateValidator.Validate(late.Date, late.Time, late.Reason)
		if len(problems) > 0 {
			return audit.Item{}, domainError(http.StatusUnprocessableEntity, "LATE_ENTRY_INVALID", "Late entry rejected", problems)
		}
		item.Late = &audit.LateEntry{Date: late.Date, Time: late.Time, Reason: late.Reason}
	}
	return item, nil
}

func (s *Service) newMutation(documentID string, fresh store.FreshState, item audit.Item) store.Mutation {
	return store.Mutation{
		DocumentID:       documentID,
		Item:             item,
		ExpectedEditTime: fresh.Document.EditTime,
		NewEditTime:      nextEditTime(fresh.Document.EditTime),
	}
}

// commit funnels the mutation through the document's FIFO queue. The queue
// guarantees one writer per document; the store's edit-time check inside
// ApplyMutation catches the race where a second session wrote between our
// freshness check and our turn in the queue.
func (s *Service) commit(ctx context.Context, session Session, fresh store.FreshState, m store.Mutation) (store.AuditRecord, error) {
	errCh := s.queue(m.DocumentID).Enqueue(ctx, func(ctx context.Context) error {
		if err := s.store.ApplyMutation(ctx, m); err != nil {
			return err
		}
		if s.history != nil {
			doc := projectDocument(fresh.Document, m)
			if _, err := s.history.CommitSnapshot(m.DocumentID, snapshotOf(doc, nil), session.LegalName, commitMessage(m.Item)); err != nil {
				return fmt.Errorf("record history snapshot: %w", err)
			}
		}
		return nil
	})

	select {
	case err := <-errCh:
		if err != nil {
			return store.AuditRecord{}, s.mapCommitError(err)
		}
	case <-ctx.Done():
		return store.AuditRecord{}, ctx.Err()
	}

	s.notifyObservers(m.DocumentID, m.Item)
	if s.search != nil {
		s.search.IndexAuditEvent(search.AuditEventRecord{
			ID:         util.NewID("ae"),
			DocumentID: m.DocumentID,
			ActorName:  m.Item.LegalName,
			ActorEmail: m.Item.Email,
			ActionType: m.Item.ActionType(),
			Stage:      int(m.Item.Stage),
			Text:       m.Item.NewText,
			Reason:     m.Item.Reason,
		})
		if m.NewStage != nil {
			s.search.IndexDocument(search.DocumentRecord{
				ID: m.DocumentID, Title: fresh.Document.Title, Stage: int(*m.NewStage),
			})
		}
	}

	return store.AuditRecord{
		DocumentID: m.DocumentID,
		Item:       m.Item,
		CreatedAt:  time.Now(),
	}, nil
}

func (s *Service) mapCommitError(err error) error {
	if errors.Is(err, store.ErrStaleDocument) {
		// Lost the race between the freshness check and our queue turn.
		return domainError(http.StatusConflict, "STALE_DOCUMENT",
			"Document changed since it was loaded; reload and retry", nil)
	}
	if errors.Is(err, audit.ErrQueueClosed) {
		return domainError(http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil)
	}
	return err
}

// notifyNextSigner emails the next participant when ordered signing has
// someone left to sign.
func (s *Service) notifyNextSigner(ctx context.Context, fresh store.FreshState, session Session, signed workflow.Participant) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	group := groupForStage(fresh.Groups, fresh.Document.Stage)
	if !group.EnforceOrder {
		return
	}
	var next *workflow.Participant
	for i := range group.Participants {
		p := group.Participants[i]
		if p.Signed || p.ID == signed.ID {
			continue
		}
		if next == nil || p.Order < next.Order {
			next = &group.Participants[i]
		}
	}
	if next == nil {
		return
	}
	user, err := s.store.GetUserByID(ctx, next.UserID)
	if err != nil {
		return
	}
	_ = s.mailer.SendSignTurnEmail(user.Email, next.Name, fresh.Document.Title,
		fresh.Document.Stage.String(), s.documentURL(fresh.Document.ID))
}

func (s *Service) afterStageChange(ctx context.Context, fresh store.FreshState, session Session, target workflow.Stage) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	if owner, err := s.store.GetUserByID(ctx, fresh.Document.OwnerID); err == nil && owner.ID != session.UserID {
		_ = s.mailer.SendStageAdvancedEmail(owner.Email, owner.LegalName, fresh.Document.Title,
			target.String(), s.documentURL(fresh.Document.ID))
	}
	if !target.SignActive() {
		return
	}
	groups, err := s.store.ListGroups(ctx, fresh.Document.ID)
	if err != nil {
		return
	}
	group := groupForStage(groups, target)
	if !group.EnforceOrder {
		return
	}
	if first, pending := group.NextUnsigned(); pending {
		if user, err := s.store.GetUserByID(ctx, first.UserID); err == nil {
			_ = s.mailer.SendSignTurnEmail(user.Email, first.Name, fresh.Document.Title,
				target.String(), s.documentURL(fresh.Document.ID))
		}
	}
}

func (s *Service) documentURL(documentID string) string {
	origin := s.cfg.CORSOrigin
	if origin == "" || origin == "*" {
		origin = "http://localhost:3000"
	}
	return origin + "/documents/" + documentID
}

// --- helpers ---

func groupForStage(groups []workflow.Group, stage workflow.Stage) workflow.Group {
	for _, g := range groups {
		if g.Stage == stage {
			return g
		}
	}
	return workflow.Group{Stage: stage}
}

// cappedDelta clamps a fill count to the cells still empty so the
// document counter never goes negative.
func cappedDelta(filled, remaining int) int {
	if filled > remaining {
		return remaining
	}
	return filled
}

// signKindFor maps a sign-active stage to the signature kind it collects.
func signKindFor(stage workflow.Stage) audit.Kind {
	switch stage {
	case workflow.StagePreApprove:
		return audit.KindApprovedBySign
	case workflow.StageExecute:
		return audit.KindPerformedBySign
	case workflow.StagePostApprove:
		return audit.KindReviewedBySign
	default:
		return audit.KindCustomSign
	}
}

func denialError(denial workflow.Denial) error {
	messages := map[workflow.Denial]string{
		workflow.DenialNotInList:       "You are not in the signing list for this stage",
		workflow.DenialNotYourTurn:     "It is not your turn to sign",
		workflow.DenialWrongStage:      "This action is not available in the current stage",
		workflow.DenialAdminRestricted: "Administrators may not modify document content",
		workflow.DenialTerminal:        "Document accepts no further changes",
	}
	status := http.StatusForbidden
	if denial == workflow.DenialWrongStage || denial == workflow.DenialTerminal {
		status = http.StatusConflict
	}
	return domainError(status, strings.ToUpper(string(denial)), messages[denial], nil)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// nextEditTime produces a strictly increasing token even when the clock
// has not moved since the previous commit.
func nextEditTime(current int64) int64 {
	next := nowMillis()
	if next <= current {
		next = current + 1
	}
	return next
}

// projectDocument applies the mutation's state changes to the in-memory
// document so the history snapshot matches what the row now holds.
func projectDocument(doc store.Document, m store.Mutation) store.Document {
	doc.EditTime = m.NewEditTime
	if m.NewStage != nil {
		doc.Stage = *m.NewStage
	}
	if m.NewMarkerCounter != nil {
		doc.MarkerCounter = *m.NewMarkerCounter
	}
	doc.EmptyCellCount -= m.EmptyCellDelta
	return doc
}

func snapshotOf(doc store.Document, auditTrail []byte) history.Snapshot {
	return history.Snapshot{
		Title:          doc.Title,
		Stage:          int(doc.Stage),
		MarkerCounter:  doc.MarkerCounter,
		EmptyCellCount: doc.EmptyCellCount,
		EditTime:       doc.EditTime,
		AuditTrail:     auditTrail,
	}
}

func commitMessage(item audit.Item) string {
	return fmt.Sprintf("%s by %s", kindLabel(item.Kind), item.LegalName)
}

func kindLabel(kind audit.Kind) string {
	labels := map[audit.Kind]string{
		audit.KindPerformedBySign:  "Performed-by signature",
		audit.KindReviewedBySign:   "Reviewed-by signature",
		audit.KindApprovedBySign:   "Approved-by signature",
		audit.KindVerifiedBySign:   "Verified-by signature",
		audit.KindCustomSign:       "Signature",
		audit.KindAddAttachment:    "Attachment added",
		audit.KindVerifyAttachment: "Attachment verified",
		audit.KindFreeText:         "Free text",
		audit.KindNote:             "Note",
		audit.KindCheckedBox:       "Checkbox",
		audit.KindMadeCorrection:   "Correction",
		audit.KindBulkNA:           "Bulk N/A",
		audit.KindChangedStage:     "Stage change",
		audit.KindClosed:           "Close",
		audit.KindVoided:           "Void",
		audit.KindFinalisePDF:      "Finalise",
	}
	if label, ok := labels[kind]; ok {
		return label
	}
	return "Event"
}
