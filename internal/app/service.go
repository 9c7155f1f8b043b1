package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pengcunfu/SimpleNotes/internal/auth"
	"github.com/pengcunfu/SimpleNotes/internal/authpw"
	"github.com/pengcunfu/SimpleNotes/internal/blob"
	"github.com/pengcunfu/SimpleNotes/internal/config"
	"github.com/pengcunfu/SimpleNotes/internal/email"
	"github.com/pengcunfu/SimpleNotes/internal/lifecycle"
	"github.com/pengcunfu/SimpleNotes/internal/policy"
	"github.com/pengcunfu/SimpleNotes/internal/search"
	"github.com/pengcunfu/SimpleNotes/internal/store"
	"github.com/pengcunfu/SimpleNotes/internal/util"
)

// Session is an authenticated caller. The zero value is anonymous.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) actor() policy.Actor {
	return policy.Actor{ID: s.UserID, Role: policy.Normalize(s.Role)}
}

// Authenticated reports whether the session belongs to a signed-in user.
func (s Session) Authenticated() bool {
	return s.UserID != ""
}

type dataStore interface {
	ListDocuments(ctx context.Context, q store.DocumentQuery) ([]store.Document, int, error)
	GetDocumentBySlug(ctx context.Context, slug string) (store.Document, error)
	GetDocumentByID(ctx context.Context, documentID string) (store.Document, error)
	InsertDocument(ctx context.Context, item store.Document) error
	UpdateDocument(ctx context.Context, item store.Document) error
	DeleteDocument(ctx context.Context, documentID string) (bool, error)
	IncrementViews(ctx context.Context, documentID string) error
	ToggleLike(ctx context.Context, documentID, userID string, likedAt time.Time) (bool, int, error)
	ListLikes(ctx context.Context, documentID string) ([]store.Like, error)
	DocumentStats(ctx context.Context) (store.DocumentStats, error)

	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	UpdateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	DeleteUser(ctx context.Context, userID string) (bool, error)
	ListUsers(ctx context.Context, q store.UserQuery) ([]store.User, int, error)
	UserStats(ctx context.Context) (store.UserStats, error)
	AdminExists(ctx context.Context) (bool, error)
	UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	VerifyUserEmail(ctx context.Context, token string) error
	CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Redis in production, the Postgres
// refresh_sessions table when Redis is not configured.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	DeleteDocument(id string)
}

type emailService interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type blobService interface {
	Upload(ctx context.Context, r io.Reader, size int64, mimeType, originalName, folder string) (blob.UploadResult, error)
	Delete(ctx context.Context, objectName string) error
	Exists(ctx context.Context, objectName string) (bool, error)
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	search    searchService
	email     emailService
	blobs     blobService
}

// New wires the service. sessions may be nil, in which case refresh
// tokens live in Postgres. searchSvc, emailSvc and blobs may be nil when
// the corresponding backend is not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchSvc *search.Service, emailSvc *email.Service, blobs *blob.Store) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		passwords: authpw.NewService(dataStore),
	}
	if sessions != nil {
		s.sessions = sessions
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	if emailSvc != nil {
		s.email = emailSvc
	}
	if blobs != nil {
		s.blobs = blobs
	}
	return s
}

// Bootstrap seeds an admin account when none exists. The password comes
// from config; when unset, no account is created and a warning is logged.
func (s *Service) Bootstrap(ctx context.Context) error {
	exists, err := s.store.AdminExists(ctx)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if exists {
		return nil
	}

	if s.cfg.AdminPassword == "" {
		log.Warn().Msg("no admin account exists and ADMIN_PASSWORD is unset, skipping admin seed")
		return nil
	}

	hash, err := authpw.HashPassword(s.cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	admin := store.User{
		ID:              util.NewID("usr"),
		Username:        s.cfg.AdminUsername,
		Email:           s.cfg.AdminEmail,
		PasswordHash:    hash,
		Role:            "admin",
		IsEmailVerified: true,
	}
	if err := s.store.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	log.Info().Str("username", admin.Username).Str("email", admin.Email).Msg("admin account created")
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SMTPConfigured reports whether verification emails can actually be sent.
func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// ---- Auth ----

func (s *Service) Register(ctx context.Context, input RegisterInput) (map[string]any, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	resp, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Username: strings.TrimSpace(input.Username),
		Email:    strings.ToLower(strings.TrimSpace(input.Email)),
		Password: input.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrEmailTaken):
			return nil, errDuplicateKey("Email already registered")
		case errors.Is(err, authpw.ErrUsernameTaken):
			return nil, errDuplicateKey("Username already taken")
		default:
			return nil, err
		}
	}

	payload := map[string]any{
		"message": "Please check your email to verify your account",
		"user":    userPayload(resp.User),
	}

	if s.SMTPConfigured() {
		s.sendVerificationEmail(resp.User, resp.VerificationToken)
	} else {
		// Dev bypass: surface the token when no mailer is configured.
		payload["devVerificationToken"] = resp.VerificationToken
	}

	return payload, nil
}

func (s *Service) Login(ctx context.Context, input LoginInput) (map[string]any, error) {
	resp, err := s.passwords.SignIn(ctx, authpw.SignInRequest{
		Email:    strings.ToLower(strings.TrimSpace(input.Email)),
		Password: input.Password,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return nil, domainError(401, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		}
		return nil, err
	}
	if resp.RequiresVerify {
		return nil, domainError(403, "EMAIL_NOT_VERIFIED", "Please verify your email before logging in", nil)
	}

	session, err := s.issueSession(ctx, resp.User)
	if err != nil {
		return nil, err
	}
	return sessionPayload(session, resp.User), nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := uuid.NewString()

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Username, user.Role, jti, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refresh := util.NewID("") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and loads the current user
// record, so role changes and deletions take effect immediately.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Refresh rotates a refresh token and issues a new session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (map[string]any, error) {
	if refreshToken == "" {
		return nil, errUnauthorized()
	}

	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return nil, errUnauthorized()
	}

	user, err := s.store.GetUserByID(ctx, ref.ID)
	if err != nil {
		return nil, errUnauthorized()
	}

	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return nil, fmt.Errorf("revoke refresh session: %w", err)
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}
	return sessionPayload(session, user), nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
		log.Warn().Err(err).Msg("revoke refresh session on logout failed")
	}
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.passwords.VerifyEmail(ctx, token); err != nil {
		return errValidation("Invalid or expired verification token", nil)
	}
	return nil
}

func (s *Service) ResendVerification(ctx context.Context, email string) error {
	token, err := s.passwords.ResendVerification(ctx, email)
	if err != nil {
		return err
	}
	if token == "" {
		// Unknown address or already verified; reveal nothing.
		return nil
	}
	if user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email))); err == nil {
		s.sendVerificationEmail(user, token)
	}
	return nil
}

func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	token, err := s.passwords.RequestPasswordReset(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	if user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email))); err == nil {
		s.sendPasswordResetEmail(user, token)
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	if err := s.passwords.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword}); err != nil {
		if errors.Is(err, authpw.ErrTokenInvalid) {
			return errValidation("Invalid or expired reset token", nil)
		}
		return err
	}
	return nil
}

func (s *Service) Me(ctx context.Context, session Session) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, errUnauthorized()
	}
	return map[string]any{"user": userPayload(user)}, nil
}

func (s *Service) sendVerificationEmail(user store.User, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := strings.TrimRight(s.cfg.FrontendURL, "/") + "/verify-email?token=" + token
	go func() {
		if err := s.email.SendVerificationEmail(user.Email, user.Username, url); err != nil {
			log.Warn().Err(err).Str("email", user.Email).Msg("send verification email failed")
		}
	}()
}

func (s *Service) sendPasswordResetEmail(user store.User, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := strings.TrimRight(s.cfg.FrontendURL, "/") + "/reset-password?token=" + token
	go func() {
		if err := s.email.SendPasswordResetEmail(user.Email, user.Username, url); err != nil {
			log.Warn().Err(err).Str("email", user.Email).Msg("send password reset email failed")
		}
	}()
}

// ---- Documents ----

type ListDocumentsParams struct {
	Status   string
	Category string
	Tag      string
	Search   string
	Author   string
	Page     int
	Limit    int
}

// buildDocumentQuery resolves request filters into a role-aware store
// predicate. Non-admin callers are always pinned to published documents,
// whatever status they asked for.
func buildDocumentQuery(actor policy.Actor, params ListDocumentsParams) (store.DocumentQuery, int, int) {
	page := params.Page
	if page < 1 {
		page = 1
	}
	limit := params.Limit
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	status := ""
	if actor.IsAdmin() {
		status = params.Status
	} else {
		status = "published"
	}

	return store.DocumentQuery{
		Status:   status,
		Category: params.Category,
		Tag:      params.Tag,
		Search:   params.Search,
		AuthorID: params.Author,
		Limit:    limit,
		Offset:   (page - 1) * limit,
	}, page, limit
}

func (s *Service) ListDocuments(ctx context.Context, session Session, params ListDocumentsParams) (map[string]any, error) {
	if params.Status != "" && !validStatus(params.Status) {
		return nil, errValidation("Status must be draft, published, or archived", nil)
	}

	query, page, limit := buildDocumentQuery(session.actor(), params)

	documents, total, err := s.store.ListDocuments(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		items = append(items, documentPayload(doc))
	}

	return map[string]any{
		"documents":  items,
		"pagination": paginationPayload(page, limit, total),
	}, nil
}

// GetDocumentBySlug returns a document by slug. Non-published documents
// are reported as not found to unprivileged callers so their existence
// does not leak. A successful read bumps the view counter without
// blocking the response.
func (s *Service) GetDocumentBySlug(ctx context.Context, session Session, slug string) (map[string]any, error) {
	doc, err := s.store.GetDocumentBySlug(ctx, slug)
	if err != nil {
		return nil, errNotFound("Document not found")
	}

	if !policy.CanAccess(session.actor(), policy.Document(doc.AuthorID, doc.Status), policy.ActionRead) {
		return nil, errNotFound("Document not found")
	}

	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.IncrementViews(ctx, id); err != nil {
			log.Warn().Err(err).Str("document_id", id).Msg("view increment failed")
		}
	}(doc.ID)

	return map[string]any{"document": documentPayload(doc)}, nil
}

func (s *Service) CreateDocument(ctx context.Context, session Session, input DocumentInput) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}
	if !policy.CanAccess(session.actor(), policy.Document(session.UserID, input.Status), policy.ActionWrite) {
		return nil, errForbidden("Admin access required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}

	status := input.Status
	if status == "" {
		status = "draft"
	}

	doc := store.Document{
		ID:            util.NewID("doc"),
		Title:         strings.TrimSpace(input.Title),
		Content:       input.Content,
		AuthorID:      session.UserID,
		AuthorName:    session.Username,
		Status:        status,
		Category:      strings.TrimSpace(input.Category),
		Tags:          trimTags(input.Tags),
		FeaturedImage: input.FeaturedImage,
	}
	doc = lifecycle.PrepareForSave(doc, nil, time.Now())

	if err := s.store.InsertDocument(ctx, doc); err != nil {
		if store.IsDuplicateKey(err) {
			return nil, errDuplicateKey("Document with this slug already exists")
		}
		return nil, fmt.Errorf("insert document: %w", err)
	}

	s.indexDocument(doc)

	return map[string]any{
		"message":  "Document created successfully",
		"document": documentPayload(doc),
	}, nil
}

func (s *Service) UpdateDocument(ctx context.Context, session Session, documentID string, input DocumentInput) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}
	if !session.actor().IsAdmin() {
		return nil, errForbidden("Admin access required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}

	prev, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, errNotFound("Document not found")
	}

	next := prev
	next.Title = strings.TrimSpace(input.Title)
	next.Content = input.Content
	next.Category = strings.TrimSpace(input.Category)
	next.Tags = trimTags(input.Tags)
	next.FeaturedImage = input.FeaturedImage
	if input.Status != "" {
		next.Status = input.Status
	}
	if input.Slug != "" {
		next.Slug = input.Slug
	}
	// Derived fields follow the new content.
	next.Excerpt = input.Excerpt

	next = lifecycle.PrepareForSave(next, &prev, time.Now())

	if err := s.store.UpdateDocument(ctx, next); err != nil {
		if store.IsDuplicateKey(err) {
			return nil, errDuplicateKey("Document with this slug already exists")
		}
		return nil, fmt.Errorf("update document: %w", err)
	}

	s.indexDocument(next)

	return map[string]any{
		"message":  "Document updated successfully",
		"document": documentPayload(next),
	}, nil
}

// DeleteDocument removes a document. Stored files are cleaned up best
// effort; a failed object delete is logged and never blocks the delete.
func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	if !session.Authenticated() {
		return errUnauthorized()
	}

	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return errNotFound("Document not found")
	}

	if !policy.CanAccess(session.actor(), policy.Document(doc.AuthorID, doc.Status), policy.ActionDelete) {
		return errForbidden("Admin access required")
	}

	deleted, err := s.store.DeleteDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if !deleted {
		return errNotFound("Document not found")
	}

	s.cleanupDocumentFiles(doc)

	if s.search != nil {
		s.search.DeleteDocument(doc.ID)
	}

	return nil
}

func (s *Service) cleanupDocumentFiles(doc store.Document) {
	if s.blobs == nil {
		return
	}
	objects := make([]string, 0, len(doc.Attachments)+1)
	for _, att := range doc.Attachments {
		name := att.Filename
		if name == "" && att.URL != "" {
			name = "uploads/" + path.Base(att.URL)
		}
		if name != "" {
			objects = append(objects, name)
		}
	}
	if doc.FeaturedImage != "" {
		objects = append(objects, "images/"+path.Base(doc.FeaturedImage))
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, name := range objects {
			if err := s.blobs.Delete(ctx, name); err != nil {
				log.Warn().Err(err).Str("object", name).Msg("file cleanup failed")
			}
		}
	}()
}

// ToggleLike flips the caller's like on a document. Any authenticated
// user may like any document regardless of status.
func (s *Service) ToggleLike(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}

	doc, err := s.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, errNotFound("Document not found")
	}

	if !policy.CanAccess(session.actor(), policy.Document(doc.AuthorID, doc.Status), policy.ActionLike) {
		return nil, errForbidden("Forbidden")
	}

	liked, count, err := s.store.ToggleLike(ctx, documentID, session.UserID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("toggle like: %w", err)
	}

	message := "Document unliked"
	if liked {
		message = "Document liked"
	}

	return map[string]any{
		"message":   message,
		"likeCount": count,
		"isLiked":   liked,
	}, nil
}

func (s *Service) ListLikes(ctx context.Context, documentID string) (map[string]any, error) {
	if _, err := s.store.GetDocumentByID(ctx, documentID); err != nil {
		return nil, errNotFound("Document not found")
	}

	likes, err := s.store.ListLikes(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list likes: %w", err)
	}

	items := make([]map[string]any, 0, len(likes))
	for _, like := range likes {
		items = append(items, map[string]any{
			"user":    map[string]any{"id": like.UserID, "username": like.Username},
			"likedAt": like.LikedAt,
		})
	}

	return map[string]any{
		"likes":     items,
		"likeCount": len(items),
	}, nil
}

func (s *Service) DocumentStats(ctx context.Context, session Session) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}
	if !session.actor().IsAdmin() {
		return nil, errForbidden("Admin access required")
	}

	stats, err := s.store.DocumentStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("document stats: %w", err)
	}
	return map[string]any{"stats": stats}, nil
}

func (s *Service) indexDocument(doc store.Document) {
	if s.search == nil {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:       doc.ID,
		Slug:     doc.Slug,
		Title:    doc.Title,
		Excerpt:  doc.Excerpt,
		Content:  doc.Content,
		Category: doc.Category,
		Tags:     doc.Tags,
		AuthorID: doc.AuthorID,
		Status:   doc.Status,
	})
}

// ---- Users ----

type ListUsersParams struct {
	Role   string
	Search string
	Page   int
	Limit  int
}

func (s *Service) ListUsers(ctx context.Context, session Session, params ListUsersParams) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}
	if !session.actor().IsAdmin() {
		return nil, errForbidden("Admin access required")
	}
	if params.Role != "" && params.Role != "user" && params.Role != "admin" {
		return nil, errValidation("Role must be user or admin", nil)
	}

	page := params.Page
	if page < 1 {
		page = 1
	}
	limit := params.Limit
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	users, total, err := s.store.ListUsers(ctx, store.UserQuery{
		Role:   params.Role,
		Search: params.Search,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, userPayload(user))
	}

	return map[string]any{
		"users":      items,
		"pagination": paginationPayload(page, limit, total),
	}, nil
}

func (s *Service) GetUser(ctx context.Context, session Session, userID string) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}
	if !policy.CanAccess(session.actor(), policy.UserRecord(userID), policy.ActionRead) {
		return nil, errForbidden("Access denied")
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, errNotFound("User not found")
	}
	return map[string]any{"user": userPayload(user)}, nil
}

func (s *Service) UpdateUser(ctx context.Context, session Session, userID string, input UpdateUserInput) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}
	if !policy.CanAccess(session.actor(), policy.UserRecord(userID), policy.ActionWrite) {
		return nil, errForbidden("Access denied")
	}
	if input.Role != "" && !policy.CanAccess(session.actor(), policy.UserRecord(userID), policy.ActionChangeRole) {
		return nil, errForbidden("Only admin can change user roles")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, errNotFound("User not found")
	}

	if input.Username != "" && input.Username != user.Username {
		if existing, err := s.store.GetUserByUsername(ctx, input.Username); err == nil && existing.ID != userID {
			return nil, errConflict("Username already taken")
		}
		user.Username = input.Username
	}

	if input.Email != "" {
		email := strings.ToLower(strings.TrimSpace(input.Email))
		if email != user.Email {
			if existing, err := s.store.GetUserByEmail(ctx, email); err == nil && existing.ID != userID {
				return nil, errConflict("Email already registered")
			}
			user.Email = email
			// A changed address must be verified again.
			user.IsEmailVerified = false
		}
	}

	if input.Profile != nil {
		user.Profile = mergeProfile(user.Profile, *input.Profile)
	}

	if input.Role != "" {
		user.Role = input.Role
	}

	if err := s.store.UpdateUser(ctx, user); err != nil {
		if store.IsDuplicateKey(err) {
			return nil, errConflict("Username or email already taken")
		}
		return nil, fmt.Errorf("update user: %w", err)
	}

	return map[string]any{
		"message": "User updated successfully",
		"user":    userPayload(user),
	}, nil
}

func (s *Service) DeleteUser(ctx context.Context, session Session, userID string) error {
	if !session.Authenticated() {
		return errUnauthorized()
	}
	if !policy.CanAccess(session.actor(), policy.UserRecord(userID), policy.ActionDelete) {
		if session.actor().IsAdmin() && session.UserID == userID {
			return errForbidden("Cannot delete your own account")
		}
		return errForbidden("Admin access required")
	}

	deleted, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if !deleted {
		return errNotFound("User not found")
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, userID string, input ChangePasswordInput) error {
	if !session.Authenticated() {
		return errUnauthorized()
	}
	if !policy.CanAccess(session.actor(), policy.UserRecord(userID), policy.ActionWrite) {
		return errForbidden("Access denied")
	}
	if err := validatePassword(input.NewPassword); err != nil {
		return err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return errNotFound("User not found")
	}

	if policy.RequiresCurrentPassword(session.actor(), userID) {
		if !authpw.CheckPassword(user.PasswordHash, input.CurrentPassword) {
			return domainError(400, "INVALID_CREDENTIALS", "Current password is incorrect", nil)
		}
	}

	hash, err := authpw.HashPassword(input.NewPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserPassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *Service) UserStats(ctx context.Context, session Session) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}
	if !session.actor().IsAdmin() {
		return nil, errForbidden("Admin access required")
	}

	stats, err := s.store.UserStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("user stats: %w", err)
	}
	return map[string]any{"stats": stats}, nil
}

// ---- Uploads ----

func (s *Service) UploadFile(ctx context.Context, session Session, r io.Reader, size int64, mimeType, originalName, folder string) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}
	if !session.actor().IsAdmin() {
		return nil, errForbidden("Admin access required")
	}
	if s.blobs == nil {
		return nil, domainError(503, "STORAGE_UNAVAILABLE", "File storage not configured", nil)
	}
	if !blob.IsAllowedType(mimeType) {
		return nil, errValidation(fmt.Sprintf("File type %s is not allowed", mimeType), nil)
	}

	result, err := s.blobs.Upload(ctx, r, size, mimeType, originalName, folder)
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}

	return map[string]any{
		"message": "File uploaded successfully",
		"file":    result,
	}, nil
}

func (s *Service) UploadImage(ctx context.Context, session Session, r io.Reader, size int64, mimeType, originalName string) (map[string]any, error) {
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, errValidation("File must be an image", nil)
	}
	payload, err := s.UploadFile(ctx, session, r, size, mimeType, originalName, "images")
	if err != nil {
		return nil, err
	}
	payload["message"] = "Image uploaded successfully"
	payload["image"] = payload["file"]
	delete(payload, "file")
	return payload, nil
}

func (s *Service) DeleteUpload(ctx context.Context, session Session, objectName string) error {
	if !session.Authenticated() {
		return errUnauthorized()
	}
	if !session.actor().IsAdmin() {
		return errForbidden("Admin access required")
	}
	if s.blobs == nil {
		return domainError(503, "STORAGE_UNAVAILABLE", "File storage not configured", nil)
	}

	exists, err := s.blobs.Exists(ctx, objectName)
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if !exists {
		return errNotFound("File not found")
	}

	if err := s.blobs.Delete(ctx, objectName); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

const fileLinkTTL = 15 * time.Minute

// FileLink returns a short-lived download URL for a stored object, for
// attachments that live outside the public bucket prefix.
func (s *Service) FileLink(ctx context.Context, session Session, objectName string) (map[string]any, error) {
	if !session.Authenticated() {
		return nil, errUnauthorized()
	}
	if !session.actor().IsAdmin() {
		return nil, errForbidden("Admin access required")
	}
	if s.blobs == nil {
		return nil, domainError(503, "STORAGE_UNAVAILABLE", "File storage not configured", nil)
	}

	exists, err := s.blobs.Exists(ctx, objectName)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !exists {
		return nil, errNotFound("File not found")
	}

	url, err := s.blobs.PresignedURL(ctx, objectName, fileLinkTTL)
	if err != nil {
		return nil, fmt.Errorf("presign file: %w", err)
	}

	return map[string]any{
		"url":       url,
		"expiresAt": time.Now().Add(fileLinkTTL),
	}, nil
}

// ---- Search ----

type SearchParams struct {
	Text     string
	Category string
	Limit    int
	Offset   int
}

// Search runs full-text search over documents. Non-admin callers only
// ever see published documents.
func (s *Service) Search(session Session, params SearchParams) search.Response {
	status := ""
	if !session.actor().IsAdmin() {
		status = "published"
	}

	if s.search == nil {
		return search.Response{Results: []search.Result{}, Total: 0, Query: params.Text}
	}

	return s.search.Search(search.Query{
		Text:     params.Text,
		Status:   status,
		Category: params.Category,
		Limit:    params.Limit,
		Offset:   params.Offset,
	})
}

// ---- Payload helpers ----

func documentPayload(doc store.Document) map[string]any {
	author := map[string]any{"id": doc.AuthorID}
	if doc.AuthorName != "" {
		author["username"] = doc.AuthorName
	}

	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	attachments := doc.Attachments
	if attachments == nil {
		attachments = []store.Attachment{}
	}

	return map[string]any{
		"id":            doc.ID,
		"title":         doc.Title,
		"slug":          doc.Slug,
		"content":       doc.Content,
		"excerpt":       doc.Excerpt,
		"author":        author,
		"status":        doc.Status,
		"category":      doc.Category,
		"tags":          tags,
		"featuredImage": doc.FeaturedImage,
		"attachments":   attachments,
		"publishedAt":   doc.PublishedAt,
		"views":         doc.Views,
		"likeCount":     doc.LikeCount,
		"wordCount":     doc.WordCount,
		"readingTime":   doc.ReadingTime,
		"createdAt":     doc.CreatedAt,
		"updatedAt":     doc.UpdatedAt,
	}
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":              user.ID,
		"username":        user.Username,
		"email":           user.Email,
		"role":            user.Role,
		"isEmailVerified": user.IsEmailVerified,
		"profile":         user.Profile,
		"createdAt":       user.CreatedAt,
		"updatedAt":       user.UpdatedAt,
	}
}

func sessionPayload(session Session, user store.User) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt,
		"user":         userPayload(user),
	}
}

func paginationPayload(page, limit, total int) map[string]any {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return map[string]any{
		"current": page,
		"pages":   pages,
		"total":   total,
		"limit":   limit,
	}
}

func trimTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func mergeProfile(base, patch store.Profile) store.Profile {
	if patch.FirstName != "" {
		base.FirstName = patch.FirstName
	}
	if patch.LastName != "" {
		base.LastName = patch.LastName
	}
	if patch.Bio != "" {
		base.Bio = patch.Bio
	}
	if patch.Avatar != "" {
		base.Avatar = patch.Avatar
	}
	return base
}

func validStatus(status string) bool {
	switch status {
	case "draft", "published", "archived":
		return true
	default:
		return false
	}
}
