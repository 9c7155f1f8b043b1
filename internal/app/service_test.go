package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pengcunfu/SimpleNotes/internal/authpw"
	"github.com/pengcunfu/SimpleNotes/internal/blob"
	"github.com/pengcunfu/SimpleNotes/internal/config"
	"github.com/pengcunfu/SimpleNotes/internal/store"
)

type fakeStore struct {
	listDocumentsFn      func(context.Context, store.DocumentQuery) ([]store.Document, int, error)
	getDocumentBySlugFn  func(context.Context, string) (store.Document, error)
	getDocumentByIDFn    func(context.Context, string) (store.Document, error)
	insertDocumentFn     func(context.Context, store.Document) error
	updateDocumentFn     func(context.Context, store.Document) error
	deleteDocumentFn     func(context.Context, string) (bool, error)
	incrementViewsFn     func(context.Context, string) error
	toggleLikeFn         func(context.Context, string, string, time.Time) (bool, int, error)
	listLikesFn          func(context.Context, string) ([]store.Like, error)
	documentStatsFn      func(context.Context) (store.DocumentStats, error)
	getUserByIDFn        func(context.Context, string) (store.User, error)
	getUserByEmailFn     func(context.Context, string) (store.User, error)
	getUserByUsernameFn  func(context.Context, string) (store.User, error)
	createUserFn         func(context.Context, store.User) error
	updateUserFn         func(context.Context, store.User) error
	updateUserPasswordFn func(context.Context, string, string) error
	deleteUserFn         func(context.Context, string) (bool, error)
	listUsersFn          func(context.Context, store.UserQuery) ([]store.User, int, error)
	userStatsFn          func(context.Context) (store.UserStats, error)
	adminExistsFn        func(context.Context) (bool, error)
}

func (f *fakeStore) ListDocuments(ctx context.Context, q store.DocumentQuery) ([]store.Document, int, error) {
	if f.listDocumentsFn != nil {
		return f.listDocumentsFn(ctx, q)
	}
	return nil, 0, nil
}
func (f *fakeStore) GetDocumentBySlug(ctx context.Context, slug string) (store.Document, error) {
	if f.getDocumentBySlugFn != nil {
		return f.getDocumentBySlugFn(ctx, slug)
	}
	return store.Document{}, sql.ErrNoRows
}
func (f *fakeStore) GetDocumentByID(ctx context.Context, documentID string) (store.Document, error) {
	if f.getDocumentByIDFn != nil {
		return f.getDocumentByIDFn(ctx, documentID)
	}
	return store.Document{}, sql.ErrNoRows
}
func (f *fakeStore) InsertDocument(ctx context.Context, item store.Document) error {
	if f.insertDocumentFn != nil {
		return f.insertDocumentFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) UpdateDocument(ctx context.Context, item store.Document) error {
	if f.updateDocumentFn != nil {
		return f.updateDocumentFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	if f.deleteDocumentFn != nil {
		return f.deleteDocumentFn(ctx, documentID)
	}
	return true, nil
}
func (f *fakeStore) IncrementViews(ctx context.Context, documentID string) error {
	if f.incrementViewsFn != nil {
		return f.incrementViewsFn(ctx, documentID)
	}
	return nil
}
func (f *fakeStore) ToggleLike(ctx context.Context, documentID, userID string, likedAt time.Time) (bool, int, error) {
	if f.toggleLikeFn != nil {
		return f.toggleLikeFn(ctx, documentID, userID, likedAt)
	}
	return false, 0, nil
}
func (f *fakeStore) ListLikes(ctx context.Context, documentID string) ([]store.Like, error) {
	if f.listLikesFn != nil {
		return f.listLikesFn(ctx, documentID)
	}
	return nil, nil
}
func (f *fakeStore) DocumentStats(ctx context.Context) (store.DocumentStats, error) {
	if f.documentStatsFn != nil {
		return f.documentStatsFn(ctx)
	}
	return store.DocumentStats{}, nil
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if f.getUserByUsernameFn != nil {
		return f.getUserByUsernameFn(ctx, username)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateUser(ctx context.Context, user store.User) error {
	if f.updateUserFn != nil {
		return f.updateUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if f.updateUserPasswordFn != nil {
		return f.updateUserPasswordFn(ctx, userID, passwordHash)
	}
	return nil
}
func (f *fakeStore) DeleteUser(ctx context.Context, userID string) (bool, error) {
	if f.deleteUserFn != nil {
		return f.deleteUserFn(ctx, userID)
	}
	return true, nil
}
func (f *fakeStore) ListUsers(ctx context.Context, q store.UserQuery) ([]store.User, int, error) {
	if f.listUsersFn != nil {
		return f.listUsersFn(ctx, q)
	}
	return nil, 0, nil
}
func (f *fakeStore) UserStats(ctx context.Context) (store.UserStats, error) {
	if f.userStatsFn != nil {
		return f.userStatsFn(ctx)
	}
	return store.UserStats{}, nil
}
func (f *fakeStore) AdminExists(ctx context.Context) (bool, error) {
	if f.adminExistsFn != nil {
		return f.adminExistsFn(ctx)
	}
	return true, nil
}
func (f *fakeStore) UpdateUserVerificationToken(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) VerifyUserEmail(context.Context, string) error { return nil }
func (f *fakeStore) CreatePasswordReset(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) GetPasswordReset(context.Context, string) (string, error) {
	return "", authpw.ErrTokenInvalid
}
func (f *fakeStore) MarkPasswordResetUsed(context.Context, string) error { return nil }
func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }
func (f *fakeStore) Ping(context.Context) error                         { return nil }

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 30 * 24 * time.Hour,
		},
		store:     fs,
		sessions:  fs,
		passwords: authpw.NewService(fs),
	}
}

func adminSession() Session {
	return Session{UserID: "usr_admin", Username: "admin", Role: "admin"}
}

func userSession() Session {
	return Session{UserID: "usr_member", Username: "member", Role: "user"}
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func TestListDocumentsForcesPublishedForNonAdmin(t *testing.T) {
	var captured store.DocumentQuery
	fs := &fakeStore{
		listDocumentsFn: func(_ context.Context, q store.DocumentQuery) ([]store.Document, int, error) {
			captured = q
			return nil, 0, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ListDocuments(context.Background(), Session{}, ListDocumentsParams{Status: "draft"}); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if captured.Status != "published" {
		t.Fatalf("anonymous list should be pinned to published, got %q", captured.Status)
	}

	if _, err := svc.ListDocuments(context.Background(), userSession(), ListDocumentsParams{Status: "archived"}); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if captured.Status != "published" {
		t.Fatalf("non-admin list should be pinned to published, got %q", captured.Status)
	}

	if _, err := svc.ListDocuments(context.Background(), adminSession(), ListDocumentsParams{Status: "draft"}); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if captured.Status != "draft" {
		t.Fatalf("admin list should pass the requested status, got %q", captured.Status)
	}
}

func TestListDocumentsPagination(t *testing.T) {
	fs := &fakeStore{
		listDocumentsFn: func(_ context.Context, q store.DocumentQuery) ([]store.Document, int, error) {
			if q.Limit != 10 || q.Offset != 10 {
				t.Fatalf("expected limit=10 offset=10, got limit=%d offset=%d", q.Limit, q.Offset)
			}
			docs := make([]store.Document, 10)
			for i := range docs {
				docs[i] = store.Document{ID: "doc_" + string(rune('a'+i)), Status: "published"}
			}
			return docs, 25, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListDocuments(context.Background(), Session{}, ListDocumentsParams{Page: 2, Limit: 10})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	pagination := payload["pagination"].(map[string]any)
	if pagination["current"] != 2 || pagination["pages"] != 3 || pagination["total"] != 25 || pagination["limit"] != 10 {
		t.Fatalf("unexpected pagination: %+v", pagination)
	}
	if docs := payload["documents"].([]map[string]any); len(docs) != 10 {
		t.Fatalf("expected 10 documents, got %d", len(docs))
	}
}

func TestListDocumentsClampsPageAndLimit(t *testing.T) {
	var captured store.DocumentQuery
	fs := &fakeStore{
		listDocumentsFn: func(_ context.Context, q store.DocumentQuery) ([]store.Document, int, error) {
			captured = q
			return nil, 0, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ListDocuments(context.Background(), Session{}, ListDocumentsParams{Page: -3, Limit: 500}); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if captured.Limit != 100 || captured.Offset != 0 {
		t.Fatalf("expected limit=100 offset=0, got limit=%d offset=%d", captured.Limit, captured.Offset)
	}
}

func TestGetDocumentBySlugHidesDrafts(t *testing.T) {
	draft := store.Document{ID: "doc_1", Slug: "draft-post-1", Status: "draft", AuthorID: "usr_admin"}
	fs := &fakeStore{
		getDocumentBySlugFn: func(_ context.Context, slug string) (store.Document, error) {
			if slug == draft.Slug {
				return draft, nil
			}
			return store.Document{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	_, err := svc.GetDocumentBySlug(context.Background(), Session{}, draft.Slug)
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Fatalf("draft should be hidden from anonymous callers, got %s", code)
	}

	_, err = svc.GetDocumentBySlug(context.Background(), userSession(), draft.Slug)
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Fatalf("draft should be hidden from regular users, got %s", code)
	}

	payload, err := svc.GetDocumentBySlug(context.Background(), adminSession(), draft.Slug)
	if err != nil {
		t.Fatalf("admin read failed: %v", err)
	}
	if doc := payload["document"].(map[string]any); doc["slug"] != draft.Slug {
		t.Fatalf("unexpected document payload: %+v", doc)
	}
}

func TestGetDocumentBySlugIncrementsViews(t *testing.T) {
	bumped := make(chan string, 1)
	fs := &fakeStore{
		getDocumentBySlugFn: func(_ context.Context, slug string) (store.Document, error) {
			return store.Document{ID: "doc_1", Slug: slug, Status: "published"}, nil
		},
		incrementViewsFn: func(_ context.Context, documentID string) error {
			bumped <- documentID
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.GetDocumentBySlug(context.Background(), Session{}, "hello-world"); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	select {
	case id := <-bumped:
		if id != "doc_1" {
			t.Fatalf("expected view bump for doc_1, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("view counter was never incremented")
	}
}

func TestCreateDocumentDerivesFields(t *testing.T) {
	var saved store.Document
	fs := &fakeStore{
		insertDocumentFn: func(_ context.Context, item store.Document) error {
			saved = item
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateDocument(context.Background(), adminSession(), DocumentInput{
		Title:   "Hello, World! 2024",
		Content: "# Heading\nSome **bold** content here.",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if !strings.HasPrefix(saved.Slug, "hello-world-2024-") {
		t.Fatalf("unexpected slug %q", saved.Slug)
	}
	if saved.Status != "draft" {
		t.Fatalf("expected default status draft, got %q", saved.Status)
	}
	if saved.Excerpt != "Heading Some bold content here." {
		t.Fatalf("unexpected excerpt %q", saved.Excerpt)
	}
	if saved.ReadingTime != 1 {
		t.Fatalf("expected reading time 1, got %d", saved.ReadingTime)
	}
	if saved.PublishedAt != nil {
		t.Fatal("draft should have no publish timestamp")
	}
	if payload["message"] != "Document created successfully" {
		t.Fatalf("unexpected message %v", payload["message"])
	}
}

func TestCreateDocumentRequiresAdmin(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateDocument(context.Background(), userSession(), DocumentInput{Title: "T", Content: "C"})
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}

	_, err = svc.CreateDocument(context.Background(), Session{}, DocumentInput{Title: "T", Content: "C"})
	if code := domainCode(t, err); code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %s", code)
	}
}

func TestCreateDocumentDuplicateSlug(t *testing.T) {
	fs := &fakeStore{
		insertDocumentFn: func(context.Context, store.Document) error {
			return &pgconn.PgError{Code: "23505", ConstraintName: "documents_slug_key"}
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateDocument(context.Background(), adminSession(), DocumentInput{
		Title:   "Hello",
		Content: "Body",
		Slug:    "hello",
	})
	if code := domainCode(t, err); code != "DUPLICATE_KEY" {
		t.Fatalf("expected DUPLICATE_KEY, got %s", code)
	}
}

func TestUpdateDocumentKeepsSlugAndPublishedAt(t *testing.T) {
	publishedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := store.Document{
		ID:          "doc_1",
		Title:       "Old Title",
		Slug:        "old-title-1709290000000",
		Content:     "old content",
		Status:      "published",
		AuthorID:    "usr_admin",
		PublishedAt: &publishedAt,
	}

	var saved store.Document
	fs := &fakeStore{
		getDocumentByIDFn: func(_ context.Context, id string) (store.Document, error) {
			return prev, nil
		},
		updateDocumentFn: func(_ context.Context, item store.Document) error {
			saved = item
			return nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateDocument(context.Background(), adminSession(), "doc_1", DocumentInput{
		Title:   "New Title",
		Content: "new content",
		Status:  "archived",
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if saved.Slug != prev.Slug {
		t.Fatalf("slug should survive retitling, got %q", saved.Slug)
	}
	if saved.PublishedAt == nil || !saved.PublishedAt.Equal(publishedAt) {
		t.Fatalf("publish timestamp should survive archiving, got %v", saved.PublishedAt)
	}
	if saved.Status != "archived" {
		t.Fatalf("expected archived, got %q", saved.Status)
	}
}

func TestToggleLikeDoubleToggleRestoresState(t *testing.T) {
	liked := map[string]bool{}
	count := 5
	fs := &fakeStore{
		getDocumentByIDFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Status: "published", AuthorID: "usr_admin"}, nil
		},
		toggleLikeFn: func(_ context.Context, documentID, userID string, _ time.Time) (bool, int, error) {
			if liked[userID] {
				delete(liked, userID)
				count--
				return false, count, nil
			}
			liked[userID] = true
			count++
			return true, count, nil
		},
	}
	svc := newTestService(fs)
	session := userSession()

	first, err := svc.ToggleLike(context.Background(), session, "doc_1")
	if err != nil {
		t.Fatalf("first toggle failed: %v", err)
	}
	if first["isLiked"] != true || first["likeCount"] != 6 || first["message"] != "Document liked" {
		t.Fatalf("unexpected first toggle payload: %+v", first)
	}

	second, err := svc.ToggleLike(context.Background(), session, "doc_1")
	if err != nil {
		t.Fatalf("second toggle failed: %v", err)
	}
	if second["isLiked"] != false || second["likeCount"] != 5 || second["message"] != "Document unliked" {
		t.Fatalf("unexpected second toggle payload: %+v", second)
	}
}

func TestToggleLikeAllowedOnDrafts(t *testing.T) {
	fs := &fakeStore{
		getDocumentByIDFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Status: "draft", AuthorID: "usr_admin"}, nil
		},
		toggleLikeFn: func(context.Context, string, string, time.Time) (bool, int, error) {
			return true, 1, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ToggleLike(context.Background(), userSession(), "doc_1"); err != nil {
		t.Fatalf("liking a draft should be allowed for authenticated users: %v", err)
	}

	_, err := svc.ToggleLike(context.Background(), Session{}, "doc_1")
	if code := domainCode(t, err); code != "UNAUTHORIZED" {
		t.Fatalf("anonymous like should be rejected, got %s", code)
	}
}

func TestDeleteUserAdminCannotDeleteSelf(t *testing.T) {
	deleted := ""
	fs := &fakeStore{
		deleteUserFn: func(_ context.Context, userID string) (bool, error) {
			deleted = userID
			return true, nil
		},
	}
	svc := newTestService(fs)
	admin := adminSession()

	err := svc.DeleteUser(context.Background(), admin, admin.UserID)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("admin self-delete should be forbidden, got %s", code)
	}
	if deleted != "" {
		t.Fatal("delete should not have reached the store")
	}

	if err := svc.DeleteUser(context.Background(), admin, "usr_other"); err != nil {
		t.Fatalf("admin delete of another user failed: %v", err)
	}
	if deleted != "usr_other" {
		t.Fatalf("expected usr_other deleted, got %q", deleted)
	}

	err = svc.DeleteUser(context.Background(), userSession(), "usr_other")
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("non-admin delete should be forbidden, got %s", code)
	}
}

func TestChangePasswordRequiresCurrentForSelf(t *testing.T) {
	hash, err := authpw.HashPassword("OldPass1")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	var updatedHash string
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, PasswordHash: hash}, nil
		},
		updateUserPasswordFn: func(_ context.Context, _, passwordHash string) error {
			updatedHash = passwordHash
			return nil
		},
	}
	svc := newTestService(fs)
	session := userSession()

	err = svc.ChangePassword(context.Background(), session, session.UserID, ChangePasswordInput{
		CurrentPassword: "WrongPass1",
		NewPassword:     "NewPass1",
	})
	if code := domainCode(t, err); code != "INVALID_CREDENTIALS" {
		t.Fatalf("wrong current password should be rejected, got %s", code)
	}

	err = svc.ChangePassword(context.Background(), session, session.UserID, ChangePasswordInput{
		CurrentPassword: "OldPass1",
		NewPassword:     "NewPass1",
	})
	if err != nil {
		t.Fatalf("change password failed: %v", err)
	}
	if !authpw.CheckPassword(updatedHash, "NewPass1") {
		t.Fatal("stored hash does not match the new password")
	}
}

func TestChangePasswordAdminSkipsCurrentForOthers(t *testing.T) {
	hash, err := authpw.HashPassword("Unknown1")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, PasswordHash: hash}, nil
		},
	}
	svc := newTestService(fs)

	err = svc.ChangePassword(context.Background(), adminSession(), "usr_other", ChangePasswordInput{
		NewPassword: "NewPass1",
	})
	if err != nil {
		t.Fatalf("admin reset without current password failed: %v", err)
	}
}

func TestUpdateUserRoleChangeIsAdminOnly(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Username: "member", Email: "member@example.com", Role: "user"}, nil
		},
	}
	svc := newTestService(fs)
	session := userSession()

	_, err := svc.UpdateUser(context.Background(), session, session.UserID, UpdateUserInput{Role: "admin"})
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("self role escalation should be forbidden, got %s", code)
	}

	var saved store.User
	fs.updateUserFn = func(_ context.Context, user store.User) error {
		saved = user
		return nil
	}
	if _, err := svc.UpdateUser(context.Background(), adminSession(), session.UserID, UpdateUserInput{Role: "admin"}); err != nil {
		t.Fatalf("admin role change failed: %v", err)
	}
	if saved.Role != "admin" {
		t.Fatalf("expected role admin, got %q", saved.Role)
	}
}

func TestUpdateUserEmailChangeResetsVerification(t *testing.T) {
	var saved store.User
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Username: "member", Email: "old@example.com", IsEmailVerified: true}, nil
		},
		updateUserFn: func(_ context.Context, user store.User) error {
			saved = user
			return nil
		},
	}
	svc := newTestService(fs)
	session := userSession()

	if _, err := svc.UpdateUser(context.Background(), session, session.UserID, UpdateUserInput{Email: "new@example.com"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if saved.Email != "new@example.com" {
		t.Fatalf("expected new email, got %q", saved.Email)
	}
	if saved.IsEmailVerified {
		t.Fatal("changing the address should reset verification")
	}
}

func TestBootstrapSeedsAdminOnce(t *testing.T) {
	var created *store.User
	fs := &fakeStore{
		adminExistsFn: func(context.Context) (bool, error) { return false, nil },
		createUserFn: func(_ context.Context, user store.User) error {
			created = &user
			return nil
		},
	}
	svc := newTestService(fs)
	svc.cfg.AdminUsername = "admin"
	svc.cfg.AdminEmail = "admin@simplenotes.com"
	svc.cfg.AdminPassword = "Admin123"

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if created == nil {
		t.Fatal("expected an admin account to be created")
	}
	if created.Role != "admin" || !created.IsEmailVerified {
		t.Fatalf("unexpected seeded admin: %+v", created)
	}

	created = nil
	fs.adminExistsFn = func(context.Context) (bool, error) { return true, nil }
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if created != nil {
		t.Fatal("bootstrap must not seed a second admin")
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	saved := map[string]string{}
	revoked := map[string]bool{}
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Username: "member", Role: "user", IsEmailVerified: true}, nil
		},
	}
	svc := newTestService(fs)
	svc.sessions = &fakeSessions{
		saveFn: func(tokenHash, userID string) error {
			saved[tokenHash] = userID
			return nil
		},
		lookupFn: func(tokenHash string) (store.User, error) {
			if revoked[tokenHash] {
				return store.User{}, sql.ErrNoRows
			}
			if userID, ok := saved[tokenHash]; ok {
				return store.User{ID: userID}, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		revokeFn: func(tokenHash string) error {
			revoked[tokenHash] = true
			return nil
		},
	}

	session, err := svc.issueSession(context.Background(), store.User{ID: "usr_member", Username: "member", Role: "user"})
	if err != nil {
		t.Fatalf("issue session failed: %v", err)
	}

	payload, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if payload["refreshToken"] == session.RefreshToken {
		t.Fatal("refresh should rotate the token")
	}

	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatal("a rotated token must not be reusable")
	}
}

type fakeSessions struct {
	saveFn   func(tokenHash, userID string) error
	lookupFn func(tokenHash string) (store.User, error)
	revokeFn func(tokenHash string) error
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	return f.saveFn(tokenHash, userID)
}
func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	return f.lookupFn(tokenHash)
}
func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	return f.revokeFn(tokenHash)
}

type fakeBlobs struct {
	uploadFn    func(folder, originalName string) (blob.UploadResult, error)
	deleteFn    func(objectName string) error
	existsFn    func(objectName string) (bool, error)
	presignedFn func(objectName string, expiry time.Duration) (string, error)
}

func (f *fakeBlobs) Upload(_ context.Context, _ io.Reader, _ int64, _, originalName, folder string) (blob.UploadResult, error) {
	if f.uploadFn != nil {
		return f.uploadFn(folder, originalName)
	}
	return blob.UploadResult{}, nil
}
func (f *fakeBlobs) Delete(_ context.Context, objectName string) error {
	if f.deleteFn != nil {
		return f.deleteFn(objectName)
	}
	return nil
}
func (f *fakeBlobs) Exists(_ context.Context, objectName string) (bool, error) {
	if f.existsFn != nil {
		return f.existsFn(objectName)
	}
	return true, nil
}
func (f *fakeBlobs) PresignedURL(_ context.Context, objectName string, expiry time.Duration) (string, error) {
	if f.presignedFn != nil {
		return f.presignedFn(objectName, expiry)
	}
	return "https://files.example.com/" + objectName, nil
}

func TestDeleteUploadMissingObject(t *testing.T) {
	deleted := ""
	svc := newTestService(&fakeStore{})
	svc.blobs = &fakeBlobs{
		existsFn: func(objectName string) (bool, error) {
			return objectName == "uploads/present.pdf", nil
		},
		deleteFn: func(objectName string) error {
			deleted = objectName
			return nil
		},
	}

	err := svc.DeleteUpload(context.Background(), adminSession(), "uploads/gone.pdf")
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Fatalf("missing object should be NOT_FOUND, got %s", code)
	}
	if deleted != "" {
		t.Fatal("delete should not run for a missing object")
	}

	if err := svc.DeleteUpload(context.Background(), adminSession(), "uploads/present.pdf"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted != "uploads/present.pdf" {
		t.Fatalf("expected uploads/present.pdf deleted, got %q", deleted)
	}
}

func TestFileLink(t *testing.T) {
	svc := newTestService(&fakeStore{})
	svc.blobs = &fakeBlobs{
		existsFn: func(objectName string) (bool, error) {
			return objectName == "uploads/report.pdf", nil
		},
	}

	_, err := svc.FileLink(context.Background(), userSession(), "uploads/report.pdf")
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("non-admin link request should be forbidden, got %s", code)
	}

	_, err = svc.FileLink(context.Background(), adminSession(), "uploads/gone.pdf")
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Fatalf("missing object should be NOT_FOUND, got %s", code)
	}

	payload, err := svc.FileLink(context.Background(), adminSession(), "uploads/report.pdf")
	if err != nil {
		t.Fatalf("file link failed: %v", err)
	}
	if payload["url"] != "https://files.example.com/uploads/report.pdf" {
		t.Fatalf("unexpected url %v", payload["url"])
	}
	if _, ok := payload["expiresAt"].(time.Time); !ok {
		t.Fatalf("expected expiresAt timestamp, got %v", payload["expiresAt"])
	}
}
