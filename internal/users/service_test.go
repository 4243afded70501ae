package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestUserService(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:scribepad_users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	return service
}

func TestResolveCanonicalUserIDCreatesIdentityOnFirstLogin(t *testing.T) {
	service := newTestUserService(t)

	userID, err := service.ResolveCanonicalUserID(context.Background(), Login{
		Provider: "local",
		Subject:  "user-1",
		Email:    "Owner@Example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("unexpected canonical id %s", userID)
	}
}

func TestResolveCanonicalUserIDIsStableAcrossLogins(t *testing.T) {
	service := newTestUserService(t)
	ctx := context.Background()

	first, err := service.ResolveCanonicalUserID(ctx, Login{Subject: "user-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := service.ResolveCanonicalUserID(ctx, Login{Subject: "user-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable canonical id, got %s then %s", first, second)
	}
}

func TestResolveCanonicalUserIDRejectsEmptySubject(t *testing.T) {
	service := newTestUserService(t)

	_, err := service.ResolveCanonicalUserID(context.Background(), Login{Subject: "  "})
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

func TestLookupByEmailIsCaseInsensitive(t *testing.T) {
	service := newTestUserService(t)
	ctx := context.Background()

	if _, err := service.ResolveCanonicalUserID(ctx, Login{Subject: "user-3", Email: "Collab@Example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	userID, err := service.LookupByEmail(ctx, "collab@example.COM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-3" {
		t.Fatalf("unexpected user id %s", userID)
	}
}

func TestLookupByEmailReportsMissingUser(t *testing.T) {
	service := newTestUserService(t)

	_, err := service.LookupByEmail(context.Background(), "ghost@example.com")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found error, got %v", err)
	}
}
