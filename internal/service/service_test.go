package service_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fileshare/internal/blob"
	"fileshare/internal/config"
	"fileshare/internal/db"
	"fileshare/internal/quota"
	"fileshare/internal/service"
	"fileshare/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		BaseURL:                "http://localhost:8080",
		BlobDir:                filepath.Join(t.TempDir(), "blobs"),
		MaxUploadBytes:         1 << 20,
		SessionIdleMinutes:     30,
		SessionAbsoluteHour:    24,
		GuestQuotaWindow:       time.Minute,
		GuestQuotaMaxRequests:  2,
		GuestQuotaMaxBytes:     1000,
		MemberQuotaWindow:      time.Minute,
		MemberQuotaMaxRequests: 10,
		MemberQuotaMaxBytes:    10000,
		PasswordMinLength:      12,
		PasswordMaxLength:      128,
	}
}

func newTestService(t *testing.T) (*service.Service, config.Config) {
	t.Helper()
	cfg := testConfig(t)

	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.ApplyMigrationFile(database, "../../migrations/001_init.sql"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	blobs, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	guest := quota.Policy{Window: cfg.GuestQuotaWindow, MaxRequests: cfg.GuestQuotaMaxRequests, MaxBytes: cfg.GuestQuotaMaxBytes}
	member := quota.Policy{Window: cfg.MemberQuotaWindow, MaxRequests: cfg.MemberQuotaMaxRequests, MaxBytes: cfg.MemberQuotaMaxBytes}
	engine := quota.New(guest, member)

	return service.New(cfg, store.New(database), blobs, engine, nil), cfg
}

func guestUpload(name, body string) service.UploadRequest {
	return service.UploadRequest{
		OriginAddr:  "203.0.113.7",
		Name:        name,
		ContentType: "text/plain",
		SizeBytes:   int64(len(body)),
		Body:        strings.NewReader(body),
	}
}

func TestUploadChargesAndDeleteReleases(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	f, err := svc.Upload(ctx, guestUpload("a.txt", strings.Repeat("x", 400)))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	st, err := svc.QuotaStatus(ctx, "", "203.0.113.7", false)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Count != 1 || st.UsedBytes != 400 {
		t.Fatalf("after upload: count=%d used=%d", st.Count, st.UsedBytes)
	}

	if err := svc.DeleteFile(ctx, f.ID, "", "203.0.113.7"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	st, err = svc.QuotaStatus(ctx, "", "203.0.113.7", false)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.UsedBytes != 0 {
		t.Fatalf("bytes not released: used=%d", st.UsedBytes)
	}

	// deleting again is a no-op, never a double release
	if err := svc.DeleteFile(ctx, f.ID, "", "203.0.113.7"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestUploadQuotaRejectionLeavesNoTrace(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Upload(ctx, guestUpload("a.txt", strings.Repeat("x", 600))); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	// byte ceiling is 1000; this would land at 1200
	_, err := svc.Upload(ctx, guestUpload("b.txt", strings.Repeat("y", 600)))
	var qe *service.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if qe.Decision.Reason != quota.ReasonBytes {
		t.Fatalf("reason = %s, want %s", qe.Decision.Reason, quota.ReasonBytes)
	}

	st, err := svc.QuotaStatus(ctx, "", "203.0.113.7", false)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Count != 1 || st.UsedBytes != 600 {
		t.Fatalf("rejection mutated usage: count=%d used=%d", st.Count, st.UsedBytes)
	}

	files, err := svc.ListFiles(ctx, "", "203.0.113.7", 50, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("rejected upload left %d files, want 1", len(files))
	}
}

func TestUploadSizeMismatchReleasesCharge(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := guestUpload("short.txt", "abc")
	req.SizeBytes = 500 // declared larger than the actual stream
	if _, err := svc.Upload(ctx, req); err == nil {
		t.Fatal("expected size mismatch error")
	}

	st, err := svc.QuotaStatus(ctx, "", "203.0.113.7", false)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Count != 0 || st.UsedBytes != 0 {
		t.Fatalf("failed upload left a charge: count=%d used=%d", st.Count, st.UsedBytes)
	}
}

func TestUploadRejectsOversizedDeclaration(t *testing.T) {
	svc, cfg := newTestService(t)
	req := guestUpload("big.bin", "x")
	req.SizeBytes = cfg.MaxUploadBytes + 1
	if _, err := svc.Upload(context.Background(), req); !errors.Is(err, service.ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestGuestCannotTouchForeignFiles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	f, err := svc.Upload(ctx, guestUpload("mine.txt", "data"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if _, _, err := svc.OpenFile(ctx, f.ID, "", "198.51.100.9"); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("open from other origin: expected ErrForbidden, got %v", err)
	}
	if err := svc.DeleteFile(ctx, f.ID, "", "198.51.100.9"); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("delete from other origin: expected ErrForbidden, got %v", err)
	}
}

func TestQuotaStatusRegistrySource(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Upload(ctx, guestUpload("a.txt", strings.Repeat("a", 300))); err != nil {
		t.Fatalf("upload a: %v", err)
	}
	if _, err := svc.Upload(ctx, guestUpload("b.txt", strings.Repeat("b", 200))); err != nil {
		t.Fatalf("upload b: %v", err)
	}

	st, err := svc.QuotaStatus(ctx, "", "203.0.113.7", true)
	if err != nil {
		t.Fatalf("registry status: %v", err)
	}
	if st.UsedBytes != 500 || st.Count != 2 {
		t.Fatalf("registry recompute: count=%d used=%d", st.Count, st.UsedBytes)
	}
	if st.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", st.Remaining)
	}
	if st.RemainingBytes != 500 {
		t.Fatalf("remaining bytes = %d, want 500", st.RemainingBytes)
	}
}

func TestRegisterLoginValidateSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "Person@Example.com", "a-long-enough-password")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Email != "person@example.com" {
		t.Fatalf("email not normalized: %s", u.Email)
	}

	if _, err := svc.Register(ctx, "person@example.com", "a-long-enough-password"); !errors.Is(err, service.ErrEmailTaken) {
		t.Fatalf("duplicate register: expected ErrEmailTaken, got %v", err)
	}

	token, got, err := svc.Login(ctx, "person@example.com", "a-long-enough-password", "127.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("login user mismatch")
	}

	vu, _, err := svc.ValidateSession(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if vu.ID != u.ID {
		t.Fatalf("session user mismatch")
	}

	if err := svc.Logout(ctx, token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, _, err := svc.ValidateSession(ctx, token); err == nil {
		t.Fatal("revoked session should not validate")
	}
}

func TestDefaultSenderLogsUsableResetLink(t *testing.T) {
	svc, cfg := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "reset@example.com", "a-long-enough-password"); err != nil {
		t.Fatalf("register: %v", err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	if err := svc.RequestPasswordReset(ctx, "reset@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	if !strings.Contains(buf.String(), cfg.BaseURL) {
		t.Fatalf("fallback sender logged no usable link: %s", buf.String())
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "who@example.com", "a-long-enough-password"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := svc.Login(ctx, "who@example.com", "not-the-password!", "127.0.0.1", "ua"); !errors.Is(err, service.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
