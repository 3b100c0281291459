package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"fileshare/internal/auth"
	"fileshare/internal/blob"
	"fileshare/internal/config"
	"fileshare/internal/models"
	"fileshare/internal/notify"
	"fileshare/internal/quota"
	"fileshare/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSuspended          = errors.New("account suspended")
	ErrForbidden          = errors.New("forbidden")
	ErrEmailTaken         = errors.New("email already registered")
	ErrFileTooLarge       = errors.New("file exceeds upload size limit")
)

// QuotaExceededError carries the engine's decision so the HTTP layer can
// render reason-specific messages and retry hints.
type QuotaExceededError struct {
	Decision quota.Decision
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Decision.Reason)
}

type Service struct {
	cfg    config.Config
	st     *store.Store
	blobs  *blob.Store
	engine *quota.Engine
	sender notify.Sender
}

func New(cfg config.Config, st *store.Store, blobs *blob.Store, engine *quota.Engine, sender notify.Sender) *Service {
	if sender == nil {
		sender = notify.NewLogSender(cfg.BaseURL)
	}
	return &Service{cfg: cfg, st: st, blobs: blobs, engine: engine, sender: sender}
}

func (s *Service) Store() *store.Store  { return s.st }
func (s *Service) Quota() *quota.Engine { return s.engine }

func hashUA(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])
}

func (s *Service) ValidatePassword(pw string) error {
	if len(pw) < s.cfg.PasswordMinLength {
		return fmt.Errorf("password must be at least %d characters", s.cfg.PasswordMinLength)
	}
	if len(pw) > s.cfg.PasswordMaxLength {
		return fmt.Errorf("password must be at most %d characters", s.cfg.PasswordMaxLength)
	}
	return nil
}

func (s *Service) Register(ctx context.Context, email, password string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return models.User{}, errors.New("email and password are required")
	}
	if _, err := netmail.ParseAddress(email); err != nil {
		return models.User{}, errors.New("invalid email address")
	}
	if err := s.ValidatePassword(password); err != nil {
		return models.User{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	u, err := s.st.CreateUser(ctx, email, hash, "user")
	if err == store.ErrConflict {
		return models.User{}, ErrEmailTaken
	}
	return u, err
}

func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (rawToken string, user models.User, err error) {
	u, err := s.st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", models.User{}, ErrInvalidCredentials
	}
	if !auth.VerifyPassword(u.PasswordHash, password) {
		return "", models.User{}, ErrInvalidCredentials
	}
	if u.Status == models.UserSuspended {
		return "", models.User{}, ErrSuspended
	}

	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return "", models.User{}, err
	}
	now := time.Now().UTC()
	sess := models.Session{
		ID:            uuid.NewString(),
		UserID:        u.ID,
		TokenHash:     tokenHash,
		IPHint:        ip,
		UserAgentHash: hashUA(userAgent),
		ExpiresAt:     now.Add(s.cfg.SessionAbsoluteDuration()),
		IdleExpiresAt: now.Add(s.cfg.SessionIdleDuration()),
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if err := s.st.CreateSession(ctx, sess); err != nil {
		return "", models.User{}, err
	}
	_ = s.st.TouchUserLastLogin(ctx, u.ID, now)
	return raw, u, nil
}

func (s *Service) ValidateSession(ctx context.Context, rawToken string) (models.User, models.Session, error) {
	sess, err := s.st.GetSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	now := time.Now().UTC()
	if sess.RevokedAt != nil || now.After(sess.ExpiresAt) || now.After(sess.IdleExpiresAt) {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	_ = s.st.TouchSession(ctx, sess.ID, now.Add(s.cfg.SessionIdleDuration()))

	u, err := s.st.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	if u.Status != models.UserActive && u.Role != "admin" {
		return models.User{}, models.Session{}, ErrForbidden
	}
	return u, sess, nil
}

func (s *Service) Logout(ctx context.Context, rawToken string) error {
	sess, err := s.st.GetSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		return nil
	}
	return s.st.RevokeSession(ctx, sess.ID)
}

func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	u, err := s.st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		// don't leak existence
		return nil
	}
	raw, hash, err := auth.NewOpaqueToken()
	if err != nil {
		return err
	}
	if _, err := s.st.CreatePasswordResetToken(ctx, u.ID, hash, time.Now().UTC().Add(30*time.Minute)); err != nil {
		return err
	}
	return s.sender.SendPasswordReset(ctx, u.Email, raw)
}

func (s *Service) ConfirmPasswordReset(ctx context.Context, rawToken, newPassword string) error {
	if err := s.ValidatePassword(newPassword); err != nil {
		return err
	}
	t, err := s.st.ConsumePasswordResetToken(ctx, auth.HashToken(rawToken))
	if err != nil {
		return ErrInvalidCredentials
	}
	h, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.st.UpdateUserPasswordHash(ctx, t.UserID, h)
}

// UploadRequest is one prospective upload. UserID is empty for guests;
// OriginAddr is the client IP the guest key derives from.
type UploadRequest struct {
	UserID      string
	OriginAddr  string
	Name        string
	ContentType string
	SizeBytes   int64
	Body        io.Reader
}

// Upload admits the request against the uploader's quota, stores the bytes,
// and registers the file. The quota charge uses the declared size, which the
// blob store verifies while streaming; a mismatch or registry failure
// releases the charge so rejections and errors never leak quota.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (models.File, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return models.File{}, errors.New("file name is required")
	}
	if req.SizeBytes < 0 {
		return models.File{}, errors.New("negative upload size")
	}
	if req.SizeBytes > s.cfg.MaxUploadBytes {
		return models.File{}, ErrFileTooLarge
	}

	key := quota.DeriveKey(req.UserID, req.OriginAddr)
	authenticated := req.UserID != ""
	d := s.engine.CheckAndConsume(key, req.SizeBytes, authenticated)
	if !d.Allowed {
		return models.File{}, &QuotaExceededError{Decision: d}
	}

	storageKey, size, err := s.blobs.Save(req.Body, s.cfg.MaxUploadBytes)
	if err != nil {
		s.engine.Release(key, req.SizeBytes)
		if errors.Is(err, blob.ErrTooLarge) {
			return models.File{}, ErrFileTooLarge
		}
		return models.File{}, err
	}
	if size != req.SizeBytes {
		// Declared size drives admission; reconcile the charge with what
		// actually landed on disk.
		s.engine.Release(key, req.SizeBytes)
		_ = s.blobs.Delete(storageKey)
		return models.File{}, fmt.Errorf("upload size mismatch: declared %d, received %d", req.SizeBytes, size)
	}

	f := models.File{
		ID:          uuid.NewString(),
		Name:        name,
		SizeBytes:   size,
		ContentType: normalizeContentType(req.ContentType),
		StorageKey:  storageKey,
		CreatedAt:   time.Now().UTC(),
	}
	if authenticated {
		id := req.UserID
		f.OwnerUserID = &id
	} else {
		f.GuestKey = key
	}
	if err := s.st.CreateFile(ctx, f); err != nil {
		s.engine.Release(key, size)
		_ = s.blobs.Delete(storageKey)
		return models.File{}, err
	}
	return f, nil
}

// OpenFile returns the file record and a reader over its bytes, enforcing
// that the caller owns the record (account or guest key).
func (s *Service) OpenFile(ctx context.Context, id, userID, originAddr string) (models.File, io.ReadCloser, error) {
	f, err := s.getOwnedFile(ctx, id, userID, originAddr)
	if err != nil {
		return models.File{}, nil, err
	}
	rc, _, err := s.blobs.Open(f.StorageKey)
	if err != nil {
		return models.File{}, nil, err
	}
	return f, rc, nil
}

func (s *Service) ListFiles(ctx context.Context, userID, originAddr string, limit, offset int) ([]models.File, error) {
	if userID != "" {
		return s.st.ListFilesByOwner(ctx, userID, limit, offset)
	}
	return s.st.ListFilesByGuestKey(ctx, quota.DeriveKey("", originAddr), limit, offset)
}

// DeleteFile soft-deletes the record, removes the blob, and releases the
// quota charge — exactly once, guarded by the registry's conflict check.
func (s *Service) DeleteFile(ctx context.Context, id, userID, originAddr string) error {
	f, err := s.getOwnedFile(ctx, id, userID, originAddr)
	if err != nil {
		return err
	}
	if err := s.st.MarkFileDeleted(ctx, f.ID); err != nil {
		if err == store.ErrConflict {
			return nil
		}
		return err
	}
	_ = s.blobs.Delete(f.StorageKey)

	key := f.GuestKey
	if f.OwnerUserID != nil {
		key = quota.DeriveKey(*f.OwnerUserID, "")
	}
	s.engine.Release(key, f.SizeBytes)

	actor := userID
	if actor == "" {
		actor = key
	}
	meta, _ := json.Marshal(map[string]string{"file_id": f.ID, "name": f.Name})
	_ = s.st.InsertAudit(ctx, actor, "file.delete", f.ID, string(meta))
	return nil
}

func (s *Service) ShareFile(ctx context.Context, id, userID, originAddr, toEmail string) error {
	toEmail = strings.TrimSpace(toEmail)
	if _, err := netmail.ParseAddress(toEmail); err != nil {
		return errors.New("invalid recipient address")
	}
	f, err := s.getOwnedFile(ctx, id, userID, originAddr)
	if err != nil {
		return err
	}
	link := fmt.Sprintf("%s/api/v1/files/%s", strings.TrimRight(s.cfg.BaseURL, "/"), f.ID)
	return s.sender.SendShareLink(ctx, toEmail, f.Name, link)
}

// QuotaStatus reports the caller's current usage. When fromRegistry is set,
// byte and count totals are recomputed from the durable file registry while
// the window timing still comes from the in-memory engine; that variant is
// for display only and never feeds enforcement.
func (s *Service) QuotaStatus(ctx context.Context, userID, originAddr string, fromRegistry bool) (quota.Status, error) {
	key := quota.DeriveKey(userID, originAddr)
	authenticated := userID != ""
	st := s.engine.PeekStatus(key, authenticated)
	if !fromRegistry {
		return st, nil
	}

	total, count, err := s.st.SumActiveFileBytes(ctx, userID, key)
	if err != nil {
		return quota.Status{}, err
	}
	st.UsedBytes = total
	st.Count = count
	p := s.policyFor(authenticated)
	st.Remaining = p.MaxRequests - count
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if p.MaxBytes > 0 {
		st.RemainingBytes = p.MaxBytes - total
		if st.RemainingBytes < 0 {
			st.RemainingBytes = 0
		}
		st.UsedPercent = float64(total) / float64(p.MaxBytes) * 100
	}
	return st, nil
}

func (s *Service) policyFor(authenticated bool) quota.Policy {
	if authenticated {
		return quota.Policy{Window: s.cfg.MemberQuotaWindow, MaxRequests: s.cfg.MemberQuotaMaxRequests, MaxBytes: s.cfg.MemberQuotaMaxBytes}
	}
	return quota.Policy{Window: s.cfg.GuestQuotaWindow, MaxRequests: s.cfg.GuestQuotaMaxRequests, MaxBytes: s.cfg.GuestQuotaMaxBytes}
}

func (s *Service) getOwnedFile(ctx context.Context, id, userID, originAddr string) (models.File, error) {
	f, err := s.st.GetFileByID(ctx, id)
	if err != nil {
		return models.File{}, err
	}
	if f.OwnerUserID != nil {
		if userID == "" || *f.OwnerUserID != userID {
			return models.File{}, ErrForbidden
		}
		return f, nil
	}
	if f.GuestKey != quota.DeriveKey("", originAddr) {
		return models.File{}, ErrForbidden
	}
	return f, nil
}

func normalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
