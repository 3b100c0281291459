package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"fileshare/internal/models"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

// Store is the durable registry. It records uploaded files and accounts; the
// quota engine never reads it for enforcement, but callers may cross-check
// byte totals against it for display.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateUser(ctx context.Context, email, passwordHash, role string) (models.User, error) {
	now := time.Now().UTC()
	u := models.User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash, Role: role, Status: models.UserActive, CreatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id,email,password_hash,role,status,created_at) VALUES(?,?,?,?,?,?)`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.Status, u.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return models.User{}, ErrConflict
	}
	return u, err
}

func (s *Store) EnsureAdmin(ctx context.Context, email, passwordHash string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return nil
	}
	u, err := s.GetUserByEmail(ctx, email)
	if err == ErrNotFound {
		now := time.Now().UTC()
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO users(id,email,password_hash,role,status,created_at) VALUES(?,?,?,?,?,?)`,
			uuid.NewString(), email, passwordHash, "admin", models.UserActive, now,
		)
		return err
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET role='admin', status='active', password_hash=? WHERE id=?`,
		passwordHash, u.ID,
	)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return s.getUser(ctx, `SELECT id,email,password_hash,role,status,created_at,last_login_at FROM users WHERE email=?`, email)
}

func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	return s.getUser(ctx, `SELECT id,email,password_hash,role,status,created_at,last_login_at FROM users WHERE id=?`, id)
}

func (s *Store) getUser(ctx context.Context, query, arg string) (models.User, error) {
	var u models.User
	var lastLogin sql.NullTime
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Status, &u.CreatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func (s *Store) UpdateUserPasswordHash(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, passwordHash, userID)
	return err
}

func (s *Store) TouchUserLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at=? WHERE id=?`, at, userID)
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id,user_id,token_hash,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.IPHint, sess.UserAgentHash, sess.ExpiresAt, sess.IdleExpiresAt, sess.CreatedAt, sess.LastSeenAt,
	)
	return err
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (models.Session, error) {
	var sess models.Session
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,token_hash,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at,revoked_at FROM sessions WHERE token_hash=?`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.IPHint, &sess.UserAgentHash, &sess.ExpiresAt, &sess.IdleExpiresAt, &sess.CreatedAt, &sess.LastSeenAt, &revoked)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	if revoked.Valid {
		t := revoked.Time
		sess.RevokedAt = &t
	}
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, idleExpiry time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at=?, idle_expires_at=? WHERE id=?`, now, idleExpiry, id)
	return err
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE id=?`, now, id)
	return err
}

func (s *Store) CreatePasswordResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) (models.PasswordResetToken, error) {
	t := models.PasswordResetToken{ID: uuid.NewString(), UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO password_reset_tokens(id,user_id,token_hash,expires_at,created_at) VALUES(?,?,?,?,?)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt,
	)
	return t, err
}

func (s *Store) ConsumePasswordResetToken(ctx context.Context, tokenHash string) (models.PasswordResetToken, error) {
	var t models.PasswordResetToken
	var used sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,token_hash,expires_at,used_at,created_at FROM password_reset_tokens WHERE token_hash=?`, tokenHash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &used, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return models.PasswordResetToken{}, ErrNotFound
	}
	if err != nil {
		return models.PasswordResetToken{}, err
	}
	if used.Valid {
		tm := used.Time
		t.UsedAt = &tm
	}
	if t.UsedAt != nil || time.Now().UTC().After(t.ExpiresAt) {
		return models.PasswordResetToken{}, ErrNotFound
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE password_reset_tokens SET used_at=? WHERE id=? AND used_at IS NULL`, now, t.ID)
	if err != nil {
		return models.PasswordResetToken{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return models.PasswordResetToken{}, err
	}
	// a racing confirmation may have consumed the token between the read and
	// the guarded update; only the caller whose update landed wins
	if rows == 0 {
		return models.PasswordResetToken{}, ErrNotFound
	}
	return t, nil
}

func (s *Store) CreateFile(ctx context.Context, f models.File) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files(id,owner_user_id,guest_key,name,size_bytes,content_type,storage_key,created_at) VALUES(?,?,?,?,?,?,?,?)`,
		f.ID, f.OwnerUserID, f.GuestKey, f.Name, f.SizeBytes, f.ContentType, f.StorageKey, f.CreatedAt,
	)
	return err
}

func (s *Store) GetFileByID(ctx context.Context, id string) (models.File, error) {
	var f models.File
	var owner sql.NullString
	var deleted sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id,owner_user_id,guest_key,name,size_bytes,content_type,storage_key,created_at,deleted_at FROM files WHERE id=?`,
		id,
	).Scan(&f.ID, &owner, &f.GuestKey, &f.Name, &f.SizeBytes, &f.ContentType, &f.StorageKey, &f.CreatedAt, &deleted)
	if err == sql.ErrNoRows {
		return models.File{}, ErrNotFound
	}
	if err != nil {
		return models.File{}, err
	}
	if owner.Valid {
		v := owner.String
		f.OwnerUserID = &v
	}
	if deleted.Valid {
		t := deleted.Time
		f.DeletedAt = &t
	}
	if f.DeletedAt != nil {
		return models.File{}, ErrNotFound
	}
	return f, nil
}

func (s *Store) ListFilesByOwner(ctx context.Context, ownerID string, limit, offset int) ([]models.File, error) {
	return s.listFiles(ctx,
		`SELECT id,owner_user_id,guest_key,name,size_bytes,content_type,storage_key,created_at,deleted_at FROM files WHERE owner_user_id=? AND deleted_at IS NULL ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		ownerID, limit, offset)
}

func (s *Store) ListFilesByGuestKey(ctx context.Context, guestKey string, limit, offset int) ([]models.File, error) {
	return s.listFiles(ctx,
		`SELECT id,owner_user_id,guest_key,name,size_bytes,content_type,storage_key,created_at,deleted_at FROM files WHERE guest_key=? AND owner_user_id IS NULL AND deleted_at IS NULL ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		guestKey, limit, offset)
}

func (s *Store) listFiles(ctx context.Context, query string, args ...any) ([]models.File, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.File
	for rows.Next() {
		var f models.File
		var owner sql.NullString
		var deleted sql.NullTime
		if err := rows.Scan(&f.ID, &owner, &f.GuestKey, &f.Name, &f.SizeBytes, &f.ContentType, &f.StorageKey, &f.CreatedAt, &deleted); err != nil {
			return nil, err
		}
		if owner.Valid {
			v := owner.String
			f.OwnerUserID = &v
		}
		if deleted.Valid {
			t := deleted.Time
			f.DeletedAt = &t
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFileDeleted soft-deletes exactly once. ErrConflict signals the record
// was already deleted, so the caller can avoid double-releasing quota.
func (s *Store) MarkFileDeleted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE files SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

// SumActiveFileBytes recomputes usage from durable truth. Display-only: the
// quota engine's in-memory counters stay authoritative for enforcement.
func (s *Store) SumActiveFileBytes(ctx context.Context, ownerID, guestKey string) (int64, int, error) {
	var total sql.NullInt64
	var count int
	var err error
	if ownerID != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(size_bytes),0), COUNT(1) FROM files WHERE owner_user_id=? AND deleted_at IS NULL`,
			ownerID,
		).Scan(&total, &count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(size_bytes),0), COUNT(1) FROM files WHERE guest_key=? AND owner_user_id IS NULL AND deleted_at IS NULL`,
			guestKey,
		).Scan(&total, &count)
	}
	if err != nil {
		return 0, 0, err
	}
	return total.Int64, count, nil
}

func (s *Store) InsertAudit(ctx context.Context, actorID, action, target, metadata string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_audit_log(id,actor_user_id,action,target,metadata_json,created_at) VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), actorID, action, target, metadata, time.Now().UTC(),
	)
	return err
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
