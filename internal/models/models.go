package models

import "time"

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	Status       UserStatus
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

type Session struct {
	ID            string
	UserID        string
	TokenHash     string
	IPHint        string
	UserAgentHash string
	ExpiresAt     time.Time
	IdleExpiresAt time.Time
	CreatedAt     time.Time
	LastSeenAt    time.Time
	RevokedAt     *time.Time
}

type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// File is one uploaded object tracked by the durable registry. Guest uploads
// have no owner; they carry the quota key they were admitted under so the
// uploader can still list and delete them.
type File struct {
	ID          string
	OwnerUserID *string
	GuestKey    string
	Name        string
	SizeBytes   int64
	ContentType string
	StorageKey  string
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

type AuditEntry struct {
	ID           string    `json:"id"`
	ActorUserID  string    `json:"actor_user_id"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	MetadataJSON string    `json:"metadata_json"`
	CreatedAt    time.Time `json:"created_at"`
}
