package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionGrantApplied     = "grant.applied"
	ActionAutoTopupSaved   = "auto_topup.settings_saved"
	ActionAutoTopupBlocked = "auto_topup.blocked"
	TargetTypeGrant        = "credit_grant"
	TargetTypeAutoTopup    = "auto_topup_settings"
	defaultListPageSize    = 50
	maxListPageSize        = 250
)

type ActorType string

const (
	ActorTypeSystem ActorType = "system"
	ActorTypeAPI    ActorType = "api"
)

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)

// AuditLog records a change to an account's credits or credit settings.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID  string            `gorm:"type:varchar(191);not null;index:ix_credit_audit_logs_account,priority:1" json:"accountId"`
	ActorType  ActorType         `gorm:"type:varchar(32);not null" json:"actorType"`
	ActorID    *string           `gorm:"type:varchar(191)" json:"actorId,omitempty"`
	Action     string            `gorm:"type:varchar(64);not null" json:"action"`
	TargetType string            `gorm:"type:varchar(64);not null" json:"targetType"`
	TargetID   *string           `gorm:"type:varchar(191)" json:"targetId,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index:ix_credit_audit_logs_account,priority:2" json:"createdAt"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "credit_audit_logs" }

// Entry is the caller-supplied part of an audit log.
type Entry struct {
	AccountID  string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type ListRequest struct {
	AccountID string
	PageToken string
	PageSize  int
}

// Limit returns the page size clamped to the supported range.
func (r ListRequest) Limit() int {
	switch {
	case r.PageSize <= 0:
		return defaultListPageSize
	case r.PageSize > maxListPageSize:
		return maxListPageSize
	default:
		return r.PageSize
	}
}

type ListResponse struct {
	AuditLogs     []AuditLog `json:"auditLogs"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
	HasMore       bool       `json:"hasMore"`
}

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, accountID string, cursor *Cursor, limit int) ([]AuditLog, error)
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type actorKey struct{}

type actor struct {
	typ ActorType
	id  string
}

// ContextWithActor tags ctx with who initiated the change being audited.
func ContextWithActor(ctx context.Context, actorType ActorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{typ: actorType, id: strings.TrimSpace(actorID)})
}

// ActorFromContext returns the actor set by ContextWithActor, or the system actor.
func ActorFromContext(ctx context.Context) (ActorType, string) {
	if ctx != nil {
		if a, ok := ctx.Value(actorKey{}).(actor); ok && a.typ != "" {
			return a.typ, a.id
		}
	}
	return ActorTypeSystem, ""
}
