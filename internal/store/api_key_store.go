package store

import (
	"context"
	"time"
)

// APIKey authenticates API callers. Principal is the identity recorded as
// requester and approver.
type APIKey struct {
	APIKeyID  string    `db:"api_key_id" json:"api_key_id"`
	Value     string    `db:"value"      json:"value,omitempty"`
	Principal string    `db:"principal"  json:"principal"`
	Role      Role      `db:"role"       json:"role"`
	CreatedOn time.Time `db:"created_on" json:"created_on"`
}

type APIKeyStore interface {
	CreateAPIKey(context.Context, string, string, string, Role) (*APIKey, error)
	ReadAPIKeyByID(context.Context, string) (*APIKey, error)
	ReadAPIKeyByValue(context.Context, string) (*APIKey, error)
	DeleteAPIKey(context.Context, string) error
	ListAPIKeys(context.Context) ([]*APIKey, error)
}
