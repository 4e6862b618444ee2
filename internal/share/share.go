package share

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ShareStatus is the lifecycle state of a grant. Revocation is terminal.
type ShareStatus string

const (
	StatusActive  ShareStatus = "active"
	StatusRevoked ShareStatus = "revoked"
	StatusExpired ShareStatus = "expired"
)

// Permission is one capability granted on the shared paths.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
)

// StringList stores a JSON-encoded string slice in a single text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// Share is a path-scoped grant letting one user's remote files be accessed
// by another user.
type Share struct {
	ID          string      `db:"id"           json:"id"`
	OwnerID     string      `db:"owner_id"     json:"ownerId"`
	RecipientID string      `db:"recipient_id" json:"recipientId"`
	Paths       StringList  `db:"paths"        json:"paths"`
	Permissions StringList  `db:"permissions"  json:"permissions"`
	Status      ShareStatus `db:"status"       json:"status"`
	Label       string      `db:"label"        json:"label,omitempty"`
	CreatedAt   time.Time   `db:"created_at"   json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at"   json:"updatedAt"`
	ExpiresAt   *time.Time  `db:"expires_at"   json:"expiresAt,omitempty"`
}

func (s *Share) expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Covers reports whether the share's path list contains an exact match or a
// prefix of the requested path.
func (s *Share) Covers(relPath string) bool {
	for _, p := range s.Paths {
		if relPath == strings.TrimSuffix(p, "/") || strings.HasPrefix(relPath, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// PolicyStatement is the storage-backend permission derived from one shared
// path: the concrete ACL the backend must enforce for an in-application
// access decision.
type PolicyStatement struct {
	Principal string   `json:"principal"`
	Actions   []string `json:"actions"`
	Resource  string   `json:"resource"`
}

// PolicyStatements translates the share into per-path storage-ACL statements
// scoped to {owner's remote prefix}/{sharedPath}*.
func (s *Share) PolicyStatements(ownerPrefix string) []PolicyStatement {
	actions := make([]string, 0, len(s.Permissions))
	for _, perm := range s.Permissions {
		switch Permission(perm) {
		case PermRead:
			actions = append(actions, "s3:GetObject", "s3:ListBucket")
		case PermWrite:
			actions = append(actions, "s3:PutObject", "s3:DeleteObject")
		}
	}

	prefix := strings.TrimSuffix(ownerPrefix, "/")
	statements := make([]PolicyStatement, 0, len(s.Paths))
	for _, p := range s.Paths {
		statements = append(statements, PolicyStatement{
			Principal: s.RecipientID,
			Actions:   actions,
			Resource:  prefix + "/" + strings.TrimSuffix(p, "/") + "*",
		})
	}
	return statements
}
