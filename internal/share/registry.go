package share

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	ErrShareNotFound = errors.New("share not found")
	ErrShareRevoked  = errors.New("share revoked")
	ErrAccessDenied  = errors.New("access denied")
)

const schema = `
CREATE TABLE IF NOT EXISTS shares (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	paths        TEXT NOT NULL,
	permissions  TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'active',
	label        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	expires_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_shares_owner ON shares(owner_id, status);
CREATE INDEX IF NOT EXISTS idx_shares_pair  ON shares(owner_id, recipient_id, status);
`

// Registry stores and validates path-scoped access grants. All reads apply
// lazy expiry: a share whose expiry has passed is flipped to expired before
// being returned or considered for access checks.
type Registry struct {
	db *sqlx.DB
}

func NewRegistry(db *sqlx.DB) (*Registry, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("share schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// CreateParams is the caller-supplied portion of a new share.
type CreateParams struct {
	OwnerID     string
	RecipientID string
	Paths       []string
	Permissions []string
	Label       string
	ExpiresAt   *time.Time
}

// Create validates and persists a new active share.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*Share, error) {
	if params.OwnerID == "" || params.RecipientID == "" {
		return nil, validationErr("owner and recipient are required")
	}
	if params.OwnerID == params.RecipientID {
		return nil, validationErr("owner and recipient must differ")
	}

	paths, err := validatePaths(params.Paths)
	if err != nil {
		return nil, err
	}
	if err := validatePermissions(params.Permissions); err != nil {
		return nil, err
	}
	if params.ExpiresAt != nil && params.ExpiresAt.Before(time.Now()) {
		return nil, validationErr("expiry is in the past")
	}

	active, err := r.ListByOwner(ctx, params.OwnerID)
	if err != nil {
		return nil, err
	}
	activeCount := 0
	for _, existing := range active {
		if existing.Status != StatusActive {
			continue
		}
		activeCount++
		if existing.RecipientID == params.RecipientID && pathsOverlap(existing.Paths, paths) {
			return nil, validationErr("overlapping paths with existing share %s", existing.ID)
		}
	}
	if activeCount >= MaxSharesPerOwner {
		return nil, validationErr("too many active shares for owner %s (max %d)", params.OwnerID, MaxSharesPerOwner)
	}

	now := time.Now().UTC()
	share := &Share{
		ID:          uuid.NewString(),
		OwnerID:     params.OwnerID,
		RecipientID: params.RecipientID,
		Paths:       paths,
		Permissions: params.Permissions,
		Status:      StatusActive,
		Label:       params.Label,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   params.ExpiresAt,
	}

	if _, err := r.db.NamedExecContext(ctx, `
		INSERT INTO shares (id, owner_id, recipient_id, paths, permissions, status, label, created_at, updated_at, expires_at)
		VALUES (:id, :owner_id, :recipient_id, :paths, :permissions, :status, :label, :created_at, :updated_at, :expires_at)`,
		share); err != nil {
		return nil, fmt.Errorf("insert share: %w", err)
	}

	slog.Info("share created", "id", share.ID, "owner", share.OwnerID, "recipient", share.RecipientID, "paths", len(share.Paths))
	return share, nil
}

// Get fetches a share by id, applying lazy expiry.
func (r *Registry) Get(ctx context.Context, id string) (*Share, error) {
	var share Share
	err := r.db.GetContext(ctx, &share, `SELECT * FROM shares WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get share: %w", err)
	}
	return r.expireIfDue(ctx, &share)
}

// ListByOwner returns all of an owner's shares, lazily expiring as needed.
func (r *Registry) ListByOwner(ctx context.Context, ownerID string) ([]*Share, error) {
	var shares []*Share
	if err := r.db.SelectContext(ctx, &shares, `SELECT * FROM shares WHERE owner_id = ? ORDER BY created_at`, ownerID); err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	for i, share := range shares {
		expired, err := r.expireIfDue(ctx, share)
		if err != nil {
			return nil, err
		}
		shares[i] = expired
	}
	return shares, nil
}

// UpdateParams covers the mutable fields of an active share. Nil fields are
// left unchanged.
type UpdateParams struct {
	Label     *string
	ExpiresAt *time.Time
}

// Update changes the label and/or expiry of an active share.
func (r *Registry) Update(ctx context.Context, id string, params UpdateParams) (*Share, error) {
	share, err := r.mutableShare(ctx, id)
	if err != nil {
		return nil, err
	}

	if params.Label != nil {
		share.Label = *params.Label
	}
	if params.ExpiresAt != nil {
		if params.ExpiresAt.Before(time.Now()) {
			return nil, validationErr("expiry is in the past")
		}
		share.ExpiresAt = params.ExpiresAt
	}
	return r.persist(ctx, share)
}

// AddPaths extends an active share's path list, re-running full validation
// including overlap against the owner's other active shares.
func (r *Registry) AddPaths(ctx context.Context, id string, paths []string) (*Share, error) {
	share, err := r.mutableShare(ctx, id)
	if err != nil {
		return nil, err
	}

	merged, err := validatePaths(append(append([]string{}, share.Paths...), paths...))
	if err != nil {
		return nil, err
	}

	others, err := r.ListByOwner(ctx, share.OwnerID)
	if err != nil {
		return nil, err
	}
	for _, other := range others {
		if other.ID == share.ID || other.Status != StatusActive || other.RecipientID != share.RecipientID {
			continue
		}
		if pathsOverlap(other.Paths, merged) {
			return nil, validationErr("overlapping paths with existing share %s", other.ID)
		}
	}

	share.Paths = merged
	return r.persist(ctx, share)
}

// RemovePaths shrinks an active share's path list. Removing every path is
// rejected; revoke the share instead.
func (r *Registry) RemovePaths(ctx context.Context, id string, paths []string) (*Share, error) {
	share, err := r.mutableShare(ctx, id)
	if err != nil {
		return nil, err
	}

	drop := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		drop[trimSlash(p)] = struct{}{}
	}

	kept := make(StringList, 0, len(share.Paths))
	for _, p := range share.Paths {
		if _, ok := drop[trimSlash(p)]; !ok {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil, validationErr("cannot remove all paths, revoke the share instead")
	}

	share.Paths = kept
	return r.persist(ctx, share)
}

// Revoke is terminal: the share accepts no further mutation or access.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	share, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if share.Status == StatusRevoked {
		return nil
	}

	share.Status = StatusRevoked
	if _, err := r.persist(ctx, share); err != nil {
		return err
	}
	slog.Info("share revoked", "id", id, "owner", share.OwnerID, "recipient", share.RecipientID)
	return nil
}

// CheckAccess returns the active share granting recipient access to the
// owner's path, matching exactly or by prefix. Revoked and expired shares
// never grant access.
func (r *Registry) CheckAccess(ctx context.Context, recipientID, ownerID, relPath string) (*Share, error) {
	var shares []*Share
	if err := r.db.SelectContext(ctx, &shares,
		`SELECT * FROM shares WHERE owner_id = ? AND recipient_id = ? AND status = ? ORDER BY created_at`,
		ownerID, recipientID, StatusActive); err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
	}

	for _, share := range shares {
		share, err := r.expireIfDue(ctx, share)
		if err != nil {
			return nil, err
		}
		if share.Status == StatusActive && share.Covers(relPath) {
			return share, nil
		}
	}
	return nil, fmt.Errorf("%w: no active share covers %s/%s for %s", ErrAccessDenied, ownerID, relPath, recipientID)
}

// PolicyStatements derives the storage-ACL statements for every active share
// of an owner, scoped under the owner's remote prefix.
func (r *Registry) PolicyStatements(ctx context.Context, ownerID, ownerPrefix string) ([]PolicyStatement, error) {
	shares, err := r.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var statements []PolicyStatement
	for _, share := range shares {
		if share.Status != StatusActive {
			continue
		}
		statements = append(statements, share.PolicyStatements(ownerPrefix)...)
	}
	return statements, nil
}

// mutableShare fetches a share and rejects mutation of non-active ones.
func (r *Registry) mutableShare(ctx context.Context, id string) (*Share, error) {
	share, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch share.Status {
	case StatusRevoked:
		return nil, fmt.Errorf("%w: %s", ErrShareRevoked, id)
	case StatusExpired:
		return nil, validationErr("share %s has expired", id)
	}
	return share, nil
}

func (r *Registry) persist(ctx context.Context, share *Share) (*Share, error) {
	share.UpdatedAt = time.Now().UTC()
	if _, err := r.db.NamedExecContext(ctx, `
		UPDATE shares
		SET paths = :paths, permissions = :permissions, status = :status,
		    label = :label, updated_at = :updated_at, expires_at = :expires_at
		WHERE id = :id`,
		share); err != nil {
		return nil, fmt.Errorf("update share: %w", err)
	}
	return share, nil
}

// expireIfDue flips an active share past its expiry to expired and persists
// the transition.
func (r *Registry) expireIfDue(ctx context.Context, share *Share) (*Share, error) {
	if share.Status != StatusActive || !share.expired(time.Now()) {
		return share, nil
	}

	share.Status = StatusExpired
	slog.Debug("share expired", "id", share.ID, "expiresAt", share.ExpiresAt)
	return r.persist(ctx, share)
}

func trimSlash(p string) string {
	if len(p) > 0 && p[len(p)-1] == '/' {
		return p[:len(p)-1]
	}
	return p
}
