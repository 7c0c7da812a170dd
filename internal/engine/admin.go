package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"

	"cellarline/internal/config"
	"cellarline/internal/domain"
	"cellarline/internal/engine/auth"
	"cellarline/internal/repo"
	"cellarline/internal/tenant"
)

// CreateWinery registers a tenant with cfg, or the default config when nil.
func (e Engine) CreateWinery(ctx context.Context, w domain.Winery, cfg *config.Config) (domain.Winery, error) {
	if w.CreatedAt == "" {
		w.CreatedAt = domain.FormatTime(e.now())
	}
	w, err := tenant.CreateWinery(ctx, e.Repo, w, cfg)
	if err != nil {
		return w, domain.Storage("create winery", err)
	}
	return w, nil
}

// WineryConfig returns the winery and its effective config.
func (e Engine) WineryConfig(ctx context.Context, scope tenant.Scope) (domain.Winery, *config.Config, error) {
	w, cfg, err := tenant.Resolve(ctx, e.Repo, scope)
	if err != nil {
		return w, nil, domain.Storage("resolve winery", err)
	}
	return w, cfg, nil
}

// SetWineryConfig replaces a winery's classification rules and brand voice.
func (e Engine) SetWineryConfig(ctx context.Context, scope tenant.Scope, actor *string, cfg *config.Config) error {
	if cfg == nil {
		return domain.Invalid("config", "required")
	}
	w, _, err := tenant.Resolve(ctx, e.Repo, scope)
	if err != nil {
		return domain.Storage("resolve winery", err)
	}
	cfg.Winery.ID = w.ID
	if err := cfg.Validate(); err != nil {
		return domain.Invalid("config", err.Error())
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, w.ID, actor, auth.PermWineryAdmin); err != nil {
		return err
	}
	if err := e.Repo.UpsertWineryConfig(ctx, tx, w.ID, cfg); err != nil {
		return domain.Storage("store config", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Storage("commit", err)
	}
	e.Classifiers.Forget(w.ID)
	return nil
}

// AddMember records a club member. Email is lowercased and phone normalized.
func (e Engine) AddMember(ctx context.Context, scope tenant.Scope, actor *string, m domain.Member) (domain.Member, error) {
	if strings.TrimSpace(m.FirstName) == "" {
		return m, domain.Invalid("first_name", "required")
	}
	if strings.TrimSpace(m.Email) == "" && strings.TrimSpace(m.Phone) == "" {
		return m, domain.Invalid("contact", "email or phone required")
	}
	if _, _, err := tenant.Resolve(ctx, e.Repo, scope); err != nil {
		return m, domain.Storage("resolve winery", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, domain.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, scope.WineryID, actor, auth.PermMemberManage); err != nil {
		return m, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.WineryID = scope.WineryID
	m.Email = strings.ToLower(strings.TrimSpace(m.Email))
	m.Phone = repo.NormalizePhone(m.Phone)
	m.CreatedAt = domain.FormatTime(e.now())
	if err := e.Repo.InsertMember(ctx, tx, m); err != nil {
		return m, domain.Storage("insert member", err)
	}
	if err := tx.Commit(); err != nil {
		return m, domain.Storage("commit", err)
	}
	return m, nil
}

// AddStaffUser records a staff account with one of the auth roles.
func (e Engine) AddStaffUser(ctx context.Context, scope tenant.Scope, actor *string, u domain.StaffUser) (domain.StaffUser, error) {
	if strings.TrimSpace(u.Name) == "" {
		return u, domain.Invalid("name", "required")
	}
	if !auth.ValidRole(u.Role) {
		return u, domain.Invalid("role", "must be one of "+strings.Join(auth.Roles(), ", "))
	}
	if _, _, err := tenant.Resolve(ctx, e.Repo, scope); err != nil {
		return u, domain.Storage("resolve winery", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, domain.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, scope.WineryID, actor, auth.PermWineryAdmin); err != nil {
		return u, err
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.WineryID = scope.WineryID
	u.CreatedAt = domain.FormatTime(e.now())
	if err := e.Repo.InsertStaffUser(ctx, tx, u); err != nil {
		return u, domain.Storage("insert staff user", err)
	}
	if err := tx.Commit(); err != nil {
		return u, domain.Storage("commit", err)
	}
	return u, nil
}

// CreateAPIKey mints a key for a staff user. The raw key is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, scope tenant.Scope, actor *string, userID, name string) (domain.APIKey, string, error) {
	if err := scope.Validate(); err != nil {
		return domain.APIKey{}, "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", domain.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, scope.WineryID, actor, auth.PermWineryAdmin); err != nil {
		return domain.APIKey{}, "", err
	}
	if _, err := e.Repo.GetStaffUser(ctx, tx, scope.WineryID, userID); err != nil {
		if isNotFound(err) {
			return domain.APIKey{}, "", domain.Invalid("user_id", "no such staff member")
		}
		return domain.APIKey{}, "", domain.Storage("read staff user", err)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "cl_" + base64.RawURLEncoding.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		WineryID:  scope.WineryID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: domain.FormatTime(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", domain.Storage("insert api key", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", domain.Storage("commit", err)
	}
	return key, raw, nil
}

// UpdateMemberContact changes a member's email or phone. Nil leaves a field
// as it is; later inbound messages match on the new contact.
func (e Engine) UpdateMemberContact(ctx context.Context, scope tenant.Scope, actor *string, memberID string, email, phone *string) (domain.Member, error) {
	if email == nil && phone == nil {
		return domain.Member{}, domain.Invalid("contact", "nothing to update")
	}
	if err := scope.Validate(); err != nil {
		return domain.Member{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, domain.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, scope.WineryID, actor, auth.PermMemberManage); err != nil {
		return domain.Member{}, err
	}
	if err := e.Repo.UpdateMemberContact(ctx, tx, scope.WineryID, memberID, email, phone); err != nil {
		return domain.Member{}, domain.Storage("update member", err)
	}
	m, err := e.Repo.GetMember(ctx, tx, scope.WineryID, memberID)
	if err != nil {
		return m, domain.Storage("read member", err)
	}
	if m.Email == "" && m.Phone == "" {
		return domain.Member{}, domain.Invalid("contact", "email or phone required")
	}
	if err := tx.Commit(); err != nil {
		return m, domain.Storage("commit", err)
	}
	return m, nil
}

func (e Engine) ListStaff(ctx context.Context, scope tenant.Scope, actor *string) ([]domain.StaffUser, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := e.Auth.Require(ctx, nil, scope.WineryID, actor, auth.PermWineryAdmin); err != nil {
		return nil, err
	}
	users, err := e.Repo.ListStaffUsers(ctx, scope.WineryID)
	if err != nil {
		return nil, domain.Storage("list staff", err)
	}
	return users, nil
}

// SetStaffRole moves a staff user to another role. The change applies to
// tokens and API keys already issued.
func (e Engine) SetStaffRole(ctx context.Context, scope tenant.Scope, actor *string, userID, role string) error {
	if !auth.ValidRole(role) {
		return domain.Invalid("role", "must be one of "+strings.Join(auth.Roles(), ", "))
	}
	if err := scope.Validate(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, scope.WineryID, actor, auth.PermWineryAdmin); err != nil {
		return err
	}
	if err := e.Repo.SetStaffRole(ctx, tx, scope.WineryID, userID, role); err != nil {
		return domain.Storage("set staff role", err)
	}
	return domain.Storage("commit", tx.Commit())
}

// GetMessage returns a stored inbound message inside the scope's winery.
func (e Engine) GetMessage(ctx context.Context, scope tenant.Scope, actor *string, id string) (domain.Message, error) {
	if err := scope.Validate(); err != nil {
		return domain.Message{}, err
	}
	if err := e.Auth.Require(ctx, nil, scope.WineryID, actor, auth.PermTaskRead); err != nil {
		return domain.Message{}, err
	}
	m, err := e.Repo.GetMessage(ctx, nil, scope.WineryID, id)
	if err != nil {
		return m, domain.Storage("read message", err)
	}
	return m, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, scope tenant.Scope, actor *string, userID string) ([]domain.APIKey, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := e.Auth.Require(ctx, nil, scope.WineryID, actor, auth.PermWineryAdmin); err != nil {
		return nil, err
	}
	keys, err := e.Repo.ListAPIKeys(ctx, scope.WineryID, userID)
	if err != nil {
		return nil, domain.Storage("list api keys", err)
	}
	return keys, nil
}

// RevokeAPIKey deletes a key; requests using it fail from then on.
func (e Engine) RevokeAPIKey(ctx context.Context, scope tenant.Scope, actor *string, keyID string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, scope.WineryID, actor, auth.PermWineryAdmin); err != nil {
		return err
	}
	if err := e.Repo.DeleteAPIKey(ctx, tx, scope.WineryID, keyID); err != nil {
		return domain.Storage("delete api key", err)
	}
	return domain.Storage("commit", tx.Commit())
}
