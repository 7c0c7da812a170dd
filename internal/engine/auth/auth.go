package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"cellarline/internal/domain"
	"cellarline/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	RoleManager     = "manager"
	RoleStaff       = "staff"
	RoleIntegration = "integration"
)

const (
	PermTaskRead      = "task.read"
	PermTaskDecide    = "task.decide"
	PermTaskExecute   = "task.execute"
	PermTaskEdit      = "task.edit"
	PermTaskCreate    = "task.create"
	PermMessageIngest = "message.ingest"
	PermMemberManage  = "member.manage"
	PermWineryAdmin   = "winery.admin"
)

var rolePermissions = map[string][]string{
	RoleManager: {
		PermTaskRead, PermTaskDecide, PermTaskExecute, PermTaskEdit, PermTaskCreate,
		PermMessageIngest, PermMemberManage, PermWineryAdmin,
	},
	RoleStaff:       {PermTaskRead, PermTaskDecide, PermTaskEdit, PermTaskCreate, PermMemberManage},
	RoleIntegration: {PermTaskRead, PermTaskExecute, PermMessageIngest},
}

// ValidRole reports whether role is one of the built-in roles.
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Roles lists the built-in roles.
func Roles() []string {
	out := make([]string, 0, len(rolePermissions))
	for r := range rolePermissions {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Permissions returns the permissions granted by role.
func Permissions(role string) []string {
	return append([]string(nil), rolePermissions[role]...)
}

// RoleAllows reports whether any of roles grants perm.
func RoleAllows(perm string, roles ...string) bool {
	for _, role := range roles {
		for _, p := range rolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Service checks staff permissions against their stored role.
type Service struct {
	Repo repo.Repo
}

// Require returns ForbiddenError unless the staff user holds perm in wineryID.
// A nil userID is the system actor and always passes.
func (s Service) Require(ctx context.Context, tx *sql.Tx, wineryID string, userID *string, perm string) error {
	if userID == nil {
		return nil
	}
	u, err := s.Repo.GetStaffUser(ctx, tx, wineryID, *userID)
	if errors.Is(err, repo.ErrNotFound) {
		return ForbiddenError{Permission: perm}
	}
	if err != nil {
		return domain.Storage("read staff user", err)
	}
	if !RoleAllows(perm, u.Role) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
