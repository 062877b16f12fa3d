// Package permission evaluates subject authorization before pipeline stages
// touch a resource. Denial is an explicit error, never a silent skip.
package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/store"
)

// ErrDenied is returned when a subject lacks the requested permission.
// Callers branch on it with errors.Is.
var ErrDenied = errors.New("authorization denied")

// GrantsTable is the logical relational table holding grant tuples.
const GrantsTable = "permission_grants"

// RoleFunc resolves a subject to its role name. A nil RoleFunc means no
// subject has a role.
type RoleFunc func(subject string) string

// Guard evaluates authorization for one tenant. Rules apply in order: the
// tenant owner is allowed everything, a subject with a role in the management
// allow-list may perform management actions, an explicit grant tuple allows
// exactly what it names.
type Guard struct {
	rel        store.Relational
	table      string
	owner      string
	roleOf     RoleFunc
	management map[string]bool
}

// NewGuardParams configures a Guard.
type NewGuardParams struct {
	Relational store.Relational
	// Table is the physical grants table name, already mapped through the
	// tenant bundle.
	Table string
	// Owner is the tenant owner subject id.
	Owner string
	// RoleOf resolves subject roles; optional.
	RoleOf RoleFunc
	// ManagementRoles is the allow-list of roles that may manage grants.
	ManagementRoles []string
}

// NewGuard creates a Guard and ensures the grants table exists.
func NewGuard(ctx context.Context, params NewGuardParams) (*Guard, error) {
	management := make(map[string]bool, len(params.ManagementRoles))
	for _, role := range params.ManagementRoles {
		management[role] = true
	}

	g := &Guard{
		rel:        params.Relational,
		table:      params.Table,
		owner:      params.Owner,
		roleOf:     params.RoleOf,
		management: management,
	}

	err := g.rel.CreateTable(ctx, g.table, []store.Column{
		{Name: "id", Type: "text"},
		{Name: "subject", Type: "text"},
		{Name: "resource", Type: "text"},
		{Name: "permission", Type: "text"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create grants table: %w", err)
	}
	return g, nil
}

// Authorize checks whether subject may perform perm on resource. It returns
// nil when allowed and an error wrapping ErrDenied otherwise.
func (g *Guard) Authorize(ctx context.Context, subject string, resource string, perm common.Permission) error {
	if subject != "" && subject == g.owner {
		return nil
	}
	if g.isManager(subject) && perm == common.PermissionShare {
		return nil
	}

	granted, err := g.hasGrant(ctx, subject, resource, perm)
	if err != nil {
		return fmt.Errorf("failed to look up grants: %w", err)
	}
	if granted {
		return nil
	}
	return fmt.Errorf("%w: subject %q lacks %q on %q", ErrDenied, subject, perm, resource)
}

// Grant records a grant tuple. The actor must be the tenant owner, hold a
// management role, or hold the share permission on the resource.
func (g *Guard) Grant(ctx context.Context, actor string, grant common.Grant) error {
	if err := g.authorizeManagement(ctx, actor, grant.Resource); err != nil {
		return err
	}
	if !grant.Permission.Valid() {
		return fmt.Errorf("unknown permission %q", grant.Permission)
	}

	row := store.Row{
		"id":         grantID(grant),
		"subject":    grant.Subject,
		"resource":   grant.Resource,
		"permission": string(grant.Permission),
	}
	if err := g.rel.AddRows(ctx, g.table, []store.Row{row}); err != nil {
		return fmt.Errorf("failed to persist grant: %w", err)
	}
	return nil
}

// Revoke removes a specific grant tuple. Revoking an absent grant is a
// no-op.
func (g *Guard) Revoke(ctx context.Context, actor string, grant common.Grant) error {
	if err := g.authorizeManagement(ctx, actor, grant.Resource); err != nil {
		return err
	}
	if err := g.rel.DeleteRow(ctx, g.table, grantID(grant)); err != nil {
		if errors.Is(err, store.ErrRowNotFound) {
			return nil
		}
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	return nil
}

func (g *Guard) authorizeManagement(ctx context.Context, actor string, resource string) error {
	if actor != "" && actor == g.owner {
		return nil
	}
	if g.isManager(actor) {
		return nil
	}
	granted, err := g.hasGrant(ctx, actor, resource, common.PermissionShare)
	if err != nil {
		return fmt.Errorf("failed to look up grants: %w", err)
	}
	if granted {
		return nil
	}
	return fmt.Errorf("%w: subject %q may not manage grants on %q", ErrDenied, actor, resource)
}

func (g *Guard) isManager(subject string) bool {
	if g.roleOf == nil || subject == "" {
		return false
	}
	return g.management[g.roleOf(subject)]
}

func (g *Guard) hasGrant(ctx context.Context, subject string, resource string, perm common.Permission) (bool, error) {
	_, err := g.rel.GetRow(ctx, g.table, grantID(common.Grant{
		Subject:    subject,
		Resource:   resource,
		Permission: perm,
	}))
	if err != nil {
		if errors.Is(err, store.ErrRowNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func grantID(grant common.Grant) string {
	return grant.Subject + "|" + grant.Resource + "|" + string(grant.Permission)
}
