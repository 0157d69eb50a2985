package service

import (
	"context"
	"slices"
)

// User is the directory view of an actor.
type User struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Role          string `json:"role"`
	InstitutionID string `json:"institution_id"`
}

// Institution is a node in the school → sector → region hierarchy.
type Institution struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Level    string `json:"level,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// Directory resolves users and institutions. It is read-only and owned by
// another service.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	GetInstitution(ctx context.Context, institutionID string) (*Institution, error)
	// ListUsersWithRole returns user IDs holding role at exactly institutionID.
	ListUsersWithRole(ctx context.Context, institutionID, role string) ([]string, error)
}

// maxHierarchyDepth bounds ancestor walks so a cyclic directory cannot hang
// a request.
const maxHierarchyDepth = 8

// lineage returns institutionID followed by its ancestors, nearest first.
func lineage(ctx context.Context, dir Directory, institutionID string) ([]string, error) {
	out := []string{institutionID}
	cur := institutionID
	for i := 0; i < maxHierarchyDepth; i++ {
		inst, err := dir.GetInstitution(ctx, cur)
		if err != nil {
			return nil, err
		}
		if inst.ParentID == "" || slices.Contains(out, inst.ParentID) {
			break
		}
		out = append(out, inst.ParentID)
		cur = inst.ParentID
	}
	return out, nil
}

// roleHolders finds holders of role at the institution or, failing that, at
// the nearest ancestor that has any.
func roleHolders(ctx context.Context, dir Directory, institutionID, role string) ([]string, error) {
	chain, err := lineage(ctx, dir, institutionID)
	if err != nil {
		return nil, err
	}
	for _, inst := range chain {
		users, err := dir.ListUsersWithRole(ctx, inst, role)
		if err != nil {
			return nil, err
		}
		if len(users) > 0 {
			return users, nil
		}
	}
	return nil, nil
}
