package escrow

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"bookingescrow/core/types"
)

// Role identifies a privileged capability tracked by the registry.
type Role uint8

const (
	RoleOracle Role = iota + 1
	RoleArbiter
)

func (r Role) Valid() bool {
	return r == RoleOracle || r == RoleArbiter
}

func (r Role) String() string {
	switch r {
	case RoleOracle:
		return "oracle"
	case RoleArbiter:
		return "arbiter"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// ParseRole accepts the canonical role names.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "oracle":
		return RoleOracle, nil
	case "arbiter":
		return RoleArbiter, nil
	default:
		return 0, fmt.Errorf("escrow: unknown role %q: %w", raw, ErrInvalidRole)
	}
}

// Authorize grants the role to identity. Only the ledger owner may call it.
// Granting an existing membership succeeds without emitting an event.
func (e *Engine) Authorize(caller [20]byte, role Role, identity [20]byte) error {
	return e.mutateRole(caller, role, identity, true)
}

// Revoke removes identity from the role. The owner's implicit arbiter
// capability is unaffected.
func (e *Engine) Revoke(caller [20]byte, role Role, identity [20]byte) error {
	return e.mutateRole(caller, role, identity, false)
}

func (e *Engine) mutateRole(caller [20]byte, role Role, identity [20]byte, grant bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.owner == ([20]byte{}) || caller != e.owner {
		return fmt.Errorf("escrow: role changes require the owner: %w", ErrUnauthorized)
	}
	if !role.Valid() {
		return fmt.Errorf("escrow: role %d: %w", role, ErrInvalidRole)
	}
	if identity == ([20]byte{}) {
		return fmt.Errorf("escrow: null identity: %w", ErrInvalidParty)
	}
	return e.commit(func(st LedgerState, now int64) ([]*types.Event, error) {
		members, err := st.RoleMembers(role)
		if err != nil {
			return nil, err
		}
		idx := indexOf(members, identity)
		switch {
		case grant && idx >= 0, !grant && idx < 0:
			return nil, nil
		case grant:
			members = append(members, identity)
			sortIdentities(members)
		default:
			members = append(members[:idx], members[idx+1:]...)
		}
		if err := st.RolePut(role, members); err != nil {
			return nil, err
		}
		if grant {
			return []*types.Event{newRoleEvent(EventTypeRoleGranted, role, identity, now)}, nil
		}
		return []*types.Event{newRoleEvent(EventTypeRoleRevoked, role, identity, now)}, nil
	})
}

// IsAuthorized is a pure lookup of role membership. The owner is always an
// arbiter.
func (e *Engine) IsAuthorized(role Role, identity [20]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	if !role.Valid() {
		return false, fmt.Errorf("escrow: role %d: %w", role, ErrInvalidRole)
	}
	if role == RoleArbiter && identity == e.owner && identity != ([20]byte{}) {
		return true, nil
	}
	var ok bool
	err := e.state.View(func(st LedgerState) error {
		members, err := st.RoleMembers(role)
		if err != nil {
			return err
		}
		ok = indexOf(members, identity) >= 0
		return nil
	})
	return ok, err
}

// Members lists the explicit role members in ascending byte order.
func (e *Engine) Members(role Role) ([][20]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if !role.Valid() {
		return nil, fmt.Errorf("escrow: role %d: %w", role, ErrInvalidRole)
	}
	var out [][20]byte
	err := e.state.View(func(st LedgerState) error {
		members, err := st.RoleMembers(role)
		if err != nil {
			return err
		}
		out = append(out, members...)
		return nil
	})
	return out, err
}

func (e *Engine) requireRole(st LedgerState, role Role, caller [20]byte) error {
	if role == RoleArbiter && caller == e.owner && caller != ([20]byte{}) {
		return nil
	}
	members, err := st.RoleMembers(role)
	if err != nil {
		return err
	}
	if indexOf(members, caller) < 0 {
		return fmt.Errorf("escrow: caller is not an authorized %s: %w", role, ErrUnauthorized)
	}
	return nil
}

func indexOf(members [][20]byte, identity [20]byte) int {
	for i, m := range members {
		if m == identity {
			return i
		}
	}
	return -1
}

func sortIdentities(members [][20]byte) {
	sort.Slice(members, func(i, j int) bool {
		return bytes.Compare(members[i][:], members[j][:]) < 0
	})
}
