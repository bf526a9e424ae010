// Package access models the role capabilities that gate every privileged
// ledger entry point. A Policy is built once from configuration and passed to
// each engine; engines never compare identities themselves.
package access

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	nativecommon "yieldvault/native/common"
)

// Role names a capability.
type Role string

const (
	RoleGovernor    Role = "governor"
	RoleGuardian    Role = "guardian"
	RoleKeeper      Role = "keeper"
	RoleTreasury    Role = "treasury"
	RoleDistributor Role = "distributor"
)

var (
	// ErrUnauthorized is returned when the caller holds none of the required roles.
	ErrUnauthorized = nativecommon.NewError(nativecommon.ClassCapability, "access: unauthorized")
	// ErrInvalidGrant is returned for malformed role assignments.
	ErrInvalidGrant = nativecommon.NewError(nativecommon.ClassConfiguration, "access: invalid grant")
)

// DecisionKind tags the outcome of an authorization check.
type DecisionKind int

const (
	Denied DecisionKind = iota
	Granted
	// Unconfigured means none of the requested roles has any member.
	Unconfigured
)

func (k DecisionKind) String() string {
	switch k {
	case Granted:
		return "granted"
	case Unconfigured:
		return "unconfigured"
	default:
		return "denied"
	}
}

// Decision is the result of Policy.Authorize. Role is the role that matched
// when the decision is Granted.
type Decision struct {
	Kind   DecisionKind
	Role   Role
	Caller common.Address
	Wanted []Role
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool { return d.Kind == Granted }

// Err converts a non-granting decision into an error wrapping ErrUnauthorized.
func (d Decision) Err() error {
	switch d.Kind {
	case Granted:
		return nil
	case Unconfigured:
		return fmt.Errorf("%w: no members configured for %s", ErrUnauthorized, joinRoles(d.Wanted))
	default:
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, d.Caller.Hex(), joinRoles(d.Wanted))
	}
}

// Policy maps roles to member sets. It is immutable after construction.
type Policy struct {
	members map[Role]map[common.Address]struct{}
}

// NewPolicy validates grants and builds the policy. The zero address can never
// hold a role.
func NewPolicy(grants map[Role][]common.Address) (*Policy, error) {
	p := &Policy{members: make(map[Role]map[common.Address]struct{}, len(grants))}
	for role, addrs := range grants {
		if strings.TrimSpace(string(role)) == "" {
			return nil, fmt.Errorf("%w: empty role name", ErrInvalidGrant)
		}
		set := make(map[common.Address]struct{}, len(addrs))
		for _, addr := range addrs {
			if addr == (common.Address{}) {
				return nil, fmt.Errorf("%w: zero address for %s", ErrInvalidGrant, role)
			}
			set[addr] = struct{}{}
		}
		if len(set) > 0 {
			p.members[role] = set
		}
	}
	return p, nil
}

// Authorize checks the caller against each role in order and returns the
// first match.
func (p *Policy) Authorize(caller common.Address, roles ...Role) Decision {
	decision := Decision{Kind: Unconfigured, Caller: caller, Wanted: roles}
	if p == nil {
		return decision
	}
	for _, role := range roles {
		set, ok := p.members[role]
		if !ok {
			continue
		}
		decision.Kind = Denied
		if _, member := set[caller]; member {
			decision.Kind = Granted
			decision.Role = role
			return decision
		}
	}
	return decision
}

// Members returns the sorted member list for a role.
func (p *Policy) Members(role Role) []common.Address {
	if p == nil {
		return nil
	}
	out := make([]common.Address, 0, len(p.members[role]))
	for addr := range p.members[role] {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Treasury returns the fee recipient. With several treasury members the lowest
// address is used so the choice is deterministic.
func (p *Policy) Treasury() (common.Address, bool) {
	members := p.Members(RoleTreasury)
	if len(members) == 0 {
		return common.Address{}, false
	}
	return members[0], true
}

// ModuleAddress derives the ledger account owned by a module.
func ModuleAddress(name string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("module/" + strings.ToLower(name))))
}

func joinRoles(roles []Role) string {
	parts := make([]string, len(roles))
	for i, role := range roles {
		parts[i] = string(role)
	}
	return strings.Join(parts, "|")
}
