package auth

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/rwavault/internal/types"
)

// Role groups the actions a set of addresses may perform.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleKeeper   Role = "keeper"
	RoleGuardian Role = "guardian"
)

// DefaultRoleActions maps roles to the privileged actions they grant.
var DefaultRoleActions = map[Role][]types.Action{
	RoleAdmin: {
		types.ActionPause,
		types.ActionUpdateManagedAssets,
		types.ActionEmergency,
		types.ActionCircuitBreaker,
		types.ActionRebalance,
		types.ActionManageHoldings,
		types.ActionLiquidateDeprecated,
	},
	RoleKeeper: {
		types.ActionRebalance,
		types.ActionCircuitBreaker,
		types.ActionUpdateManagedAssets,
		types.ActionLiquidateDeprecated,
	},
	RoleGuardian: {
		types.ActionPause,
		types.ActionEmergency,
		types.ActionCircuitBreaker,
	},
}

// StaticPolicy is a fixed role table built at startup.
type StaticPolicy struct {
	mu      sync.RWMutex
	grants  map[common.Address]map[types.Action]bool
	actions map[Role][]types.Action
}

func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{
		grants:  make(map[common.Address]map[types.Action]bool),
		actions: DefaultRoleActions,
	}
}

// NewStaticPolicyFromRoles builds a policy from role name -> hex addresses, as read from the bootstrap file.
func NewStaticPolicyFromRoles(roles map[string][]string) (*StaticPolicy, error) {
	p := NewStaticPolicy()
	for name, members := range roles {
		role := Role(name)
		if _, ok := p.actions[role]; !ok {
			return nil, fmt.Errorf("unknown role %q", name)
		}
		for _, m := range members {
			if !common.IsHexAddress(m) {
				return nil, fmt.Errorf("role %s member %q is not a hex address", name, m)
			}
			p.Grant(role, common.HexToAddress(m))
		}
	}
	return p, nil
}

// Grant gives addr every action of role.
func (p *StaticPolicy) Grant(role Role, addr common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.grants[addr]
	if !ok {
		set = make(map[types.Action]bool)
		p.grants[addr] = set
	}
	for _, a := range p.actions[role] {
		set[a] = true
	}
}

func (p *StaticPolicy) IsAuthorized(caller common.Address, action types.Action) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.grants[caller][action]
}
