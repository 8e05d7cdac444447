package policy

import "github.com/ethereum/go-ethereum/common"

// Role names an access level checked by the guard.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleOrchestrator Role = "orchestrator"
)

// authorize checks caller against the principal holding role. A zero principal
// holds no role, so an unset orchestrator blocks every rebase.
func authorize(params *Params, role Role, caller Principal) error {
	var holder Principal
	switch role {
	case RoleOwner:
		holder = params.Owner
	case RoleOrchestrator:
		holder = params.Orchestrator
	default:
		return ErrUnauthorized
	}
	if holder == (common.Address{}) || caller != holder {
		return ErrUnauthorized
	}
	return nil
}
