package handshake

import (
	"fmt"

	"murmur/internal/domain"
)

// Role is the local side of a handshake.
type Role int

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ResolveCollision returns the role local keeps when it and remote have both
// sent message 1. The lexically lower PeerID stays initiator.
func ResolveCollision(local, remote domain.PeerID) Role {
	if local < remote {
		return RoleInitiator
	}
	return RoleResponder
}
