package canvas

// HasAccess reports whether userID may read the canvas: the owner, a team
// member, or anyone when the canvas is public.
func HasAccess(s State, userID string) bool {
	if s.OwnerID == "" {
		return true
	}
	return userID == s.OwnerID || s.hasMember(userID) || !s.IsPrivate
}

// CanEdit reports whether userID may mutate stroke content. Public read
// access does not grant write access.
func CanEdit(s State, userID string) bool {
	if s.OwnerID == "" {
		return true
	}
	return userID == s.OwnerID || s.hasMember(userID)
}

// IsOwner reports whether userID owns the canvas. Team membership and
// privacy mutations are restricted to the owner.
func IsOwner(s State, userID string) bool {
	if s.OwnerID == "" {
		return true
	}
	return userID == s.OwnerID
}

// Authorize validates op against s and returns ErrPermissionDenied when the
// acting user lacks the required right. It performs no mutation.
func Authorize(s State, op Op) error {
	switch op.Type {
	case OpInviteMember, OpRemoveMember, OpSetPrivacy:
		if !IsOwner(s, op.ActorID) {
			return ErrPermissionDenied
		}
	default:
		if !CanEdit(s, op.ActorID) {
			return ErrPermissionDenied
		}
	}
	return nil
}
