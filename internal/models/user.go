package models

// Principal is the authenticated caller as issued by the identity provider
type Principal struct {
	UserID string `json:"userId"` // Opaque user ID
	Email  string `json:"email"`  // User email
	Admin  bool   `json:"admin"`  // Platform admin flag
}

// SystemActor is recorded as the actor for sweep and webhook driven transitions.
const SystemActor = "system"

// SystemPrincipal is the caller used for sweep and webhook driven transitions.
func SystemPrincipal() Principal {
	return Principal{UserID: SystemActor, Admin: true}
}

// IsSystem reports whether p is the internal system caller.
func (p Principal) IsSystem() bool {
	return p.UserID == SystemActor && p.Admin
}
