package client

import "errors"

var (
	// ErrMissingAuth is returned when no auth value is set.
	ErrMissingAuth = errors.New("auth argument missing")

	// ErrInvalidAuth is returned when more than one auth value is set.
	ErrInvalidAuth = errors.New("invalid auth value: set exactly one of orgEphemeralToken, jwt, userAuthToken")
)

// Auth is a single value union. Exactly one field must be set.
type Auth struct {
	// OrgEphemeralToken is an org level ephemeral user token.
	OrgEphemeralToken string
	// JWT is an existing token for a user account.
	JWT string
	// UserAuthToken is the secret auth token of a user account.
	UserAuthToken string
}

// Validate checks that exactly one auth value is set.
func (a Auth) Validate() error {
	set := 0
	for _, v := range []string{a.OrgEphemeralToken, a.JWT, a.UserAuthToken} {
		if v != "" {
			set++
		}
	}
	switch set {
	case 0:
		return ErrMissingAuth
	case 1:
		return nil
	}
	return ErrInvalidAuth
}

// wire returns the configure form, holding only the set field.
func (a Auth) wire() map[string]any {
	switch {
	case a.OrgEphemeralToken != "":
		return map[string]any{"orgEphemeralToken": a.OrgEphemeralToken}
	case a.JWT != "":
		return map[string]any{"jwt": a.JWT}
	}
	return map[string]any{"userAuthToken": a.UserAuthToken}
}

// EphemeralUserInfo describes the ephemeral user created or reused for the
// session. Only relevant with OrgEphemeralToken auth.
type EphemeralUserInfo struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Salt      string `json:"salt,omitempty"`
}
