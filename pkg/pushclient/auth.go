package pushclient

import "context"

// AuthAction is the answer to an authentication challenge.
type AuthAction int

const (
	// AuthDefault sends the configured credentials, if any, and resumes.
	AuthDefault AuthAction = iota
	// AuthUseCredential sends the credentials of the response and resumes.
	AuthUseCredential
	// AuthContinue resumes without sending credentials.
	AuthContinue
	// AuthCancel drops the connection that received the challenge.
	AuthCancel
)

type AuthResponse struct {
	Action   AuthAction
	User     string
	Password string
}

// AuthHandler answers an authentication challenge. It is called on its own
// goroutine; outbound traffic on the challenged connection is held until it
// returns.
type AuthHandler func(ctx context.Context, realm string) AuthResponse
