package remote

// Authenticator provides credentials for OCI registry operations.
type Authenticator interface {
	// Authenticate returns credentials for the given registry. An empty
	// username falls back to the docker keychain.
	Authenticate(registry string) (username, password string, err error)
}

// BasicAuthenticator returns the same credentials for every registry.
type BasicAuthenticator struct {
	Username string
	Password string
}

// NewBasicAuthenticator returns nil when username is empty so callers can
// pass the result straight to NewOCIRemote.
func NewBasicAuthenticator(username, password string) Authenticator {
	if username == "" {
		return nil
	}
	return &BasicAuthenticator{Username: username, Password: password}
}

func (a *BasicAuthenticator) Authenticate(string) (string, string, error) {
	return a.Username, a.Password, nil
}
