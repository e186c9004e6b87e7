package network

import "github.com/google/go-containerregistry/pkg/authn"

// Authenticator provides credentials for OCI registry operations.
type Authenticator interface {
	// Authenticate returns credentials for the given registry.
	Authenticate(registry string) (username, password string, err error)
}

// StaticAuthenticator returns the same credentials for every registry.
type StaticAuthenticator struct {
	Username string
	Password string
}

func (a StaticAuthenticator) Authenticate(string) (string, string, error) {
	return a.Username, a.Password, nil
}

// keychainFor resolves credentials through auth, falling back to the
// docker keychain when auth is nil or yields no username.
func keychainFor(auth Authenticator, registry string) authn.Keychain {
	if auth != nil {
		username, password, err := auth.Authenticate(registry)
		if err == nil && username != "" {
			return staticKeychain{&authn.Basic{Username: username, Password: password}}
		}
	}
	return authn.DefaultKeychain
}

type staticKeychain struct{ auth authn.Authenticator }

func (k staticKeychain) Resolve(authn.Resource) (authn.Authenticator, error) { return k.auth, nil }
