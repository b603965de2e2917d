package secrets

import "context"

// Credentials holds a retrieved username and password pair.
type Credentials struct {
	Username string
	Password string
}

// SecretManager is implemented by each supported secret backend.
type SecretManager interface {
	// GetCredentials retrieves database credentials. pathOrID locates the
	// secret; usernameKey and passwordKey select fields inside it.
	GetCredentials(ctx context.Context, pathOrID string, usernameKey string, passwordKey string) (*Credentials, error)

	// IsEnabled reports whether this backend is configured and usable.
	IsEnabled() bool
}
