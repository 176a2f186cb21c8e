package interfaces

import (
	"context"
	"net/http"

	"piccollab/pkg/types"
)

// UserDirectory converts a user id into its display-safe projection.
type UserDirectory interface {
	GetUserView(ctx context.Context, userID int64) (*types.UserView, error)
}

// Identity is the result of admitting an edit connection.
type Identity struct {
	User      *types.User
	PictureID int64
}

// Authenticator resolves an upgrade request to an identity and target picture.
// Errors wrap the sentinels in errors.go so callers can map them to statuses.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// IdentityStore is the persistence used to resolve identities.
type IdentityStore interface {
	GetUserByToken(ctx context.Context, token string) (*types.User, error)
	GetPicture(ctx context.Context, pictureID int64) (*types.Picture, error)
	GetSpace(ctx context.Context, spaceID int64) (*types.Space, error)
	GetSpaceRole(ctx context.Context, spaceID, userID int64) (string, error)
}
