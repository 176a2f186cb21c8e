// Package identity admits edit connections: it resolves the caller's access
// token and checks that the caller may edit the requested picture.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"piccollab/internal/logging"
	"piccollab/pkg/interfaces"
	"piccollab/pkg/types"
)

const (
	PictureIDParam  = "pictureId"
	TokenQueryParam = "token"
	bearerPrefix    = "Bearer "
)

// Resolver implements interfaces.Authenticator on top of the identity store.
type Resolver struct {
	store      interfaces.IdentityStore
	cookieName string
	logger     zerolog.Logger
}

var _ interfaces.Authenticator = (*Resolver)(nil)

func NewResolver(store interfaces.IdentityStore, cookieName string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:      store,
		cookieName: cookieName,
		logger:     logging.Module(logger, "identity"),
	}
}

// Authenticate resolves the request to a user and picture. Errors wrap
// ErrInvalidRequest, ErrUnauthenticated, ErrNotFound or ErrForbidden.
func (r *Resolver) Authenticate(req *http.Request) (*interfaces.Identity, error) {
	pictureID, err := types.ParsePictureID(req.URL.Query().Get(PictureIDParam))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidRequest, err)
	}

	token := ExtractToken(req, r.cookieName)
	if token == "" {
		return nil, fmt.Errorf("%w: no access token", interfaces.ErrUnauthenticated)
	}

	ctx := req.Context()
	user, err := r.store.GetUserByToken(ctx, token)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown access token", interfaces.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	picture, err := r.store.GetPicture(ctx, pictureID)
	if err != nil {
		return nil, err
	}

	if err := r.authorize(req, user, picture); err != nil {
		r.logger.Info().
			Err(err).
			Int64("user_id", user.ID).
			Int64("picture_id", pictureID).
			Msg("edit access denied")
		return nil, err
	}

	return &interfaces.Identity{User: user, PictureID: pictureID}, nil
}

// authorize allows editing only for editor or admin members of the team
// space that owns the picture.
func (r *Resolver) authorize(req *http.Request, user *types.User, picture *types.Picture) error {
	if picture.SpaceID == nil {
		return fmt.Errorf("%w: picture %d is not in a team space", interfaces.ErrForbidden, picture.ID)
	}

	ctx := req.Context()
	space, err := r.store.GetSpace(ctx, *picture.SpaceID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return fmt.Errorf("%w: space %d missing", interfaces.ErrForbidden, *picture.SpaceID)
		}
		return err
	}
	if space.Type != types.SpaceTypeTeam {
		return fmt.Errorf("%w: space %d is not a team space", interfaces.ErrForbidden, space.ID)
	}

	role, err := r.store.GetSpaceRole(ctx, space.ID, user.ID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return fmt.Errorf("%w: not a member of space %d", interfaces.ErrForbidden, space.ID)
		}
		return err
	}
	if !types.CanEdit(role) {
		return fmt.Errorf("%w: role %q cannot edit", interfaces.ErrForbidden, role)
	}
	return nil
}

// ExtractToken reads the access token from the Authorization header, the
// named cookie or the token query parameter, in that order.
func ExtractToken(req *http.Request, cookieName string) string {
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(auth, bearerPrefix)); token != "" {
			return token
		}
	}
	if cookieName != "" {
		if cookie, err := req.Cookie(cookieName); err == nil && cookie.Value != "" {
			return cookie.Value
		}
	}
	return req.URL.Query().Get(TokenQueryParam)
}
