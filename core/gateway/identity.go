package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/jobfront/jobfront/core/auth"
	"github.com/jobfront/jobfront/core/engine"
)

// accessTokenCookie lets browser sessions (webapp pages opened through the
// proxy) authenticate without an Authorization header.
const accessTokenCookie = "access_token"

// identify resolves the caller of a request. In free mode everyone is the
// anonymous superuser, represented as a nil identity.
func (s *server) identify(r *http.Request) (*auth.Identity, error) {
	if s.cfg.FreeMode() {
		return nil, nil
	}
	raw := bearerToken(r)
	if raw == "" {
		return nil, auth.ErrUnauthenticated
	}
	username, err := auth.ParseAccessToken(raw, s.cfg.JWTSecretKey)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUserByUsername(r.Context(), username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err)
	}
	return &auth.Identity{ID: user.ID, Username: user.Username, Role: user.Role}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie(accessTokenCookie); err == nil {
		return strings.Trim(cookie.Value, `"`)
	}
	return ""
}

// authorizeJob checks that the request's caller may read or mutate the job.
func (s *server) authorizeJob(r *http.Request, job *engine.Job) error {
	caller, err := s.identify(r)
	if err != nil {
		return err
	}
	if caller == nil {
		return nil
	}
	ownerAttr, _ := job.Attr("user")
	if !auth.CanAccess(caller, auth.OwnerFromAttr(ownerAttr)) {
		return auth.ErrForbidden
	}
	return nil
}
