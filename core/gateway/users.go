package gateway

import (
	"errors"
	"net/http"

	"github.com/jobfront/jobfront/core/auth"
	"github.com/jobfront/jobfront/core/infra/logging"
	"github.com/jobfront/jobfront/core/userstore"
)

// handleUserToken implements the password login flow. Credentials arrive
// form-encoded; the response carries a bearer token whose subject is the
// username.
func (s *server) handleUserToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		s.writeError(w, auth.ErrUnauthenticated)
		return
	}
	user, err := s.users.GetUserByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, userstore.ErrUserNotFound) {
			s.writeError(w, auth.ErrUnauthenticated)
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !userstore.VerifyPassword(password, user.HashedPassword) {
		s.writeError(w, auth.ErrUnauthenticated)
		return
	}
	token, err := auth.CreateAccessToken(user.Username, s.cfg.JWTSecretKey, s.cfg.AccessTokenExpireMinutes)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.users.CreateLogin(r.Context(), user.ID); err != nil {
		logging.Error(component, "record login failed", "user", user.Username, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caller)
}
