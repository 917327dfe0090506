package server

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/fieldworks/agrihub/auth"
	"github.com/fieldworks/agrihub/httpapi"
	"github.com/fieldworks/agrihub/store"
	"github.com/fieldworks/agrihub/telemetry"
)

const minPasswordLength = 8

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type oauthRequest struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

// userResponse is the public view of an account. The stored user carries the
// password hash, so it never goes on the wire directly.
type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type sessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      userResponse `json:"user"`
}

func publicUser(u *store.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

// handleRegister creates an account and opens a session for it.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "auth")

	var req registerRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if _, err := mail.ParseAddress(req.Email); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid email address", nil)
		return
	}
	if len(req.Password) < minPasswordLength {
		httpapi.Error(w, http.StatusBadRequest, "password must be at least 8 characters", nil)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httpapi.Error(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to hash password", err)
		return
	}

	user := &store.User{
		Email:        req.Email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			httpapi.Error(w, http.StatusConflict, "email already registered", nil)
			return
		}
		httpapi.Error(w, http.StatusInternalServerError, "failed to create user", err)
		return
	}

	sess, err := s.sessions.Create(r.Context(), user.ID)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to create session", err)
		return
	}

	s.logger.Info("user registered", "user_id", user.ID)

	httpapi.JSON(w, http.StatusCreated, sessionResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		User:      publicUser(user),
	})
}

// handleLogin checks credentials and opens a session. Unknown emails and bad
// passwords get the same answer, so the endpoint does not confirm accounts.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "auth")

	var req loginRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpapi.Error(w, http.StatusUnauthorized, "invalid email or password", nil)
			return
		}
		httpapi.Error(w, http.StatusInternalServerError, "failed to look up user", err)
		return
	}

	// Federated accounts have no password hash; they must use OAuth.
	if user.PasswordHash == "" || !auth.CheckPassword(user.PasswordHash, req.Password) {
		httpapi.Error(w, http.StatusUnauthorized, "invalid email or password", nil)
		return
	}

	sess, err := s.sessions.Create(r.Context(), user.ID)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to create session", err)
		return
	}

	httpapi.JSON(w, http.StatusOK, sessionResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		User:      publicUser(user),
	})
}

// handleLogout destroys the presented session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "auth")

	token, ok := bearerToken(r)
	if !ok {
		unauthorized(w)
		return
	}

	if err := s.sessions.Destroy(r.Context(), token); err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to destroy session", err)
		return
	}

	httpapi.Message(w, http.StatusOK, "logged out")
}

// handleMe returns the authenticated user's profile.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "auth")

	user, _ := auth.UserFrom(r.Context())
	httpapi.JSON(w, http.StatusOK, publicUser(user))
}

// handleOAuth verifies a provider token and logs the identity in, registering
// an account on first sight. An existing account with the identity's email is
// linked rather than duplicated.
func (s *Server) handleOAuth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "auth")

	if s.verifier == nil {
		httpapi.Error(w, http.StatusNotImplemented, "oauth login is not configured", nil)
		return
	}

	var req oauthRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Provider == "" {
		req.Provider = auth.DefaultProvider
	}
	if req.Token == "" {
		httpapi.Error(w, http.StatusBadRequest, "token is required", nil)
		return
	}

	identity, err := s.verifier.Verify(r.Context(), req.Provider, req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenInvalid) {
			httpapi.Error(w, http.StatusUnauthorized, "invalid oauth token", err)
			return
		}
		httpapi.Error(w, http.StatusInternalServerError, "oauth verification failed", err)
		return
	}

	user, err := s.userForIdentity(r, identity)
	if err != nil {
		if errors.Is(err, errNoVerifiedEmail) {
			httpapi.Error(w, http.StatusBadRequest, "oauth identity has no verified email", nil)
			return
		}
		if errors.Is(err, store.ErrConflict) {
			httpapi.Error(w, http.StatusConflict, "identity already linked to another account", nil)
			return
		}
		httpapi.Error(w, http.StatusInternalServerError, "failed to resolve oauth account", err)
		return
	}

	sess, err := s.sessions.Create(r.Context(), user.ID)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, "failed to create session", err)
		return
	}

	httpapi.JSON(w, http.StatusOK, sessionResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		User:      publicUser(user),
	})
}

var errNoVerifiedEmail = errors.New("oauth identity has no verified email")

// userForIdentity resolves a verified identity to an account: the linked user
// when the identity is known, the email's account (linking it) when one
// exists, or a fresh registration otherwise.
func (s *Server) userForIdentity(r *http.Request, identity *auth.Identity) (*store.User, error) {
	ctx := r.Context()

	user, err := s.store.GetUserByIdentity(ctx, identity.Provider, identity.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if identity.Email == "" {
		return nil, errNoVerifiedEmail
	}

	user, err = s.store.GetUserByEmail(ctx, identity.Email)
	if errors.Is(err, store.ErrNotFound) {
		user = &store.User{
			Email: identity.Email,
			Name:  identity.Name,
		}
		err = s.store.CreateUser(ctx, user)
		if errors.Is(err, store.ErrConflict) {
			// Lost a registration race; the account exists now.
			user, err = s.store.GetUserByEmail(ctx, identity.Email)
		}
		if err == nil {
			s.logger.Info("user registered via oauth",
				"user_id", user.ID,
				"provider", identity.Provider,
			)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.LinkIdentity(ctx, identity.Provider, identity.Subject, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// handleOAuthLink attaches a verified identity to the authenticated account.
func (s *Server) handleOAuthLink(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "auth")

	if s.verifier == nil {
		httpapi.Error(w, http.StatusNotImplemented, "oauth login is not configured", nil)
		return
	}

	user, _ := auth.UserFrom(r.Context())

	var req oauthRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Provider == "" {
		req.Provider = auth.DefaultProvider
	}
	if req.Token == "" {
		httpapi.Error(w, http.StatusBadRequest, "token is required", nil)
		return
	}

	identity, err := s.verifier.Verify(r.Context(), req.Provider, req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenInvalid) {
			httpapi.Error(w, http.StatusUnauthorized, "invalid oauth token", err)
			return
		}
		httpapi.Error(w, http.StatusInternalServerError, "oauth verification failed", err)
		return
	}

	if err := s.store.LinkIdentity(r.Context(), identity.Provider, identity.Subject, user.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			httpapi.Error(w, http.StatusConflict, "identity already linked to another account", nil)
			return
		}
		httpapi.Error(w, http.StatusInternalServerError, "failed to link identity", err)
		return
	}

	s.logger.Info("identity linked",
		"user_id", user.ID,
		"provider", identity.Provider,
	)

	httpapi.Message(w, http.StatusOK, "identity linked")
}
