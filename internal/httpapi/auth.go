package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/service"
)

type identityContextKey struct{}

func withIdentity(ctx context.Context, id service.Identity) context.Context {
	ctx = context.WithValue(ctx, identityContextKey{}, id)
	return service.WithActor(ctx, id.Actor())
}

func identityFromContext(ctx context.Context) (service.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(service.Identity)
	return id, ok
}

func bearerToken(r *http.Request) (string, bool) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authorization[len("Bearer "):])
	return token, token != ""
}

// requireAuth admits access sessions whose profile role is among roles. No
// roles means any signed-in caller. Mutations also take the in-flight slot
// for this caller and route.
func (a *API) requireAuth(next http.HandlerFunc, roles ...domain.Role) http.HandlerFunc {
	return a.authenticate(next, false, roles)
}

// requireRecoveryOrAuth also admits recovery sessions. Only the password
// update route uses it.
func (a *API) requireRecoveryOrAuth(next http.HandlerFunc) http.HandlerFunc {
	return a.authenticate(next, true, nil)
}

func (a *API) authenticate(next http.HandlerFunc, allowRecovery bool, roles []domain.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		id, err := a.service.Authenticate(r.Context(), token)
		if err != nil {
			status := statusFor(err)
			if status >= 500 {
				a.writeError(w, status, err)
				return
			}
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		if id.Session.Recovery && !allowRecovery {
			a.writeError(w, http.StatusUnauthorized, errors.New("recovery session can only set a new password"))
			return
		}
		if len(roles) > 0 && !isRoleAllowed(id.Profile.Role, roles) {
			a.writeError(w, http.StatusForbidden, service.ErrForbidden)
			return
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			release, ok := a.inflight.Acquire(id.Profile.ID + " " + r.Method + " " + r.URL.Path)
			if !ok {
				a.writeError(w, http.StatusConflict, errors.New("request already in progress"))
				return
			}
			defer release()
		}

		next(w, r.WithContext(withIdentity(r.Context(), *id)))
	}
}

func isRoleAllowed(role domain.Role, allowed []domain.Role) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.authLimiter.Allow("signup:" + clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many sign-up attempts"))
		return
	}

	var req domain.SignUpRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.SignUp(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.authLimiter.Allow("login:" + clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.SignIn(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRecover answers the same way whether or not the email is known.
func (a *API) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.recoverLimit.Allow("recover:" + clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many recovery requests"))
		return
	}

	var req domain.RecoverRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.service.RequestPasswordReset(r.Context(), req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	token, _ := bearerToken(r)
	if err := a.service.SignOut(r.Context(), token); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "view": "unauthenticated"})
}

func (a *API) handlePasswordUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.PasswordUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	token, _ := bearerToken(r)
	if err := a.service.UpdatePassword(r.Context(), token, req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		a.writeError(w, http.StatusUnauthorized, service.ErrUnauthenticated)
		return
	}
	writeJSON(w, http.StatusOK, a.service.CurrentSession(id))
}
