package httpapi

import (
	"net/http"

	"auditgate.org/internal/auth"
	"auditgate.org/internal/portal"
)

const authHeader = "Authorization"

type portalHandler func(w http.ResponseWriter, r *http.Request, p *portal.Portal)

// withPortal resolves the bearer handle to a live portal.
func (a *API) withPortal(next portalHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle, ok := auth.BearerToken(r.Header.Get(authHeader))
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "missing bearer handle")
			return
		}
		if a.sessions == nil {
			writeError(w, r, http.StatusServiceUnavailable, "portal is not configured")
			return
		}
		p, claims, err := a.sessions.Lookup(handle)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "portal handle is invalid or expired")
			return
		}
		ctx := auth.ContextWithHandle(r.Context(), *claims)
		ctx = auth.ContextWithToken(ctx, handle)
		next(w, r.WithContext(ctx), p)
	})
}
