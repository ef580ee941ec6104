package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"auditgate.org/internal/audit"
	"auditgate.org/internal/gateway"
	"auditgate.org/internal/obs"
	"auditgate.org/internal/portal"
)

type openSessionRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	Handle    string          `json:"handle"`
	ExpiresAt time.Time       `json:"expires_at"`
	Overview  portal.Overview `json:"overview"`
}

type failureResponse struct {
	Outcome   gateway.Outcome `json:"outcome"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id,omitempty"`
}

func (a *API) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.handshake(w, r, req.Token)
}

// deepLink runs the handshake for a token carried in the link the
// organization sent to the auditor.
func (a *API) deepLink(w http.ResponseWriter, r *http.Request) {
	a.handshake(w, r, r.URL.Query().Get("token"))
}

func (a *API) handshake(w http.ResponseWriter, r *http.Request, token string) {
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "portal is not configured")
		return
	}
	opened, err := a.sessions.Open(r.Context(), token)
	if err != nil {
		obs.Error("portal open failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !opened.Snapshot.Authenticated() {
		audit.LogSession(r.Context(), audit.SessionRefused, audit.SessionFromResult(opened.Portal.ID(), opened.Snapshot.Failure))
		writeFailure(w, r, opened.Snapshot.Failure)
		return
	}
	audit.LogSession(r.Context(), audit.SessionOpened, audit.SessionFromGrant(opened.Portal.ID(), opened.Snapshot.Grant, opened.ExpiresAt))
	writeJSON(w, http.StatusCreated, sessionResponse{
		Handle:    opened.Handle,
		ExpiresAt: opened.ExpiresAt,
		Overview:  portal.BuildOverview(opened.Snapshot.Grant, a.now()),
	})
}

func (a *API) closeSession(w http.ResponseWriter, r *http.Request, p *portal.Portal) {
	p.Exit()
	a.sessions.Remove(p.ID())
	audit.LogSession(r.Context(), audit.SessionClosed, audit.Session{PortalID: p.ID()})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) overview(w http.ResponseWriter, r *http.Request, p *portal.Portal) {
	o, err := p.Overview(r.Context())
	if err != nil {
		a.handlePortalError(w, r, p, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) module(w http.ResponseWriter, r *http.Request, p *portal.Portal) {
	key := gateway.ModuleKey(r.PathValue("key"))
	view, err := p.SelectModule(r.Context(), key, r.URL.Query().Get("q"))
	if err != nil {
		a.handlePortalError(w, r, p, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) expand(w http.ResponseWriter, r *http.Request, p *portal.Portal) {
	if !a.moduleOpen(w, r, p) {
		return
	}
	view, err := p.Expand(r.Context(), r.PathValue("ref"))
	if err != nil {
		a.handlePortalError(w, r, p, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) collapse(w http.ResponseWriter, r *http.Request, p *portal.Portal) {
	if !a.moduleOpen(w, r, p) {
		return
	}
	view, err := p.Collapse(r.Context(), r.PathValue("ref"))
	if err != nil {
		a.handlePortalError(w, r, p, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) security(w http.ResponseWriter, r *http.Request, p *portal.Portal) {
	info, err := p.Security(r.Context())
	if err != nil {
		a.handlePortalError(w, r, p, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// moduleOpen rejects record calls addressed to a module other than the one
// currently shown, since refs are positions in that module's list.
func (a *API) moduleOpen(w http.ResponseWriter, r *http.Request, p *portal.Portal) bool {
	snap := p.Snapshot()
	if snap.View != portal.ViewModule || string(snap.Module) != r.PathValue("key") {
		writeError(w, r, http.StatusConflict, "module is not open")
		return false
	}
	return true
}

func (a *API) handlePortalError(w http.ResponseWriter, r *http.Request, p *portal.Portal, err error) {
	switch {
	case errors.Is(err, portal.ErrSessionEnded):
		snap := p.Snapshot()
		a.sessions.Remove(p.ID())
		audit.LogSession(r.Context(), audit.SessionEnded, audit.SessionFromResult(p.ID(), snap.Failure))
		writeFailure(w, r, snap.Failure)
	case errors.Is(err, portal.ErrNotAuthenticated):
		a.sessions.Remove(p.ID())
		writeError(w, r, http.StatusUnauthorized, "session is not active")
	case errors.Is(err, gateway.ErrScopeDenied):
		writeError(w, r, http.StatusForbidden, "module is not enabled for this access")
	case errors.Is(err, gateway.ErrUnknownModule), errors.Is(err, portal.ErrRecordNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, gateway.ErrStaticModule):
		writeError(w, r, http.StatusBadRequest, "module has no records; use /v1/portal/security")
	case errors.Is(err, portal.ErrStale), errors.Is(err, portal.ErrLoading), errors.Is(err, portal.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, gateway.ErrConnection):
		writeError(w, r, http.StatusServiceUnavailable, (gateway.ValidationResult{Outcome: gateway.OutcomeConnectionError}).Message())
	case r.Context().Err() != nil:
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		obs.Error("portal request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"portal_id":  p.ID(),
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeFailure(w http.ResponseWriter, r *http.Request, res gateway.ValidationResult) {
	code := http.StatusUnauthorized
	if res.Outcome == gateway.OutcomeConnectionError {
		code = http.StatusServiceUnavailable
	}
	if strings.TrimSpace(string(res.Outcome)) == "" {
		res.Outcome = gateway.OutcomeInvalid
	}
	writeJSON(w, code, failureResponse{
		Outcome:   res.Outcome,
		Message:   res.Message(),
		RequestID: RequestIDFromContext(r.Context()),
	})
}
