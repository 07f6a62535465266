package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/revoke"
	"sentra.dev/internal/session"
)

// SessionService is the surface of the session lifecycle the HTTP layer
// needs. *session.Service satisfies it.
type SessionService interface {
	Login(ctx context.Context, username, password, appCode string) (session.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (session.TokenPair, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	Profile(ctx context.Context, userID int64) (session.Identity, error)
	Authenticate(ctx context.Context, accessToken string) (*session.Claims, error)
}

// ReadyProbe checks the backing stores the gateway cannot serve without.
type ReadyProbe struct {
	DB          *sql.DB
	Revocations revoke.Store
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Revocations != nil {
		if err := rp.Revocations.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Options carries the deployment-specific knobs of the HTTP layer.
type Options struct {
	// InternalTrustHeader and InternalTrustSecret guard the /internal/*
	// routes. An empty secret closes the internal tier entirely.
	InternalTrustHeader string
	InternalTrustSecret string
	Version             string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	sessions   SessionService
	readyProbe ReadyProbe
	opts       Options
	tiers      map[string]accessTier
}

func New(sessions SessionService, rp ReadyProbe, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		sessions:   sessions,
		readyProbe: rp,
		opts:       opts,
		tiers: map[string]accessTier{
			"/v1/auth/login":           tierPublic,
			"/v1/auth/refresh":         tierPublic,
			"/internal/tokens/inspect": tierInternal,
			"/healthz":                 tierPublic,
			"/readyz":                  tierPublic,
			"/metrics":                 tierPublic,
			"/v1/info":                 tierPublic,
			"/":                        tierPublic,
		},
	}

	// session lifecycle
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/profile", a.handleProfile)

	// service-to-service token inspection
	a.mux.HandleFunc("/internal/tokens/inspect", a.handleInspect)

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full handler chain for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAccess(a.mux))
}

// --- session handlers ---

type loginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Application string `json:"application,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func pairResponse(pair session.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := a.sessions.Login(r.Context(), strings.TrimSpace(req.Username), req.Password, strings.TrimSpace(req.Application))
	if err != nil {
		// Every login failure reads the same to the caller.
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "session.login", map[string]any{
		"username":    strings.TrimSpace(req.Username),
		"application": strings.TrimSpace(req.Application),
	})
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "session.refresh", nil)
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	accessToken, ok := session.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "access token required")
		return
	}

	// The body is optional; a bare POST revokes the access token only.
	var req logoutRequest
	if err := decodeJSONOptional(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.sessions.Logout(r.Context(), accessToken, req.RefreshToken); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "session.logout", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type profileApplication struct {
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

type profileResponse struct {
	ID           int64                `json:"id"`
	Username     string               `json:"username"`
	Email        string               `json:"email"`
	Applications []profileApplication `json:"applications"`
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	claims, ok := session.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "access token required")
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid access token")
		return
	}

	// Grants come from the store, not from the token snapshot.
	ident, err := a.sessions.Profile(r.Context(), userID)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
		return
	}

	writeJSON(w, http.StatusOK, identityResponse(ident))
}

func identityResponse(ident session.Identity) profileResponse {
	apps := make([]profileApplication, 0, len(ident.Applications))
	for _, app := range ident.Applications {
		apps = append(apps, profileApplication{
			Code:        app.Code,
			Name:        app.Name,
			Role:        app.Role,
			Permissions: app.Permissions,
		})
	}
	return profileResponse{
		ID:           ident.UserID,
		Username:     ident.Username,
		Email:        ident.Email,
		Applications: apps,
	}
}

type inspectRequest struct {
	Token string `json:"token"`
}

type inspectResponse struct {
	Active   bool             `json:"active"`
	Identity *profileResponse `json:"identity,omitempty"`
}

// handleInspect lets sibling services verify a token they received from a
// client. The route sits behind the internal trust header.
func (a *API) handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req inspectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	claims, err := a.sessions.Authenticate(r.Context(), req.Token)
	if err != nil {
		writeJSON(w, http.StatusOK, inspectResponse{Active: false})
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		writeJSON(w, http.StatusOK, inspectResponse{Active: false})
		return
	}
	ident, err := a.sessions.Profile(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusOK, inspectResponse{Active: false})
		return
	}

	resp := identityResponse(ident)
	writeJSON(w, http.StatusOK, inspectResponse{Active: true, Identity: &resp})
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sentra",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "sentra",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeJSONOptional is decodeJSON for routes whose body may be empty.
func decodeJSONOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	err := decodeJSON(w, r, dst)
	if err != nil && err.Error() == "request body is required" {
		return nil
	}
	return err
}
