package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/okada-platform/authcore"
	"github.com/okada-platform/authcore/credential"
	"github.com/okada-platform/authcore/middleware"
	"github.com/okada-platform/authcore/session"
)

// server holds the HTTP surface over one engine.
type server struct {
	engine  *authcore.Engine
	log     *zap.Logger
	metrics http.Handler
	otel    http.Handler
}

func (s *server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(clientContext)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.otel != nil {
		r.Method(http.MethodGet, "/metrics/otel", s.otel)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/codes/send", s.handleSendCode)
		r.Post("/codes/verify", s.handleVerifyCode)
		r.Get("/codes/status", s.handleCodeStatus)
		r.Post("/password/reset", s.handleResetRequest)
		r.Post("/password/reset/confirm", s.handleResetConfirm)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Guard(s.engine))
			r.Get("/me", s.handleMe)
			r.Get("/sessions", s.handleSessions)
			r.Post("/logout", s.handleLogout)
			r.Post("/logout/all", s.handleLogoutAll)
			r.Post("/password/change", s.handleChangePassword)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Guard(s.engine))
		r.Use(middleware.RequireRole(credential.RoleAdmin, credential.RoleSupport))
		r.Post("/identities/{id}/unlock", s.handleUnlock)
	})

	return r
}

// clientContext records the caller's address and user agent for sessions,
// audit events and IP-keyed rate limits. RealIP runs first.
func clientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx := authcore.WithClientIP(r.Context(), host)
		ctx = authcore.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type registerRequest struct {
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
	Locale    string `json:"locale"`
}

type identityResponse struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone"`
	Operator      string     `json:"operator,omitempty"`
	Role          string     `json:"role"`
	Status        string     `json:"status"`
	Locale        string     `json:"locale"`
	EmailVerified bool       `json:"email_verified"`
	PhoneVerified bool       `json:"phone_verified"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

func toIdentity(i *credential.Identity) identityResponse {
	return identityResponse{
		ID:            i.ID,
		Email:         i.Email,
		Phone:         i.Phone.Formatted,
		Operator:      string(i.Phone.Operator),
		Role:          string(i.Role),
		Status:        string(i.Status),
		Locale:        string(i.Profile.Locale),
		EmailVerified: i.EmailVerifiedAt != nil,
		PhoneVerified: i.PhoneVerifiedAt != nil,
		LastLoginAt:   i.LastLoginAt,
	}
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int       `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func toTokens(p *authcore.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int(p.ExpiresIn.Seconds()),
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.engine.Register(r.Context(), authcore.RegisterRequest{
		Email:     req.Email,
		Phone:     req.Phone,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
		Locale:    req.Locale,
	})
	if err != nil && (res == nil || !errors.Is(err, authcore.ErrDeliveryFailed)) {
		middleware.WriteError(w, err)
		return
	}

	// A failed delivery still created the identity; codes can be resent.
	if err != nil {
		s.log.Warn("registration codes not delivered", zap.String("user_id", res.Identity.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"identity":              toIdentity(res.Identity),
		"email_code_expires_at": res.EmailCodeExpiresAt,
		"phone_code_expires_at": res.PhoneCodeExpiresAt,
		"delivery_failed":       err != nil,
	})
}

type loginRequest struct {
	Identifier    string `json:"identifier"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.engine.Login(r.Context(), authcore.LoginRequest{
		Identifier:    req.Identifier,
		Password:      req.Password,
		TwoFactorCode: req.TwoFactorCode,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": toIdentity(res.Identity),
		"tokens":   toTokens(res.Tokens),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}

	pair, err := s.engine.Refresh(r.Context(), req.RefreshToken, authcore.Client{})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokens(pair))
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	info, _ := middleware.AccessFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    info.UserID,
		"email":      info.Email,
		"role":       info.Role,
		"expires_at": info.ExpiresAt,
	})
}

type sessionResponse struct {
	ID         string    `json:"id"`
	FamilyID   string    `json:"family_id"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.TokenFromContext(r.Context())
	list, err := s.engine.ListSessions(r.Context(), token)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	out := make([]sessionResponse, 0, len(list))
	for _, sess := range list {
		out = append(out, toSession(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func toSession(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:         s.ID,
		FamilyID:   s.FamilyID,
		IP:         s.IP,
		UserAgent:  s.UserAgent,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt,
		ExpiresAt:  s.ExpiresAt,
	}
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	token, _ := middleware.TokenFromContext(r.Context())
	if err := s.engine.Logout(r.Context(), token, req.RefreshToken); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.TokenFromContext(r.Context())
	n, err := s.engine.LogoutAll(r.Context(), token)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	RefreshToken    string `json:"refresh_token"`
}

func (s *server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	token, _ := middleware.TokenFromContext(r.Context())
	if err := s.engine.ChangePassword(r.Context(), token, req.CurrentPassword, req.NewPassword, req.RefreshToken); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type codeRequest struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Code       string `json:"code"`
	Locale     string `json:"locale"`
}

func (s *server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decode(w, r, &req) {
		return
	}
	expires, err := s.engine.SendVerificationCode(r.Context(), authcore.CodeType(req.Type), req.Identifier, req.Locale)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"expires_at": expires})
}

func (s *server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.VerifyCode(r.Context(), authcore.CodeType(req.Type), req.Identifier, req.Code); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *server) handleCodeStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ok, err := s.engine.VerificationStatus(r.Context(), authcore.CodeType(q.Get("type")), q.Get("identifier"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": ok})
}

type resetRequest struct {
	Identifier  string `json:"identifier"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
	Locale      string `json:"locale"`
}

func (s *server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.RequestPasswordReset(r.Context(), req.Identifier, req.Locale); err != nil {
		middleware.WriteError(w, err)
		return
	}
	// Same answer whether or not the identity exists.
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.ConfirmPasswordReset(r.Context(), req.Identifier, req.Code, req.NewPassword); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	unlocked, err := s.engine.UnlockAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": unlocked})
}

const maxBody = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteError(w, authcore.ErrInvalidInput)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// shutdown stops srv within timeout.
func shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
