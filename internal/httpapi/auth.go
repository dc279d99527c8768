// Package httpapi provides the JSON account API: registration, login, and a
// liveness route. Successful register and login both return an identity token
// the client later presents on its presence connection.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/verseworld/verse/internal/auth"
	"github.com/verseworld/verse/internal/storage/postgres"
)

// AccountStore defines the account persistence operations required by Handler.
type AccountStore interface {
	Create(ctx context.Context, username, email, password string) (postgres.Account, error)
	Authenticate(ctx context.Context, email, password string) (postgres.Account, error)
	GetByUsername(ctx context.Context, username string) (postgres.Account, error)
	SetAvatar(ctx context.Context, accountID int64, color, model string) error
}

// TokenIssuer mints identity tokens for authenticated accounts.
type TokenIssuer interface {
	Issue(accountID int64, username string) (string, error)
}

// TokenVerifier validates the bearer token on authenticated routes.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Handler serves the account API.
type Handler struct {
	accounts   AccountStore
	tokens     TokenIssuer
	verifier   TokenVerifier
	logger     *zap.Logger
	corsOrigin string
}

// NewHandler creates a Handler backed by the given account store and token
// issuer. The verifier guards the authenticated routes; the same TokenManager
// serves both roles in production.
//
// Precondition: accounts, tokens, verifier, and logger must be non-nil.
func NewHandler(accounts AccountStore, tokens TokenIssuer, verifier TokenVerifier, logger *zap.Logger, corsOrigin string) *Handler {
	return &Handler{
		accounts:   accounts,
		tokens:     tokens,
		verifier:   verifier,
		logger:     logger,
		corsOrigin: corsOrigin,
	}
}

// Register mounts the API routes on the given mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/auth/register", h.cors(http.HandlerFunc(h.handleRegister)))
	mux.Handle("POST /api/auth/login", h.cors(http.HandlerFunc(h.handleLogin)))
	mux.Handle("PUT /api/auth/avatar", h.cors(http.HandlerFunc(h.handleAvatar)))
	mux.Handle("OPTIONS /api/auth/", h.cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	mux.Handle("GET /", h.cors(http.HandlerFunc(h.handleRoot)))
}

// cors stamps the configured allowed origin on every response.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
	Msg   string `json:"msg"`
}

type errorResponse struct {
	Msg string `json:"msg"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "invalid request body"})
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Username == "" || req.Email == "" || len(req.Password) < 6 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Msg: "username, email, and a password of at least 6 characters are required",
		})
		return
	}

	acct, err := h.accounts.Create(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, postgres.ErrAccountExists) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "username or email already taken"})
			return
		}
		h.logger.Error("creating account",
			zap.String("username", req.Username),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: "server error during registration"})
		return
	}

	token, err := h.tokens.Issue(acct.ID, acct.Username)
	if err != nil {
		h.logger.Error("issuing token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: "server error during registration"})
		return
	}

	h.logger.Info("account registered",
		zap.String("username", acct.Username),
		zap.Int64("account_id", acct.ID),
		zap.Duration("elapsed", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, Msg: "Registration successful"})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "invalid request body"})
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	acct, err := h.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		// Not-found and wrong-password answer identically so the API does not
		// reveal which emails are registered.
		if errors.Is(err, postgres.ErrAccountNotFound) || errors.Is(err, postgres.ErrInvalidCredentials) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "Invalid Credentials"})
			return
		}
		h.logger.Error("authenticating account",
			zap.String("email", req.Email),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: "server error during login"})
		return
	}

	token, err := h.tokens.Issue(acct.ID, acct.Username)
	if err != nil {
		h.logger.Error("issuing token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: "server error during login"})
		return
	}

	h.logger.Info("account logged in",
		zap.String("username", acct.Username),
		zap.Int64("account_id", acct.ID),
		zap.Duration("elapsed", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, Msg: "Login successful"})
}

type avatarRequest struct {
	Color string `json:"color"`
	Model string `json:"model"`
}

type avatarResponse struct {
	Color string `json:"color"`
	Model string `json:"model"`
	Msg   string `json:"msg"`
}

var avatarColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func (h *Handler) handleAvatar(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req avatarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "invalid request body"})
		return
	}
	if !avatarColorPattern.MatchString(req.Color) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "avatar color must be a #rrggbb value"})
		return
	}
	if req.Model == "" || len(req.Model) > 32 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Msg: "avatar model is required"})
		return
	}

	if err := h.accounts.SetAvatar(r.Context(), claims.AccountID, req.Color, req.Model); err != nil {
		if errors.Is(err, postgres.ErrAccountNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Msg: "account not found"})
			return
		}
		h.logger.Error("updating avatar",
			zap.Int64("account_id", claims.AccountID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: "server error updating avatar"})
		return
	}

	acct, err := h.accounts.GetByUsername(r.Context(), claims.Username)
	if err != nil {
		h.logger.Error("reading back avatar",
			zap.String("username", claims.Username),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Msg: "server error updating avatar"})
		return
	}

	h.logger.Info("avatar updated",
		zap.Int64("account_id", claims.AccountID),
		zap.String("color", acct.AvatarColor),
		zap.String("model", acct.AvatarModel),
	)
	writeJSON(w, http.StatusOK, avatarResponse{
		Color: acct.AvatarColor,
		Model: acct.AvatarModel,
		Msg:   "Avatar updated",
	})
}

// authorize extracts and verifies the bearer token, writing the 401 response
// itself when the request carries no usable identity.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || token == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Msg: "missing bearer token"})
		return nil, false
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Msg: "invalid token"})
		return nil, false
	}
	return claims, true
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
