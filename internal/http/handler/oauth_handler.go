package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lokus-ai/lokus-auth/internal/adapter/identity"
	"github.com/lokus-ai/lokus-auth/internal/service"
)

const sessionCookie = "sb_access_token"

// OAuthHandler exposes the authorization, token, refresh, and profile endpoints.
type OAuthHandler struct {
	OAuth  *service.OAuthService
	Logger *zap.Logger
}

// NewOAuthHandler creates the handler set.
func NewOAuthHandler(oauth *service.OAuthService, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{OAuth: oauth, Logger: logger}
}

type authorizeRequest struct {
	ResponseType        string `form:"response_type"`
	ClientID            string `form:"client_id"`
	RedirectURI         string `form:"redirect_uri"`
	Scope               string `form:"scope"`
	State               string `form:"state"`
	CodeChallenge       string `form:"code_challenge"`
	CodeChallengeMethod string `form:"code_challenge_method"`
}

// Authorize validates the OAuth request shape and forwards the user agent to
// the interactive login page. No server-side state is created yet.
func (h *OAuthHandler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid authorize request."})
		return
	}

	params, oauthErr := h.OAuth.ValidateAuthorizeRequest(service.AuthorizeRequest{
		ResponseType:        req.ResponseType,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if oauthErr != nil {
		c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
		return
	}

	loginURL := &url.URL{
		Scheme: schemeOnly(c.Request),
		Host:   c.Request.Host,
		Path:   "/login",
	}
	q := loginURL.Query()
	q.Set("redirect_uri", params.RedirectURI)
	q.Set("state", params.State)
	q.Set("code_challenge", params.CodeChallenge)
	q.Set("scope", params.Scope)
	loginURL.RawQuery = q.Encode()

	c.Redirect(http.StatusFound, loginURL.String())
}

// AuthorizeComplete turns an authenticated session into a single-use
// authorization code and sends the user agent back to the desktop client.
func (h *OAuthHandler) AuthorizeComplete(c *gin.Context) {
	params := service.AuthorizeParams{
		RedirectURI:   strings.TrimSpace(c.Query("redirect_uri")),
		State:         strings.TrimSpace(c.Query("state")),
		CodeChallenge: strings.TrimSpace(c.Query("code_challenge")),
		Scope:         strings.TrimSpace(c.Query("scope")),
	}
	if params.RedirectURI == "" || params.State == "" || params.CodeChallenge == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Missing authorization parameters."})
		return
	}

	grant, err := h.OAuth.CompleteAuthorization(c.Request.Context(), sessionToken(c), params)
	if err != nil {
		if errors.Is(err, identity.ErrNoSession) {
			h.redirectLogin(c)
			return
		}
		h.log().Error("authorization completion failed", zap.Error(err))
		h.errorRedirect(c, "server_error", "Could not complete authorization.")
		return
	}

	redirect, err := url.Parse(grant.RedirectURI)
	if err != nil {
		h.errorRedirect(c, "invalid_request", "Malformed redirect_uri.")
		return
	}
	q := redirect.Query()
	q.Set("code", grant.Code)
	q.Set("state", grant.State)
	redirect.RawQuery = q.Encode()

	c.Redirect(http.StatusFound, redirect.String())
}

type tokenRequest struct {
	GrantType    string `form:"grant_type"`
	ClientID     string `form:"client_id"`
	Code         string `form:"code"`
	RedirectURI  string `form:"redirect_uri"`
	CodeVerifier string `form:"code_verifier"`
}

// Token exchanges an authorization code for a token pair.
func (h *OAuthHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid token request."})
		return
	}

	resp, err := h.OAuth.ExchangeCode(c.Request.Context(), service.TokenRequest{
		GrantType:    req.GrantType,
		ClientID:     req.ClientID,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
	})
	if err != nil {
		h.respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type refreshRequest struct {
	GrantType    string `form:"grant_type"`
	ClientID     string `form:"client_id"`
	RefreshToken string `form:"refresh_token"`
}

// Refresh rotates an access/refresh token pair.
func (h *OAuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid refresh request."})
		return
	}

	resp, err := h.OAuth.RefreshTokens(c.Request.Context(), service.RefreshRequest{
		GrantType:    req.GrantType,
		ClientID:     req.ClientID,
		RefreshToken: req.RefreshToken,
	})
	if err != nil {
		h.respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Profile returns the user behind a bearer access token.
func (h *OAuthHandler) Profile(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header missing or invalid."})
		return
	}

	profile, err := h.OAuth.Profile(c.Request.Context(), strings.TrimSpace(parts[1]))
	if err != nil {
		h.respondOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *OAuthHandler) respondOAuthError(c *gin.Context, err error) {
	var oauthErr *service.OAuthError
	if errors.As(err, &oauthErr) {
		c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
		return
	}
	h.log().Error("oauth service failure", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
}

func (h *OAuthHandler) redirectLogin(c *gin.Context) {
	loginURL := &url.URL{
		Scheme: schemeOnly(c.Request),
		Host:   c.Request.Host,
		Path:   "/login",
	}
	q := loginURL.Query()
	q.Set("redirect", c.Request.URL.RequestURI())
	loginURL.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, loginURL.String())
}

func (h *OAuthHandler) errorRedirect(c *gin.Context, code, desc string) {
	errURL := url.URL{
		Scheme: schemeOnly(c.Request),
		Host:   c.Request.Host,
		Path:   "/error/oauth",
	}
	q := errURL.Query()
	q.Set("error", code)
	q.Set("error_description", desc)
	errURL.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, errURL.String())
}

func (h *OAuthHandler) log() *zap.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}

func sessionToken(c *gin.Context) string {
	if cookie, err := c.Cookie(sessionCookie); err == nil && strings.TrimSpace(cookie) != "" {
		return strings.TrimSpace(cookie)
	}
	authz := c.GetHeader("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func schemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}
