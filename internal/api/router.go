package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fileshare/internal/captcha"
	"fileshare/internal/config"
	"fileshare/internal/middleware"
	"fileshare/internal/models"
	"fileshare/internal/quota"
	"fileshare/internal/service"
	"fileshare/internal/store"
	"fileshare/internal/util"
	"fileshare/internal/version"
)

type Handlers struct {
	cfg             config.Config
	svc             *service.Service
	authLimiter     *quota.Engine
	captchaVerifier captcha.Verifier
}

func NewRouter(cfg config.Config, svc *service.Service, authLimiter *quota.Engine) http.Handler {
	h := &Handlers{
		cfg:             cfg,
		svc:             svc,
		authLimiter:     authLimiter,
		captchaVerifier: captcha.NewVerifier(cfg),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := h.svc.Store().Ping(r.Context()); err != nil {
			util.WriteJSON(w, 503, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
		util.WriteJSON(w, 200, map[string]any{
			"status":     "ready",
			"checked_at": time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			util.WriteJSON(w, 200, version.Current())
		})

		r.With(middleware.RateLimit(h.authLimiter, "register", h.cfg.TrustProxy)).Post("/register", h.Register)
		r.With(middleware.RateLimit(h.authLimiter, "login", h.cfg.TrustProxy)).Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.With(middleware.RateLimit(h.authLimiter, "reset_request", h.cfg.TrustProxy)).Post("/password/reset/request", h.PasswordResetRequest)
		r.Post("/password/reset/confirm", h.PasswordResetConfirm)

		// File routes serve both signed-in users and guests; identity is
		// resolved if present and the quota engine handles the difference.
		r.Group(func(r chi.Router) {
			r.Use(middleware.OptionalAuthn(h.svc, h.cfg.SessionCookieName))
			r.Use(middleware.CSRFForAuthenticated(h.cfg.CSRFCookieName))
			r.Post("/files", h.UploadFile)
			r.Get("/files", h.ListFiles)
			r.Get("/files/{id}", h.DownloadFile)
			r.Delete("/files/{id}", h.DeleteFile)
			r.Post("/files/{id}/share", h.ShareFile)
			r.Get("/quota", h.QuotaStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.svc, h.cfg.SessionCookieName))
			r.Get("/me", h.Me)
		})
	})

	return r
}

type registerRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token"`
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if h.cfg.CaptchaEnabled {
		ip := middleware.ClientIP(r, h.cfg.TrustProxy)
		if err := h.captchaVerifier.Verify(r.Context(), req.CaptchaToken, ip); err != nil {
			util.WriteError(w, 400, "captcha_required", "captcha validation failed", middleware.RequestID(r.Context()))
			return
		}
	}
	u, err := h.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		code := "register_failed"
		if errors.Is(err, service.ErrEmailTaken) {
			code = "email_taken"
		}
		util.WriteError(w, 400, code, err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 201, map[string]string{"user_id": u.ID, "email": u.Email})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	token, user, err := h.svc.Login(r.Context(), req.Email, req.Password, r.RemoteAddr, r.UserAgent())
	if err != nil {
		status, code := 401, "invalid_credentials"
		if errors.Is(err, service.ErrSuspended) {
			status, code = 403, "suspended"
		}
		util.WriteError(w, status, code, err.Error(), middleware.RequestID(r.Context()))
		return
	}
	csrfToken := randomToken()
	h.setAuthCookies(w, r, token, csrfToken)
	util.WriteJSON(w, 200, map[string]string{"user_id": user.ID, "email": user.Email, "role": user.Role, "csrf_token": csrfToken})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	c, _ := r.Cookie(h.cfg.SessionCookieName)
	if c != nil && c.Value != "" {
		_ = h.svc.Logout(r.Context(), c.Value)
	}
	h.clearAuthCookies(w, r)
	util.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

func (h *Handlers) PasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "accepted"})
}

func (h *Handlers) PasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.svc.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		util.WriteError(w, 400, "reset_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "updated"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	util.WriteJSON(w, 200, map[string]any{"id": u.ID, "email": u.Email, "role": u.Role, "status": u.Status})
}

func (h *Handlers) UploadFile(w http.ResponseWriter, r *http.Request) {
	userID, origin := h.identity(r)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid multipart body", middleware.RequestID(r.Context()))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		util.WriteError(w, 400, "bad_request", "missing file field", middleware.RequestID(r.Context()))
		return
	}
	defer file.Close()

	f, err := h.svc.Upload(r.Context(), service.UploadRequest{
		UserID:      userID,
		OriginAddr:  origin,
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		SizeBytes:   header.Size,
		Body:        file,
	})
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	util.WriteJSON(w, 201, fileResponse(f))
}

func (h *Handlers) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	var qe *service.QuotaExceededError
	if errors.As(err, &qe) {
		d := qe.Decision
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
		util.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
			"code":                d.Reason,
			"message":             quotaMessage(d),
			"retry_after_seconds": int(d.RetryAfter.Seconds()),
			"remaining_uploads":   d.Remaining,
			"remaining_bytes":     d.RemainingBytes,
			"window_ends_at":      d.WindowEnd.UTC().Format(time.RFC3339),
			"request_id":          rid,
		})
		return
	}
	if errors.Is(err, service.ErrFileTooLarge) {
		util.WriteError(w, http.StatusRequestEntityTooLarge, "file_too_large", err.Error(), rid)
		return
	}
	util.WriteError(w, 400, "upload_failed", err.Error(), rid)
}

func quotaMessage(d quota.Decision) string {
	switch d.Reason {
	case quota.ReasonRequests:
		return "upload limit reached for the current window"
	case quota.ReasonBytes:
		return "storage volume limit reached for the current window"
	case quota.ReasonBurst:
		return "too many uploads at once, slow down"
	default:
		return "quota exceeded"
	}
}

func (h *Handlers) ListFiles(w http.ResponseWriter, r *http.Request) {
	userID, origin := h.identity(r)
	limit, offset := parsePagination(r)
	files, err := h.svc.ListFiles(r.Context(), userID, origin, limit, offset)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	items := make([]map[string]any, 0, len(files))
	for _, f := range files {
		items = append(items, fileResponse(f))
	}
	util.WriteJSON(w, 200, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (h *Handlers) DownloadFile(w http.ResponseWriter, r *http.Request) {
	userID, origin := h.identity(r)
	f, rc, err := h.svc.OpenFile(r.Context(), chi.URLParam(r, "id"), userID, origin)
	if err != nil {
		h.writeFileError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.SizeBytes, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Name))
	w.WriteHeader(200)
	_, _ = io.Copy(w, rc)
}

func (h *Handlers) DeleteFile(w http.ResponseWriter, r *http.Request) {
	userID, origin := h.identity(r)
	if err := h.svc.DeleteFile(r.Context(), chi.URLParam(r, "id"), userID, origin); err != nil {
		h.writeFileError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "deleted"})
}

func (h *Handlers) ShareFile(w http.ResponseWriter, r *http.Request) {
	userID, origin := h.identity(r)
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.svc.ShareFile(r.Context(), chi.URLParam(r, "id"), userID, origin, req.Email); err != nil {
		h.writeFileError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "sent"})
}

func (h *Handlers) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	userID, origin := h.identity(r)
	fromRegistry := r.URL.Query().Get("source") == "registry"
	st, err := h.svc.QuotaStatus(r.Context(), userID, origin, fromRegistry)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{
		"uploads_used":      st.Count,
		"uploads_remaining": st.Remaining,
		"bytes_used":        st.UsedBytes,
		"bytes_remaining":   st.RemainingBytes,
		"used_percent":      st.UsedPercent,
		"window_ends_at":    st.WindowEnd.UTC().Format(time.RFC3339),
		"authenticated":     userID != "",
	})
}

func (h *Handlers) writeFileError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	switch {
	case errors.Is(err, store.ErrNotFound):
		util.WriteError(w, 404, "not_found", "file not found", rid)
	case errors.Is(err, service.ErrForbidden):
		util.WriteError(w, 403, "forbidden", "not your file", rid)
	default:
		util.WriteError(w, 500, "internal_error", err.Error(), rid)
	}
}

func (h *Handlers) identity(r *http.Request) (userID, origin string) {
	if u, ok := middleware.User(r.Context()); ok {
		userID = u.ID
	}
	return userID, middleware.ClientIP(r, h.cfg.TrustProxy)
}

func fileResponse(f models.File) map[string]any {
	return map[string]any{
		"id":           f.ID,
		"name":         f.Name,
		"size_bytes":   f.SizeBytes,
		"content_type": f.ContentType,
		"created_at":   f.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func randomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (h *Handlers) setAuthCookies(w http.ResponseWriter, r *http.Request, sessionToken, csrfToken string) {
	secure := h.cfg.ResolveCookieSecure(r)
	maxAge := int(h.cfg.SessionAbsoluteDuration().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (h *Handlers) clearAuthCookies(w http.ResponseWriter, r *http.Request) {
	secure := h.cfg.ResolveCookieSecure(r)
	expiredAt := time.Unix(1, 0).UTC()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  expiredAt,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  expiredAt,
	})
}
