package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/azizikri/coupon-redeem/internal/usecase"
	"github.com/go-chi/chi/v5"
)

type StartRedeemRequest struct {
	Email string `json:"email"`
	UUID  string `json:"uuid"`
}

type VerifyRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

type CreateCouponRequest struct {
	ID   string         `json:"id"`
	Code string         `json:"code"`
	Meta map[string]any `json:"meta"`
}

type AdminCredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type AdminUserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type StartRedeemResponse struct {
	Success          bool       `json:"success"`
	Message          string     `json:"message"`
	State            string     `json:"state,omitempty"`
	UsedBy           *string    `json:"used_by,omitempty"`
	UsedAt           *time.Time `json:"used_at,omitempty"`
	ReservedUntil    *time.Time `json:"reserved_until,omitempty"`
	SessionID        string     `json:"session_id,omitempty"`
	ExpiresInSeconds int        `json:"expires_in_seconds,omitempty"`
}

type VerifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type StatusResponse struct {
	Exists           bool `json:"exists"`
	ExpiresInSeconds int  `json:"expires_in_seconds"`
}

type CouponResponse struct {
	ID                string         `json:"id"`
	Code              string         `json:"code"`
	State             string         `json:"state"`
	ReservedBy        *string        `json:"reserved_by,omitempty"`
	ReservedExpiresAt *time.Time     `json:"reserved_expires_at,omitempty"`
	UsedBy            *string        `json:"used_by,omitempty"`
	UsedAt            *time.Time     `json:"used_at,omitempty"`
	Meta              map[string]any `json:"meta,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type AuditLogResponse struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

const (
	defaultLogLimit      = 100
	defaultAdminTokenTTL = 24 * time.Hour
)

type Handler struct {
	redeem      usecase.RedeemUsecase
	coupons     usecase.CouponUsecase
	admins      usecase.AdminUsecase
	adminSecret []byte
	tokenTTL    time.Duration
}

// NewHandler wires the public redemption routes. Admin routes, login
// included, are only mounted when adminSecret is non-empty.
func NewHandler(redeem usecase.RedeemUsecase, coupons usecase.CouponUsecase, admins usecase.AdminUsecase, adminSecret string, tokenTTL time.Duration) *Handler {
	if tokenTTL <= 0 {
		tokenTTL = defaultAdminTokenTTL
	}
	return &Handler{
		redeem:      redeem,
		coupons:     coupons,
		admins:      admins,
		adminSecret: []byte(adminSecret),
		tokenTTL:    tokenTTL,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1/coupons", func(r chi.Router) {
		r.Post("/redeem/start", h.StartRedeem)
		r.Post("/redeem/verify", h.SubmitVerification)
		r.Get("/redeem/status/{sessionId}", h.SessionStatus)

		if len(h.adminSecret) == 0 {
			return
		}
		r.Post("/admin/login", h.Login)
		r.Group(func(r chi.Router) {
			r.Use(AdminOnly(h.adminSecret))
			r.Post("/admin/create-admin", h.CreateAdmin)
			r.Get("/redeem/admin/unblinded", h.ListStuck)
			r.Post("/redeem/admin/validate/{id}", h.Revalidate)
			r.Post("/admin/coupons", h.CreateCoupon)
			r.Get("/admin/coupons", h.ListCoupons)
			r.Get("/admin/coupons/{id}", h.GetCoupon)
			r.Post("/admin/coupons/{id}/reset", h.ResetCoupon)
			r.Get("/admin/logs", h.ListAuditLogs)
		})
	})
}

func (h *Handler) StartRedeem(w http.ResponseWriter, r *http.Request) {
	var req StartRedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.redeem.StartRedeem(r.Context(), req.Email, req.UUID)
	if err != nil {
		h.fail(w, err)
		return
	}

	resp := StartRedeemResponse{
		Success:          res.Success,
		Message:          res.Message,
		State:            string(res.State),
		UsedBy:           res.UsedBy,
		UsedAt:           res.UsedAt,
		ReservedUntil:    res.ReservedUntil,
		SessionID:        res.SessionID,
		ExpiresInSeconds: seconds(res.ExpiresIn),
	}
	// A coupon that is used or reserved is reported, not failed.
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) SubmitVerification(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.redeem.SubmitVerification(r.Context(), req.SessionID, req.Code)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Success: res.Success, Message: res.Message})
}

func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.redeem.SessionStatus(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Exists: st.Exists, ExpiresInSeconds: seconds(st.ExpiresIn)})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req AdminCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.admins.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, err)
		return
	}
	token, err := IssueAdminToken(h.adminSecret, u.Email, h.tokenTTL)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		AccessToken:      token,
		TokenType:        "Bearer",
		ExpiresInSeconds: seconds(h.tokenTTL),
	})
}

func (h *Handler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req AdminCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.admins.CreateAdmin(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, err)
		return
	}
	log.Printf("Admin %s created by %s", u.Email, AdminSubject(r.Context()))
	writeJSON(w, http.StatusCreated, AdminUserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	})
}

func (h *Handler) ListStuck(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.coupons.ListStuck(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponses(coupons))
}

func (h *Handler) Revalidate(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.Revalidate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponse(c))
}

func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req CreateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.coupons.CreateCoupon(r.Context(), req.ID, req.Code, req.Meta)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCouponResponse(c))
}

func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.coupons.ListCoupons(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponses(coupons))
}

func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.GetCoupon(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponse(c))
}

func (h *Handler) ResetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.ResetCoupon(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	log.Printf("Coupon %s reset by %s", c.ID, AdminSubject(r.Context()))
	writeJSON(w, http.StatusOK, toCouponResponse(c))
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := h.coupons.ListAuditLogs(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := make([]AuditLogResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, AuditLogResponse{ID: e.ID, Action: e.Action, Details: e.Details, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	var na *domain.NotAvailableError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "coupon not found")
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found or expired")
	case errors.As(err, &na):
		writeJSON(w, http.StatusConflict, notAvailable(na.Coupon))
	case errors.Is(err, domain.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, domain.ErrDuplicateCoupon):
		writeError(w, http.StatusConflict, "coupon already exists")
	case errors.Is(err, domain.ErrDuplicateAdmin):
		writeError(w, http.StatusConflict, "admin already exists")
	case errors.Is(err, domain.ErrTransitionRejected):
		writeError(w, http.StatusConflict, "coupon changed, try again")
	case errors.Is(err, domain.ErrExpired):
		writeError(w, http.StatusGone, "reservation has expired")
	case errors.As(err, &engErr):
		writeError(w, http.StatusBadGateway, engErr.Message)
	default:
		log.Printf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func notAvailable(c *domain.Coupon) errorResponse {
	if c == nil {
		return errorResponse{Message: domain.ErrNotAvailable.Error()}
	}
	return errorResponse{Message: "coupon is " + string(c.State)}
}

func toCouponResponse(c *domain.Coupon) CouponResponse {
	return CouponResponse{
		ID:                c.ID,
		Code:              c.Code,
		State:             string(c.State),
		ReservedBy:        c.ReservedBy,
		ReservedExpiresAt: c.ReservedExpiresAt,
		UsedBy:            c.UsedBy,
		UsedAt:            c.UsedAt,
		Meta:              c.Meta,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func toCouponResponses(coupons []domain.Coupon) []CouponResponse {
	out := make([]CouponResponse, 0, len(coupons))
	for i := range coupons {
		out = append(out, toCouponResponse(&coupons[i]))
	}
	return out
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d.Round(time.Second) / time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Message: message})
}
