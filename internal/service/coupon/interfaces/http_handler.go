// internal/service/coupon/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"couponhub/internal/service/coupon/application"
	"couponhub/internal/service/coupon/domain"
)

// CouponHandler 封装了 coupon 服务的全部 HTTP 处理器。
type CouponHandler struct {
	issueSvc   *application.IssueService
	reserveSvc *application.ReserveService
	policySvc  *application.PolicyService
	querySvc   *application.QueryService
}

func NewCouponHandler(
	issueSvc *application.IssueService,
	reserveSvc *application.ReserveService,
	policySvc *application.PolicyService,
	querySvc *application.QueryService,
) *CouponHandler {
	return &CouponHandler{
		issueSvc:   issueSvc,
		reserveSvc: reserveSvc,
		policySvc:  policySvc,
		querySvc:   querySvc,
	}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *CouponHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/coupons/download", h.handleDownload)
	mux.HandleFunc("/coupons/direct_issue", h.handleDirectIssue)
	mux.HandleFunc("/coupons/reserve", h.handleReserve)
	mux.HandleFunc("/coupons/cancel_reservation", h.handleCancelReservation)
	mux.HandleFunc("/coupons/mine", h.handleGetUserCoupons)
	mux.HandleFunc("/coupons/detail", h.handleGetCoupon)
	mux.HandleFunc("/policies/update_quantity", h.handleUpdateQuantity)
	mux.HandleFunc("/policies/stats", h.handlePolicyStats)
}

func (h *CouponHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)

	var req application.DownloadCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.issueSvc.DownloadCoupon(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *CouponHandler) handleDirectIssue(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)

	var req application.DirectIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.issueSvc.DirectIssue(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CouponHandler) handleReserve(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)

	var req application.ReserveCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.reserveSvc.Reserve(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CouponHandler) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)

	var req application.CancelReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.reserveSvc.CancelReservation(ctx, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *CouponHandler) handleGetUserCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)

	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid user_id", http.StatusBadRequest)
		return
	}

	resp, err := h.querySvc.GetUserCoupons(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CouponHandler) handleGetCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)

	couponID, err := strconv.ParseInt(r.URL.Query().Get("coupon_id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid coupon_id", http.StatusBadRequest)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid user_id", http.StatusBadRequest)
		return
	}

	resp, err := h.querySvc.GetCoupon(ctx, couponID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CouponHandler) handleUpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)

	var req application.UpdateQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.policySvc.UpdateRemainingQuantity(ctx, &req)
	if err != nil {
		// 守卫拒绝时服务层会带回结构化结果，审计方需要前后值
		if resp != nil {
			writeJSON(w, http.StatusConflict, resp)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CouponHandler) handlePolicyStats(w http.ResponseWriter, r *http.Request) {
	ctx := extractTraceContext(r)

	policyID, err := strconv.ParseInt(r.URL.Query().Get("policy_id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid policy_id", http.StatusBadRequest)
		return
	}

	resp, err := h.querySvc.GetPolicyStats(ctx, policyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func extractTraceContext(r *http.Request) context.Context {
	propagator := otel.GetTextMapPropagator()
	return propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
}

// errorResponse 是统一的错误响应体，code 对外稳定，message 仅供人读。
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 根据错误类型映射 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	var statusCode int
	switch {
	case errors.Is(err, domain.ErrPolicyNotFound),
		errors.Is(err, domain.ErrCouponNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		statusCode = http.StatusBadRequest
	case errors.Is(err, domain.ErrStockExhausted),
		errors.Is(err, domain.ErrAlreadyIssued),
		errors.Is(err, domain.ErrCouponAlreadyReserved),
		errors.Is(err, domain.ErrCouponAlreadyUsed),
		errors.Is(err, domain.ErrCouponExpired),
		errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrMinOrderAmountNotMet),
		errors.Is(err, domain.ErrCouponNotApplicable),
		errors.Is(err, domain.ErrPolicyInactive),
		errors.Is(err, domain.ErrPolicyNotStarted),
		errors.Is(err, domain.ErrPolicyExpired),
		errors.Is(err, domain.ErrQuantityBelowIssued):
		statusCode = http.StatusConflict // 客户端请求有效，但当前状态不允许
	case errors.Is(err, domain.ErrOrderConflict),
		errors.Is(err, domain.ErrDuplicateReservation),
		errors.Is(err, domain.ErrConcurrentModification):
		statusCode = http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		statusCode = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrLockNotAcquired):
		statusCode = http.StatusServiceUnavailable
	default:
		statusCode = http.StatusInternalServerError
	}

	// 领域错误的文案对外稳定；内部错误（驱动、存储）细节不出网
	message := err.Error()
	if statusCode == http.StatusInternalServerError {
		message = "internal error, please retry later"
	}

	writeJSON(w, statusCode, errorResponse{
		Code:    domain.ErrorCode(err),
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
