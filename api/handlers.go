/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to loyalty.Engine.

ENDPOINTS:
  Tiers:
    GET    /api/tiers                      List tiers (?include_inactive=true)
    POST   /api/tiers                      Create tier from JSON
    GET    /api/tiers/{id}                 Get tier
    PATCH  /api/tiers/{id}                 Partial update
    DELETE /api/tiers/{id}                 Delete (409 while users hold it)
    GET    /api/tiers/{id}/users           Users currently in the tier

  Users:
    GET    /api/users/top                  Top customers by lifetime spend
    GET    /api/users/vip                  VIP users
    GET    /api/users/{id}                 Ledger record
    GET    /api/users/{id}/benefits        Effective benefits
    GET    /api/users/{id}/points          Balance and next-visit multiplier
    GET    /api/users/{id}/history         Points activity, newest first
    GET    /api/users/{id}/discount        Discount quote (?subtotal_cents=)

  Admin:
    POST   /api/admin/users/{id}/points    Manual credit or correction
    PUT    /api/admin/users/{id}/tier      Direct tier assignment
    PUT    /api/admin/users/{id}/vip       VIP flag and notes
    PUT    /api/admin/users/{id}/free-shipping  Free shipping override
    POST   /api/admin/users/{id}/reevaluate     Re-run tier evaluation
    POST   /api/admin/reevaluate           Re-run tier evaluation for everyone

  Scenarios:
    GET    /api/scenarios                  List demo scenarios
    GET    /api/scenarios/current          Last loaded scenario
    POST   /api/scenarios/load             Load a scenario

  Order pipeline:
    POST   /api/orders/paid                Payment completed: store snapshot, award
    POST   /api/orders/refunded            Refund recorded: store snapshot, deduct
    PUT    /api/products/{id}              Product reward eligibility

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body or parameters
  - 404: Tier, user or order not found
  - 409: Tier still referenced, or retries exhausted under contention
  - 422: Rule violation (invalid tier, inactive tier assignment)
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Admin and order pipeline routes must sit behind the
  gateway's auth in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine      *loyalty.Engine
	Orders      loyalty.OrderWriter
	TierFactory *factory.TierFactory
	Logger      *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over an engine and the order projection
// it reads from.
func NewHandler(engine *loyalty.Engine, orders loyalty.OrderWriter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:      engine,
		Orders:      orders,
		TierFactory: factory.NewTierFactory(),
		Logger:      logger,
	}
}

const defaultListLimit = 50

// =============================================================================
// TIER HANDLERS
// =============================================================================

// ListTiers returns tiers ordered by level.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	tiers, err := h.Engine.GetRewardTiers(r.Context(), includeInactive)
	if err != nil {
		h.writeEngineError(w, "Failed to list tiers", err)
		return
	}

	dtos := make([]TierDTO, len(tiers))
	for i, t := range tiers {
		dtos[i] = toTierDTO(h.TierFactory, t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTier creates a tier from its JSON definition.
func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	var req factory.TierJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tier, err := h.TierFactory.FromJSON(req)
	if err != nil {
		h.writeEngineError(w, "Invalid tier", err)
		return
	}

	created, err := h.Engine.Registry.Create(r.Context(), tier)
	if err != nil {
		h.writeEngineError(w, "Failed to create tier", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTierDTO(h.TierFactory, created))
}

func (h *Handler) GetTier(w http.ResponseWriter, r *http.Request) {
	tier, err := h.Engine.Registry.Get(r.Context(), loyalty.TierID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to get tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTO(h.TierFactory, tier))
}

// UpdateTier applies a partial update.
func (h *Handler) UpdateTier(w http.ResponseWriter, r *http.Request) {
	var req UpdateTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tier, err := h.Engine.Registry.Update(r.Context(), loyalty.TierID(chi.URLParam(r, "id")), req.toPatch())
	if err != nil {
		h.writeEngineError(w, "Failed to update tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTO(h.TierFactory, tier))
}

func (h *Handler) DeleteTier(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Registry.Delete(r.Context(), loyalty.TierID(chi.URLParam(r, "id"))); err != nil {
		h.writeEngineError(w, "Failed to delete tier", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListTierUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Engine.GetUsersByTier(r.Context(), loyalty.TierID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to list tier users", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserRewardsDTOs(users))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// TopCustomers ranks users by lifetime spend.
func (h *Handler) TopCustomers(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	users, err := h.Engine.GetTopCustomers(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, "Failed to list top customers", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserRewardsDTOs(users))
}

func (h *Handler) VIPUsers(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	users, err := h.Engine.GetVIPUsers(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, "Failed to list VIP users", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserRewardsDTOs(users))
}

func (h *Handler) GetUserRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Engine.GetUserRewards(r.Context(), userParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get user rewards", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserRewardsDTO(rewards))
}

// GetBenefits returns the effective benefits; users without a tier get the
// zero benefit set.
func (h *Handler) GetBenefits(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.GetUserTierBenefits(r.Context(), userParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to resolve benefits", err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitsDTO(b))
}

func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userParam(r)

	balance, err := h.Engine.GetUserPointsBalance(ctx, userID)
	if err != nil {
		h.writeEngineError(w, "Failed to get points balance", err)
		return
	}
	multiplier, err := h.Engine.GetNextVisitMultiplier(ctx, userID)
	if err != nil {
		h.writeEngineError(w, "Failed to get multiplier", err)
		return
	}

	writeJSON(w, http.StatusOK, PointsBalanceDTO{
		UserID:              string(balance.UserID),
		AvailablePoints:     balance.AvailablePoints,
		TotalPoints:         balance.TotalPoints,
		RedeemedPoints:      balance.RedeemedPoints,
		NextVisitMultiplier: multiplier,
	})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	entries, err := h.Engine.GetPointsHistory(r.Context(), userParam(r), limit)
	if err != nil {
		h.writeEngineError(w, "Failed to get points history", err)
		return
	}

	dtos := make([]ActivityDTO, len(entries))
	for i, a := range entries {
		dtos[i] = toActivityDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDiscount quotes the tier discount for a checkout subtotal.
func (h *Handler) GetDiscount(w http.ResponseWriter, r *http.Request) {
	subtotal, err := strconv.ParseInt(r.URL.Query().Get("subtotal_cents"), 10, 64)
	if err != nil || subtotal < 0 {
		writeError(w, http.StatusBadRequest, "subtotal_cents must be a non-negative integer", err)
		return
	}

	ctx := r.Context()
	userID := userParam(r)
	b, err := h.Engine.GetUserTierBenefits(ctx, userID)
	if err != nil {
		h.writeEngineError(w, "Failed to resolve benefits", err)
		return
	}
	discount, err := h.Engine.CalculateDiscount(ctx, userID, subtotal)
	if err != nil {
		h.writeEngineError(w, "Failed to calculate discount", err)
		return
	}

	benefits := toBenefitsDTO(b)
	writeJSON(w, http.StatusOK, DiscountDTO{
		UserID:             string(userID),
		SubtotalCents:      subtotal,
		DiscountPercentage: benefits.DiscountPercentage,
		DiscountCents:      discount,
		FreeShipping:       benefits.FreeShipping,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// AddPoints credits points manually. Negative values are corrections and
// never take the balance below zero.
func (h *Handler) AddPoints(w http.ResponseWriter, r *http.Request) {
	var req AddPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Points == 0 {
		writeError(w, http.StatusBadRequest, "points must be non-zero", nil)
		return
	}

	rewards, err := h.Engine.Ledger.AddPoints(r.Context(), userParam(r), req.Points, req.Reason)
	if err != nil {
		h.writeEngineError(w, "Failed to add points", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserRewardsDTO(rewards))
}

func (h *Handler) AssignTier(w http.ResponseWriter, r *http.Request) {
	var req AssignTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TierID == "" {
		writeError(w, http.StatusBadRequest, "tier_id is required", nil)
		return
	}

	rewards, err := h.Engine.Ledger.AssignTierToUser(r.Context(), userParam(r), loyalty.TierID(req.TierID))
	if err != nil {
		h.writeEngineError(w, "Failed to assign tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserRewardsDTO(rewards))
}

func (h *Handler) SetVIP(w http.ResponseWriter, r *http.Request) {
	var req VIPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rewards, err := h.Engine.Ledger.SetVIPStatus(r.Context(), userParam(r), req.IsVIP, req.Notes)
	if err != nil {
		h.writeEngineError(w, "Failed to set VIP status", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserRewardsDTO(rewards))
}

func (h *Handler) SetFreeShipping(w http.ResponseWriter, r *http.Request) {
	var req FreeShippingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rewards, err := h.Engine.Ledger.SetFreeShippingOverride(r.Context(), userParam(r), req.Override)
	if err != nil {
		h.writeEngineError(w, "Failed to set free shipping override", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserRewardsDTO(rewards))
}

func (h *Handler) ReevaluateUser(w http.ResponseWriter, r *http.Request) {
	changed, err := h.Engine.Ledger.ReevaluateTier(r.Context(), userParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to re-evaluate tier", err)
		return
	}
	n := 0
	if changed {
		n = 1
	}
	writeJSON(w, http.StatusOK, ReevaluateDTO{Changed: n})
}

func (h *Handler) ReevaluateAll(w http.ResponseWriter, r *http.Request) {
	changed, err := h.Engine.Ledger.ReevaluateAll(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to re-evaluate tiers", err)
		return
	}
	writeJSON(w, http.StatusOK, ReevaluateDTO{Changed: changed})
}

// =============================================================================
// ORDER PIPELINE HANDLERS
// =============================================================================

// OrderPaid records the order snapshot and awards points for it. Replays of
// the same order return the original award.
func (h *Handler) OrderPaid(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrderEvent(w, r)
	if !ok {
		return
	}
	if req.PaymentStatus == "" {
		req.PaymentStatus = string(loyalty.PaymentCompleted)
	}
	if req.PaymentStatus != string(loyalty.PaymentCompleted) {
		writeError(w, http.StatusUnprocessableEntity, "payment_status must be completed", nil)
		return
	}

	ctx := r.Context()
	if err := h.Orders.SaveOrder(ctx, req.toOrder()); err != nil {
		h.writeEngineError(w, "Failed to record order", err)
		return
	}
	result, err := h.Engine.Ledger.AwardPointsFromOrder(ctx, loyalty.OrderID(req.OrderID))
	// The award committed; a redelivered event repairs the annotation.
	if err != nil && !errors.Is(err, loyalty.ErrOrderNotAnnotated) {
		h.writeEngineError(w, "Failed to award points", err)
		return
	}

	writeJSON(w, http.StatusOK, AwardDTO{
		OrderID:        req.OrderID,
		PointsEarned:   result.PointsEarned,
		Multiplier:     result.Multiplier,
		TierID:         tierIDPtr(result.TierID),
		TierChanged:    result.TierChanged,
		AlreadySettled: result.AlreadySettled,
	})
}

// OrderRefunded records the refund and deducts the corresponding points.
func (h *Handler) OrderRefunded(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrderEvent(w, r)
	if !ok {
		return
	}
	switch loyalty.PaymentStatus(req.PaymentStatus) {
	case loyalty.PaymentRefunded, loyalty.PaymentPartiallyRefunded:
	default:
		writeError(w, http.StatusUnprocessableEntity, "payment_status must be refunded or partially_refunded", nil)
		return
	}

	ctx := r.Context()
	if err := h.Orders.SaveOrder(ctx, req.toOrder()); err != nil {
		h.writeEngineError(w, "Failed to record order", err)
		return
	}
	result, err := h.Engine.Ledger.DeductPointsFromRefund(ctx, loyalty.OrderID(req.OrderID))
	if err != nil {
		h.writeEngineError(w, "Failed to deduct points", err)
		return
	}

	writeJSON(w, http.StatusOK, DeductDTO{
		OrderID:   req.OrderID,
		Requested: result.Requested,
		Deducted:  result.Deducted,
	})
}

func (h *Handler) SetProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := loyalty.ProductID(chi.URLParam(r, "id"))
	if err := h.Orders.SaveProduct(r.Context(), id, req.EligibleForRewards); err != nil {
		h.writeEngineError(w, "Failed to save product", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeOrderEvent(w http.ResponseWriter, r *http.Request) (OrderEventRequest, bool) {
	var req OrderEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return req, false
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required", nil)
		return req, false
	}
	return req, true
}

// =============================================================================
// HELPERS
// =============================================================================

func userParam(r *http.Request) loyalty.UserID {
	return loyalty.UserID(chi.URLParam(r, "id"))
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
		return 0, false
	}
	return limit, true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, loyalty.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, loyalty.ErrReferentialIntegrity),
		errors.Is(err, loyalty.ErrConcurrencyConflict),
		errors.Is(err, loyalty.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, loyalty.ErrInvalidState):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
