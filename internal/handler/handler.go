package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"loyalty-engine/internal/catalog"
	"loyalty-engine/internal/loyalty"
	"loyalty-engine/internal/middleware"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/service"
	"loyalty-engine/internal/square"
	"loyalty-engine/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service         *service.Service
	maxBodySize     int64
	catchupLookback time.Duration
	logger          *slog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize     int64
	CatchupLookback time.Duration
	Logger          *slog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize:     10 << 20, // 10MB default
		CatchupLookback: 24 * time.Hour,
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	defaults := DefaultHandlerOptions()
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaults.MaxBodySize
	}
	if opts.CatchupLookback <= 0 {
		opts.CatchupLookback = defaults.CatchupLookback
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:         svc,
		maxBodySize:     opts.MaxBodySize,
		catchupLookback: opts.CatchupLookback,
		logger:          opts.Logger,
	}
}

// Routes mounts the merchant-scoped API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.MerchantContext)

		r.Post("/orders/process", h.ProcessOrder)
		r.Post("/purchases", h.RecordPurchase)
		r.Post("/catchup", h.Catchup)

		r.Route("/customers/{customer_id}", func(r chi.Router) {
			r.Get("/rewards", h.GetCustomerRewards)
			r.Get("/rewards/stats", h.GetRewardStats)
			r.Get("/progress", h.GetCustomerProgress)
			r.Get("/offers/{offer_id}/redeemable", h.GetRedeemableReward)
		})

		r.Route("/rewards", func(r chi.Router) {
			r.Post("/expire", h.ExpireRewards)
			r.Get("/{reward_id}", h.GetReward)
			r.Post("/{reward_id}/redeem", h.RedeemReward)
		})

		r.Route("/offers", func(r chi.Router) {
			r.Get("/", h.ListOffers)
			r.Post("/", h.CreateOffer)
			r.Get("/{offer_id}", h.GetOffer)
			r.Post("/{offer_id}/deactivate", h.DeactivateOffer)
			r.Get("/{offer_id}/variations", h.ListVariations)
			r.Post("/{offer_id}/variations", h.AddVariation)
			r.Delete("/{offer_id}/variations/{variation_id}", h.RemoveVariation)
		})

		r.Get("/features", h.ListFeatures)
	})
}

// processOrderRequest carries either a full order payload or an order id to
// fetch from the POS.
type processOrderRequest struct {
	Order   *models.Order `json:"order"`
	OrderID string        `json:"order_id"`
	Source  string        `json:"source"`
}

// ProcessOrder handles POST /orders/process
func (h *Handler) ProcessOrder(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}

	var req processOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	opts := service.ProcessOptions{Source: validation.SanitizeString(req.Source)}
	var (
		res service.ProcessResult
		err error
	)
	switch {
	case req.Order != nil:
		if err := validation.ValidateID(req.Order.ID, "order.id"); err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		res, err = h.service.ProcessOrder(r.Context(), merchantID, req.Order, opts)
	case req.OrderID != "":
		orderID := validation.SanitizeString(req.OrderID)
		if err := validation.ValidateID(orderID, "order_id"); err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		res, err = h.service.ProcessOrderByID(r.Context(), merchantID, orderID, opts)
	default:
		h.respondError(w, http.StatusBadRequest, "order or order_id is required")
		return
	}
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, res)
}

// RecordPurchase handles POST /purchases
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}

	var req loyalty.PurchaseInput
	if !h.decode(w, r, &req) {
		return
	}
	req.SquareOrderID = validation.SanitizeString(req.SquareOrderID)
	req.SquareCustomerID = validation.SanitizeString(req.SquareCustomerID)
	req.VariationID = validation.SanitizeString(req.VariationID)
	req.Source = ""

	res, err := h.service.RecordManualPurchase(r.Context(), merchantID, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Recorded {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, res)
}

type catchupRequest struct {
	Since string `json:"since"`
	Until string `json:"until"`
}

// Catchup handles POST /catchup
func (h *Handler) Catchup(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}

	var req catchupRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	until := h.service.Now()
	if req.Until != "" {
		t, err := validation.ValidateTimeString("until", req.Until)
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		until = t
	}
	since := until.Add(-h.catchupLookback)
	if req.Since != "" {
		t, err := validation.ValidateTimeString("since", req.Since)
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		since = t
	}
	if !since.Before(until) {
		h.respondError(w, http.StatusBadRequest, "since must be before until")
		return
	}

	res, err := h.service.Catchup(r.Context(), merchantID, since, until)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// GetCustomerRewards handles GET /customers/{customer_id}/rewards
func (h *Handler) GetCustomerRewards(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	customerID, ok := h.pathID(w, r, "customer_id")
	if !ok {
		return
	}

	q := r.URL.Query()
	includeRedeemed, _ := strconv.ParseBool(q.Get("include_redeemed"))
	query := loyalty.RewardQuery{
		IncludeRedeemed: includeRedeemed,
		OfferID:         validation.SanitizeString(q.Get("offer_id")),
	}
	for _, s := range q["status"] {
		status := models.RewardStatus(validation.SanitizeString(s))
		switch status {
		case models.RewardInProgress, models.RewardEarned, models.RewardRedeemed, models.RewardExpired, models.RewardRevoked:
			query.Statuses = append(query.Statuses, status)
		default:
			h.respondError(w, http.StatusBadRequest, "invalid status filter: "+string(status))
			return
		}
	}

	rewards, err := h.service.Rewards.GetCustomerRewards(r.Context(), merchantID, customerID, query)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"customer_id": customerID,
		"rewards":     rewards,
	})
}

// GetRewardStats handles GET /customers/{customer_id}/rewards/stats
func (h *Handler) GetRewardStats(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	customerID, ok := h.pathID(w, r, "customer_id")
	if !ok {
		return
	}

	stats, err := h.service.Rewards.GetRewardStats(r.Context(), merchantID, customerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// GetCustomerProgress handles GET /customers/{customer_id}/progress
func (h *Handler) GetCustomerProgress(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	customerID, ok := h.pathID(w, r, "customer_id")
	if !ok {
		return
	}

	progress, err := h.service.Rewards.GetCustomerProgress(r.Context(), merchantID, customerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"customer_id": customerID,
		"offers":      progress,
	})
}

// GetRedeemableReward handles GET /customers/{customer_id}/offers/{offer_id}/redeemable
func (h *Handler) GetRedeemableReward(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	customerID, ok := h.pathID(w, r, "customer_id")
	if !ok {
		return
	}
	offerID, ok := h.pathID(w, r, "offer_id")
	if !ok {
		return
	}

	reward, err := h.service.Rewards.GetRedeemableReward(r.Context(), merchantID, customerID, offerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if reward == nil {
		h.respondError(w, http.StatusNotFound, "no redeemable reward")
		return
	}
	h.respondJSON(w, http.StatusOK, reward)
}

// GetReward handles GET /rewards/{reward_id}
func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	rewardID, ok := h.pathID(w, r, "reward_id")
	if !ok {
		return
	}

	reward, err := h.service.Rewards.GetRewardByID(r.Context(), merchantID, rewardID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if reward == nil {
		h.respondError(w, http.StatusNotFound, "reward not found")
		return
	}
	h.respondJSON(w, http.StatusOK, reward)
}

// RedeemReward handles POST /rewards/{reward_id}/redeem
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	rewardID, ok := h.pathID(w, r, "reward_id")
	if !ok {
		return
	}

	var req loyalty.RedeemInput
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	req.SquareOrderID = validation.SanitizeString(req.SquareOrderID)
	req.RedemptionType = validation.SanitizeString(req.RedemptionType)
	req.RedeemedVariationID = validation.SanitizeString(req.RedeemedVariationID)
	req.RedeemedByUserID = validation.SanitizeString(req.RedeemedByUserID)

	res, err := h.service.RedeemReward(r.Context(), merchantID, rewardID, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	switch res.Reason {
	case "":
		h.respondJSON(w, http.StatusOK, res)
	case loyalty.ReasonRewardNotFound:
		h.respondJSON(w, http.StatusNotFound, res)
	default:
		h.respondJSON(w, http.StatusConflict, res)
	}
}

// ExpireRewards handles POST /rewards/expire
func (h *Handler) ExpireRewards(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}

	res, err := h.service.ExpireRewards(r.Context(), merchantID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// ListOffers handles GET /offers
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))

	offers, err := h.service.Catalog.ListOffers(r.Context(), merchantID, includeInactive)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

// CreateOffer handles POST /offers
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}

	var req models.OfferInput
	if !h.decode(w, r, &req) {
		return
	}

	offer, err := h.service.Catalog.CreateOffer(r.Context(), merchantID, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, offer)
}

// GetOffer handles GET /offers/{offer_id}
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	offerID, ok := h.pathID(w, r, "offer_id")
	if !ok {
		return
	}

	offer, err := h.service.Catalog.GetOffer(r.Context(), merchantID, offerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, offer)
}

// DeactivateOffer handles POST /offers/{offer_id}/deactivate
func (h *Handler) DeactivateOffer(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	offerID, ok := h.pathID(w, r, "offer_id")
	if !ok {
		return
	}

	if err := h.service.Catalog.DeactivateOffer(r.Context(), merchantID, offerID); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	offer, err := h.service.Catalog.GetOffer(r.Context(), merchantID, offerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, offer)
}

// ListVariations handles GET /offers/{offer_id}/variations
func (h *Handler) ListVariations(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	offerID, ok := h.pathID(w, r, "offer_id")
	if !ok {
		return
	}

	vars, err := h.service.Catalog.ListQualifyingVariations(r.Context(), merchantID, offerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if vars == nil {
		vars = []models.QualifyingVariation{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"variations": vars})
}

// AddVariation handles POST /offers/{offer_id}/variations
func (h *Handler) AddVariation(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	offerID, ok := h.pathID(w, r, "offer_id")
	if !ok {
		return
	}

	var req models.VariationInput
	if !h.decode(w, r, &req) {
		return
	}
	req.VariationID = validation.SanitizeString(req.VariationID)
	req.ItemName = validation.SanitizeString(req.ItemName)
	req.VariationName = validation.SanitizeString(req.VariationName)

	v, err := h.service.Catalog.AddQualifyingVariation(r.Context(), merchantID, offerID, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, v)
}

// RemoveVariation handles DELETE /offers/{offer_id}/variations/{variation_id}
func (h *Handler) RemoveVariation(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	offerID, ok := h.pathID(w, r, "offer_id")
	if !ok {
		return
	}
	variationID, ok := h.pathID(w, r, "variation_id")
	if !ok {
		return
	}

	if err := h.service.Catalog.RemoveQualifyingVariation(r.Context(), merchantID, offerID, variationID); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFeatures handles GET /features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"features": h.service.Features.GetAll()})
}

func (h *Handler) merchant(w http.ResponseWriter, r *http.Request) (string, bool) {
	merchantID, err := middleware.MerchantFromContext(r.Context())
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return merchantID, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := validation.SanitizeString(chi.URLParam(r, name))
	if err := validation.ValidateID(id, name); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// decode reads a size-limited JSON body into dst, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, http.StatusBadRequest, "request body is required")
		case errors.As(err, &maxErr):
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		}
		return false
	}
	return true
}

// respondServiceError maps engine errors to status codes. Unknown errors are
// logged and reported without detail.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr):
		h.respondError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, middleware.ErrMissingMerchant):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, catalog.ErrOfferNotFound), errors.Is(err, square.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, catalog.ErrActiveOfferExists), errors.Is(err, catalog.ErrOfferInactive):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNoPlatform):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
