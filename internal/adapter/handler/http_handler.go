package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zonekit/zonecore/internal/core/domain"
	"github.com/zonekit/zonecore/internal/core/service"
)

type HTTPHandler struct {
	coordinator *service.Coordinator
	logger      *zap.Logger
	tracer      trace.Tracer
}

type ReadHTTPRequest struct {
	ClientID string `json:"client_id"`
	ZoneID   string `json:"zone_id"`
	ItemID   string `json:"item_id"`
}

type UpdateHTTPRequest struct {
	ClientID string `json:"client_id"`
	ZoneID   string `json:"zone_id"`
	ItemID   string `json:"item_id"`
	Delta    int64  `json:"delta"`
}

type InventoryHTTPResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    *InventoryData `json:"data,omitempty"`
}

type InventoryData struct {
	ZoneID    string `json:"zone_id"`
	ItemID    string `json:"item_id"`
	Quantity  int64  `json:"quantity"`
	Version   int64  `json:"version"`
	FromCache bool   `json:"from_cache"`
	Stale     bool   `json:"stale,omitempty"`
}

func NewHTTPHandler(coordinator *service.Coordinator, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		coordinator: coordinator,
		logger:      logger,
		tracer:      otel.Tracer("zonecore/handler"),
	}
}

func (h *HTTPHandler) Read(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "inventory_read")
	defer span.End()

	var req ReadHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		writeJSON(w, http.StatusBadRequest, InventoryHTTPResponse{
			Success: false,
			Message: "invalid request body",
		})
		return
	}

	if req.ClientID == "" || req.ZoneID == "" || req.ItemID == "" {
		span.SetStatus(codes.Error, "missing required fields")
		writeJSON(w, http.StatusBadRequest, InventoryHTTPResponse{
			Success: false,
			Message: "missing required fields",
		})
		return
	}

	span.SetAttributes(
		attribute.String("client.id", req.ClientID),
		attribute.String("zone.id", req.ZoneID),
		attribute.String("item.id", req.ItemID),
	)

	res, err := h.coordinator.Read(ctx, service.ReadRequest{
		ClientID: req.ClientID,
		ZoneID:   req.ZoneID,
		ItemID:   req.ItemID,
	})
	if err != nil {
		h.writeError(w, span, err)
		return
	}

	span.SetAttributes(
		attribute.Int64("inventory.version", res.Version),
		attribute.Bool("cache.hit", res.FromCache),
		attribute.Bool("cache.stale", res.Stale),
	)
	span.SetStatus(codes.Ok, "read served")

	writeJSON(w, http.StatusOK, InventoryHTTPResponse{
		Success: true,
		Data: &InventoryData{
			ZoneID:    req.ZoneID,
			ItemID:    req.ItemID,
			Quantity:  res.Quantity,
			Version:   res.Version,
			FromCache: res.FromCache,
			Stale:     res.Stale,
		},
	})
}

func (h *HTTPHandler) Update(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "inventory_update")
	defer span.End()

	var req UpdateHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		writeJSON(w, http.StatusBadRequest, InventoryHTTPResponse{
			Success: false,
			Message: "invalid request body",
		})
		return
	}

	// A zero delta is indistinguishable from a missing field.
	if req.ClientID == "" || req.ZoneID == "" || req.ItemID == "" || req.Delta == 0 {
		span.SetStatus(codes.Error, "missing required fields")
		writeJSON(w, http.StatusBadRequest, InventoryHTTPResponse{
			Success: false,
			Message: "missing required fields",
		})
		return
	}

	span.SetAttributes(
		attribute.String("client.id", req.ClientID),
		attribute.String("zone.id", req.ZoneID),
		attribute.String("item.id", req.ItemID),
		attribute.Int64("inventory.delta", req.Delta),
	)

	res, err := h.coordinator.Update(ctx, service.UpdateRequest{
		ClientID: req.ClientID,
		ZoneID:   req.ZoneID,
		ItemID:   req.ItemID,
		Delta:    req.Delta,
	})
	if err != nil {
		h.writeError(w, span, err)
		return
	}

	span.SetAttributes(attribute.Int64("inventory.version", res.Version))
	span.SetStatus(codes.Ok, "update committed")

	writeJSON(w, http.StatusOK, InventoryHTTPResponse{
		Success: true,
		Data: &InventoryData{
			ZoneID:   req.ZoneID,
			ItemID:   req.ItemID,
			Quantity: res.Quantity,
			Version:  res.Version,
		},
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps the coordinator's error taxonomy onto HTTP statuses. Every
// caller-visible outcome keeps its own status so clients can react to each
// distinctly.
func (h *HTTPHandler) writeError(w http.ResponseWriter, span trace.Span, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, domain.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
		message = "rate limit exceeded"
		var rle *domain.RateLimitError
		if errors.As(err, &rle) && rle.RetryAfter > 0 {
			seconds := int(math.Ceil(rle.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	case errors.Is(err, domain.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
		message = "dependency temporarily isolated"
	case errors.Is(err, domain.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
		message = "storage unavailable"
	case errors.Is(err, domain.ErrConcurrencyExhausted):
		status = http.StatusConflict
		message = "write contention, retry later"
	case errors.Is(err, domain.ErrInvalidDelta):
		status = http.StatusUnprocessableEntity
		message = "delta would drive quantity negative"
	case errors.Is(err, domain.ErrDeadlineExceeded):
		status = http.StatusGatewayTimeout
		message = "operation timed out"
	default:
		h.logger.Error("request failed", zap.Error(err))
	}

	span.SetStatus(codes.Error, message)
	writeJSON(w, status, InventoryHTTPResponse{
		Success: false,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
