package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	appres "github.com/minicart/storefront/internal/application/reservation"
	"github.com/minicart/storefront/internal/domain/catalog"
	domres "github.com/minicart/storefront/internal/domain/reservation"
	"github.com/minicart/storefront/internal/infrastructure/id"
	"github.com/minicart/storefront/internal/observability"
	"github.com/minicart/storefront/internal/pkg/guard"
)

const (
	componentHTTPHandler = "http_server"

	opReserve = "reserve"
	opRelease = "release"
	opConfirm = "confirm"

	// Backstop for a stuck handler; normal completion unlocks first.
	operationLockTimeout = 10 * time.Second
)

type Handler struct {
	manager *appres.Manager
	guard   *guard.Guard
	ids     id.Generator
	log     observability.Logger
}

func NewHandler(manager *appres.Manager, g *guard.Guard, ids id.Generator, logger observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if ids == nil {
		ids = id.NewUUIDGenerator()
	}
	return &Handler{
		manager: manager,
		guard:   g,
		ids:     ids,
		log:     logger.With(observability.F("component", componentHTTPHandler)),
	}
}

func (h *Handler) Router(tel observability.Observability) http.Handler {
	r := chi.NewRouter()
	r.Use(ObservabilityMiddleware(h.log, tel))

	r.Get("/availability", h.handleAvailability)
	r.Get("/stats", h.handleStats)
	r.Post("/reservations", h.handleReserve)
	r.Get("/reservations/{holderID}", h.handleGetReservation)
	r.Delete("/reservations/{holderID}", h.handleRelease)
	r.Post("/reservations/{holderID}/confirm", h.handleConfirm)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

type availabilityItem struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Available int    `json:"available"`
	UnitPrice int64  `json:"unit_price"`
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	view := h.manager.Availability(r.Context())
	out := make(map[string]availabilityItem, len(view))
	for itemID, a := range view {
		out[itemID] = availabilityItem{
			Name:      a.Name,
			Namespace: string(a.Namespace),
			Available: a.Available,
			UnitPrice: a.UnitPrice,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type reserveLine struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type reserveRequest struct {
	HolderID string        `json:"holder_id"`
	Items    []reserveLine `json:"items"`
}

type reserveResponse struct {
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	lines := make([]domres.Line, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, domres.Line{ItemID: it.ItemID, Quantity: it.Quantity})
	}

	var result *appres.ReserveResult
	var opErr error
	ran, err := h.guard.Immediate(req.HolderID+":"+opReserve, operationLockTimeout).Do(r.Context(), func(ctx context.Context) error {
		result, opErr = h.manager.Reserve(ctx, req.HolderID, lines)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ran {
		writeDuplicate(w)
		return
	}
	if opErr != nil {
		writeDomainError(w, opErr)
		return
	}

	writeJSON(w, http.StatusCreated, reserveResponse{
		HolderID:  req.HolderID,
		ExpiresAt: result.ExpiresAt,
	})
}

type reservationResponse struct {
	HolderID  string        `json:"holder_id"`
	Items     []reserveLine `json:"items"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (h *Handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	holderID := chi.URLParam(r, "holderID")
	res, ok := h.manager.Reservation(holderID)
	if !ok {
		writeError(w, http.StatusNotFound, domres.ErrNoReservation)
		return
	}

	items := make([]reserveLine, 0, len(res.Lines))
	for _, l := range res.Lines {
		items = append(items, reserveLine{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	writeJSON(w, http.StatusOK, reservationResponse{
		HolderID:  res.HolderID,
		Items:     items,
		CreatedAt: res.CreatedAt,
		ExpiresAt: res.ExpiresAt,
	})
}

type releaseResponse struct {
	Released bool `json:"released"`
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	holderID := chi.URLParam(r, "holderID")

	var released bool
	ran, err := h.guard.Immediate(holderID+":"+opRelease, operationLockTimeout).Do(r.Context(), func(ctx context.Context) error {
		released = h.manager.Release(ctx, holderID)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ran {
		writeDuplicate(w)
		return
	}

	writeJSON(w, http.StatusOK, releaseResponse{Released: released})
}

type confirmRequest struct {
	OrderID string `json:"order_id"`
}

type confirmResponse struct {
	HolderID string `json:"holder_id"`
	OrderID  string `json:"order_id"`
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	holderID := chi.URLParam(r, "holderID")

	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.OrderID == "" {
		req.OrderID = h.ids.NewID()
	}

	var opErr error
	ran, err := h.guard.Immediate(holderID+":"+opConfirm, operationLockTimeout).Do(r.Context(), func(ctx context.Context) error {
		opErr = h.manager.Confirm(ctx, holderID, req.OrderID)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ran {
		writeDuplicate(w)
		return
	}
	if opErr != nil {
		writeDomainError(w, opErr)
		return
	}

	writeJSON(w, http.StatusOK, confirmResponse{HolderID: holderID, OrderID: req.OrderID})
}

type statsResponse struct {
	Reservations  int            `json:"reservations"`
	ReservedUnits int            `json:"reserved_units"`
	Stock         map[string]int `json:"stock"`
	Available     map[string]int `json:"available"`
	Holders       []holderStat   `json:"holders"`
}

type holderStat struct {
	HolderID  string    `json:"holder_id"`
	Units     int       `json:"units"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	s := h.manager.Stats()
	out := statsResponse{
		Reservations:  s.Reservations,
		ReservedUnits: s.ReservedUnits,
		Stock:         s.Stock,
		Available:     s.Available,
		Holders:       make([]holderStat, 0, len(s.Holders)),
	}
	for _, hs := range s.Holders {
		out.Holders = append(out.Holders, holderStat{
			HolderID:  hs.HolderID,
			Units:     hs.Units,
			ExpiresAt: hs.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type shortfallDTO struct {
	ItemID    string `json:"item_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *domres.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		unavailable := make([]shortfallDTO, 0, len(insufficient.Shortfalls))
		for _, s := range insufficient.Shortfalls {
			unavailable = append(unavailable, shortfallDTO{
				ItemID:    s.ItemID,
				Requested: s.Requested,
				Available: s.Available,
			})
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       "insufficient stock",
			"unavailable": unavailable,
		})
	case errors.Is(err, domres.ErrNoReservation):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domres.ErrHolderRequired),
		errors.Is(err, domres.ErrEmptyItems),
		errors.Is(err, catalog.ErrInvalidQuantity),
		errors.Is(err, catalog.ErrUnknownItem):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeDuplicate(w http.ResponseWriter) {
	writeJSON(w, http.StatusConflict, map[string]string{
		"status": "duplicate_in_flight",
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
