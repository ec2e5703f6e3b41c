package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/auth"
	"github.com/vladislavdragonenkov/marketplace/internal/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/placement"
)

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.withIdempotency(w, r, principal.UserID, body, func(w http.ResponseWriter, r *http.Request) {
		var req placement.Request
		if err := decodeJSON(body, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		order, err := s.placer.Place(r.Context(), principal.UserID, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, PlaceOrderResponse{
			Order:   NewOrderJSON(order),
			OrderID: order.ID,
			Total:   order.Total,
			Message: PlacedMessage,
		})
	})
}

func (s *Server) quoteOrder(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req QuoteRequest
	if err := decodeJSON(body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	quote, err := s.placer.Quote(r.Context(), req.Items, req.City, req.Pincode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	page, err := parsePage(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.orders.ListByCustomer(r.Context(), principal.UserID, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := OrderListResponse{Orders: make([]OrderJSON, 0, len(list)), Total: len(list)}
	for _, order := range list {
		resp.Orders = append(resp.Orders, NewOrderJSON(order))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	order, err := s.orders.Get(r.Context(), principal.UserID, chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewOrderJSON(order))
}

func (s *Server) orderTimeline(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	orderID := chi.URLParam(r, "orderID")
	events, err := s.orders.Timeline(r.Context(), principal.UserID, orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TimelineResponse{OrderID: orderID, Events: events})
}

func (s *Server) listProducerOrders(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	page, err := parsePage(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := domain.OrderStatus(strings.TrimSpace(r.URL.Query().Get("status")))

	result, err := s.orders.ListByProducer(r.Context(), principal.UserID, status, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := ProducerOrdersResponse{
		Orders:     make([]ProducerOrderJSON, 0, len(result.Orders)),
		Total:      len(result.Orders),
		Pagination: result.Pagination,
	}
	for _, order := range result.Orders {
		resp.Orders = append(resp.Orders, newProducerOrderJSON(order))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req UpdateStatusRequest
	if err := decodeJSON(body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.Status) == "" {
		s.writeError(w, r, fmt.Errorf("%w: orderId and status are required", domain.ErrValidation))
		return
	}
	to, err := domain.ParseOrderStatus(strings.TrimSpace(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	order, err := s.orders.UpdateStatus(r.Context(), principal.UserID, req.OrderID, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UpdateStatusResponse{
		Order:   NewOrderJSON(order),
		Message: fmt.Sprintf("Order status updated to %s", order.Status),
	})
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	lines, err := s.carts.Get(r.Context(), principal.UserID)
	if err != nil && !errors.Is(err, cart.ErrNoSnapshot) {
		// Повреждённый или недоступный снимок не ошибка для клиента: корзина пуста.
		s.logger.WithError(err).WithField("owner_id", principal.UserID).Warn("failed to load cart snapshot")
		lines = nil
	}
	writeJSON(w, http.StatusOK, cart.Reduce(cart.State{}, cart.Load{Lines: lines}))
}

func (s *Server) putCart(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req PutCartRequest
	if err := decodeJSON(body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	state := cart.Reduce(cart.State{}, cart.Load{Lines: req.Items})
	if err := s.carts.Put(r.Context(), principal.UserID, state.Lines); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"owner_id": principal.UserID,
			"lines":    len(state.Lines),
		}).Warn("failed to persist cart snapshot")
	}
	writeJSON(w, http.StatusOK, state)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read request body: %v", domain.ErrValidation, err)
	}
	return body, nil
}

func decodeJSON(body []byte, dst any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return fmt.Errorf("%w: request body is empty", domain.ErrValidation)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", domain.ErrValidation, err)
	}
	return nil
}

func parsePage(r *http.Request) (domain.Page, error) {
	q := r.URL.Query()
	page := domain.Page{}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return domain.Page{}, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrValidation)
		}
		page.Limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return domain.Page{}, fmt.Errorf("%w: offset must be a non-negative integer", domain.ErrValidation)
		}
		page.Offset = v
	}
	return page, nil
}
