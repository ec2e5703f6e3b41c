package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Коды ошибок в поле code. Клиент по ним восстанавливает доменные ошибки.
const (
	CodeValidation         = "validation_error"
	CodeProductNotFound    = "product_not_found"
	CodeProductInactive    = "product_inactive"
	CodeInsufficientStock  = "insufficient_stock"
	CodeOrderNotFound      = "order_not_found"
	CodeStatusConflict     = "status_conflict"
	CodeUnauthenticated    = "unauthenticated"
	CodeForbidden          = "forbidden"
	CodeOriginRejected     = "origin_rejected"
	CodeRequestInProgress  = "request_in_progress"
	CodeIdempotencyReused  = "idempotency_key_reused"
	CodePersistence        = "persistence_error"
	CodeInternal           = "internal_error"
	genericFailureMessage  = "Order could not be processed. Please try again."
	maxRequestBodyBytes    = 1 << 20
	idempotencyKeyHeader   = "Idempotency-Key"
	idempotencyReplayedHdr = "Idempotent-Replayed"
)

// errorResponse выбирает HTTP-статус и тело по классу ошибки.
func errorResponse(err error) (int, ErrorResponse) {
	var shortfall *domain.StockShortfallError
	if errors.As(err, &shortfall) {
		return http.StatusBadRequest, ErrorResponse{
			Error:     shortfall.Error(),
			Code:      CodeInsufficientStock,
			ProductID: shortfall.ProductID,
			Requested: shortfall.Requested,
			Available: shortfall.Available,
			Atomic:    shortfall.Atomic,
		}
	}

	var productErr *domain.ProductError
	productID := ""
	if errors.As(err, &productErr) {
		productID = productErr.ProductID
	}

	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeProductNotFound, ProductID: productID}
	case errors.Is(err, domain.ErrProductInactive):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeProductInactive, ProductID: productID}
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInsufficientStock, ProductID: productID}
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeValidation}
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Order not found", Code: CodeOrderNotFound}
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeStatusConflict}
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Code: CodeUnauthenticated}
	case errors.Is(err, domain.ErrPermission):
		return http.StatusForbidden, ErrorResponse{Error: "Access denied", Code: CodeForbidden}
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusInternalServerError, ErrorResponse{Error: genericFailureMessage, Code: CodePersistence}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: genericFailureMessage, Code: CodeInternal}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	entry := s.logger.WithError(err).WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"code":   body.Code,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
