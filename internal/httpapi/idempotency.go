package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// capturedResponse буферизует ответ обработчика, чтобы сохранить его под ключом.
type capturedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCapturedResponse() *capturedResponse {
	return &capturedResponse{header: make(http.Header)}
}

func (c *capturedResponse) Header() http.Header { return c.header }

func (c *capturedResponse) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *capturedResponse) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *capturedResponse) flush(w http.ResponseWriter) {
	for k, values := range c.header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(c.body.Bytes())
}

// withIdempotency выполняет handler не больше одного раза на ключ Idempotency-Key.
// Ключ ограничен владельцем, тело запроса хэшируется вместе с методом и путём.
// Ответ 2xx/4xx сохраняется и повторяется; 5xx освобождает ключ, чтобы то же
// намерение можно было повторить.
func (s *Server) withIdempotency(w http.ResponseWriter, r *http.Request, ownerID string, body []byte, handler http.HandlerFunc) {
	rawKey := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if s.idempotency == nil || rawKey == "" {
		handler(w, r)
		return
	}

	key := domain.ScopeIdempotencyKey(ownerID, rawKey)
	hash := requestHash(r.Method, r.URL.Path, body)
	logger := s.logger.WithField("idempotency_key", key)

	record, err := s.idempotency.CreateProcessing(key, hash, s.now().Add(s.idempotencyTTL))
	if err != nil {
		s.replayIdempotency(w, r, logger, err, record)
		return
	}

	captured := newCapturedResponse()
	handler(captured, r)

	status := captured.status
	switch {
	case status >= http.StatusInternalServerError || status == 0:
		if err := s.idempotency.Delete(key); err != nil {
			logger.WithError(err).Warn("failed to release idempotency key")
		}
	case status >= http.StatusBadRequest:
		if err := s.idempotency.MarkFailed(key, captured.body.Bytes(), status); err != nil {
			logger.WithError(err).Warn("failed to store idempotency failure response")
		}
	default:
		if err := s.idempotency.MarkDone(key, captured.body.Bytes(), status); err != nil {
			logger.WithError(err).Warn("failed to store idempotent success response")
		}
	}

	captured.flush(w)
}

func (s *Server) replayIdempotency(w http.ResponseWriter, r *http.Request, logger *log.Entry, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		writeErrorBody(w, http.StatusUnprocessableEntity, CodeIdempotencyReused,
			"Idempotency key is already used with a different request payload")
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		if status, body, ok := record.Replay(); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(idempotencyReplayedHdr, "true")
			w.WriteHeader(status)
			_, _ = w.Write(body)
			return
		}
		switch {
		case record.Status == domain.IdempotencyStatusProcessing:
			writeErrorBody(w, http.StatusConflict, CodeRequestInProgress,
				"Request with the same idempotency key is already processing")
		case record.Status.Terminal():
			writeErrorBody(w, http.StatusInternalServerError, CodeInternal, "Idempotency cache is empty")
		default:
			writeErrorBody(w, http.StatusInternalServerError, CodeInternal, "Unknown idempotency record status")
		}
	default:
		logger.WithError(createErr).WithField("path", r.URL.Path).Warn("failed to create idempotency record")
		writeErrorBody(w, http.StatusInternalServerError, CodeInternal, genericFailureMessage)
	}
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write([]byte(path))
	h.Write([]byte{':'})
	h.Write(bytes.TrimSpace(body))
	return hex.EncodeToString(h.Sum(nil))
}
