package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/auth"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// observe пишет метрики и строку лога на каждый запрос.
// В метки попадает шаблон маршрута chi, а не сырой путь с идентификаторами.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.Observe(r.Method, path, status, elapsed)
		}
		s.logger.WithFields(log.Fields{
			"method":      r.Method,
			"path":        path,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// authenticate проверяет bearer-токен и кладёт Principal в контекст.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.writeError(w, r, domain.ErrUnauthenticated)
			return
		}
		principal, err := s.verifier.Verify(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireRole пропускает только пользователей с указанной ролью.
func (s *Server) requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.FromContext(r.Context())
			if !ok {
				s.writeError(w, r, domain.ErrUnauthenticated)
				return
			}
			if principal.Role != role {
				s.writeError(w, r, domain.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkOrigin отклоняет изменяющие запросы, у которых ни Origin, ни origin из Referer
// не входит в список разрешённых. Пустой список запрещает все изменяющие запросы.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if !s.originAllowed(r.Header.Get("Origin"), r.Header.Get("Referer")) {
			s.logger.WithFields(log.Fields{
				"origin":  r.Header.Get("Origin"),
				"referer": r.Header.Get("Referer"),
				"path":    r.URL.Path,
			}).Warn("origin check failed")
			writeErrorBody(w, http.StatusForbidden, CodeOriginRejected, "Request origin is not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin, referer string) bool {
	if len(s.allowedOrigins) == 0 {
		return false
	}
	if origin != "" {
		if _, ok := s.allowedOrigins[strings.TrimRight(origin, "/")]; ok {
			return true
		}
	}
	if referer != "" {
		u, err := url.Parse(referer)
		if err == nil && u.Scheme != "" && u.Host != "" {
			if _, ok := s.allowedOrigins[u.Scheme+"://"+u.Host]; ok {
				return true
			}
		}
	}
	return false
}
