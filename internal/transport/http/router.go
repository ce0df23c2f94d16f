package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"keygate/internal/docstore"
	"keygate/internal/domain"
	"keygate/internal/dto"
	"keygate/internal/jwtsigner"
	"keygate/internal/observability/metrics"
	obsmw "keygate/internal/observability/middleware"
	"keygate/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	AdminToken  string
	CORSOrigins []string
}

func NewRouter(svc *service.Service, signer *jwtsigner.Signer, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(httprate.LimitByIP(120, 1*time.Minute))

	c := cors.Options{
		AllowedOrigins:   originsIfSet(opts.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Admin-Token", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(c))
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(countRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/v1/auth/anonymous", func(w http.ResponseWriter, r *http.Request) {
		reqID := obsmw.RequestIDFromContext(r.Context())
		res, err := svc.AnonymousAuth(r.Context())
		if err != nil {
			http.Error(w, "authentication failed", http.StatusInternalServerError)
			slog.Warn("anonymous auth failed", "error", err, "request_id", reqID)
			return
		}
		slog.Info("anonymous device authenticated", "uid", res.UID, "request_id", reqID)
		writeJSON(w, http.StatusCreated, res)
	})

	r.Get("/v1/jwks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, signer.JWKSDocument())
	})

	r.Route("/v1/keys/{keyID}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			keyID, ok := keyIDParam(w, r)
			if !ok {
				return
			}
			doc, err := svc.GetKey(r.Context(), keyID)
			if err != nil {
				writeServiceError(w, r, "key fetch failed", err)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		})

		r.Patch("/", func(w http.ResponseWriter, r *http.Request) {
			keyID, ok := keyIDParam(w, r)
			if !ok {
				return
			}
			reqID := obsmw.RequestIDFromContext(r.Context())
			var req docstore.AccessRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				slog.Warn("access record decode failed", "error", err, "request_id", reqID)
				return
			}
			doc, err := svc.RecordAccess(r.Context(), keyID, req)
			if err != nil {
				writeServiceError(w, r, "access record failed", err)
				return
			}
			slog.Info("key access recorded", "key_id", keyID, "uid", req.UID, "access_count", doc.AccessCount, "request_id", reqID)
			writeJSON(w, http.StatusOK, doc)
		})

		r.Get("/watch", watchHandler(svc))
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(requireAdmin(opts.AdminToken))

		r.Post("/keys", func(w http.ResponseWriter, r *http.Request) {
			reqID := obsmw.RequestIDFromContext(r.Context())
			var req dto.CreateKeyRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			res, err := svc.CreateKey(r.Context(), req)
			if err != nil {
				writeServiceError(w, r, "key create failed", err)
				return
			}
			slog.Info("key created", "key_id", res.KeyID, "one_time", res.IsOneTime, "request_id", reqID)
			writeJSON(w, http.StatusCreated, res)
		})

		r.Get("/keys", func(w http.ResponseWriter, r *http.Request) {
			res, err := svc.ListKeys(r.Context())
			if err != nil {
				writeServiceError(w, r, "key list failed", err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})

		r.Patch("/keys/{keyID}", func(w http.ResponseWriter, r *http.Request) {
			keyID, ok := keyIDParam(w, r)
			if !ok {
				return
			}
			reqID := obsmw.RequestIDFromContext(r.Context())
			var req dto.ExtendKeyRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			doc, err := svc.ExtendKey(r.Context(), keyID, req)
			if err != nil {
				writeServiceError(w, r, "key extend failed", err)
				return
			}
			slog.Info("key extended", "key_id", keyID, "expires_at", doc.Expiry(), "request_id", reqID)
			writeJSON(w, http.StatusOK, doc)
		})

		r.Delete("/keys/{keyID}", func(w http.ResponseWriter, r *http.Request) {
			keyID, ok := keyIDParam(w, r)
			if !ok {
				return
			}
			reqID := obsmw.RequestIDFromContext(r.Context())
			if err := svc.DeleteKey(r.Context(), keyID); err != nil {
				writeServiceError(w, r, "key delete failed", err)
				return
			}
			slog.Info("key deleted", "key_id", keyID, "request_id", reqID)
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}

func keyIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	keyID := domain.NormalizeKeyID(chi.URLParam(r, "keyID"))
	if !domain.ValidKeyID(keyID) {
		http.Error(w, "invalid key id", http.StatusBadRequest)
		return "", false
	}
	return keyID, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrKeyExists):
		status = http.StatusConflict
	case errors.Is(err, service.ErrKeyBound):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
	slog.Warn(msg, "error", err, "status", status,
		"request_id", obsmw.RequestIDFromContext(r.Context()),
		"trace_id", obsmw.TraceIDFromContext(r.Context()))
}

func requireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "admin api disabled", http.StatusServiceUnavailable)
				return
			}
			got := r.Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
	})
}

func originsIfSet(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
