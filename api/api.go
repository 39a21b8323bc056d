// Package api exposes an ObjectQL runtime over HTTP: a REST surface, a
// JSON-RPC 2.0 endpoint with batch support, the metadata listings, and
// the operation endpoint the federation driver talks to. Identity
// arrives in the X-User-Id, X-User-Name, X-User-Roles and X-Space-Id
// headers; upstream gateways own authentication.
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/syssam/objectql"
)

// Server serves one runtime.
type Server struct {
	rt  *objectql.Runtime
	log *zap.Logger
}

// New returns a server over rt.
func New(rt *objectql.Runtime, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{rt: rt, log: log}
}

// Handler builds the HTTP routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/metadata/objects", s.handleListObjects)
		r.Get("/metadata/objects/{name}", s.handleGetObject)
		r.Get("/metadata/objects/{name}/fields/{field}", s.handleGetField)
		r.Get("/metadata/objects/{name}/actions", s.handleListActions)
		r.Get("/metadata/views", s.handleListViews)
		r.Get("/metadata/datasources", s.handleListDatasources)

		r.Post("/objectql", s.handleOperation)
		r.Post("/jsonrpc", s.handleRPC)

		r.Route("/data/{object}", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Post("/bulk-update", s.handleBulkUpdate)
			r.Post("/bulk-delete", s.handleBulkDelete)
			r.Post("/actions/{action}", s.handleAction)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Put("/", s.handleUpdate)
				r.Patch("/", s.handleUpdate)
				r.Delete("/", s.handleDelete)
				r.Post("/actions/{action}", s.handleAction)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// context builds the request context from the identity headers. An
// absent user id yields UNAUTHORIZED.
func (s *Server) context(r *http.Request) (*objectql.Context, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return nil, objectql.NewError(objectql.CodeUnauthorized, "missing X-User-Id header")
	}
	var roles []string
	if raw := r.Header.Get("X-User-Roles"); raw != "" {
		for _, role := range strings.Split(raw, ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
	}
	return s.rt.Context(objectql.UserInfo{
		UserID:   userID,
		UserName: r.Header.Get("X-User-Name"),
		Roles:    roles,
		SpaceID:  r.Header.Get("X-Space-Id"),
	}), nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
