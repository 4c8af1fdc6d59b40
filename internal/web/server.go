// Package web exposes the database over a JSON API.
package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cisagov/cyhy-db/internal/db"
)

// Server wires the web handlers and dependencies.
type Server struct {
	DB     *db.DB
	Log    *logrus.Logger
	Router chi.Router
}

// NewServer constructs the router and registers routes.
func NewServer(database *db.DB, log *logrus.Logger) *Server {
	server := &Server{DB: database, Log: log}

	r := chi.NewRouter()
	r.Use(server.countRequests)
	r.Get("/health", server.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/owners/{owner}/hosts", server.handleOwnerHosts)
	r.Get("/owners/{owner}/tickets", server.handleOwnerTickets)
	r.Get("/owners/{owner}/snapshots", server.handleOwnerSnapshots)
	r.Get("/tickets/{id}", server.handleTicketDetail)
	r.Get("/scans/{kind}/{id}", server.handleScanDetail)
	r.Post("/control", server.handleControlCreate)
	r.Get("/control/{id}", server.handleControlStatus)
	r.Get("/control/{id}/wait", server.handleControlWait)
	r.Post("/control/{id}/complete", server.handleControlComplete)

	server.Router = r
	return server
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.Router
}
