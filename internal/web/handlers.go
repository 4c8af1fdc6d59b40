package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cisagov/cyhy-db/internal/db"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "healthy"}, http.StatusOK)
}

func (s *Server) handleOwnerHosts(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	hosts, err := s.DB.ListHostsByOwner(owner)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.jsonResponse(w, hosts, http.StatusOK)
}

func (s *Server) handleOwnerTickets(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	ids, err := s.DB.ListOpenTickets(owner)
	if err != nil {
		s.serverError(w, err)
		return
	}

	tickets := make([]*db.Ticket, 0, len(ids))
	for _, id := range ids {
		ticket, found, err := s.DB.GetTicket(id)
		if err != nil {
			s.serverError(w, err)
			return
		}
		if found {
			tickets = append(tickets, ticket)
		}
	}
	s.jsonResponse(w, tickets, http.StatusOK)
}

func (s *Server) handleOwnerSnapshots(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	snapshots, err := s.DB.ListSnapshots(owner)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.jsonResponse(w, snapshots, http.StatusOK)
}

func (s *Server) handleTicketDetail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid ticket id: %w", err))
		return
	}
	ticket, found, err := s.DB.GetTicket(id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if !found {
		s.notFound(w)
		return
	}
	s.jsonResponse(w, ticket, http.StatusOK)
}

func (s *Server) handleScanDetail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid scan id: %w", err))
		return
	}

	var scan any
	var found bool
	switch db.ScanKind(chi.URLParam(r, "kind")) {
	case db.KindHostScan:
		scan, found, err = s.DB.GetHostScan(id)
	case db.KindPortScan:
		scan, found, err = s.DB.GetPortScan(id)
	case db.KindVulnScan:
		scan, found, err = s.DB.GetVulnScan(id)
	default:
		s.badRequest(w, fmt.Errorf("unknown scan kind %q", chi.URLParam(r, "kind")))
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}
	if !found {
		s.notFound(w)
		return
	}
	s.jsonResponse(w, scan, http.StatusOK)
}

type controlRequest struct {
	Action string `json:"action"`
	Sender string `json:"sender"`
	Reason string `json:"reason"`
}

func (s *Server) handleControlCreate(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, fmt.Errorf("invalid body: %w", err))
		return
	}

	var action db.ControlAction
	switch db.ControlAction(req.Action) {
	case db.ControlPause, db.ControlStop:
		action = db.ControlAction(req.Action)
	default:
		s.badRequest(w, fmt.Errorf("unknown control action %q", req.Action))
		return
	}

	control, err := s.DB.CreateControl(action, db.TargetCommander, req.Sender, req.Reason)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.Log.WithField("action", string(action)).Info("control action requested")
	s.jsonResponse(w, control, http.StatusCreated)
}

func (s *Server) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid control id: %w", err))
		return
	}
	control, found, err := s.DB.GetControl(id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if !found {
		s.notFound(w)
		return
	}
	s.jsonResponse(w, control, http.StatusOK)
}

func (s *Server) handleControlWait(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid control id: %w", err))
		return
	}

	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			s.badRequest(w, fmt.Errorf("invalid timeout %q", raw))
			return
		}
		timeout = time.Duration(seconds) * time.Second
	}

	completed, err := s.DB.WaitForControlCompletion(r.Context(), id, timeout)
	if err != nil && r.Context().Err() == nil {
		s.serverError(w, err)
		return
	}
	if completed {
		controlWaitsTotal.WithLabelValues("completed").Inc()
	} else {
		controlWaitsTotal.WithLabelValues("timeout").Inc()
	}
	s.jsonResponse(w, map[string]bool{"completed": completed}, http.StatusOK)
}

func (s *Server) handleControlComplete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid control id: %w", err))
		return
	}
	if err := s.DB.CompleteControl(id); err != nil {
		s.serverError(w, err)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "completed"}, http.StatusOK)
}
