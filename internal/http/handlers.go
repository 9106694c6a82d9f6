package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/gateway"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/payments"
	"github.com/example/rideshare/internal/ride"
	"github.com/example/rideshare/internal/storage"
)

// Options wires the HTTP surface. Realtime may be nil when the websocket
// gateway is served elsewhere.
type Options struct {
	Auth     gateway.Authenticator
	Rides    *ride.Service
	Profiles storage.ProfileStore
	Ledger   *payments.Ledger
	Bus      events.Bus
	Realtime http.Handler
	Ready    func(ctx context.Context) error
	Logger   *slog.Logger
}

type Server struct {
	auth     gateway.Authenticator
	rides    *ride.Service
	profiles storage.ProfileStore
	ledger   *payments.Ledger
	bus      events.Bus
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		auth:     opts.Auth,
		rides:    opts.Rides,
		profiles: opts.Profiles,
		ledger:   opts.Ledger,
		bus:      opts.Bus,
		ready:    opts.Ready,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes(opts.Realtime)
	return s
}

func (s *Server) routes(realtime http.Handler) {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if realtime != nil {
		s.mux.Handle("/ws", realtime)
	}

	api := s.mux.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/profile", s.handleGetProfile).Methods("GET")
	api.HandleFunc("/profile", s.handleSaveProfile).Methods("PUT", "PATCH")
	api.HandleFunc("/account", s.handleAccount).Methods("GET")
	api.HandleFunc("/account/transactions", s.handleTransactions).Methods("GET")
	api.HandleFunc("/account/transactions/{id}", s.handleTransaction).Methods("GET")
	api.HandleFunc("/account/pay", s.handlePay).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeMessage(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ok"))
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req ride.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	rd, err := s.rides.Create(r.Context(), id.UID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.rides.Summary(r.Context(), rd))
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	rides, err := s.rides.List(r.Context(), id.UID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]models.RideSummary, 0, len(rides))
	for _, rd := range rides {
		out = append(out, s.rides.Summary(r.Context(), rd))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rd, err := s.ownRide(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rides.Summary(r.Context(), rd))
}

// handleCancelRide cancels on behalf of the rider and fans the cancellation
// out so a paired driver session is released.
func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	rd, err := s.ownRide(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rd.CreatedBy != identity(r).UID {
		s.writeError(w, r, ride.ErrInvalidState)
		return
	}
	cancelled, err := s.rides.Cancel(r.Context(), rd.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.bus != nil {
		if err := s.bus.Publish(r.Context(), events.CancelRide(rd.ID), events.CancelByRider); err != nil {
			s.logger.Warn("cancel publish failed", "ride_id", rd.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, s.rides.Summary(r.Context(), cancelled))
}

// ownRide loads the ride named in the path if the caller is its rider or
// driver. Anyone else gets not found.
func (s *Server) ownRide(r *http.Request) (*models.Ride, error) {
	rideID := mux.Vars(r)["id"]
	rd, err := s.rides.Get(r.Context(), rideID)
	if err != nil {
		return nil, err
	}
	uid := identity(r).UID
	if rd.CreatedBy != uid && rd.DriverID != uid {
		return nil, storage.ErrNotFound
	}
	return rd, nil
}

type profileRequest struct {
	Name             *string              `json:"name"`
	PreferredVehicle []models.VehicleType `json:"preferredVehicle"`
	Vehicle          *models.Vehicle      `json:"vehicle"`
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.GetProfile(r.Context(), identity(r).UID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleSaveProfile merges the provided fields into the caller's profile,
// creating it on first save.
func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	uid := identity(r).UID
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	p, err := s.profiles.GetProfile(r.Context(), uid)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p = &models.Profile{UID: uid}
	case err != nil:
		s.writeError(w, r, err)
		return
	}
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.PreferredVehicle != nil {
		for _, t := range req.PreferredVehicle {
			if !validVehicleType(t) {
				writeMessage(w, http.StatusBadRequest, "unknown vehicle type "+string(t))
				return
			}
		}
		p.PreferredVehicle = req.PreferredVehicle
	}
	if req.Vehicle != nil {
		if !validVehicleType(req.Vehicle.Type) || req.Vehicle.Capacity <= 0 {
			writeMessage(w, http.StatusBadRequest, "vehicle needs a known type and positive capacity")
			return
		}
		p.Vehicle = req.Vehicle
	}
	if p.Name == "" {
		writeMessage(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.profiles.SaveProfile(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func validVehicleType(t models.VehicleType) bool {
	switch t {
	case models.VehicleCompact, models.VehicleSedan, models.VehicleSUV, models.VehicleVan:
		return true
	}
	return false
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.Account(r.Context(), identity(r).UID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.List(r.Context(), identity(r).UID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// handleTransaction returns one transaction, reconciling a pending card
// payment with the processor first.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["id"]
	if _, err := uuid.Parse(txID); err != nil {
		s.writeError(w, r, storage.ErrNotFound)
		return
	}
	t, err := s.ledger.Refresh(r.Context(), identity(r).UID, txID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type payResponse struct {
	Transaction  *models.Transaction `json:"transaction"`
	PaymentID    string              `json:"paymentId"`
	ClientSecret string              `json:"clientSecret"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	t, intent, err := s.ledger.ClearBalance(r.Context(), identity(r).UID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payResponse{Transaction: t, PaymentID: intent.ID, ClientSecret: intent.ClientSecret})
}

// writeError maps domain errors onto status codes. Unknown errors are
// logged and hidden behind a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var addrErr *ride.AddressError
	switch {
	case errors.As(err, &addrErr):
		writeMessage(w, http.StatusBadRequest, "Invalid "+addrErr.Field+" address")
	case errors.Is(err, storage.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, ride.ErrInvalidRequest):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrActiveRide), errors.Is(err, ride.ErrInvalidState):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, ride.ErrNegativeBalance):
		writeMessage(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, payments.ErrNoOutstandingBalance), errors.Is(err, payments.ErrNotPayment):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, payments.ErrDisabled):
		writeMessage(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

type message struct {
	Message string `json:"message"`
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, message{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
