package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Server: capa HTTP delgada sobre el servicio. La identidad del comprador
// llega en la cabecera X-Member-Email (la resuelve un gateway rio arriba;
// aqui es un dato de entrada explicito, no estado ambiente).
type Server struct {
	svc  *OrderService
	http *http.Server
}

func NewServer(svc *OrderService, addr string) *Server {
	s := &Server{svc: svc}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /members", s.handleRegisterMember)
	mux.HandleFunc("POST /products", s.handleCreateProduct)
	mux.HandleFunc("GET /products", s.handleListProducts)
	mux.HandleFunc("PUT /products/{id}/stock", s.handleReplenish)
	mux.HandleFunc("POST /orders", s.handleCreateOrder)
	mux.HandleFunc("POST /orders/{id}/cancel", s.handleCancelOrder)
	mux.HandleFunc("GET /orders", s.handleListOrders)
	mux.HandleFunc("GET /orders/my", s.handleMyOrders)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           cors.AllowAll().Handler(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error { return s.http.ListenAndServe() }

func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

// ---- vistas ----

type orderView struct {
	ID          int64      `json:"id"`
	MemberID    int64      `json:"member_id"`
	Status      string     `json:"status"`
	CreatedUnix int64      `json:"created_unix"`
	Lines       []lineView `json:"lines"`
}

type lineView struct {
	ProductID int64 `json:"product_id"`
	Quantity  int32 `json:"quantity"`
}

func toOrderView(o *Order) orderView {
	v := orderView{
		ID:          o.ID,
		MemberID:    o.MemberID,
		Status:      orderStatusName(o.Status),
		CreatedUnix: o.CreatedUnix,
		Lines:       make([]lineView, 0, len(o.Lines)),
	}
	for _, ln := range o.Lines {
		v.Lines = append(v.Lines, lineView{ProductID: ln.ProductID, Quantity: ln.Quantity})
	}
	return v
}

// ---- handlers ----

func (s *Server) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "json invalido", http.StatusBadRequest)
		return
	}
	id, err := s.svc.RegisterMember(r.Context(), req.Email, req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		Category      string `json:"category"`
		StockQuantity int32  `json:"stock_quantity"`
		Hot           bool   `json:"hot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "json invalido", http.StatusBadRequest)
		return
	}
	p := &Product{Name: req.Name, Category: req.Category, StockQuantity: req.StockQuantity, Hot: req.Hot}
	id, err := s.svc.CreateProduct(r.Context(), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.svc.repo.ListProducts(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleReplenish(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "id invalido", http.StatusBadRequest)
		return
	}
	var req struct {
		Quantity int32 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "json invalido", http.StatusBadRequest)
		return
	}
	p, err := s.svc.Replenish(r.Context(), id, req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	buyer := r.Header.Get("X-Member-Email")
	if buyer == "" {
		http.Error(w, "X-Member-Email requerido", http.StatusUnauthorized)
		return
	}
	var req struct {
		Lines []OrderLineReq `json:"lines"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "json invalido", http.StatusBadRequest)
		return
	}
	o, err := s.svc.CreateOrder(r.Context(), buyer, req.Lines)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderView(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "id invalido", http.StatusBadRequest)
		return
	}
	o, err := s.svc.CancelOrder(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.svc.ListOrders(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOrderList(w, orders)
}

func (s *Server) handleMyOrders(w http.ResponseWriter, r *http.Request) {
	buyer := r.Header.Get("X-Member-Email")
	if buyer == "" {
		http.Error(w, "X-Member-Email requerido", http.StatusUnauthorized)
		return
	}
	orders, err := s.svc.OrdersForBuyer(r.Context(), buyer)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOrderList(w, orders)
}

// ---- helpers ----

func writeOrderList(w http.ResponseWriter, orders []Order) {
	views := make([]orderView, 0, len(orders))
	for i := range orders {
		views = append(views, toOrderView(&orders[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}

// writeErr mapea la taxonomia de errores del nucleo a codigos HTTP.
func writeErr(w http.ResponseWriter, err error) {
	var comp ErrCompensationFailed
	switch {
	case errors.Is(err, ErrMemberNotFound),
		errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrOrderNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case isInsufficient(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &comp):
		// sobreventa sin compensar: esto es un incidente, no un 4xx
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}
