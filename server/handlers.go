package server

import (
	"net/http"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/DomeLiquid/escrowmarket/settlement"
	"github.com/go-chi/chi/v5"
)

func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListingId    string `json:"listingId"`
		BuyerAddress string `json:"buyerAddress"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.orch.CreateOrder(r.Context(), req.ListingId, req.BuyerAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req settlement.VerifyRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.orch.VerifyPayment(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	listings, err := s.orch.ListListings(r.Context(), q.Get("status"), q.Get("seller"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Server) CreateListing(w http.ResponseWriter, r *http.Request) {
	var in settlement.ListingInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	listing, err := s.orch.CreateListing(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

func (s *Server) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := s.orch.GetListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// UpdateListing only supports seller cancellation; SOLD is reached through payment verification.
func (s *Server) UpdateListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status        core.ListingStatus `json:"status"`
		SellerAddress string             `json:"sellerAddress"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status != core.ListingStatusCancelled {
		s.writeError(w, r, core.InvalidRequest("only status CANCELLED can be set"))
		return
	}
	listing, err := s.orch.CancelListing(r.Context(), chi.URLParam(r, "id"), req.SellerAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		s.writeError(w, r, core.InvalidRequest("Address required"))
		return
	}
	txs, err := s.orch.ListTransactions(r.Context(), address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) ListPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := s.orch.ListPayouts(r.Context(), r.URL.Query().Get("seller"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

func (s *Server) RetryRelease(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.RetryRelease(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GatewayHealth reports whether the gateway accepts our credentials, never the credentials.
func (s *Server) GatewayHealth(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "gateway not configured", Code: core.CodeInternal})
		return
	}
	code, err := s.gateway.Ping(r.Context())
	body := struct {
		StatusCode int  `json:"statusCode"`
		StatusOk   bool `json:"statusOk"`
	}{StatusCode: code, StatusOk: err == nil}
	if err != nil {
		s.log.Warn().Err(err).Int("statusCode", code).Msg("gateway probe failed")
		writeJSON(w, http.StatusBadGateway, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}
