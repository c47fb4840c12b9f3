package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/payment-forwarder/internal/logging"
	"github.com/payment-forwarder/internal/service"
)

// handleReceive issues a new receiving address.
// GET /payproc/api/receive?address=<destination>&amount=<btc>
// The body is the bare address so existing payment clients can use it as-is.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	input := service.IssueInput{
		Destination: query.Get("address"),
		Amount:      query.Get("amount"),
	}

	result, err := s.payments.Issue(r.Context(), input)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"destination":    result.Destination,
		"paymentAddress": result.PaymentAddress,
	}).Debug("Receive address returned")
	respondText(w, http.StatusOK, result.PaymentAddress)
}

// handleGetReceivedByAddress returns the amount received by a payment
// address, unconfirmed transactions included, in BTC with 8 decimals.
// GET /payproc/api/getreceivedbyaddress/{address}
func (s *Server) handleGetReceivedByAddress(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	amount, err := s.payments.CurrentUnconfirmed(r.Context(), address)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondText(w, http.StatusOK, amount.String())
}
