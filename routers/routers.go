package routers

import (
	"net/http"

	"meshledger/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes of the node API. link serves
// the WebSocket mesh link and may be nil.
func RegisterRoutes(r *mux.Router, h *handlers.Handler, link http.HandlerFunc) {

	// Ledger size, pending work, balances, congestion and average fee
	r.HandleFunc("/stats", h.GetStats).Methods("GET")

	// Transactions without children, newest first
	r.HandleFunc("/transactions/tips", h.GetTips).Methods("GET")

	// Retrieves a tip using the weighted random walk
	r.HandleFunc("/transactions/tip-selection", h.GetTipMCMC).Methods("GET")

	r.HandleFunc("/transactions/{digest}", h.GetTransaction).Methods("GET")
	r.HandleFunc("/transactions/{digest}/children", h.GetChildren).Methods("GET")

	r.HandleFunc("/wallets", h.GetWallets).Methods("GET")
	r.HandleFunc("/wallets/{identity}", h.GetWallet).Methods("GET")

	// Frames, records and transmits an application message
	r.HandleFunc("/messages", h.SendMessage).Methods("POST")

	r.HandleFunc("/channels", h.JoinChannel).Methods("POST")

	r.HandleFunc("/ledger/prune", h.PruneLedger).Methods("POST")

	// Used for checking ledger integrity and wallet conservation
	r.HandleFunc("/ledger/validate", h.ValidateLedger).Methods("GET")

	if link != nil {
		r.HandleFunc("/link", link).Methods("GET")
	}
}
