package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"meshledger/crypto"
	"meshledger/dag"
	"meshledger/frame"
	"meshledger/logger"
	"meshledger/models"
	"meshledger/node"
	"meshledger/pow"
	"meshledger/repository"
	"meshledger/router"
	"meshledger/wallet"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler contains the HTTP handlers for the node admin API
type Handler struct {
	Node *node.Node
	now  func() time.Time
}

// NewHandler creates and returns a new Handler instance
func NewHandler(n *node.Node) *Handler {
	return &Handler{Node: n, now: time.Now}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dag.ErrDuplicateDigest):
		return http.StatusConflict
	case errors.Is(err, dag.ErrUnknownParent),
		errors.Is(err, frame.ErrMalformedFrame),
		errors.Is(err, crypto.ErrUnknownChannel),
		errors.Is(err, router.ErrNoRecipient),
		errors.Is(err, router.ErrInvalidType),
		errors.Is(err, router.ErrPayloadTooBig):
		return http.StatusBadRequest
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, pow.ErrProofOfWorkTimeout),
		errors.Is(err, router.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, router.ErrOutboxFull):
		return http.StatusTooManyRequests
	case errors.Is(err, crypto.ErrNoSession):
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// GetStats handles GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Node.Stats()
	if err != nil {
		logger.Logger.Error("Failed to collect stats", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetTips handles GET /transactions/tips
func (h *Handler) GetTips(w http.ResponseWriter, r *http.Request) {
	tips, err := h.Node.Ledger.Frontier(0)
	if err != nil {
		logger.Logger.Error("Failed to read frontier", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tips)
}

// GetTipMCMC handles GET requests for a tip selected using a weighted random walk
func (h *Handler) GetTipMCMC(w http.ResponseWriter, r *http.Request) {
	tip, err := h.Node.Ledger.TipSelection()
	if err != nil {
		logger.Logger.Error("Failed to select tip with MCMC", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

// GetTransaction handles GET /transactions/{digest}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	digest := mux.Vars(r)["digest"]
	tx, err := h.Node.Ledger.Get(digest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetChildren handles GET /transactions/{digest}/children
func (h *Handler) GetChildren(w http.ResponseWriter, r *http.Request) {
	digest := mux.Vars(r)["digest"]
	children, err := h.Node.Ledger.Children(digest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"digest":   digest,
		"children": children,
	})
}

// GetWallets handles GET /wallets
func (h *Handler) GetWallets(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Node.Wallet.Balances()
	if err != nil {
		logger.Logger.Error("Failed to read wallets", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// GetWallet handles GET /wallets/{identity}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	balance, err := h.Node.Wallet.Balance(identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.WalletEntry{Identity: identity, Balance: balance})
}

type sendRequest struct {
	Type      string          `json:"type"`
	Recipient string          `json:"recipient,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Body      string          `json:"body"`
	Priority  models.Priority `json:"priority"`
}

func (req *sendRequest) message() (router.Message, error) {
	m := router.Message{Channel: req.Channel, Body: []byte(req.Body), Priority: req.Priority}
	switch req.Type {
	case "", "public":
		m.Type = frame.TypePublic
	case "private":
		m.Type = frame.TypePrivate
		id, err := frame.ParsePeerID(req.Recipient)
		if err != nil {
			return m, err
		}
		m.Recipient = &id
	case "channel":
		m.Type = frame.TypeChannel
	default:
		return m, router.ErrInvalidType
	}
	return m, nil
}

// SendMessage handles POST /messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode message", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request payload",
		})
		return
	}
	m, err := req.message()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sent, err := h.Node.Router.Send(r.Context(), m)
	if errors.Is(err, crypto.ErrNoSession) && !errors.Is(err, router.ErrOutboxFull) {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message": "Queued until the session with the recipient is established",
		})
		return
	}
	if err != nil {
		logger.Logger.Warn("Failed to send message", zap.String("type", req.Type), zap.Error(err))
		writeError(w, err)
		return
	}

	logger.Logger.Info("Message sent",
		zap.String("message_id", sent.MessageID.String()),
		zap.String("digest", sent.Transaction.Digest))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":     "Message sent successfully",
		"message_id":  sent.MessageID.String(),
		"transaction": sent.Transaction,
	})
}

type channelRequest struct {
	Tag      string `json:"tag"`
	Password string `json:"password"`
}

// JoinChannel handles POST /channels
func (h *Handler) JoinChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tag == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request payload",
		})
		return
	}
	if len(req.Tag) > frame.MaxChannelTag {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel tag too long"})
		return
	}
	h.Node.Router.JoinChannel(req.Tag, req.Password)
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "Joined channel",
		"channel": req.Tag,
	})
}

type pruneRequest struct {
	Horizon string `json:"horizon"`
}

// PruneLedger handles POST /ledger/prune. An empty horizon uses the
// configured retention.
func (h *Handler) PruneLedger(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "Invalid request payload",
			})
			return
		}
	}

	var removed int
	var err error
	if req.Horizon == "" {
		removed, err = h.Node.Prune(h.now())
	} else {
		horizon, perr := time.ParseDuration(req.Horizon)
		if perr != nil || horizon <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid horizon"})
			return
		}
		removed, err = h.Node.PruneBefore(h.now().Add(-horizon))
	}
	if err != nil {
		logger.Logger.Error("Ledger prune failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// ValidateLedger checks acyclicity, parent integrity and wallet conservation
func (h *Handler) ValidateLedger(w http.ResponseWriter, r *http.Request) {
	if err := h.Node.Ledger.Verify(); err != nil {
		logger.Logger.Error("Ledger verification failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	if err := h.Node.Processor.CheckConservation(); err != nil {
		logger.Logger.Error("Wallet conservation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}
