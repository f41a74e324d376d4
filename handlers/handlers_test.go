package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"meshledger/config"
	"meshledger/events"
	"meshledger/handlers"
	"meshledger/logger"
	"meshledger/models"
	"meshledger/node"
	"meshledger/routers"
)

var past = time.Unix(1_700_000_000, 0)

func testServer(t *testing.T) (*mux.Router, *node.Node) {
	t.Helper()
	logger.Logger = zap.NewNop()

	cfg := config.Default()
	cfg.LevelDB.Path = ""
	cfg.PoW.Difficulty = 4
	cfg.PoW.MinDifficulty = 0
	cfg.Router.CoverProbability = 0

	n, err := node.New(cfg, node.Options{Events: events.Nop{}, Now: func() time.Time { return past }})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	handler := handlers.NewHandler(n)
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler, nil)
	return router, n
}

func sendMessage(t *testing.T, router *mux.Router, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	bodyJSON, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader(bodyJSON))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}

func getStats(t *testing.T, router *mux.Router) models.Stats {
	t.Helper()
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var stats models.Stats
	if err := json.Unmarshal(res.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	return stats
}

func TestGetStats_Genesis(t *testing.T) {
	router, _ := testServer(t)
	stats := getStats(t, router)
	if stats.DAGSize != 1 {
		t.Fatalf("expected only genesis, got dag_size %d", stats.DAGSize)
	}
	if stats.CongestionSignal != 1000 {
		t.Fatalf("expected neutral congestion, got %d", stats.CongestionSignal)
	}
}

func TestSendMessage_Public(t *testing.T) {
	router, n := testServer(t)

	res := sendMessage(t, router, map[string]interface{}{"type": "public", "body": "hello mesh"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
	}
	var resp struct {
		MessageID   string             `json:"message_id"`
		Transaction models.Transaction `json:"transaction"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if resp.MessageID == "" || resp.Transaction.Kind != models.KindSend {
		t.Fatalf("unexpected response %+v", resp)
	}

	stats := getStats(t, router)
	if stats.DAGSize != 3 {
		t.Fatalf("expected genesis, grant and send, got %d", stats.DAGSize)
	}
	// no neighbors: the frame waits in the hold queue
	if stats.PendingCount != 1 {
		t.Fatalf("expected one held frame, got %d", stats.PendingCount)
	}
	if stats.AvgFee != resp.Transaction.Fee.Total {
		t.Fatalf("expected average fee %d, got %d", resp.Transaction.Fee.Total, stats.AvgFee)
	}

	// the transaction and its wallet are readable
	txRes := httptest.NewRecorder()
	router.ServeHTTP(txRes, httptest.NewRequest(http.MethodGet, "/transactions/"+resp.Transaction.Digest, nil))
	if txRes.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", txRes.Code)
	}

	walletRes := httptest.NewRecorder()
	router.ServeHTTP(walletRes, httptest.NewRequest(http.MethodGet, "/wallets/"+n.ID().String(), nil))
	var entry models.WalletEntry
	if err := json.Unmarshal(walletRes.Body.Bytes(), &entry); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	want := n.Config().Wallet.InitialGrant - resp.Transaction.Fee.Total
	if entry.Balance != want {
		t.Fatalf("expected balance %d, got %d", want, entry.Balance)
	}
}

func TestSendMessage_BadRequests(t *testing.T) {
	router, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader([]byte("{not json")))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", res.Code)
	}

	cases := []map[string]interface{}{
		{"type": "bogus", "body": "x"},
		{"type": "private", "recipient": "zz", "body": "x"},
		{"type": "channel", "channel": "#nobody", "body": "x"},
	}
	for _, c := range cases {
		if res := sendMessage(t, router, c); res.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d, body: %s", c, res.Code, res.Body.String())
		}
	}
}

func TestSendMessage_PrivateWithoutSession(t *testing.T) {
	router, n := testServer(t)
	res := sendMessage(t, router, map[string]interface{}{"type": "private", "recipient": "0102030405060708", "body": "psst"})
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body: %s", res.Code, res.Body.String())
	}
	if size, _ := n.Ledger.Size(); size != 1 {
		t.Fatalf("a queued message must not be recorded yet, dag size %d", size)
	}
}

func TestJoinChannel_ThenSend(t *testing.T) {
	router, _ := testServer(t)

	bodyJSON, _ := json.Marshal(map[string]string{"tag": "#ops", "password": "hunter2"})
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/channels", bytes.NewReader(bodyJSON)))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}

	if res := sendMessage(t, router, map[string]interface{}{"type": "channel", "channel": "#ops", "body": "status"}); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}

	empty := httptest.NewRecorder()
	router.ServeHTTP(empty, httptest.NewRequest(http.MethodPost, "/channels", bytes.NewReader([]byte(`{"tag":""}`))))
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty tag, got %d", empty.Code)
	}
}

func TestGetTransaction_NotFound(t *testing.T) {
	router, _ := testServer(t)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/transactions/nope", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/transactions/nope/children", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestTipsAndChildren(t *testing.T) {
	router, _ := testServer(t)
	res := sendMessage(t, router, map[string]interface{}{"body": "tip"})
	if res.Code != http.StatusCreated {
		t.Fatalf("send failed: %d %s", res.Code, res.Body.String())
	}
	var sent struct {
		Transaction models.Transaction `json:"transaction"`
	}
	json.Unmarshal(res.Body.Bytes(), &sent)

	tipsRes := httptest.NewRecorder()
	router.ServeHTTP(tipsRes, httptest.NewRequest(http.MethodGet, "/transactions/tips", nil))
	var tips []models.Transaction
	if err := json.Unmarshal(tipsRes.Body.Bytes(), &tips); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if len(tips) != 1 || tips[0].Digest != sent.Transaction.Digest {
		t.Fatalf("expected the send to be the only tip, got %+v", tips)
	}

	// Tip selection should return the send as well
	mcmcRes := httptest.NewRecorder()
	router.ServeHTTP(mcmcRes, httptest.NewRequest(http.MethodGet, "/transactions/tip-selection", nil))
	var selectedTip models.Transaction
	if err := json.Unmarshal(mcmcRes.Body.Bytes(), &selectedTip); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if selectedTip.Digest != sent.Transaction.Digest {
		t.Fatalf("expected tip %s, got %s", sent.Transaction.Digest, selectedTip.Digest)
	}

	childRes := httptest.NewRecorder()
	router.ServeHTTP(childRes, httptest.NewRequest(http.MethodGet, "/transactions/"+models.ZeroDigest+"/children", nil))
	var children struct {
		Children []string `json:"children"`
	}
	if err := json.Unmarshal(childRes.Body.Bytes(), &children); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if len(children.Children) != 1 {
		t.Fatalf("expected the grant under genesis, got %v", children.Children)
	}
}

func TestValidateAndPruneLedger(t *testing.T) {
	router, _ := testServer(t)
	if res := sendMessage(t, router, map[string]interface{}{"body": "old"}); res.Code != http.StatusCreated {
		t.Fatalf("send failed: %d", res.Code)
	}

	validRes := httptest.NewRecorder()
	router.ServeHTTP(validRes, httptest.NewRequest(http.MethodGet, "/ledger/validate", nil))
	if validRes.Code != http.StatusOK {
		t.Fatalf("expected a valid ledger, got %d, body: %s", validRes.Code, validRes.Body.String())
	}

	// retention defaults to zero: nothing to do
	keep := httptest.NewRecorder()
	router.ServeHTTP(keep, httptest.NewRequest(http.MethodPost, "/ledger/prune", nil))
	var kept map[string]int
	json.Unmarshal(keep.Body.Bytes(), &kept)
	if keep.Code != http.StatusOK || kept["removed"] != 0 {
		t.Fatalf("expected nothing pruned, got %d %v", keep.Code, kept)
	}

	pruneRes := httptest.NewRecorder()
	router.ServeHTTP(pruneRes, httptest.NewRequest(http.MethodPost, "/ledger/prune", bytes.NewReader([]byte(`{"horizon":"1h"}`))))
	var pruned map[string]int
	json.Unmarshal(pruneRes.Body.Bytes(), &pruned)
	if pruneRes.Code != http.StatusOK || pruned["removed"] != 2 {
		t.Fatalf("expected grant and send pruned, got %d %v", pruneRes.Code, pruned)
	}
	if stats := getStats(t, router); stats.DAGSize != 1 {
		t.Fatalf("expected only genesis left, got %d", stats.DAGSize)
	}

	// balances survive pruning
	again := httptest.NewRecorder()
	router.ServeHTTP(again, httptest.NewRequest(http.MethodGet, "/ledger/validate", nil))
	if again.Code != http.StatusOK {
		t.Fatalf("expected conservation to hold after pruning, got %d, body: %s", again.Code, again.Body.String())
	}

	bad := httptest.NewRecorder()
	router.ServeHTTP(bad, httptest.NewRequest(http.MethodPost, "/ledger/prune", bytes.NewReader([]byte(`{"horizon":"soon"}`))))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad horizon, got %d", bad.Code)
	}
}
