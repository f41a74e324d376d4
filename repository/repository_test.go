package repository_test

import (
	"errors"
	"testing"

	"meshledger/db"
	"meshledger/models"
	"meshledger/repository"
)

func newRepo(t *testing.T) *repository.LedgerRepository {
	t.Helper()
	store, err := db.NewMemLevelDB()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return repository.NewLedgerRepository(store)
}

func tx(digest string, parents ...string) *models.Transaction {
	return &models.Transaction{Digest: digest, Parents: parents, Kind: models.KindSend, Sender: "s"}
}

func TestCommit_IndexesChildrenAndTips(t *testing.T) {
	repo := newRepo(t)

	err := repo.Commit(&repository.Commit{
		Transactions: []*models.Transaction{tx("a"), tx("b", "a"), tx("c", "a")},
		Wallets:      []*models.WalletEntry{{Identity: "s", Balance: 42}},
		Totals:       models.LedgerTotals{Transactions: 3, FeesCollected: 7},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	n, err := repo.CountTransactions()
	if err != nil || n != 3 {
		t.Fatalf("expected 3 transactions, got %d (%v)", n, err)
	}
	children, err := repo.GetChildren("a")
	if err != nil || len(children) != 2 {
		t.Fatalf("expected 2 children of a, got %v (%v)", children, err)
	}
	tips, err := repo.GetTips()
	if err != nil || len(tips) != 2 {
		t.Fatalf("expected tips b and c, got %v (%v)", tips, err)
	}
	for _, tip := range tips {
		if tip == "a" {
			t.Fatalf("a has children and must not be a tip")
		}
	}

	w, err := repo.GetWallet("s")
	if err != nil || w.Balance != 42 {
		t.Fatalf("expected wallet balance 42, got %+v (%v)", w, err)
	}
	totals, err := repo.GetTotals()
	if err != nil || totals.FeesCollected != 7 {
		t.Fatalf("expected totals to be stored, got %+v (%v)", totals, err)
	}
}

func TestGet_NotFound(t *testing.T) {
	repo := newRepo(t)
	if _, err := repo.GetTransaction("missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetWallet("missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	totals, err := repo.GetTotals()
	if err != nil || totals != (models.LedgerTotals{}) {
		t.Fatalf("expected zero totals on an empty store, got %+v (%v)", totals, err)
	}
}

func TestPrune_RestoresTips(t *testing.T) {
	repo := newRepo(t)
	if err := repo.Commit(&repository.Commit{
		Transactions: []*models.Transaction{tx("a"), tx("b", "a"), tx("c", "b")},
	}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if err := repo.Prune([]string{"b", "c"}); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if ok, _ := repo.HasTransaction("b"); ok {
		t.Fatalf("b should be pruned")
	}
	tips, err := repo.GetTips()
	if err != nil || len(tips) != 1 || tips[0] != "a" {
		t.Fatalf("expected a to become the only tip, got %v (%v)", tips, err)
	}
	children, _ := repo.GetChildren("a")
	if len(children) != 0 {
		t.Fatalf("expected no children left, got %v", children)
	}
}
