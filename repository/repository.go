package repository

import (
	"encoding/json"
	"errors"
	"strings"

	"meshledger/db"
	"meshledger/models"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned when a transaction or wallet entry is absent.
var ErrNotFound = errors.New("not found")

const (
	prefixTx     = "tx:"
	prefixChild  = "child:"
	prefixTip    = "tip:"
	prefixWallet = "wallet:"
	keyTotals    = "meta:totals"
)

// Commit is one all-or-nothing write: ledger transactions, the wallet entries
// they touch, and the updated running totals.
type Commit struct {
	Transactions []*models.Transaction
	Wallets      []*models.WalletEntry
	Totals       models.LedgerTotals
}

// It abstracts the storage layer from the business logic
type LedgerRepositoryInterface interface {
	GetTransaction(digest string) (*models.Transaction, error)
	HasTransaction(digest string) (bool, error)
	GetAllTransactions() ([]*models.Transaction, error)
	GetChildren(digest string) ([]string, error)
	GetTips() ([]string, error)
	CountTransactions() (int, error)
	GetWallet(identity string) (*models.WalletEntry, error)
	GetAllWallets() ([]*models.WalletEntry, error)
	GetTotals() (models.LedgerTotals, error)
	Commit(c *Commit) error
	Prune(digests []string) error
}

// LedgerRepository implements LedgerRepositoryInterface using LevelDB as the
// storage backend. Transactions and wallets share one database so a Commit
// is a single atomic batch.
type LedgerRepository struct {
	db *db.LevelDB
}

// NewLedgerRepository creates and returns a new LedgerRepository instance
func NewLedgerRepository(db *db.LevelDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func txKey(digest string) []byte           { return []byte(prefixTx + digest) }
func tipKey(digest string) []byte          { return []byte(prefixTip + digest) }
func walletKey(id string) []byte           { return []byte(prefixWallet + id) }
func childPrefix(parent string) []byte     { return []byte(prefixChild + parent + "/") }
func childKey(parent, child string) []byte { return []byte(prefixChild + parent + "/" + child) }

// GetTransaction retrieves a transaction by digest
func (r *LedgerRepository) GetTransaction(digest string) (*models.Transaction, error) {
	data, err := r.db.Get(txKey(digest))
	if db.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var tx models.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// HasTransaction reports whether digest is stored
func (r *LedgerRepository) HasTransaction(digest string) (bool, error) {
	return r.db.Has(txKey(digest))
}

// GetAllTransactions retrieves every stored transaction
func (r *LedgerRepository) GetAllTransactions() ([]*models.Transaction, error) {
	iter := r.db.NewPrefixIterator([]byte(prefixTx))
	defer iter.Release()

	var txs []*models.Transaction
	for iter.Next() {
		var tx models.Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			return nil, err
		}
		txs = append(txs, &tx)
	}
	return txs, iter.Error()
}

// CountTransactions returns the number of stored transactions
func (r *LedgerRepository) CountTransactions() (int, error) {
	iter := r.db.NewPrefixIterator([]byte(prefixTx))
	defer iter.Release()

	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

// GetChildren lists the digests that reference digest as a parent
func (r *LedgerRepository) GetChildren(digest string) ([]string, error) {
	prefix := childPrefix(digest)
	iter := r.db.NewPrefixIterator(prefix)
	defer iter.Release()

	var out []string
	for iter.Next() {
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	return out, iter.Error()
}

// GetTips lists the digests that have no children
func (r *LedgerRepository) GetTips() ([]string, error) {
	iter := r.db.NewPrefixIterator([]byte(prefixTip))
	defer iter.Release()

	var out []string
	for iter.Next() {
		out = append(out, strings.TrimPrefix(string(iter.Key()), prefixTip))
	}
	return out, iter.Error()
}

// GetWallet retrieves the wallet entry of an identity
func (r *LedgerRepository) GetWallet(identity string) (*models.WalletEntry, error) {
	data, err := r.db.Get(walletKey(identity))
	if db.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w models.WalletEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetAllWallets retrieves every wallet entry
func (r *LedgerRepository) GetAllWallets() ([]*models.WalletEntry, error) {
	iter := r.db.NewPrefixIterator([]byte(prefixWallet))
	defer iter.Release()

	var out []*models.WalletEntry
	for iter.Next() {
		var w models.WalletEntry
		if err := json.Unmarshal(iter.Value(), &w); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, iter.Error()
}

// GetTotals returns the running ledger totals
func (r *LedgerRepository) GetTotals() (models.LedgerTotals, error) {
	var t models.LedgerTotals
	data, err := r.db.Get([]byte(keyTotals))
	if db.IsNotFound(err) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	err = json.Unmarshal(data, &t)
	return t, err
}

// Commit writes transactions, their index entries, wallet entries and totals
// in one synced batch.
func (r *LedgerRepository) Commit(c *Commit) error {
	batch := new(leveldb.Batch)
	for _, tx := range c.Transactions {
		data, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		batch.Put(txKey(tx.Digest), data)
		for _, p := range tx.Parents {
			batch.Put(childKey(p, tx.Digest), nil)
			batch.Delete(tipKey(p))
		}
		batch.Put(tipKey(tx.Digest), nil)
	}
	for _, w := range c.Wallets {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		batch.Put(walletKey(w.Identity), data)
	}
	totals, err := json.Marshal(c.Totals)
	if err != nil {
		return err
	}
	batch.Put([]byte(keyTotals), totals)
	return r.db.Write(batch)
}

// Prune deletes the given transactions and their index entries. Callers must
// pass a descendant-closed set; retained parents left without children become
// tips again.
func (r *LedgerRepository) Prune(digests []string) error {
	if len(digests) == 0 {
		return nil
	}
	pruned := make(map[string]bool, len(digests))
	for _, d := range digests {
		pruned[d] = true
	}

	batch := new(leveldb.Batch)
	touched := make(map[string]bool)
	for _, d := range digests {
		tx, err := r.GetTransaction(d)
		if err != nil {
			return err
		}
		batch.Delete(txKey(d))
		batch.Delete(tipKey(d))
		children, err := r.GetChildren(d)
		if err != nil {
			return err
		}
		for _, c := range children {
			batch.Delete(childKey(d, c))
		}
		for _, p := range tx.Parents {
			if pruned[p] {
				continue
			}
			batch.Delete(childKey(p, d))
			touched[p] = true
		}
	}
	for p := range touched {
		children, err := r.GetChildren(p)
		if err != nil {
			return err
		}
		remaining := 0
		for _, c := range children {
			if !pruned[c] {
				remaining++
			}
		}
		if remaining == 0 {
			batch.Put(tipKey(p), nil)
		}
	}
	return r.db.Write(batch)
}
