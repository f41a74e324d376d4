package wallet

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"meshledger/models"
	"meshledger/repository"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Policy controls balance rules.
type Policy struct {
	// AllowNegative permits credit-before-settlement.
	AllowNegative bool
	// InitialGrant is credited, through a grant transaction, to an identity
	// the ledger has never seen before its first debit. Zero disables it.
	InitialGrant int64
}

// Manager derives balances from applied transaction effects. Mutations only
// happen through a Pending stage committed together with a ledger append.
type Manager struct {
	repo   repository.LedgerRepositoryInterface
	policy Policy
	now    func() time.Time
}

func NewManager(repo repository.LedgerRepositoryInterface, policy Policy) *Manager {
	return &Manager{repo: repo, policy: policy, now: time.Now}
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// Balance returns the committed balance of identity, zero if unknown.
func (m *Manager) Balance(identity string) (int64, error) {
	w, err := m.repo.GetWallet(identity)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// Balances returns every committed balance.
func (m *Manager) Balances() (map[string]int64, error) {
	entries, err := m.repo.GetAllWallets()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(entries))
	for _, e := range entries {
		out[e.Identity] = e.Balance
	}
	return out, nil
}

// Begin opens a stage over the committed balances.
func (m *Manager) Begin() *Pending {
	return &Pending{
		m:       m,
		entries: make(map[string]*models.WalletEntry),
		known:   make(map[string]bool),
		dirty:   make(map[string]bool),
	}
}

// Pending accumulates wallet effects for one ledger commit. Nothing is
// written until the caller commits Entries with the transaction.
type Pending struct {
	m       *Manager
	entries map[string]*models.WalletEntry
	known   map[string]bool
	dirty   map[string]bool
}

func (p *Pending) load(identity string) (*models.WalletEntry, error) {
	if e, ok := p.entries[identity]; ok {
		return e, nil
	}
	w, err := p.m.repo.GetWallet(identity)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		w = &models.WalletEntry{Identity: identity}
		p.known[identity] = false
	case err != nil:
		return nil, err
	default:
		p.known[identity] = true
	}
	p.entries[identity] = w
	return w, nil
}

// NeedsGrant reports whether identity has no wallet yet and the policy
// grants an initial allowance.
func (p *Pending) NeedsGrant(identity string) (bool, error) {
	if p.m.policy.InitialGrant <= 0 {
		return false, nil
	}
	if _, err := p.load(identity); err != nil {
		return false, err
	}
	return !p.known[identity], nil
}

// ApplyDebit removes amount from identity, rejecting underflow unless the
// policy allows negative balances.
func (p *Pending) ApplyDebit(identity string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	w, err := p.load(identity)
	if err != nil {
		return err
	}
	if !p.m.policy.AllowNegative && w.Balance-amount < 0 {
		return fmt.Errorf("%s has %d, needs %d: %w", identity, w.Balance, amount, ErrInsufficientBalance)
	}
	w.Balance -= amount
	w.UpdatedAt = p.m.now().UnixMilli()
	p.dirty[identity] = true
	p.known[identity] = true
	return nil
}

// ApplyCredit adds amount to identity.
func (p *Pending) ApplyCredit(identity string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	w, err := p.load(identity)
	if err != nil {
		return err
	}
	w.Balance += amount
	w.UpdatedAt = p.m.now().UnixMilli()
	p.dirty[identity] = true
	// a granted identity counts as known for the rest of the stage
	p.known[identity] = true
	return nil
}

// Entries returns the mutated wallet entries, sorted by identity.
func (p *Pending) Entries() []*models.WalletEntry {
	out := make([]*models.WalletEntry, 0, len(p.dirty))
	for id := range p.dirty {
		cp := *p.entries[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
