package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshledger/dag"
	"meshledger/fee"
	"meshledger/logger"
	"meshledger/models"
	"meshledger/pow"
	"meshledger/repository"
	"meshledger/wallet"

	"go.uber.org/zap"
)

// ErrConservation reports that balances and totals disagree.
var ErrConservation = errors.New("wallet conservation violated")

// Request describes one send or relay event to record.
type Request struct {
	Kind        models.Kind // KindSend or KindRelay
	Sender      string
	// Relayer is set when the local node accepts the frame for relay. The
	// reward is booked with the fee in the same commit, so a relay later
	// cancelled by a duplicate or parked in the hold queue keeps it.
	Relayer     string
	MessageID   string
	PayloadSize int
	Hops        int
	Priority    models.Priority
}

// Config holds processor policy.
type Config struct {
	MaxParents     int
	ParentStrategy string
	RewardRatio    int64 // share of the fee paid to the relayer, permille
	// RetryLowerDifficulty retries a timed-out puzzle once at the gate's
	// minimum difficulty.
	RetryLowerDifficulty bool
}

func DefaultConfig() Config {
	return Config{
		MaxParents:     2,
		ParentStrategy: dag.StrategyRecent,
		RewardRatio:    500,
	}
}

// Processor prices, gates and records transactions. The frontier read,
// wallet staging and ledger append run under one mutex so concurrent
// callers can neither share a stale frontier nor race a balance check.
type Processor struct {
	dag    *dag.DAG
	wallet *wallet.Manager
	fees   *fee.Calculator
	gate   *pow.Gate
	cfg    Config
	now    func() time.Time

	mu sync.Mutex
}

func New(d *dag.DAG, w *wallet.Manager, f *fee.Calculator, g *pow.Gate, cfg Config) *Processor {
	return &Processor{dag: d, wallet: w, fees: f, gate: g, cfg: cfg, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Fees exposes the calculator so callers can feed it congestion samples.
func (p *Processor) Fees() *fee.Calculator {
	return p.fees
}

// Quote prices a message without recording anything.
func (p *Processor) Quote(size, hops int, priority models.Priority) models.FeeBreakdown {
	breakdown, _ := p.fees.Fee(size, hops, priority)
	return breakdown
}

// Record builds, gates and commits the transaction for req. On any error
// neither the ledger nor any wallet has changed.
func (p *Processor) Record(ctx context.Context, req Request) (*models.Transaction, error) {
	if req.Kind != models.KindSend && req.Kind != models.KindRelay {
		return nil, fmt.Errorf("cannot record %s transaction", req.Kind)
	}
	if req.Sender == "" {
		return nil, errors.New("transaction without sender")
	}

	breakdown, signal := p.fees.Fee(req.PayloadSize, req.Hops, req.Priority)
	var reward int64
	if req.Relayer != "" {
		reward = breakdown.Total * p.cfg.RewardRatio / fee.Unity
	}

	tx := &models.Transaction{
		Kind:          req.Kind,
		Sender:        req.Sender,
		Relayer:       req.Relayer,
		MessageID:     req.MessageID,
		Fee:           breakdown,
		Reward:        reward,
		Congestion:    signal,
		Priority:      req.Priority,
		PayloadSize:   req.PayloadSize,
		Hops:          req.Hops,
		Timestamp:     p.now().UnixMilli(),
		PowDifficulty: p.gate.Difficulty,
	}

	nonce, err := p.gate.Solve(ctx, tx.PowBody(), tx.PowDifficulty)
	if errors.Is(err, pow.ErrProofOfWorkTimeout) && p.cfg.RetryLowerDifficulty && p.gate.MinDifficulty < tx.PowDifficulty {
		logger.Logger.Warn("Proof of work timed out, retrying at minimum difficulty",
			zap.String("message_id", req.MessageID),
			zap.Uint8("difficulty", p.gate.MinDifficulty))
		tx.PowDifficulty = p.gate.MinDifficulty
		nonce, err = p.gate.Solve(ctx, tx.PowBody(), tx.PowDifficulty)
	}
	if err != nil {
		return nil, err
	}
	tx.PowNonce = nonce
	if err := p.gate.Verify(tx.PowBody(), tx.PowNonce, tx.PowDifficulty); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	parents, err := p.dag.SelectParents(p.cfg.ParentStrategy, p.cfg.MaxParents)
	if err != nil {
		return nil, fmt.Errorf("select parents: %w", err)
	}
	totals, err := p.dag.Totals()
	if err != nil {
		return nil, err
	}

	stage := p.wallet.Begin()
	var txs []*models.Transaction

	grant, err := stage.NeedsGrant(req.Sender)
	if err != nil {
		return nil, err
	}
	if grant {
		g := &models.Transaction{
			Parents:   parents,
			Kind:      models.KindGrant,
			Sender:    req.Sender,
			Grant:     p.wallet.Policy().InitialGrant,
			Timestamp: tx.Timestamp,
		}
		g.Digest = g.ComputeDigest()
		if err := stage.ApplyCredit(g.Sender, g.Grant); err != nil {
			return nil, err
		}
		txs = append(txs, g)
		totals.Transactions++
		totals.GrantsIssued += g.Grant
		parents = []string{g.Digest}
	}

	if err := stage.ApplyDebit(req.Sender, breakdown.Total); err != nil {
		return nil, err
	}
	if reward > 0 {
		if err := stage.ApplyCredit(req.Relayer, reward); err != nil {
			return nil, err
		}
	}

	tx.Parents = parents
	tx.Digest = tx.ComputeDigest()
	txs = append(txs, tx)

	totals.Transactions++
	totals.FeePaying++
	totals.FeesCollected += breakdown.Total
	totals.RewardsIssued += reward

	if err := p.dag.Append(&repository.Commit{
		Transactions: txs,
		Wallets:      stage.Entries(),
		Totals:       totals,
	}); err != nil {
		return nil, err
	}

	logger.Logger.Debug("Recorded transaction",
		zap.String("digest", tx.Digest),
		zap.Stringer("kind", tx.Kind),
		zap.String("sender", tx.Sender),
		zap.Int64("fee", tx.Fee.Total),
		zap.Int64("reward", tx.Reward),
		zap.Strings("parents", tx.Parents))
	return tx, nil
}

// Prune drops transactions older than cutoff. It holds the recording lock so
// a frontier read by Record is never pruned before the append lands.
func (p *Processor) Prune(cutoff time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dag.Prune(cutoff)
}

// AverageFee is the mean total fee over fee-paying transactions.
func (p *Processor) AverageFee() (int64, error) {
	totals, err := p.dag.Totals()
	if err != nil {
		return 0, err
	}
	if totals.FeePaying == 0 {
		return 0, nil
	}
	return totals.FeesCollected / totals.FeePaying, nil
}

// CheckConservation verifies sum(balances) + fees - rewards - grants == 0.
func (p *Processor) CheckConservation() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	balances, err := p.wallet.Balances()
	if err != nil {
		return err
	}
	totals, err := p.dag.Totals()
	if err != nil {
		return err
	}
	var sum int64
	for _, b := range balances {
		sum += b
	}
	if drift := sum + totals.FeesCollected - totals.RewardsIssued - totals.GrantsIssued; drift != 0 {
		return fmt.Errorf("%w: drift %d", ErrConservation, drift)
	}
	return nil
}
