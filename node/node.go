// Package node wires one mesh node together: identity, router, ledger,
// wallet, processor and fee calculator, built from configuration.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"meshledger/config"
	"meshledger/crypto"
	"meshledger/dag"
	"meshledger/db"
	"meshledger/dedup"
	"meshledger/events"
	"meshledger/fee"
	"meshledger/frame"
	"meshledger/logger"
	"meshledger/models"
	"meshledger/pow"
	"meshledger/processor"
	"meshledger/repository"
	"meshledger/router"
	"meshledger/scheduler"
	"meshledger/wallet"

	"go.uber.org/zap"
)

// Options override collaborators that are not configuration.
type Options struct {
	Identity  *crypto.Identity
	Scheduler scheduler.Scheduler
	Transport router.Transport
	Events    events.Sink
	Store     *db.LevelDB
	Now       func() time.Time
}

// Node is the explicit context object owning the core components.
type Node struct {
	cfg       config.Config
	store     *db.LevelDB
	ownsStore bool

	Identity  *crypto.Identity
	Repo      *repository.LedgerRepository
	Ledger    *dag.DAG
	Wallet    *wallet.Manager
	Fees      *fee.Calculator
	Gate      *pow.Gate
	Processor *processor.Processor
	Filter    *dedup.Filter
	Sessions  *crypto.Sessions
	Channels  *crypto.Channels
	Router    *router.Router
}

// New builds a node. The ledger gets its genesis transaction on first start.
func New(cfg *config.Config, opts Options) (*Node, error) {
	n := &Node{cfg: *cfg}

	id := opts.Identity
	if id == nil {
		var err error
		id, err = loadIdentity(cfg.Identity.SeedHex)
		if err != nil {
			return nil, err
		}
	}
	n.Identity = id

	n.store = opts.Store
	if n.store == nil {
		var err error
		if cfg.LevelDB.Path == "" {
			n.store, err = db.NewMemLevelDB()
		} else {
			n.store, err = db.NewLevelDB(cfg.LevelDB.Path)
		}
		if err != nil {
			return nil, fmt.Errorf("open ledger store: %w", err)
		}
		n.ownsStore = true
	}

	n.Repo = repository.NewLedgerRepository(n.store)
	n.Ledger = dag.NewDAG(n.Repo)
	n.Wallet = wallet.NewManager(n.Repo, wallet.Policy{
		AllowNegative: cfg.Wallet.AllowNegative,
		InitialGrant:  cfg.Wallet.InitialGrant,
	})
	n.Fees = fee.NewCalculator(fee.Config{
		Base:               cfg.Fee.Base,
		SizeRate:           cfg.Fee.SizeRate,
		HopRate:            cfg.Fee.HopRate,
		FavoriteMultiplier: cfg.Fee.FavoriteMultiplier,
		Floor:              cfg.Fee.Floor,
		Ceiling:            cfg.Fee.Ceiling,
		TargetLatency:      cfg.Fee.TargetLatency,
		QueueTarget:        cfg.Fee.QueueTarget,
		Smoothing:          cfg.Fee.Smoothing,
	})
	n.Gate = pow.NewGate(cfg.PoW.Difficulty, cfg.PoW.MinDifficulty, cfg.PoW.MaxAttempts, cfg.PoW.Timeout)
	n.Processor = processor.New(n.Ledger, n.Wallet, n.Fees, n.Gate, processor.Config{
		MaxParents:           cfg.Ledger.MaxParents,
		ParentStrategy:       cfg.Ledger.ParentStrategy,
		RewardRatio:          cfg.Wallet.RewardRatio,
		RetryLowerDifficulty: cfg.PoW.RetryLowerDifficulty,
	})
	if opts.Now != nil {
		n.Ledger.SetClock(opts.Now)
		n.Processor.SetClock(opts.Now)
	}

	has, err := n.Ledger.HasGenesis()
	if err != nil {
		n.Close()
		return nil, err
	}
	if !has {
		if _, err := n.Ledger.Genesis(); err != nil {
			n.Close()
			return nil, err
		}
	}

	n.Filter = dedup.New(dedup.Config{
		ExpectedItems:     cfg.Dedup.ExpectedItems,
		FalsePositiveRate: cfg.Dedup.FalsePositiveRate,
		RotateAfter:       cfg.Dedup.RotateAfterItems,
		RotateInterval:    cfg.Dedup.RotateInterval,
	})
	n.Sessions = crypto.NewSessions(id.ID, cfg.Identity.SessionTTL)
	n.Channels = crypto.NewChannels()

	mode, err := router.ParsePowerMode(cfg.Router.PowerMode)
	if err != nil {
		n.Close()
		return nil, err
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.Real{}
	}
	if m, ok := sched.(*scheduler.Manual); ok {
		n.Filter.SetClock(m.Now)
		n.Sessions.SetClock(m.Now)
	}
	sink := opts.Events
	if sink == nil {
		sink = events.NewZapSink(logger.Named("router"))
	}

	n.Router = router.New(router.Config{
		DefaultTTL:          uint8(cfg.Router.DefaultTTL),
		FavoriteTTL:         uint8(cfg.Router.FavoriteTTL),
		JitterMin:           cfg.Router.JitterMin,
		JitterMax:           cfg.Router.JitterMax,
		CoverProbability:    cfg.Router.CoverProbability,
		PowerMode:           mode,
		QueueSize:           cfg.Router.QueueSize,
		HoldCapacity:        cfg.Router.HoldCapacity,
		HoldTTL:             cfg.Router.HoldTTL,
		OutboxLimit:         cfg.Router.OutboxLimit,
		AuthFailureLimit:    cfg.Router.AuthFailureLimit,
		AuthFailureCooldown: cfg.Router.AuthFailureCooldown,
	}, router.Deps{
		Identity:   id,
		Sessions:   n.Sessions,
		Channels:   n.Channels,
		Filter:     n.Filter,
		Recorder:   n.Processor,
		Congestion: n.Fees,
		Transport:  opts.Transport,
		Scheduler:  sched,
		Events:     sink,
	})

	logger.Logger.Info("Node ready",
		zap.String("identity", id.ID.String()),
		zap.String("power_mode", mode.String()),
		zap.Bool("persistent", cfg.LevelDB.Path != "" || opts.Store != nil))
	return n, nil
}

func loadIdentity(seedHex string) (*crypto.Identity, error) {
	if seedHex == "" {
		return crypto.NewIdentity()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("identity.seed_hex: %w", err)
	}
	return crypto.IdentityFromSeed(seed)
}

// ID returns the local mesh identity.
func (n *Node) ID() frame.PeerID {
	return n.Identity.ID
}

// Config returns the configuration the node was built from.
func (n *Node) Config() config.Config {
	return n.cfg
}

// Stats is the pull-based snapshot for UI and CLI layers.
func (n *Node) Stats() (*models.Stats, error) {
	size, err := n.Ledger.Size()
	if err != nil {
		return nil, err
	}
	balances, err := n.Wallet.Balances()
	if err != nil {
		return nil, err
	}
	avg, err := n.Processor.AverageFee()
	if err != nil {
		return nil, err
	}
	return &models.Stats{
		DAGSize:          size,
		PendingCount:     n.Router.Pending(),
		WalletBalances:   balances,
		CongestionSignal: n.Fees.Signal(),
		AvgFee:           avg,
	}, nil
}

// Prune removes transactions older than the configured retention. Zero
// retention keeps everything.
func (n *Node) Prune(now time.Time) (int, error) {
	if n.cfg.Ledger.Retention <= 0 {
		return 0, nil
	}
	return n.PruneBefore(now.Add(-n.cfg.Ledger.Retention))
}

// PruneBefore removes transactions older than cutoff. Recording waits while
// it runs.
func (n *Node) PruneBefore(cutoff time.Time) (int, error) {
	return n.Processor.Prune(cutoff)
}

// Run drives the router queue and the periodic announce and prune tasks
// until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Router.Announce(ctx); err != nil {
		logger.Logger.Warn("Announce failed", zap.Error(err))
	}

	go n.housekeeping(ctx)
	return n.Router.Run(ctx)
}

func (n *Node) housekeeping(ctx context.Context) {
	announce := n.cfg.Router.AnnounceInterval
	if announce <= 0 {
		announce = time.Minute
	}
	prune := n.cfg.Ledger.PruneInterval
	if prune <= 0 {
		prune = time.Hour
	}
	announceTicker := time.NewTicker(announce)
	defer announceTicker.Stop()
	pruneTicker := time.NewTicker(prune)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-announceTicker.C:
			if err := n.Router.Announce(ctx); err != nil {
				logger.Logger.Warn("Announce failed", zap.Error(err))
			}
		case now := <-pruneTicker.C:
			removed, err := n.Prune(now)
			if err != nil {
				logger.Logger.Error("Ledger prune failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Logger.Info("Ledger pruned", zap.Int("removed", removed))
			}
		}
	}
}

// Close stops the router and releases the store if the node opened it.
func (n *Node) Close() error {
	if n.Router != nil {
		n.Router.Close()
	}
	if n.ownsStore && n.store != nil {
		return n.store.Close()
	}
	return nil
}
