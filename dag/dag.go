package dag

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"meshledger/logger"
	"meshledger/models"
	"meshledger/repository"

	"go.uber.org/zap"
)

var (
	ErrDuplicateDigest = errors.New("duplicate digest")
	ErrUnknownParent   = errors.New("unknown parent")
	ErrNoParents       = errors.New("non-genesis transaction without parents")
	ErrDigestMismatch  = errors.New("digest does not match contents")
	ErrNoGenesis       = errors.New("ledger has no genesis")
	ErrCycle           = errors.New("ledger contains a cycle")
)

// Parent selection strategies.
const (
	StrategyRecent = "recent"
	StrategyMCMC   = "mcmc"
)

// DAG is the append-only transaction ledger. Parents must exist before a
// child is appended, which keeps the graph acyclic by construction.
type DAG struct {
	repo repository.LedgerRepositoryInterface
	mux  sync.Mutex
	now  func() time.Time
	rnd  *rand.Rand
}

func NewDAG(repo repository.LedgerRepositoryInterface) *DAG {
	return &DAG{
		repo: repo,
		now:  time.Now,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock replaces the time source. Used by tests.
func (d *DAG) SetClock(now func() time.Time) {
	d.now = now
}

// Genesis bootstraps the store with the zero-digest root.
func (d *DAG) Genesis() (*models.Transaction, error) {
	d.mux.Lock()
	defer d.mux.Unlock()

	exists, err := d.repo.HasTransaction(models.ZeroDigest)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("genesis: %w", ErrDuplicateDigest)
	}

	totals, err := d.repo.GetTotals()
	if err != nil {
		return nil, err
	}
	totals.Transactions++

	tx := &models.Transaction{
		Digest:    models.ZeroDigest,
		Parents:   []string{},
		Kind:      models.KindGenesis,
		Timestamp: d.now().UnixMilli(),
	}
	if err := d.repo.Commit(&repository.Commit{
		Transactions: []*models.Transaction{tx},
		Totals:       totals,
	}); err != nil {
		return nil, err
	}
	logger.Logger.Info("Ledger genesis created", zap.String("digest", tx.Digest))
	return tx, nil
}

// HasGenesis reports whether Genesis already ran.
func (d *DAG) HasGenesis() (bool, error) {
	return d.repo.HasTransaction(models.ZeroDigest)
}

// Append validates every transaction in c and commits c as one unit.
// A transaction may reference one committed earlier in the same batch.
func (d *DAG) Append(c *repository.Commit) error {
	d.mux.Lock()
	defer d.mux.Unlock()

	staged := make(map[string]bool, len(c.Transactions))
	for _, tx := range c.Transactions {
		if err := d.validate(tx, staged); err != nil {
			return err
		}
		staged[tx.Digest] = true
	}
	return d.repo.Commit(c)
}

func (d *DAG) validate(tx *models.Transaction, staged map[string]bool) error {
	if tx.IsGenesis() {
		return fmt.Errorf("append genesis: %w", ErrDuplicateDigest)
	}
	if len(tx.Parents) == 0 {
		return ErrNoParents
	}
	if tx.ComputeDigest() != tx.Digest {
		return fmt.Errorf("transaction %s: %w", tx.Digest, ErrDigestMismatch)
	}
	exists, err := d.repo.HasTransaction(tx.Digest)
	if err != nil {
		return err
	}
	if exists || staged[tx.Digest] {
		return fmt.Errorf("transaction %s: %w", tx.Digest, ErrDuplicateDigest)
	}
	// check all parents exist
	for _, pid := range tx.Parents {
		if staged[pid] {
			continue
		}
		ok, err := d.repo.HasTransaction(pid)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("parent %s: %w", pid, ErrUnknownParent)
		}
	}
	return nil
}

// Totals returns the running sums kept alongside the ledger.
func (d *DAG) Totals() (models.LedgerTotals, error) {
	return d.repo.GetTotals()
}

// Get returns the transaction with the given digest.
func (d *DAG) Get(digest string) (*models.Transaction, error) {
	return d.repo.GetTransaction(digest)
}

// Children returns the digests that list digest as a parent.
func (d *DAG) Children(digest string) ([]string, error) {
	ok, err := d.repo.HasTransaction(digest)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.ErrNotFound
	}
	children, err := d.repo.GetChildren(digest)
	if err != nil {
		return nil, err
	}
	sort.Strings(children)
	return children, nil
}

// Size returns the number of stored transactions.
func (d *DAG) Size() (int, error) {
	return d.repo.CountTransactions()
}

// Frontier returns up to max tips, most recent first.
func (d *DAG) Frontier(max int) ([]*models.Transaction, error) {
	digests, err := d.repo.GetTips()
	if err != nil {
		return nil, err
	}
	tips := make([]*models.Transaction, 0, len(digests))
	for _, dg := range digests {
		tx, err := d.repo.GetTransaction(dg)
		if errors.Is(err, repository.ErrNotFound) {
			// pruned after the tip index was read
			continue
		}
		if err != nil {
			return nil, err
		}
		tips = append(tips, tx)
	}
	sort.Slice(tips, func(i, j int) bool {
		if tips[i].Timestamp != tips[j].Timestamp {
			return tips[i].Timestamp > tips[j].Timestamp
		}
		return tips[i].Digest < tips[j].Digest
	})
	if max > 0 && len(tips) > max {
		tips = tips[:max]
	}
	return tips, nil
}

// SelectParents picks the parent digests for a new transaction.
func (d *DAG) SelectParents(strategy string, max int) ([]string, error) {
	if max <= 0 {
		max = 1
	}
	switch strategy {
	case StrategyMCMC:
		seen := make(map[string]bool)
		var out []string
		for i := 0; i < max; i++ {
			tip, err := d.TipSelection()
			if err != nil {
				return nil, err
			}
			if !seen[tip.Digest] {
				seen[tip.Digest] = true
				out = append(out, tip.Digest)
			}
		}
		sort.Strings(out)
		return out, nil
	default:
		tips, err := d.Frontier(max)
		if err != nil {
			return nil, err
		}
		if len(tips) == 0 {
			return nil, ErrNoGenesis
		}
		out := make([]string, len(tips))
		for i, t := range tips {
			out[i] = t.Digest
		}
		sort.Strings(out)
		return out, nil
	}
}

type graph struct {
	byID     map[string]*models.Transaction
	children map[string][]string
}

func (d *DAG) load() (*graph, error) {
	txs, err := d.repo.GetAllTransactions()
	if err != nil {
		return nil, err
	}
	g := &graph{
		byID:     make(map[string]*models.Transaction, len(txs)),
		children: make(map[string][]string),
	}
	for _, tx := range txs {
		g.byID[tx.Digest] = tx
	}
	for _, tx := range txs {
		for _, p := range tx.Parents {
			g.children[p] = append(g.children[p], tx.Digest)
		}
	}
	return g, nil
}

// CumulativeWeights maps each digest to its own weight (1) plus the
// cumulative weights of its children.
func (d *DAG) CumulativeWeights() (map[string]int64, error) {
	g, err := d.load()
	if err != nil {
		return nil, err
	}
	return g.cumulativeWeights(), nil
}

func (g *graph) cumulativeWeights() map[string]int64 {
	// compute cumulative weights with memoized DFS
	cumWeight := make(map[string]int64, len(g.byID))
	var computeCum func(id string) int64
	computeCum = func(id string) int64 {
		if v, ok := cumWeight[id]; ok {
			return v
		}
		var sum int64 = 1
		for _, childID := range g.children[id] {
			sum += computeCum(childID)
		}
		cumWeight[id] = sum
		return sum
	}
	for id := range g.byID {
		_ = computeCum(id)
	}
	return cumWeight
}

// Traverse visits every transaction with parents before children. Ties are
// broken by timestamp then digest so the order is deterministic.
func (d *DAG) Traverse(fn func(tx *models.Transaction) error) error {
	g, err := d.load()
	if err != nil {
		return err
	}
	order, err := g.topological()
	if err != nil {
		return err
	}
	for _, tx := range order {
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}

func (g *graph) topological() ([]*models.Transaction, error) {
	indegree := make(map[string]int, len(g.byID))
	for id, tx := range g.byID {
		n := 0
		for _, p := range tx.Parents {
			// pruned ancestors are treated as satisfied
			if _, ok := g.byID[p]; ok {
				n++
			}
		}
		indegree[id] = n
	}
	less := func(a, b *models.Transaction) bool {
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.Digest < b.Digest
	}
	var ready []*models.Transaction
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, g.byID[id])
		}
	}
	order := make([]*models.Transaction, 0, len(g.byID))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, c := range g.children[cur.Digest] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, g.byID[c])
			}
		}
	}
	if len(order) != len(g.byID) {
		return nil, ErrCycle
	}
	return order, nil
}

// Verify checks that every parent reference resolves (or was pruned along
// with its whole subtree) and that the graph is acyclic.
func (d *DAG) Verify() error {
	g, err := d.load()
	if err != nil {
		return err
	}
	if _, err := g.topological(); err != nil {
		return err
	}
	return nil
}

// Prune removes transactions older than cutoff whose descendants are all
// prunable too. Genesis is kept. Returns the number removed.
func (d *DAG) Prune(cutoff time.Time) (int, error) {
	d.mux.Lock()
	defer d.mux.Unlock()

	g, err := d.load()
	if err != nil {
		return 0, err
	}
	order, err := g.topological()
	if err != nil {
		return 0, err
	}
	limit := cutoff.UnixMilli()
	prunable := make(map[string]bool, len(order))
	var victims []string
	// children before parents
	for i := len(order) - 1; i >= 0; i-- {
		tx := order[i]
		if tx.IsGenesis() || tx.Timestamp >= limit {
			continue
		}
		ok := true
		for _, c := range g.children[tx.Digest] {
			if !prunable[c] {
				ok = false
				break
			}
		}
		if ok {
			prunable[tx.Digest] = true
			victims = append(victims, tx.Digest)
		}
	}
	if err := d.repo.Prune(victims); err != nil {
		return 0, err
	}
	if len(victims) > 0 {
		logger.Logger.Info("Pruned ledger", zap.Int("removed", len(victims)), zap.Time("cutoff", cutoff))
	}
	return len(victims), nil
}

// TipSelection uses an MCMC-style weighted random walk.
func (d *DAG) TipSelection() (*models.Transaction, error) {
	const defaultAlpha = 0.01
	const defaultMaxSteps = 10000
	return d.TipSelectionMCMC(defaultAlpha, defaultMaxSteps)
}

// TipSelectionMCMC runs a weighted random walk (MCMC-like) from genesis
// toward the tips, biased by cumulative weight.
func (d *DAG) TipSelectionMCMC(alpha float64, maxSteps int) (*models.Transaction, error) {
	d.mux.Lock()
	defer d.mux.Unlock()

	g, err := d.load()
	if err != nil {
		return nil, err
	}
	if len(g.byID) == 0 {
		return nil, ErrNoGenesis
	}
	cumWeight := g.cumulativeWeights()

	// start from the earliest transaction that has children
	var start *models.Transaction
	var earliest int64 = math.MaxInt64
	for _, tx := range g.byID {
		if len(g.children[tx.Digest]) == 0 {
			continue
		}
		if tx.Timestamp < earliest || (tx.Timestamp == earliest && start != nil && tx.Digest < start.Digest) {
			earliest = tx.Timestamp
			start = tx
		}
	}
	if start == nil {
		// single-node graph: the only node is the tip
		for _, tx := range g.byID {
			return tx, nil
		}
	}

	cur := start
	for steps := 1; ; steps++ {
		if steps > maxSteps {
			return nil, errors.New("mcmc tip selection exceeded max steps")
		}
		ch := g.children[cur.Digest]
		if len(ch) == 0 {
			return cur, nil
		}
		sort.Strings(ch)

		weights := make([]float64, len(ch))
		var total float64
		for i, cid := range ch {
			w := math.Exp(alpha * float64(cumWeight[cid]))
			weights[i] = w
			total += w
		}
		if total <= 0 || math.IsInf(total, 0) {
			cur = g.byID[ch[d.rnd.Intn(len(ch))]]
			continue
		}
		p := d.rnd.Float64() * total
		acc := 0.0
		chosen := ch[len(ch)-1]
		for i, w := range weights {
			acc += w
			if p <= acc {
				chosen = ch[i]
				break
			}
		}
		cur = g.byID[chosen]
	}
}
