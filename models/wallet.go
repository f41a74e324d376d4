package models

// WalletEntry is the persisted balance of one identity in micro-units.
type WalletEntry struct {
	Identity  string `json:"identity"`
	Balance   int64  `json:"balance"`
	UpdatedAt int64  `json:"updated_at"` // unix ms
}

// LedgerTotals are running sums maintained alongside every commit. They back
// the conservation check and the average fee statistic.
type LedgerTotals struct {
	Transactions  int64 `json:"transactions"`
	FeePaying     int64 `json:"fee_paying"`
	FeesCollected int64 `json:"fees_collected"`
	RewardsIssued int64 `json:"rewards_issued"`
	GrantsIssued  int64 `json:"grants_issued"`
}

// Stats is the pull-based snapshot served to UI and CLI layers.
type Stats struct {
	DAGSize          int              `json:"dag_size"`
	PendingCount     int              `json:"pending_count"`
	WalletBalances   map[string]int64 `json:"wallet_balances"`
	CongestionSignal int64            `json:"congestion_signal"` // permille
	AvgFee           int64            `json:"avg_fee"`
}
