package lottery

import "time"

type RoundStatus string

const (
	RoundActive      RoundStatus = "active"
	RoundClosed      RoundStatus = "closed"
	RoundDistributed RoundStatus = "distributed"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Round is a time-boxed pool of paid entries for one lottery action. Numbers
// are strictly increasing and gapless per action; at most one round per
// action is active at a time.
type Round struct {
	ID            string      `gorm:"column:id;primaryKey" json:"id"`
	ActionID      string      `gorm:"column:action_id;index;uniqueIndex:idx_round_action_number" json:"action_id"`
	Number        int64       `gorm:"column:number;uniqueIndex:idx_round_action_number" json:"number"`
	Status        RoundStatus `gorm:"column:status;index" json:"status"`
	StartedAt     time.Time   `gorm:"column:started_at" json:"started_at"`
	ClosesAt      time.Time   `gorm:"column:closes_at;index" json:"closes_at"`
	EndedAt       *time.Time  `gorm:"column:ended_at" json:"ended_at,omitempty"`
	EntryCount    int64       `gorm:"column:entry_count" json:"entry_count"`
	PoolLamports  int64       `gorm:"column:pool_lamports" json:"pool_lamports"`
	BonusLamports int64       `gorm:"column:bonus_lamports" json:"bonus_lamports,omitempty"`
	DrawnAt       *time.Time  `gorm:"column:drawn_at" json:"drawn_at,omitempty"`
	CreatedAt     time.Time   `gorm:"column:created_at" json:"created_at"`
}

func (Round) TableName() string { return "lottery_rounds" }

// Entry is one admitted participation, 1:1 with a paid run. The unique run
// id index is what makes entry creation idempotent under retried admissions.
type Entry struct {
	ID          string    `gorm:"column:id;primaryKey"`
	RoundID     string    `gorm:"column:round_id;index"`
	RunID       string    `gorm:"column:run_id;uniqueIndex"`
	Payer       string    `gorm:"column:payer"`
	FeeLamports int64     `gorm:"column:fee_lamports"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (Entry) TableName() string { return "lottery_entries" }

// Winner is one payout obligation minted when a round closes. Failed payouts
// stay visible for manual re-drive; funds never silently disappear.
type Winner struct {
	ID              string       `gorm:"column:id;primaryKey" json:"id"`
	RoundID         string       `gorm:"column:round_id;index" json:"round_id"`
	Address         string       `gorm:"column:address" json:"address"`
	AmountLamports  int64        `gorm:"column:amount_lamports" json:"amount_lamports"`
	Rank            int          `gorm:"column:rank" json:"rank"`
	Status          PayoutStatus `gorm:"column:status;index" json:"status"`
	PayoutSignature *string      `gorm:"column:payout_signature" json:"payout_signature,omitempty"`
	ClaimedAt       *time.Time   `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	CompletedAt     *time.Time   `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (Winner) TableName() string { return "lottery_winners" }
