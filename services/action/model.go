package action

import "time"

// Type selects the gated effect triggered once a run is paid.
type Type string

const (
	// TypeDirect invokes the action's endpoint immediately after admission.
	TypeDirect Type = "direct"
	// TypeLottery converts the paid run into a round entry.
	TypeLottery Type = "lottery"
	// TypeSwap hands the paid run to the settlement worker for a
	// platform-custodied buy/burn swap.
	TypeSwap Type = "swap"
)

// Action is a priced endpoint definition. Every run belongs to exactly one
// action.
type Action struct {
	ID            string        `gorm:"column:id;primaryKey" json:"id"`
	Name          string        `gorm:"column:name" json:"name"`
	Type          Type          `gorm:"column:type" json:"type"`
	PriceLamports int64         `gorm:"column:price_lamports" json:"price_lamports"`
	EndpointURL   string        `gorm:"column:endpoint_url" json:"endpoint_url,omitempty"`
	RoundDuration time.Duration `gorm:"column:round_duration" json:"round_duration,omitempty"`
	BurnMint      string        `gorm:"column:burn_mint" json:"burn_mint,omitempty"`
	RunCount      int64         `gorm:"column:run_count" json:"run_count"`
	Active        bool          `gorm:"column:active" json:"active"`
	CreatedAt     time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (Action) TableName() string { return "actions" }
