package run

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Status is the run lifecycle. It only moves forward:
// pending -> paid -> executed | failed, or pending -> failed on expiry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// Run is one payment attempt against a priced action. The reference doubles
// as the on-chain payment memo and the admission lock key. The signature
// column carries a storage-level unique index: two concurrent admissions can
// never both claim the same on-chain transaction even if every application
// check races.
type Run struct {
	ID         string         `gorm:"column:id;primaryKey" json:"id"`
	Reference  string         `gorm:"column:reference;uniqueIndex" json:"reference"`
	ActionID   string         `gorm:"column:action_id;index" json:"action_id"`
	Signature  *string        `gorm:"column:signature;uniqueIndex" json:"signature,omitempty"`
	Payer      *string        `gorm:"column:payer" json:"payer,omitempty"`
	Status     Status         `gorm:"column:status;index" json:"status"`
	DurationMS int64          `gorm:"column:duration_ms" json:"duration_ms"`
	Metadata   datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	CreatedAt  time.Time      `gorm:"column:created_at" json:"created_at"`
	ExpiresAt  time.Time      `gorm:"column:expires_at" json:"expires_at"`
	PaidAt     *time.Time     `gorm:"column:paid_at" json:"paid_at,omitempty"`
	ExecutedAt *time.Time     `gorm:"column:executed_at" json:"executed_at,omitempty"`
}

func (Run) TableName() string { return "runs" }

// MetadataMap decodes the run's metadata, returning an empty map when unset.
func (r *Run) MetadataMap() map[string]interface{} {
	out := map[string]interface{}{}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &out)
	}
	return out
}

// MergeMetadata overlays extra onto the existing metadata without dropping
// admission-time context.
func (r *Run) MergeMetadata(extra map[string]interface{}) error {
	merged := r.MetadataMap()
	for k, v := range extra {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	r.Metadata = datatypes.JSON(b)
	return nil
}
