package option

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuerySortBy describes an ordering applied to a query.
type QuerySortBy struct {
	Field   string
	OrderBy string
}

// QueryOption mutates a gorm query before execution.
type QueryOption func(*gorm.DB) *gorm.DB

// WithSortBy orders results by the given field and direction. An empty field
// falls back to created_at.
func WithSortBy(sort QuerySortBy) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		field := sort.Field
		if field == "" {
			field = "created_at"
		}
		order := sort.OrderBy
		if order == "" {
			order = "ASC"
		}
		return tx.Order(field + " " + order)
	}
}

// WithLimit caps the number of rows returned.
func WithLimit(limit int) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	}
}

// LockingUpdate is a gorm scope applying SELECT ... FOR UPDATE row locks.
// sqlite (used in tests) ignores the clause; its single-writer model gives
// equivalent isolation there.
func LockingUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector != nil && tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
