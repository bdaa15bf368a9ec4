// Package repository holds the gorm-backed stores of the sync engine.
// Every method acquires a pooled connection for one logical operation.
package repository

import (
	stderrors "errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a lookup by key matches no row.
	ErrNotFound = stderrors.New("record not found")
	// ErrLedgerConflict is returned when an event's ledger row could not be
	// written next to it.
	ErrLedgerConflict = stderrors.New("ledger row already exists for key")
)

func isNotFound(err error) bool {
	return stderrors.Is(err, gorm.ErrRecordNotFound)
}
