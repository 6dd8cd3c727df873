package store

import (
	"encoding/json"
	"fmt"

	"lokalkasir/terminal/internal/domain"
)

// Collections tracks every known collection. Records are validated against
// their tagged variant at the Put boundary so a malformed payload never
// reaches the engine.
var Collections = []string{
	domain.CollectionProducts,
	domain.CollectionSales,
	domain.CollectionCarts,
	domain.CollectionCashboxes,
	domain.CollectionCashMovements,
	domain.CollectionShifts,
	domain.CollectionPendingOps,
	domain.CollectionMetadata,
}

func KnownCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

// Evictable reports whether the cap applies to a collection. Queue state and
// watermarks are bounded by ClearSynced and explicit deletes instead; evicting
// them would silently drop mutations.
func Evictable(name string) bool {
	return name != domain.CollectionPendingOps && name != domain.CollectionMetadata
}

// ValidateRecord checks the record shape and that the payload parses as the
// collection's variant. Metadata payloads are free-form key-value documents.
func ValidateRecord(rec domain.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: empty record id", domain.ErrValidation)
	}
	if !KnownCollection(rec.Collection) {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, rec.Collection)
	}
	if rec.UpdatedAt <= 0 {
		return fmt.Errorf("%w: record %s/%s missing updated_at", domain.ErrValidation, rec.Collection, rec.ID)
	}
	switch rec.SyncStatus {
	case domain.SyncStatusLocal, domain.SyncStatusPending, domain.SyncStatusSynced, domain.SyncStatusFailed:
	default:
		return fmt.Errorf("%w: record %s/%s has sync status %q", domain.ErrValidation, rec.Collection, rec.ID, rec.SyncStatus)
	}

	var target any
	switch rec.Collection {
	case domain.CollectionProducts:
		target = &domain.Product{}
	case domain.CollectionSales:
		target = &domain.Sale{}
	case domain.CollectionCarts:
		target = &domain.Cart{}
	case domain.CollectionCashboxes:
		target = &domain.Cashbox{}
	case domain.CollectionCashMovements:
		target = &domain.Movement{}
	case domain.CollectionShifts:
		target = &domain.Shift{}
	case domain.CollectionPendingOps:
		target = &domain.PendingOperation{}
	case domain.CollectionMetadata:
		target = &map[string]any{}
	}
	if err := json.Unmarshal(rec.Payload, target); err != nil {
		return fmt.Errorf("%w: record %s/%s payload: %v", domain.ErrValidation, rec.Collection, rec.ID, err)
	}
	return nil
}
