package catalog

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("catalog: not found")

// Store persists catalog records. Every write is an idempotent upsert keyed by the record's natural key.
type Store interface {
	// RegisterCatalogID inserts the id into the registry unless it already exists.
	RegisterCatalogID(ctx context.Context, name string) error
	// ListCatalogIDs returns every registered id in a stable order.
	ListCatalogIDs(ctx context.Context) ([]string, error)
	// UpsertAnime inserts the catalog item or overwrites every mutable field.
	UpsertAnime(ctx context.Context, anime Anime) error
	// UpsertEpisode inserts the episode or overwrites every mutable field.
	UpsertEpisode(ctx context.Context, episode Episode) error
	// ListStaffTargets returns distinct positive MAL ids with the catalog items that carry them.
	ListStaffTargets(ctx context.Context) ([]StaffTarget, error)
	// UpsertStaff inserts the staff member or merges the role list into the stored one.
	UpsertStaff(ctx context.Context, staff Staff) error
	// LinkAnimeStaff inserts the association; an existing association is handled per the store's role policy.
	LinkAnimeStaff(ctx context.Context, link AnimeStaff) error
	Close()
}

// AssociationPolicy decides what happens to an existing association's role list.
type AssociationPolicy string

const (
	// AssociationKeep leaves an existing association untouched.
	AssociationKeep AssociationPolicy = "keep"
	// AssociationMerge merges new roles into an existing association like UpsertStaff does.
	AssociationMerge AssociationPolicy = "merge"
)

// ParseAssociationPolicy validates the configured association rule.
func ParseAssociationPolicy(raw string) (AssociationPolicy, error) {
	switch AssociationPolicy(raw) {
	case "", AssociationKeep:
		return AssociationKeep, nil
	case AssociationMerge:
		return AssociationMerge, nil
	default:
		return "", fmt.Errorf("unknown association policy %q", raw)
	}
}

// PersistenceError reports a failed store operation for one natural key.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err for the operation and key, returning nil when err is nil.
func Persistence(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}
