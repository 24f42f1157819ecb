package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/JakeFAU/anime-catalog-ingest/internal/catalog"
)

var _ catalog.Store = (*CatalogStore)(nil)

type linkKey struct {
	anime int
	staff int
}

// CatalogStore implements catalog.Store with the same upsert semantics as the Postgres store.
type CatalogStore struct {
	mu          sync.RWMutex
	association catalog.AssociationPolicy
	ids         []string
	registered  map[string]struct{}
	anime       map[int]catalog.Anime
	episodes    map[string]catalog.Episode
	staff       map[int]catalog.Staff
	links       map[linkKey]catalog.AnimeStaff
	closed      bool
}

// NewCatalogStore returns an empty store. An empty policy keeps existing associations.
func NewCatalogStore(association catalog.AssociationPolicy) *CatalogStore {
	if association == "" {
		association = catalog.AssociationKeep
	}
	return &CatalogStore{
		association: association,
		registered:  make(map[string]struct{}),
		anime:       make(map[int]catalog.Anime),
		episodes:    make(map[string]catalog.Episode),
		staff:       make(map[int]catalog.Staff),
		links:       make(map[linkKey]catalog.AnimeStaff),
	}
}

var errClosed = fmt.Errorf("store is closed")

// RegisterCatalogID appends name to the registry unless present.
func (s *CatalogStore) RegisterCatalogID(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return catalog.Persistence("register_catalog_id", name, errClosed)
	}
	if _, ok := s.registered[name]; ok {
		return nil
	}
	s.registered[name] = struct{}{}
	s.ids = append(s.ids, name)
	return nil
}

// ListCatalogIDs returns ids in registration order.
func (s *CatalogStore) ListCatalogIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, catalog.Persistence("list_catalog_ids", "", errClosed)
	}
	return slices.Clone(s.ids), nil
}

// UpsertAnime replaces the stored record.
func (s *CatalogStore) UpsertAnime(_ context.Context, a catalog.Anime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return catalog.Persistence("upsert_anime", strconv.Itoa(a.ID), errClosed)
	}
	s.anime[a.ID] = a
	return nil
}

// UpsertEpisode replaces the stored episode.
func (s *CatalogStore) UpsertEpisode(_ context.Context, e catalog.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return catalog.Persistence("upsert_episode", e.ID, errClosed)
	}
	s.episodes[e.ID] = e
	return nil
}

// ListStaffTargets groups stored records by positive MAL id, ascending.
func (s *CatalogStore) ListStaffTargets(context.Context) ([]catalog.StaffTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, catalog.Persistence("list_staff_targets", "", errClosed)
	}
	byMal := make(map[int][]int)
	for id, a := range s.anime {
		if a.MalID > 0 {
			byMal[a.MalID] = append(byMal[a.MalID], id)
		}
	}
	targets := make([]catalog.StaffTarget, 0, len(byMal))
	for mal, ids := range byMal {
		sort.Ints(ids)
		targets = append(targets, catalog.StaffTarget{MalID: mal, AnimeIDs: ids})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].MalID < targets[j].MalID })
	return targets, nil
}

// UpsertStaff inserts the person or merges new roles into the stored list.
func (s *CatalogStore) UpsertStaff(_ context.Context, st catalog.Staff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return catalog.Persistence("upsert_staff", strconv.Itoa(st.MalID), errClosed)
	}
	existing, ok := s.staff[st.MalID]
	if !ok {
		st.Positions = catalog.MergeRoles(nil, st.Positions)
		s.staff[st.MalID] = st
		return nil
	}
	existing.Positions = catalog.MergeRoles(existing.Positions, st.Positions)
	s.staff[st.MalID] = existing
	return nil
}

// LinkAnimeStaff inserts the association or, under the merge policy, merges roles.
func (s *CatalogStore) LinkAnimeStaff(_ context.Context, link catalog.AnimeStaff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return catalog.Persistence("link_anime_staff", fmt.Sprintf("%d/%d", link.AnimeID, link.StaffID), errClosed)
	}
	key := linkKey{anime: link.AnimeID, staff: link.StaffID}
	existing, ok := s.links[key]
	switch {
	case !ok:
		link.Positions = catalog.MergeRoles(nil, link.Positions)
		s.links[key] = link
	case s.association == catalog.AssociationMerge:
		existing.Positions = catalog.MergeRoles(existing.Positions, link.Positions)
		s.links[key] = existing
	}
	return nil
}

// Close marks the store closed; later calls fail.
func (s *CatalogStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// GetAnime returns the stored record for id.
func (s *CatalogStore) GetAnime(id int) (catalog.Anime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anime[id]
	if !ok {
		return catalog.Anime{}, catalog.Persistence("get_anime", strconv.Itoa(id), catalog.ErrNotFound)
	}
	return a, nil
}

// GetStaff returns the stored staff member.
func (s *CatalogStore) GetStaff(_ context.Context, malID int) (catalog.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.staff[malID]
	if !ok {
		return catalog.Staff{}, catalog.Persistence("get_staff", strconv.Itoa(malID), catalog.ErrNotFound)
	}
	st.Positions = slices.Clone(st.Positions)
	return st, nil
}

// Episodes returns the episodes of animeID ordered by episode number.
func (s *CatalogStore) Episodes(animeID int) []catalog.Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.Episode
	for _, e := range s.episodes {
		if e.AnimeID == animeID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EpisodeNo != out[j].EpisodeNo {
			return out[i].EpisodeNo < out[j].EpisodeNo
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Association returns the link between animeID and staffID.
func (s *CatalogStore) Association(animeID, staffID int) (catalog.AnimeStaff, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkKey{anime: animeID, staff: staffID}]
	link.Positions = slices.Clone(link.Positions)
	return link, ok
}

// Counts reports the number of rows per table.
func (s *CatalogStore) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"anime_id":    len(s.ids),
		"anime":       len(s.anime),
		"episodes":    len(s.episodes),
		"staff":       len(s.staff),
		"anime_staff": len(s.links),
	}
}
