// Package postgres provides the Postgres-backed catalog store.
//
// Expected schema:
//
//	CREATE TABLE anime_id (id SERIAL PRIMARY KEY, anime_name TEXT NOT NULL UNIQUE);
//	CREATE TABLE anime (
//		id INT PRIMARY KEY, title TEXT NOT NULL, description TEXT NOT NULL,
//		mal_id INT, al_id INT, japanese_title TEXT, synonyms TEXT, image TEXT,
//		category TEXT, rating TEXT, quality TEXT, duration TEXT, premiered TEXT,
//		aired TEXT, status TEXT, mal_score TEXT, studios TEXT, producers TEXT,
//		genres TEXT, sub_episodes INT, dub_episodes INT, total_episodes INT, sub_or_dub TEXT
//	);
//	CREATE TABLE episodes (
//		id TEXT PRIMARY KEY, title TEXT, is_filler BOOLEAN, episode_no INT,
//		anime_id INT REFERENCES anime(id)
//	);
//	CREATE TABLE staff (mal_id INT PRIMARY KEY, name TEXT, mal_url TEXT, image TEXT, positions TEXT[]);
//	CREATE TABLE anime_staff (
//		id SERIAL PRIMARY KEY, anime_id INT, staff_id INT, positions TEXT[],
//		UNIQUE (anime_id, staff_id)
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/anime-catalog-ingest/internal/catalog"
	"github.com/JakeFAU/anime-catalog-ingest/internal/metrics"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Association decides how an existing anime_staff row treats new roles.
	Association catalog.AssociationPolicy
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store writes catalog records into Postgres.
type Store struct {
	pool        querier
	association catalog.AssociationPolicy
}

var _ catalog.Store = (*Store)(nil)

// NewStore connects a pgx pool using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStoreWithPool(pool, cfg.Association)
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool querier, association catalog.AssociationPolicy) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if association == "" {
		association = catalog.AssociationKeep
	}
	return &Store{pool: pool, association: association}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const registerIDSQL = `
INSERT INTO anime_id (anime_name) VALUES ($1)
ON CONFLICT (anime_name) DO NOTHING`

// RegisterCatalogID records a listing id. Re-registering is a no-op.
func (s *Store) RegisterCatalogID(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, registerIDSQL, name)
	return s.fail("register_catalog_id", name, err)
}

const listIDsSQL = `SELECT anime_name FROM anime_id ORDER BY id`

// ListCatalogIDs returns registered ids in registration order.
func (s *Store) ListCatalogIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, listIDsSQL)
	if err != nil {
		return nil, s.fail("list_catalog_ids", "", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, s.fail("list_catalog_ids", "", err)
		}
		ids = append(ids, name)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list_catalog_ids", "", err)
	}
	return ids, nil
}

const upsertAnimeSQL = `
INSERT INTO anime (
	id, title, description, mal_id, al_id, japanese_title, synonyms, image,
	category, rating, quality, duration, premiered, aired, status, mal_score,
	studios, producers, genres, sub_episodes, dub_episodes, total_episodes, sub_or_dub
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	mal_id = EXCLUDED.mal_id,
	al_id = EXCLUDED.al_id,
	japanese_title = EXCLUDED.japanese_title,
	synonyms = EXCLUDED.synonyms,
	image = EXCLUDED.image,
	category = EXCLUDED.category,
	rating = EXCLUDED.rating,
	quality = EXCLUDED.quality,
	duration = EXCLUDED.duration,
	premiered = EXCLUDED.premiered,
	aired = EXCLUDED.aired,
	status = EXCLUDED.status,
	mal_score = EXCLUDED.mal_score,
	studios = EXCLUDED.studios,
	producers = EXCLUDED.producers,
	genres = EXCLUDED.genres,
	sub_episodes = EXCLUDED.sub_episodes,
	dub_episodes = EXCLUDED.dub_episodes,
	total_episodes = EXCLUDED.total_episodes,
	sub_or_dub = EXCLUDED.sub_or_dub`

// UpsertAnime inserts the record or overwrites every mutable column.
func (s *Store) UpsertAnime(ctx context.Context, a catalog.Anime) error {
	_, err := s.pool.Exec(ctx, upsertAnimeSQL,
		a.ID, a.Title, a.Description, a.MalID, a.AlID, a.JapaneseTitle, a.Synonyms, a.Image,
		a.Category, a.Rating, a.Quality, a.Duration, a.Premiered, a.Aired, a.Status, a.MalScore,
		a.Studios, a.Producers, a.Genres, a.SubEpisodes, a.DubEpisodes, a.TotalEpisodes, a.SubOrDub,
	)
	return s.fail("upsert_anime", strconv.Itoa(a.ID), err)
}

const upsertEpisodeSQL = `
INSERT INTO episodes (id, title, is_filler, episode_no, anime_id)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	is_filler = EXCLUDED.is_filler,
	episode_no = EXCLUDED.episode_no,
	anime_id = EXCLUDED.anime_id`

// UpsertEpisode inserts the episode or overwrites every mutable column.
func (s *Store) UpsertEpisode(ctx context.Context, e catalog.Episode) error {
	_, err := s.pool.Exec(ctx, upsertEpisodeSQL, e.ID, e.Title, e.IsFiller, e.EpisodeNo, e.AnimeID)
	return s.fail("upsert_episode", e.ID, err)
}

const staffTargetsSQL = `
SELECT mal_id, array_agg(id ORDER BY id)
FROM anime
WHERE mal_id > 0
GROUP BY mal_id
ORDER BY mal_id`

// ListStaffTargets groups stored catalog items by their positive MAL id.
func (s *Store) ListStaffTargets(ctx context.Context) ([]catalog.StaffTarget, error) {
	rows, err := s.pool.Query(ctx, staffTargetsSQL)
	if err != nil {
		return nil, s.fail("list_staff_targets", "", err)
	}
	defer rows.Close()
	var targets []catalog.StaffTarget
	for rows.Next() {
		var (
			malID int32
			ids   []int32
		)
		if err := rows.Scan(&malID, &ids); err != nil {
			return nil, s.fail("list_staff_targets", "", err)
		}
		target := catalog.StaffTarget{MalID: int(malID), AnimeIDs: make([]int, len(ids))}
		for i, id := range ids {
			target.AnimeIDs[i] = int(id)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list_staff_targets", "", err)
	}
	return targets, nil
}

// mergePositionsSQL appends the incoming roles not yet present, keeping first-seen order.
const mergePositionsSQL = `%[1]s.positions || ARRAY(
	SELECT p FROM (
		SELECT p, min(i) AS i
		FROM unnest(EXCLUDED.positions) WITH ORDINALITY AS t(p, i)
		WHERE p <> ALL(coalesce(%[1]s.positions, '{}'))
		GROUP BY p
	) fresh ORDER BY i
)`

var upsertStaffSQL = `
INSERT INTO staff (mal_id, name, mal_url, image, positions)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (mal_id) DO UPDATE SET
	positions = ` + fmt.Sprintf(mergePositionsSQL, "staff")

// UpsertStaff inserts the person or merges roles into the stored list. Name, url and image of an
// existing row are kept.
func (s *Store) UpsertStaff(ctx context.Context, st catalog.Staff) error {
	positions := catalog.MergeRoles(nil, st.Positions)
	_, err := s.pool.Exec(ctx, upsertStaffSQL, st.MalID, st.Name, st.URL, st.Image, positions)
	return s.fail("upsert_staff", strconv.Itoa(st.MalID), err)
}

const linkKeepSQL = `
INSERT INTO anime_staff (anime_id, staff_id, positions)
VALUES ($1,$2,$3)
ON CONFLICT (anime_id, staff_id) DO NOTHING`

var linkMergeSQL = `
INSERT INTO anime_staff (anime_id, staff_id, positions)
VALUES ($1,$2,$3)
ON CONFLICT (anime_id, staff_id) DO UPDATE SET
	positions = ` + fmt.Sprintf(mergePositionsSQL, "anime_staff")

// LinkAnimeStaff inserts the association. An existing row is left alone or has roles merged in,
// depending on the configured policy.
func (s *Store) LinkAnimeStaff(ctx context.Context, link catalog.AnimeStaff) error {
	query := linkKeepSQL
	if s.association == catalog.AssociationMerge {
		query = linkMergeSQL
	}
	positions := catalog.MergeRoles(nil, link.Positions)
	_, err := s.pool.Exec(ctx, query, link.AnimeID, link.StaffID, positions)
	return s.fail("link_anime_staff", fmt.Sprintf("%d/%d", link.AnimeID, link.StaffID), err)
}

const getStaffSQL = `SELECT mal_id, name, mal_url, image, positions FROM staff WHERE mal_id = $1`

// GetStaff loads one staff row.
func (s *Store) GetStaff(ctx context.Context, malID int) (catalog.Staff, error) {
	var (
		id  int32
		out catalog.Staff
	)
	err := s.pool.QueryRow(ctx, getStaffSQL, malID).Scan(&id, &out.Name, &out.URL, &out.Image, &out.Positions)
	if err != nil {
		return catalog.Staff{}, s.fail("get_staff", strconv.Itoa(malID), err)
	}
	out.MalID = int(id)
	return out, nil
}

func (s *Store) fail(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		err = catalog.ErrNotFound
	}
	metrics.ObservePersistenceError(op)
	return catalog.Persistence(op, key, err)
}
