package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-catalog-ingest/internal/catalog"
	"github.com/JakeFAU/anime-catalog-ingest/internal/fetcher"
	"github.com/JakeFAU/anime-catalog-ingest/internal/proxy"
	"github.com/JakeFAU/anime-catalog-ingest/internal/storage/memory"
	pubmemory "github.com/JakeFAU/anime-catalog-ingest/internal/publisher/memory"
)

type fixedPages int

func (p fixedPages) PageCount(context.Context) int { return int(p) }

func testPool() *proxy.Pool {
	return proxy.NewPool([]proxy.Endpoint{
		{Address: "10.0.0.1:1080", Kind: proxy.KindSOCKS5},
		{Address: "10.0.0.2:3128", Kind: proxy.KindHTTP},
	})
}

// proxiedClient sends every attempt to srv while reporting pool endpoints as the proxy used.
func proxiedClient(pool *proxy.Pool, srv *httptest.Server) *fetcher.Client {
	return fetcher.New(pool, fetcher.Config{UserAgent: "catalog-test"}, zap.NewNop(),
		fetcher.WithTransportFactory(func(proxy.Endpoint) (http.RoundTripper, error) {
			return srv.Client().Transport, nil
		}))
}

var policy = fetcher.RetryPolicy{MaxAttempts: 2, PerAttemptTimeout: time.Second}

type fixture struct {
	store   *memory.CatalogStore
	archive *memory.BlobStore
	pub     *pubmemory.Publisher
	runner  *Runner
}

func newFixture(t *testing.T, srv *httptest.Server, pool *proxy.Pool, store catalog.Store) fixture {
	t.Helper()
	mem := memory.NewCatalogStore(catalog.AssociationKeep)
	if store == nil {
		store = mem
	}
	f := fixture{store: mem, archive: memory.NewBlobStore(), pub: pubmemory.New()}
	runner, err := New(Env{
		Store:         store,
		Pool:          pool,
		Fetcher:       proxiedClient(pool, srv),
		Direct:        fetcher.NewDirect(fetcher.Config{}, nil),
		Pages:         fixedPages(3),
		Archive:       f.archive,
		ArchivePrefix: "raw",
		Publisher:     f.pub,
		Topic:         "catalog-runs",
		Logger:        zap.NewNop(),
	}, Config{
		Harvest: HarvestConfig{URL: srv.URL + "/az-list?page=", WaveSize: 2, Policy: policy},
		Details: StageConfig{URL: srv.URL + "/anime", ChunkSize: 2, Policy: policy},
		Staff:   StageConfig{URL: srv.URL + "/jikan/anime/", ChunkSize: 1, MaxConcurrency: 2, Policy: policy},
	})
	require.NoError(t, err)
	f.runner = runner
	return f
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(Env{}, Config{})
	require.Error(t, err)
}

func TestHarvestRegistersListedIDs(t *testing.T) {
	t.Parallel()

	var page2 atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/az-list", r.URL.Path)
		switch r.URL.Query().Get("page") {
		case "1":
			_, _ = w.Write([]byte(`[{"id":"naruto-677","name":"Naruto","episodes":{"sub":220}},{"id":"bleach-806"}]`))
		case "2":
			page2.Add(1)
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		case "3":
			_, _ = w.Write([]byte(`[{"id":"bleach-806"},{"id":"one-piece-100"}]`))
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, srv, testPool(), nil)
	s, err := f.runner.Harvest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageHarvest, s.Stage)
	assert.Equal(t, 3, s.Pages)
	assert.Equal(t, 3, s.Dispatch.Items)
	assert.Equal(t, 2, s.Dispatch.Succeeded)
	assert.Equal(t, 1, s.Dispatch.Failed)
	assert.Equal(t, int32(policy.MaxAttempts), page2.Load())
	assert.Equal(t, 4, s.Rows["anime_id"])

	ids, err := f.store.ListCatalogIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"naruto-677", "bleach-806", "one-piece-100"}, ids)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "catalog-runs", msgs[0].Topic)
	assert.Equal(t, StageHarvest, msgs[0].Attributes["stage"])
	assert.Equal(t, s.RunID.String(), msgs[0].Attributes["run_id"])
}

func TestHarvestFallsBackToDirectWithoutProxies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"id":"page-%s"}]`, r.URL.Query().Get("page"))
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, srv, proxy.NewPool(nil), nil)
	s, err := f.runner.Harvest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Dispatch.Succeeded)
	ids, err := f.store.ListCatalogIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"page-1", "page-2", "page-3"}, ids)
}

func detailServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		switch r.URL.Path {
		case "/anime/naruto-677":
			_, _ = w.Write([]byte(`{
				"id": 677, "title": "Naruto", "mal_id": "20", "sub_episodes": 220,
				"episodes": [
					{"id": "naruto-677?ep=1", "title": "Enter: Naruto Uzumaki!", "episode_no": 1},
					{"id": "naruto-677?ep=2", "title": "My Name is Konohamaru!", "episode_no": "2", "is_filler": true},
					{"id": "", "title": "orphan", "episode_no": 3}
				]
			}`))
		case "/anime/bleach-806":
			_, _ = w.Write([]byte(`{"id": 806, "mal_id": 269, "episodes": []}`))
		case "/anime/gone-1":
			http.NotFound(w, r)
		case "/anime/broken-2":
			_, _ = w.Write([]byte(`{"title": "no id"}`))
		case "/anime/garbled-3":
			_, _ = w.Write([]byte(`{"id": "abc", "title": "garbled", "episodes": [{"id": "garbled-3?ep=1"}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func registerAll(t *testing.T, store catalog.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.RegisterCatalogID(context.Background(), id))
	}
}

func TestDetailsUpsertsRecordsAndEpisodes(t *testing.T) {
	t.Parallel()

	srv := detailServer(t, nil)
	f := newFixture(t, srv, testPool(), nil)
	registerAll(t, f.store, "naruto-677", "bleach-806", "gone-1", "broken-2")

	s, err := f.runner.Details(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Dispatch.Groups)
	assert.Equal(t, 2, s.Dispatch.Succeeded)
	assert.Equal(t, 2, s.Dispatch.Failed)
	assert.Equal(t, 2, s.Rows["anime"])
	assert.Equal(t, 2, s.Rows["episodes"])

	naruto, err := f.store.GetAnime(677)
	require.NoError(t, err)
	assert.Equal(t, "Naruto", naruto.Title)
	assert.Equal(t, 20, naruto.MalID)
	assert.Equal(t, catalog.DefaultDescription, naruto.Description)
	assert.Equal(t, catalog.DefaultMalScore, naruto.MalScore)

	bleach, err := f.store.GetAnime(806)
	require.NoError(t, err)
	assert.Equal(t, catalog.DefaultTitle, bleach.Title)

	eps := f.store.Episodes(677)
	require.Len(t, eps, 2)
	assert.Equal(t, 2, eps[1].EpisodeNo)
	assert.True(t, eps[1].IsFiller)

	paths := f.archive.Paths()
	require.Len(t, paths, 2)
	for _, p := range paths {
		assert.True(t, strings.HasPrefix(p, "raw/details/"), p)
		assert.True(t, strings.HasSuffix(p, ".json"), p)
	}
}

func TestDetailsRejectsMalformedID(t *testing.T) {
	t.Parallel()

	srv := detailServer(t, nil)
	f := newFixture(t, srv, testPool(), nil)
	registerAll(t, f.store, "garbled-3", "bleach-806")

	s, err := f.runner.Details(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Dispatch.Succeeded)
	assert.Equal(t, 1, s.Dispatch.Failed)

	_, err = f.store.GetAnime(0)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	assert.Empty(t, f.store.Episodes(0))
	assert.Equal(t, 1, f.store.Counts()["anime"])
}

func TestDetailsIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := detailServer(t, nil)
	f := newFixture(t, srv, testPool(), nil)
	registerAll(t, f.store, "naruto-677", "bleach-806")

	for range 2 {
		_, err := f.runner.Details(context.Background())
		require.NoError(t, err)
	}
	counts := f.store.Counts()
	assert.Equal(t, 2, counts["anime"])
	assert.Equal(t, 2, counts["episodes"])
}

func TestDetailsAbortsWithoutProxies(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := detailServer(t, &hits)
	f := newFixture(t, srv, proxy.NewPool(nil), nil)
	registerAll(t, f.store, "naruto-677")

	_, err := f.runner.Details(context.Background())
	require.ErrorIs(t, err, proxy.ErrNoProxies)
	assert.Zero(t, hits.Load())
	assert.Empty(t, f.pub.Messages())
}

type failingEpisodes struct {
	*memory.CatalogStore
	episode string
}

func (s failingEpisodes) UpsertEpisode(ctx context.Context, e catalog.Episode) error {
	if e.ID == s.episode {
		return catalog.Persistence("upsert_episode", e.ID, errors.New("deadlock detected"))
	}
	return s.CatalogStore.UpsertEpisode(ctx, e)
}

func TestDetailsEpisodeFailureKeepsItemProcessed(t *testing.T) {
	t.Parallel()

	srv := detailServer(t, nil)
	mem := memory.NewCatalogStore("")
	f := newFixture(t, srv, testPool(), failingEpisodes{CatalogStore: mem, episode: "naruto-677?ep=1"})
	registerAll(t, mem, "naruto-677")

	s, err := f.runner.Details(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Dispatch.Succeeded)
	assert.Equal(t, 1, s.Rows["episodes"])
	assert.Equal(t, 1, s.Failures["episodes"])
	require.Len(t, mem.Episodes(677), 1)
}

func staffServer(t *testing.T) *httptest.Server {
	t.Helper()
	roster := func(entries ...string) []byte {
		return []byte(`{"data":[` + strings.Join(entries, ",") + `]}`)
	}
	person := func(id int, name string, roles ...string) string {
		b, _ := json.Marshal(roles)
		return fmt.Sprintf(`{"person":{"mal_id":%d,"url":"https://mal/people/%d","images":{"jpg":{"image_url":"https://img/%d.jpg"}},"name":%q},"positions":%s}`,
			id, id, id, name, b)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jikan/anime/20/staff":
			_, _ = w.Write(roster(person(1, "Date, Hayato", "Director"), person(2, "Kishimoto, Masashi", "Original Creator")))
		case "/jikan/anime/269/staff":
			_, _ = w.Write(roster(person(1, "Date, Hayato", "Storyboard", "Director")))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStaffMergesRolesAndLinksEveryRecord(t *testing.T) {
	t.Parallel()

	srv := staffServer(t)
	f := newFixture(t, srv, testPool(), nil)
	ctx := context.Background()
	for _, a := range []catalog.Anime{{ID: 677, MalID: 20}, {ID: 678, MalID: 20}, {ID: 806, MalID: 269}, {ID: 900}} {
		require.NoError(t, f.store.UpsertAnime(ctx, a))
	}

	s, err := f.runner.Staff(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Dispatch.Items)
	assert.Equal(t, 2, s.Dispatch.Succeeded)

	date, err := f.store.GetStaff(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Director", "Storyboard"}, date.Positions)
	assert.Equal(t, "https://img/1.jpg", date.Image)

	for _, animeID := range []int{677, 678} {
		link, ok := f.store.Association(animeID, 2)
		require.True(t, ok, "anime %d", animeID)
		assert.Equal(t, []string{"Original Creator"}, link.Positions)
	}
	link, ok := f.store.Association(806, 1)
	require.True(t, ok)
	assert.Equal(t, []string{"Storyboard", "Director"}, link.Positions)
	assert.Equal(t, 5, f.store.Counts()["anime_staff"])
	assert.Len(t, f.archive.Paths(), 2)
}

func TestStaffAbortsWithoutProxies(t *testing.T) {
	t.Parallel()

	srv := staffServer(t)
	f := newFixture(t, srv, nil, nil)
	_, err := f.runner.Staff(context.Background())
	require.ErrorIs(t, err, proxy.ErrNoProxies)
}

func TestAllRunsStagesInOrder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/az-list":
			fmt.Fprintf(w, `[{"id":"item-%s"}]`, r.URL.Query().Get("page"))
		case strings.HasPrefix(r.URL.Path, "/anime/item-"):
			n := strings.TrimPrefix(r.URL.Path, "/anime/item-")
			fmt.Fprintf(w, `{"id":%s,"mal_id":%s}`, n, n)
		case strings.HasPrefix(r.URL.Path, "/jikan/anime/"):
			_, _ = w.Write([]byte(`{"data":[{"person":{"mal_id":9,"name":"Someone"},"positions":["Director"]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, srv, testPool(), nil)
	summaries, err := f.runner.All(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, []string{StageHarvest, StageDetails, StageStaff},
		[]string{summaries[0].Stage, summaries[1].Stage, summaries[2].Stage})
	counts := f.store.Counts()
	assert.Equal(t, 3, counts["anime_id"])
	assert.Equal(t, 3, counts["anime"])
	assert.Equal(t, 1, counts["staff"])
	assert.Equal(t, 3, counts["anime_staff"])
	assert.Len(t, f.pub.Messages(), 3)
}

func TestAllStopsAtAbortingStage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, srv, proxy.NewPool(nil), nil)
	summaries, err := f.runner.All(context.Background())
	require.ErrorIs(t, err, proxy.ErrNoProxies)
	assert.Len(t, summaries, 2)
}

func TestOutcomeClassification(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "decode_failed", outcome(&fetcher.DecodeError{URL: "u", Err: errors.New("x")}))
	assert.Equal(t, "persist_failed", outcome(catalog.Persistence("upsert_anime", "1", errors.New("x"))))
	assert.Equal(t, "canceled", outcome(fmt.Errorf("fetch: %w", context.Canceled)))
	assert.Equal(t, "fetch_failed", outcome(&fetcher.ExhaustedError{URL: "u", Attempts: 5}))
}

func TestStagesRequireURLs(t *testing.T) {
	t.Parallel()

	runner, err := New(Env{
		Store:   memory.NewCatalogStore(""),
		Pool:    testPool(),
		Fetcher: fetcher.NewDirect(fetcher.Config{}, nil),
		Pages:   fixedPages(1),
	}, Config{})
	require.NoError(t, err)

	_, err = runner.Harvest(context.Background())
	require.ErrorContains(t, err, "listing url")
	_, err = runner.Details(context.Background())
	require.ErrorContains(t, err, "source url")
	_, err = runner.Staff(context.Background())
	require.ErrorContains(t, err, "source url")
}
