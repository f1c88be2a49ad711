package services

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/mescon/Mediamend/internal/catalog"
	"github.com/mescon/Mediamend/internal/config"
	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/eventbus"
	"github.com/mescon/Mediamend/internal/testutil"
)

var testEpoch = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := testutil.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T) (*catalog.Store, *testutil.MockClock) {
	t.Helper()
	clk := testutil.NewMockClockAt(testEpoch)
	return catalog.NewStore(newTestDB(t), clk), clk
}

// newTestLibrary returns a movie and a tv profile rooted in fresh temp dirs,
// each sampled at one minute.
func newTestLibrary(t *testing.T) *config.Library {
	t.Helper()
	return &config.Library{
		Profiles: []domain.MediaProfile{
			{Type: "movie", Root: t.TempDir(), Checkpoints: []int{60}},
			{Type: "tv", Root: t.TempDir(), Checkpoints: []int{60}},
		},
		Extensions: config.DefaultExtensions,
	}
}

func root(t *testing.T, lib *config.Library, mt domain.MediaType) string {
	t.Helper()
	p, ok := lib.Profile(mt)
	if !ok {
		t.Fatalf("no %s profile", mt)
	}
	return p.Root
}

// recordingPublisher captures published events synchronously.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

var _ eventbus.Publisher = (*recordingPublisher)(nil)

func (p *recordingPublisher) Publish(e domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Subscribe(domain.EventType, func(domain.Event)) {}

func (p *recordingPublisher) ofType(et domain.EventType) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, e := range p.events {
		if e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}

func mustUpsert(t *testing.T, store *catalog.Store, rec domain.FileRecord) {
	t.Helper()
	if err := store.Upsert(t.Context(), rec); err != nil {
		t.Fatalf("Upsert(%s): %v", rec.Path, err)
	}
}

func mustGet(t *testing.T, store *catalog.Store, path string) domain.FileRecord {
	t.Helper()
	rec, err := store.Get(t.Context(), path)
	if err != nil {
		t.Fatalf("Get(%s): %v", path, err)
	}
	return rec
}
