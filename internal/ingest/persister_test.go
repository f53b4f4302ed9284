package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"patient-monitor/internal/database"
	"patient-monitor/internal/models"
	"patient-monitor/internal/realtime"
)

type published struct {
	event string
	data  any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, event string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{event: event, data: data})
}

func (p *recordingPublisher) named(event string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.events {
		if e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRepository(t *testing.T) *database.Repository {
	t.Helper()
	repo, err := database.NewRepository(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func TestPersist_CreatesDefaultPatientAndPublishes(t *testing.T) {
	repo := newTestRepository(t)
	pub := &recordingPublisher{}
	p := NewVitalsPersister(repo, pub, "P001", false, zap.NewNop())
	clock := &fakeClock{now: t0}
	p.now = clock.Now

	reading, err := p.Persist(context.Background(), "P001", models.IntPtr(72), nil)
	require.NoError(t, err)
	require.NotNil(t, reading)
	assert.NotZero(t, reading.ID)
	assert.True(t, reading.Timestamp.Equal(t0))

	exists, err := repo.PatientExists(context.Background(), "P001")
	require.NoError(t, err)
	assert.True(t, exists)

	events := pub.named(realtime.EventVitals)
	require.Len(t, events, 1)
	ev := events[0].(models.VitalsEvent)
	assert.Equal(t, "P001", ev.PatientID)
	assert.Equal(t, 72, *ev.HeartRate)
	assert.Nil(t, ev.SpO2)
}

func TestPersist_SkipsUnknownPatientWhenDynamicDisabled(t *testing.T) {
	repo := newTestRepository(t)
	pub := &recordingPublisher{}
	p := NewVitalsPersister(repo, pub, "P001", false, zap.NewNop())
	ctx := context.Background()

	reading, err := p.Persist(ctx, "P999", models.IntPtr(80), models.IntPtr(97))
	require.NoError(t, err)
	assert.Nil(t, reading)
	assert.Empty(t, pub.events)

	exists, err := repo.PatientExists(ctx, "P999")
	require.NoError(t, err)
	assert.False(t, exists)

	// a patient that already exists is always accepted
	require.NoError(t, repo.CreatePatient(ctx, "P999"))
	reading, err = p.Persist(ctx, "P999", models.IntPtr(80), models.IntPtr(97))
	require.NoError(t, err)
	assert.NotNil(t, reading)
}

func TestMayCreate(t *testing.T) {
	strict := NewVitalsPersister(nil, nil, "P001", false, zap.NewNop())
	assert.True(t, strict.MayCreate("P001"))
	assert.False(t, strict.MayCreate("P002"))
	assert.False(t, strict.MayCreate(""))

	open := NewVitalsPersister(nil, nil, "P001", true, zap.NewNop())
	assert.True(t, open.MayCreate("P002"))
}

type failingStore struct{}

func (failingStore) PatientExists(context.Context, string) (bool, error) { return true, nil }
func (failingStore) CreatePatient(context.Context, string) error         { return nil }
func (failingStore) InsertVitals(context.Context, models.VitalsReading) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestPersist_InsertFailureDoesNotPublish(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewVitalsPersister(failingStore{}, pub, "P001", false, zap.NewNop())

	_, err := p.Persist(context.Background(), "P001", models.IntPtr(72), nil)
	assert.Error(t, err)
	assert.Empty(t, pub.events)
}
