package alerting

import (
	"context"
	"errors"
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

type fakeStore struct {
	mu        sync.Mutex
	alerts    map[int64]*models.Alert
	nextID    int64
	doctors   []string
	insertErr error
	getErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: make(map[int64]*models.Alert)}
}

func (s *fakeStore) InsertAlert(_ context.Context, a models.Alert) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.nextID++
	a.ID = s.nextID
	s.alerts[a.ID] = &a
	return a.ID, nil
}

func (s *fakeStore) GetAlert(_ context.Context, id int64) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	a, ok := s.alerts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := *a
	name := "ESP32 Patient"
	out.Name = &name
	return &out, nil
}

func (s *fakeStore) AcknowledgeAlert(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return database.ErrNotFound
	}
	a.Acknowledged = true
	if a.AcknowledgedAt == nil {
		a.AcknowledgedAt = &at
	}
	return nil
}

func (s *fakeStore) DoctorEmails(context.Context) ([]string, error) {
	return s.doctors, nil
}

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

type fakeMailer struct {
	mu       sync.Mutex
	sent     []Message
	failBCC  bool
	failTo   map[string]bool
	attempts int
}

func (m *fakeMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if len(msg.Bcc) > 0 && m.failBCC {
		return errors.New("550 too many recipients")
	}
	for _, to := range msg.To {
		if m.failTo[to] {
			return errors.New("550 mailbox unavailable")
		}
	}
	m.sent = append(m.sent, msg)
	return nil
}

func TestRaise_PersistsBroadcastsAndMails(t *testing.T) {
	store := newFakeStore()
	store.doctors = []string{"house@example.com"}
	pub := &recordingPublisher{}
	mailer := &fakeMailer{}
	d := NewDisseminator(store, pub, mailer, "alerts@example.com", "oncall@example.com", zap.NewNop())

	stored, err := d.Raise(context.Background(), Emergency("P001", "Patient fell", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ID)
	require.NotNil(t, stored.Name)
	assert.False(t, stored.Timestamp.IsZero())

	require.Len(t, pub.events, 1)
	assert.Equal(t, realtime.EventAlertNew, pub.events[0].event)
	assert.Equal(t, stored, pub.events[0].data)

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, []string{"alerts@example.com"}, msg.To)
	assert.Equal(t, []string{"house@example.com", "oncall@example.com"}, msg.Bcc)
	assert.Equal(t, "[CRITICAL] Patient P001 emergency", msg.Subject)
	assert.Contains(t, msg.Body, "Message: Patient fell")
	assert.NotContains(t, msg.Body, "Vitals:")
}

func TestRaise_InsertFailureStopsPipeline(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("database is locked")
	pub := &recordingPublisher{}
	mailer := &fakeMailer{}
	d := NewDisseminator(store, pub, mailer, "alerts@example.com", "oncall@example.com", zap.NewNop())

	_, err := d.Raise(context.Background(), Emergency("P001", "", nil, nil))
	assert.Error(t, err)
	assert.Empty(t, pub.events)
	assert.Zero(t, mailer.attempts)
}

func TestRaise_ReadBackFailureStillBroadcasts(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("read failed")
	pub := &recordingPublisher{}
	d := NewDisseminator(store, pub, nil, "alerts@example.com", "", zap.NewNop())

	stored, err := d.Raise(context.Background(), DefaultThresholds().Evaluate("P001", models.IntPtr(130), nil)[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ID)
	assert.Nil(t, stored.Name)
	require.Len(t, pub.events, 1)
}

func TestNotify_FallsBackToIndividualSends(t *testing.T) {
	store := newFakeStore()
	store.doctors = []string{"house@example.com", "broken@example.com", "grey@example.com"}
	mailer := &fakeMailer{failBCC: true, failTo: map[string]bool{"broken@example.com": true}}
	d := NewDisseminator(store, &recordingPublisher{}, mailer, "alerts@example.com", "", zap.NewNop())

	d.Notify(context.Background(), &models.Alert{ID: 3, PatientID: "P001", Type: models.AlertSpO2, Severity: models.SeverityCritical, SpO2: models.IntPtr(85)})

	// 1 batched attempt + 3 individual attempts.
	assert.Equal(t, 4, mailer.attempts)
	require.Len(t, mailer.sent, 2)
	assert.Equal(t, []string{"house@example.com"}, mailer.sent[0].To)
	assert.Equal(t, []string{"grey@example.com"}, mailer.sent[1].To)
	assert.Empty(t, mailer.sent[0].Bcc)
	assert.Contains(t, mailer.sent[0].Body, "Vitals: SpO2: 85")
}

func TestNotify_SkipsWithoutMailerOrRecipients(t *testing.T) {
	store := newFakeStore()
	d := NewDisseminator(store, &recordingPublisher{}, nil, "alerts@example.com", "oncall@example.com", zap.NewNop())
	d.Notify(context.Background(), &models.Alert{ID: 1})

	mailer := &fakeMailer{}
	d = NewDisseminator(store, &recordingPublisher{}, mailer, "alerts@example.com", "", zap.NewNop())
	d.Notify(context.Background(), &models.Alert{ID: 1})
	assert.Zero(t, mailer.attempts)
}

func TestRecipients_FiltersAndDeduplicates(t *testing.T) {
	store := newFakeStore()
	store.doctors = []string{"house@example.com", "not-an-email", "House@Example.com", "", "with space@example.com", "grey@example.org"}
	d := NewDisseminator(store, &recordingPublisher{}, nil, "", "grey@example.org", zap.NewNop())

	assert.Equal(t, []string{"house@example.com", "grey@example.org"}, d.Recipients(context.Background()))
}

func TestAcknowledge_IsIdempotent(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	d := NewDisseminator(store, pub, nil, "", "", zap.NewNop())
	ctx := context.Background()

	stored, err := d.Raise(ctx, Emergency("P001", "Patient fell", nil, nil))
	require.NoError(t, err)

	require.NoError(t, d.Acknowledge(ctx, stored.ID))
	require.NoError(t, d.Acknowledge(ctx, stored.ID))

	a, err := store.GetAlert(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)

	require.Len(t, pub.events, 3)
	for _, ev := range pub.events[1:] {
		assert.Equal(t, realtime.EventAlertUpdate, ev.event)
		assert.Equal(t, models.AlertUpdate{ID: stored.ID, Acknowledged: true}, ev.data)
	}

	err = d.Acknowledge(ctx, 999)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Len(t, pub.events, 3)
}

func TestComposeAlertMail(t *testing.T) {
	ts := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	subject, body := composeAlertMail(&models.Alert{
		PatientID: "P001",
		Type:      models.AlertHeartRate,
		Severity:  models.SeverityWarning,
		Message:   "High heart rate detected",
		HeartRate: models.IntPtr(130),
		SpO2:      models.IntPtr(95),
		Timestamp: ts,
	})
	assert.Equal(t, "[WARNING] Patient P001 heart_rate", subject)
	assert.Equal(t, "Patient: P001\nType: heart_rate\nSeverity: WARNING\nMessage: High heart rate detected\nVitals: HR: 130 | SpO2: 95\nTime: 2026-10-17T09:30:00Z", body)
}

type gatedMailer struct {
	release chan struct{}
	mu      sync.Mutex
	sent    []Message
}

func (m *gatedMailer) Send(ctx context.Context, msg Message) error {
	select {
	case <-m.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *gatedMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestRaise_ReturnsBeforeMailIsSent(t *testing.T) {
	store := newFakeStore()
	store.doctors = []string{"house@example.com"}
	mailer := &gatedMailer{release: make(chan struct{})}
	d := NewDisseminator(store, &recordingPublisher{}, mailer, "alerts@example.com", "", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := d.StartNotifier(ctx, 8)

	raised := make(chan struct{})
	go func() {
		defer close(raised)
		_, err := d.Raise(context.Background(), Emergency("P001", "Patient fell", nil, nil))
		assert.NoError(t, err)
	}()

	select {
	case <-raised:
	case <-time.After(2 * time.Second):
		t.Fatal("Raise blocked on mail delivery")
	}
	assert.Zero(t, mailer.sentCount())

	close(mailer.release)
	assert.Eventually(t, func() bool { return mailer.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier did not stop")
	}
}

func TestStartNotifier_DrainsQueueOnShutdown(t *testing.T) {
	store := newFakeStore()
	store.doctors = []string{"house@example.com"}
	mailer := &gatedMailer{release: make(chan struct{})}
	d := NewDisseminator(store, &recordingPublisher{}, mailer, "alerts@example.com", "", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := d.StartNotifier(ctx, 8)
	for i := 0; i < 3; i++ {
		_, err := d.Raise(context.Background(), Emergency("P001", "", nil, nil))
		require.NoError(t, err)
	}

	cancel()
	close(mailer.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier did not stop")
	}
	assert.Equal(t, 3, mailer.sentCount())
}
