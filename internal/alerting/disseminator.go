package alerting

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"patient-monitor/internal/models"
	"patient-monitor/internal/realtime"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

type AlertStore interface {
	InsertAlert(ctx context.Context, a models.Alert) (int64, error)
	GetAlert(ctx context.Context, id int64) (*models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64, at time.Time) error
	DoctorEmails(ctx context.Context) ([]string, error)
}

// Disseminator persists alerts, pushes them to dashboards and emails the
// on-call doctors. Each step is independent: a failed broadcast or email never
// undoes the stored alert.
type Disseminator struct {
	store           AlertStore
	publisher       realtime.Publisher
	mailer          Mailer
	from            string
	fallbackAddress string
	logger          *zap.Logger
	now             func() time.Time
	notifications   chan *models.Alert
}

// NewDisseminator wires the alert path. mailer may be nil, which disables
// email entirely.
func NewDisseminator(store AlertStore, publisher realtime.Publisher, mailer Mailer, from, fallbackAddress string, logger *zap.Logger) *Disseminator {
	return &Disseminator{
		store:           store,
		publisher:       publisher,
		mailer:          mailer,
		from:            from,
		fallbackAddress: fallbackAddress,
		logger:          logger.With(zap.String("component", "disseminator")),
		now:             time.Now,
	}
}

// Raise stores the alert, broadcasts "alerts:new" and notifies staff. Only a
// failed insert is returned; later failures are logged.
func (d *Disseminator) Raise(ctx context.Context, alert models.Alert) (*models.Alert, error) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = d.now().UTC()
	}
	id, err := d.store.InsertAlert(ctx, alert)
	if err != nil {
		return nil, err
	}
	alert.ID = id

	stored, err := d.store.GetAlert(ctx, id)
	if err != nil {
		d.logger.Warn("Failed to read back alert, broadcasting unjoined row", zap.Int64("alert_id", id), zap.Error(err))
		stored = &alert
	}

	d.publisher.Publish(ctx, realtime.EventAlertNew, stored)
	d.logger.Info("Alert raised",
		zap.Int64("alert_id", stored.ID),
		zap.String("patient_id", stored.PatientID),
		zap.String("type", string(stored.Type)),
		zap.String("severity", string(stored.Severity)),
	)

	d.enqueueNotify(ctx, stored)
	return stored, nil
}

// StartNotifier moves alert emails off the caller's goroutine onto a single
// worker fed by a queue of queueSize. When the queue is full the mail is sent
// inline. The returned channel closes once the worker has stopped, which
// happens after ctx is cancelled and the queue is drained.
// It must be called before the first Raise.
func (d *Disseminator) StartNotifier(ctx context.Context, queueSize int) <-chan struct{} {
	if queueSize < 1 {
		queueSize = 1
	}
	d.notifications = make(chan *models.Alert, queueSize)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case alert := <-d.notifications:
				d.Notify(context.WithoutCancel(ctx), alert)
			case <-ctx.Done():
				for {
					select {
					case alert := <-d.notifications:
						d.Notify(context.WithoutCancel(ctx), alert)
					default:
						return
					}
				}
			}
		}
	}()
	return done
}

func (d *Disseminator) enqueueNotify(ctx context.Context, alert *models.Alert) {
	if d.notifications == nil || d.mailer == nil {
		d.Notify(ctx, alert)
		return
	}
	select {
	case d.notifications <- alert:
	default:
		d.logger.Warn("Notification queue full, sending inline", zap.Int64("alert_id", alert.ID))
		d.Notify(ctx, alert)
	}
}

// Acknowledge marks an alert acknowledged and broadcasts "alerts:update".
// Acknowledging an already acknowledged alert succeeds and re-broadcasts the
// same payload.
func (d *Disseminator) Acknowledge(ctx context.Context, id int64) error {
	if err := d.store.AcknowledgeAlert(ctx, id, d.now().UTC()); err != nil {
		return err
	}
	d.publisher.Publish(ctx, realtime.EventAlertUpdate, models.AlertUpdate{ID: id, Acknowledged: true})
	return nil
}

// Recipients returns doctor addresses plus the fallback address, de-duplicated
// and filtered to syntactically valid addresses.
func (d *Disseminator) Recipients(ctx context.Context) []string {
	emails, err := d.store.DoctorEmails(ctx)
	if err != nil {
		d.logger.Warn("Failed to load doctor emails", zap.Error(err))
	}
	if d.fallbackAddress != "" {
		emails = append(emails, d.fallbackAddress)
	}

	seen := make(map[string]struct{}, len(emails))
	var out []string
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if !emailPattern.MatchString(e) {
			continue
		}
		key := strings.ToLower(e)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Notify emails the alert. One blind-copied send is attempted first; if it
// fails every recipient is tried on its own so a bad address cannot block the
// rest.
func (d *Disseminator) Notify(ctx context.Context, alert *models.Alert) {
	if d.mailer == nil {
		return
	}
	recipients := d.Recipients(ctx)
	if len(recipients) == 0 {
		return
	}

	subject, body := composeAlertMail(alert)
	d.logger.Info("Sending alert mail", zap.Int64("alert_id", alert.ID), zap.Int("recipients", len(recipients)))

	err := d.mailer.Send(ctx, Message{From: d.from, To: []string{d.from}, Bcc: recipients, Subject: subject, Body: body})
	if err == nil {
		return
	}
	d.logger.Warn("BCC send failed, falling back to per-recipient", zap.Int64("alert_id", alert.ID), zap.Error(err))

	for _, addr := range recipients {
		if err := d.mailer.Send(ctx, Message{From: d.from, To: []string{addr}, Subject: subject, Body: body}); err != nil {
			d.logger.Error("Alert mail failed", zap.String("recipient", addr), zap.Error(err))
		}
	}
}

func composeAlertMail(a *models.Alert) (subject, body string) {
	patientID := a.PatientID
	if patientID == "" {
		patientID = "Unknown"
	}
	severity := strings.ToUpper(string(a.Severity))
	if severity == "" {
		severity = "INFO"
	}
	alertType := string(a.Type)
	if alertType == "" {
		alertType = "alert"
	}
	subject = fmt.Sprintf("[%s] Patient %s %s", severity, patientID, alertType)

	lines := []string{
		"Patient: " + patientID,
		"Type: " + alertType,
		"Severity: " + severity,
	}
	if a.Message != "" {
		lines = append(lines, "Message: "+a.Message)
	}
	var vitals []string
	if a.HeartRate != nil {
		vitals = append(vitals, fmt.Sprintf("HR: %d", *a.HeartRate))
	}
	if a.SpO2 != nil {
		vitals = append(vitals, fmt.Sprintf("SpO2: %d", *a.SpO2))
	}
	if len(vitals) > 0 {
		lines = append(lines, "Vitals: "+strings.Join(vitals, " | "))
	}
	if !a.Timestamp.IsZero() {
		lines = append(lines, "Time: "+a.Timestamp.UTC().Format(time.RFC3339))
	}
	return subject, strings.Join(lines, "\n")
}
