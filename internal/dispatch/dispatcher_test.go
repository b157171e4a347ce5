package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mr1hm/go-lab-alerts/internal/models"
	"github.com/mr1hm/go-lab-alerts/internal/repository"
)

type stubLister struct {
	devices []models.Device
	err     error
}

func (s *stubLister) ListOnline(context.Context) ([]models.Device, error) {
	return s.devices, s.err
}

type memRecorder struct {
	mu   sync.Mutex
	recs []models.DeliveryRecord
}

func (m *memRecorder) Record(rec models.DeliveryRecord) {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
}

func deviceFor(t *testing.T, name string, srv *httptest.Server) models.Device {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("bad server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return models.Device{Name: name, Address: u.Hostname(), Port: port, Status: models.DeviceOnline}
}

func testAlert() *models.Alert {
	conf := 91.0
	return &models.Alert{
		ID:              "alert-1",
		AlertType:       "unauthorized_access",
		Severity:        models.SeverityHigh,
		SourceDevice:    "esp32-door",
		DetectedPerson:  models.UnknownPerson,
		ConfidenceScore: &conf,
		CreatedAt:       time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestDispatcher_BroadcastPayload(t *testing.T) {
	var (
		mu   sync.Mutex
		got  models.PushPayload
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lister := &stubLister{devices: []models.Device{deviceFor(t, "rx-1", srv)}}
	rec := &memRecorder{}
	d := New(lister, Options{Timeout: time.Second}, rec)

	report, err := d.Broadcast(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if report.Attempted != 1 || report.Succeeded != 1 || len(report.Failures) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/alert" {
		t.Errorf("expected POST to /alert, got %s", path)
	}
	if got.Type != "unauthorized_access" || got.Severity != models.SeverityHigh {
		t.Errorf("unexpected payload: %+v", got)
	}
	if got.Timestamp != "2026-03-01T09:30:00Z" {
		t.Errorf("expected RFC3339 timestamp, got %s", got.Timestamp)
	}
	if got.Message == "" {
		t.Error("expected a message")
	}
	if got.Confidence == nil || *got.Confidence != 91 || got.Source != "esp32-door" {
		t.Errorf("expected optional confidence and source, got %+v", got)
	}

	if len(rec.recs) != 1 || !rec.recs[0].Success || rec.recs[0].StatusCode != http.StatusOK {
		t.Errorf("expected one successful record, got %+v", rec.recs)
	}
}

func TestDispatcher_PartialDelivery(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ok.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	lister := &stubLister{devices: []models.Device{
		deviceFor(t, "ok", ok),
		deviceFor(t, "slow", slow),
		deviceFor(t, "broken", broken),
	}}
	d := New(lister, Options{Timeout: 100 * time.Millisecond}, nil)

	start := time.Now()
	report, err := d.Broadcast(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("pushes should run concurrently within the timeout, took %v", elapsed)
	}

	if report.Attempted != 3 || report.Succeeded != 1 || report.Failed() != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	byDevice := map[string]models.DeliveryError{}
	for _, f := range report.Failures {
		byDevice[f.Device] = f
	}
	if f, ok := byDevice["broken"]; !ok || f.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected broken failure with status 500, got %+v", f)
	}
	if f, ok := byDevice["slow"]; !ok || f.Err == nil {
		t.Errorf("expected slow failure with timeout error, got %+v", f)
	}
}

func TestDispatcher_NoReceivers(t *testing.T) {
	d := New(&stubLister{}, Options{}, nil)

	report, err := d.Broadcast(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if report.Attempted != 0 || report.Succeeded != 0 {
		t.Errorf("expected empty report, got %+v", report)
	}
}

func TestDispatcher_UnreachableReceiver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dev := deviceFor(t, "gone", srv)
	srv.Close()

	d := New(&stubLister{devices: []models.Device{dev}}, Options{Timeout: time.Second}, nil)
	report, err := d.Broadcast(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("receiver failures must not fail the broadcast: %v", err)
	}
	if report.Succeeded != 0 || len(report.Failures) != 1 {
		t.Errorf("expected one failure, got %+v", report)
	}
}

func TestDispatcher_RegistryErrorIsHard(t *testing.T) {
	boom := errors.New("registry unavailable")
	d := New(&stubLister{err: boom}, Options{}, nil)

	_, err := d.Broadcast(context.Background(), testAlert())
	if !errors.Is(err, boom) {
		t.Errorf("expected registry error, got %v", err)
	}
}

func TestDispatcher_ConcurrencyLimit(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
	}))
	defer srv.Close()

	var devices []models.Device
	for i := 0; i < 8; i++ {
		devices = append(devices, deviceFor(t, "rx-"+strconv.Itoa(i), srv))
	}
	d := New(&stubLister{devices: devices}, Options{Timeout: time.Second, MaxConcurrency: 2}, nil)

	report, err := d.Broadcast(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if report.Succeeded != 8 {
		t.Errorf("expected 8 successes, got %d", report.Succeeded)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent pushes, saw %d", peak)
	}
}

func TestDispatcher_WarnsWhenPushesQueue(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	devices := []models.Device{
		deviceFor(t, "rx-0", srv),
		deviceFor(t, "rx-1", srv),
		deviceFor(t, "rx-2", srv),
	}

	d := New(&stubLister{devices: devices[:2]}, Options{Timeout: time.Second, MaxConcurrency: 2}, nil)
	if _, err := d.Broadcast(context.Background(), testAlert()); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if strings.Contains(buf.String(), "queued behind concurrency limit") {
		t.Errorf("unexpected queue warning at the limit: %s", buf.String())
	}

	d = New(&stubLister{devices: devices}, Options{Timeout: time.Second, MaxConcurrency: 2}, nil)
	report, err := d.Broadcast(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if report.Succeeded != 3 {
		t.Errorf("expected 3 successes, got %d", report.Succeeded)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "queued=1") {
		t.Errorf("expected queue warning with queued=1, got: %s", out)
	}
}

func TestAuditor_PersistsRecords(t *testing.T) {
	db, err := repository.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer db.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	auditor := NewAuditor(db, 1, 8)
	auditor.Start(context.Background())

	d := New(&stubLister{devices: []models.Device{deviceFor(t, "rx-1", srv)}}, Options{Timeout: time.Second}, auditor)
	if _, err := d.Broadcast(context.Background(), testAlert()); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	auditor.Stop()

	recs, err := db.ListDeliveries(context.Background(), "alert-1")
	if err != nil {
		t.Fatalf("ListDeliveries failed: %v", err)
	}
	if len(recs) != 1 || recs[0].DeviceName != "rx-1" || !recs[0].Success {
		t.Errorf("unexpected delivery records: %+v", recs)
	}
}

func TestAuditor_DropsWhenStopped(t *testing.T) {
	db, err := repository.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer db.Close()

	auditor := NewAuditor(db, 1, 1)
	auditor.Start(context.Background())
	auditor.Stop()

	// must not block or panic
	auditor.Record(models.DeliveryRecord{AlertID: "late"})
}
