package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mr1hm/go-lab-alerts/internal/alerts"
	"github.com/mr1hm/go-lab-alerts/internal/feed"
	"github.com/mr1hm/go-lab-alerts/internal/models"
	"github.com/mr1hm/go-lab-alerts/internal/registry"
	"github.com/mr1hm/go-lab-alerts/internal/repository"
	"github.com/mr1hm/go-lab-alerts/internal/users"
)

// mockDispatcher records broadcasts and reports every push as delivered.
type mockDispatcher struct {
	mu        sync.Mutex
	broadcast []string
	err       error
	lastCtx   context.Context
}

func (m *mockDispatcher) Broadcast(ctx context.Context, a *models.Alert) (*models.DeliveryReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCtx = ctx
	if m.err != nil {
		return nil, m.err
	}
	m.broadcast = append(m.broadcast, a.ID)
	return &models.DeliveryReport{AlertID: a.ID, Attempted: 2, Succeeded: 1, Failures: []models.DeliveryError{
		{Device: "rx-2", Address: "10.0.0.2:8080", StatusCode: 500},
	}}, nil
}

type mockDeviceClient struct {
	statusErr error
	rebooted  []string
}

func (m *mockDeviceClient) Status(_ context.Context, d *models.Device) (*models.StatusReport, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return &models.StatusReport{Uptime: 42, FreeHeap: 1000, WifiSignal: -50, Temperature: 30}, nil
}

func (m *mockDeviceClient) Configure(context.Context, *models.Device, models.DeviceConfig) error {
	return nil
}

func (m *mockDeviceClient) Reboot(d *models.Device) <-chan struct{} {
	m.rebooted = append(m.rebooted, d.Name)
	done := make(chan struct{})
	close(done)
	return done
}

type testEnv struct {
	router     *gin.Engine
	db         *repository.SQLiteDB
	dispatcher *mockDispatcher
	devices    *mockDeviceClient
	feed       *feed.Feed
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := repository.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}

	var f *feed.Feed
	svc := alerts.NewService(db, alerts.PublisherFunc(func(ctx context.Context, c models.AlertChange) error {
		return f.Publish(ctx, c)
	}))
	f = feed.New(svc, 50, time.Second)
	t.Cleanup(func() {
		f.Close()
		db.Close()
	})

	env := &testEnv{
		db:         db,
		dispatcher: &mockDispatcher{},
		devices:    &mockDeviceClient{},
		feed:       f,
	}
	h := NewHandler(Deps{
		Alerts:     svc,
		Dispatcher: env.dispatcher,
		Devices:    registry.New(db, 45*time.Second),
		DeviceAPI:  env.devices,
		Users:      users.NewService(db),
		Deliveries: db,
		Feed:       f,
	})
	env.router = NewRouter(RouterOptions{ServiceName: "test", RateLimitRPS: 1000}, h)
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
	return v
}

func (e *testEnv) createAlert(t *testing.T, body string) models.Alert {
	t.Helper()
	w := e.do(http.MethodPost, "/api/alerts", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[struct {
		Alert models.Alert `json:"alert"`
	}](t, w).Alert
}

func TestHealth(t *testing.T) {
	env := setupTestRouter(t)
	if w := env.do(http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestCreateAlert_BroadcastsAndReports(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(http.MethodPost, "/api/alerts",
		`{"alert_type":"unauthorized_access","severity":"high","source_device":"esp32-door","confidence_score":77}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[struct {
		Alert    models.Alert `json:"alert"`
		Delivery struct {
			Attempted int `json:"attempted"`
			Succeeded int `json:"succeeded"`
			Failures  []struct {
				Device string `json:"device"`
				Error  string `json:"error"`
			} `json:"failures"`
		} `json:"delivery"`
	}](t, w)

	if resp.Alert.ID == "" || resp.Alert.DetectedPerson != models.UnknownPerson {
		t.Errorf("unexpected alert: %+v", resp.Alert)
	}
	if resp.Delivery.Attempted != 2 || resp.Delivery.Succeeded != 1 {
		t.Errorf("unexpected delivery: %+v", resp.Delivery)
	}
	if len(resp.Delivery.Failures) != 1 || resp.Delivery.Failures[0].Device != "rx-2" || resp.Delivery.Failures[0].Error == "" {
		t.Errorf("expected one described failure, got %+v", resp.Delivery.Failures)
	}
	if len(env.dispatcher.broadcast) != 1 || env.dispatcher.broadcast[0] != resp.Alert.ID {
		t.Errorf("expected alert broadcast once, got %v", env.dispatcher.broadcast)
	}
}

func TestCreateAlert_BroadcastSurvivesClientDisconnect(t *testing.T) {
	env := setupTestRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/alerts",
		strings.NewReader(`{"alert_type":"intrusion","severity":"high","source_device":"cam-1"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	cancel()
	env.dispatcher.mu.Lock()
	defer env.dispatcher.mu.Unlock()
	if env.dispatcher.lastCtx == nil {
		t.Fatal("expected a broadcast")
	}
	if err := env.dispatcher.lastCtx.Err(); err != nil {
		t.Errorf("broadcast context cancelled with the request: %v", err)
	}
}

func TestCreateAlert_BroadcastFailureStillCreated(t *testing.T) {
	env := setupTestRouter(t)
	env.dispatcher.err = errors.New("registry down")

	w := env.do(http.MethodPost, "/api/alerts", `{"alert_type":"x","severity":"low","source_device":"d"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 even when broadcast fails, got %d", w.Code)
	}
	resp := decode[map[string]any](t, w)
	if _, ok := resp["delivery_error"]; !ok {
		t.Errorf("expected delivery_error in response, got %v", resp)
	}
}

func TestCreateAlert_Validation(t *testing.T) {
	env := setupTestRouter(t)

	bodies := []string{
		`{"severity":"high","source_device":"d"}`,
		`{"alert_type":"x","severity":"apocalyptic","source_device":"d"}`,
		`{"alert_type":"x","severity":"low","source_device":"d","confidence_score":140}`,
		`{broken`,
	}
	for _, body := range bodies {
		if w := env.do(http.MethodPost, "/api/alerts", body); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for %s, got %d", body, w.Code)
		}
	}
	if len(env.dispatcher.broadcast) != 0 {
		t.Error("invalid alerts must not be broadcast")
	}
}

func TestListAlerts_LimitAndFilters(t *testing.T) {
	env := setupTestRouter(t)

	env.createAlert(t, `{"alert_type":"motion","severity":"low","source_device":"a"}`)
	env.createAlert(t, `{"alert_type":"motion","severity":"high","source_device":"b"}`)
	last := env.createAlert(t, `{"alert_type":"motion","severity":"high","source_device":"a"}`)

	type listResp struct {
		Alerts []models.Alert `json:"alerts"`
		Count  int            `json:"count"`
	}

	all := decode[listResp](t, env.do(http.MethodGet, "/api/alerts", ""))
	if all.Count != 3 || all.Alerts[0].ID != last.ID {
		t.Errorf("expected 3 alerts newest first, got %+v", all)
	}

	limited := decode[listResp](t, env.do(http.MethodGet, "/api/alerts?limit=2", ""))
	if limited.Count != 2 {
		t.Errorf("expected 2 alerts, got %d", limited.Count)
	}

	high := decode[listResp](t, env.do(http.MethodGet, "/api/alerts?severity=HIGH&source=a", ""))
	if high.Count != 1 || high.Alerts[0].ID != last.ID {
		t.Errorf("expected only the last alert, got %+v", high)
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	env := setupTestRouter(t)
	a := env.createAlert(t, `{"alert_type":"x","severity":"medium","source_device":"d"}`)

	w := env.do(http.MethodPost, "/api/alerts/"+a.ID+"/acknowledge", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	first := decode[models.Alert](t, w)
	if !first.Acknowledged || first.AcknowledgedAt == nil {
		t.Fatalf("expected acknowledged alert, got %+v", first)
	}

	again := decode[models.Alert](t, env.do(http.MethodPost, "/api/alerts/"+a.ID+"/acknowledge", ""))
	if !again.AcknowledgedAt.Equal(*first.AcknowledgedAt) {
		t.Error("repeat acknowledge must not change acknowledged_at")
	}

	if w := env.do(http.MethodPost, "/api/alerts/nope/acknowledge", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown alert, got %d", w.Code)
	}
}

func TestGetAlertAndDeliveries(t *testing.T) {
	env := setupTestRouter(t)
	a := env.createAlert(t, `{"alert_type":"x","severity":"medium","source_device":"d"}`)

	got := decode[models.Alert](t, env.do(http.MethodGet, "/api/alerts/"+a.ID, ""))
	if got.ID != a.ID {
		t.Errorf("expected %s, got %s", a.ID, got.ID)
	}

	env.db.AddDelivery(context.Background(), &models.DeliveryRecord{AlertID: a.ID, DeviceName: "rx-1", Success: true, AttemptedAt: time.Now()})
	deliveries := decode[struct {
		Deliveries []models.DeliveryRecord `json:"deliveries"`
	}](t, env.do(http.MethodGet, "/api/alerts/"+a.ID+"/deliveries", ""))
	if len(deliveries.Deliveries) != 1 || deliveries.Deliveries[0].DeviceName != "rx-1" {
		t.Errorf("unexpected deliveries: %+v", deliveries.Deliveries)
	}

	if w := env.do(http.MethodGet, "/api/alerts/missing/deliveries", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestRebroadcastAlert(t *testing.T) {
	env := setupTestRouter(t)
	a := env.createAlert(t, `{"alert_type":"x","severity":"medium","source_device":"d"}`)

	if w := env.do(http.MethodPost, "/api/alerts/"+a.ID+"/broadcast", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(env.dispatcher.broadcast) != 2 {
		t.Errorf("expected two broadcasts, got %d", len(env.dispatcher.broadcast))
	}
}

func TestDevices_HeartbeatAndOffline(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(http.MethodPost, "/api/devices/heartbeat", `{"device_name":"rx-1","ip_address":"10.0.0.5","port":9000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	d := decode[models.Device](t, w)
	if d.Status != models.DeviceOnline || d.Port != 9000 {
		t.Errorf("unexpected device: %+v", d)
	}

	type devicesResp struct {
		Devices []models.Device `json:"devices"`
		Count   int             `json:"count"`
	}
	if online := decode[devicesResp](t, env.do(http.MethodGet, "/api/devices?online=true", "")); online.Count != 1 {
		t.Errorf("expected 1 online device, got %d", online.Count)
	}

	if w := env.do(http.MethodPost, "/api/devices/rx-1/offline", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if online := decode[devicesResp](t, env.do(http.MethodGet, "/api/devices?online=true", "")); online.Count != 0 {
		t.Errorf("expected 0 online devices, got %d", online.Count)
	}
	if all := decode[devicesResp](t, env.do(http.MethodGet, "/api/devices", "")); all.Count != 1 || all.Devices[0].Status != models.DeviceOffline {
		t.Errorf("expected offline device listed, got %+v", all)
	}

	if w := env.do(http.MethodPost, "/api/devices/ghost/offline", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/devices/heartbeat", `{"device_name":"","ip_address":"10.0.0.5"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing name, got %d", w.Code)
	}
}

func TestDevices_ESP32Endpoints(t *testing.T) {
	env := setupTestRouter(t)
	env.do(http.MethodPost, "/api/devices/heartbeat", `{"device_name":"esp-1","ip_address":"10.0.0.7","kind":"esp32"}`)
	env.do(http.MethodPost, "/api/devices/heartbeat", `{"device_name":"rx-1","ip_address":"10.0.0.8"}`)

	w := env.do(http.MethodGet, "/api/devices/esp-1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if report := decode[models.StatusReport](t, w); report.Uptime != 42 {
		t.Errorf("unexpected status report: %+v", report)
	}

	if w := env.do(http.MethodPost, "/api/devices/esp-1/config", `{"buzzer_enabled":true}`); w.Code != http.StatusOK {
		t.Errorf("expected 200 for config, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/devices/esp-1/reboot", ""); w.Code != http.StatusAccepted {
		t.Errorf("expected 202 for reboot, got %d", w.Code)
	}
	if len(env.devices.rebooted) != 1 {
		t.Errorf("expected one reboot, got %v", env.devices.rebooted)
	}

	if w := env.do(http.MethodGet, "/api/devices/rx-1/status", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-esp32 device, got %d", w.Code)
	}

	env.devices.statusErr = errors.New("timeout")
	if w := env.do(http.MethodGet, "/api/devices/esp-1/status", ""); w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for unreachable device, got %d", w.Code)
	}
}

func TestUsers(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(http.MethodPost, "/api/users", `{"name":"Ada","image_url":"https://img.example.com/ada.png"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	u := decode[models.AuthorizedUser](t, w)

	if w := env.do(http.MethodPost, "/api/users", `{"name":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/users/"+u.ID+"/deactivate", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	active := decode[struct {
		Count int `json:"count"`
	}](t, env.do(http.MethodGet, "/api/users?active=true", ""))
	if active.Count != 0 {
		t.Errorf("expected no active users, got %d", active.Count)
	}
}

func TestDebugTestAlert(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(http.MethodPost, "/api/debug/test-alert", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	resp := decode[struct {
		Alert models.Alert `json:"alert"`
	}](t, w)
	if resp.Alert.AlertType != "Manual Test" {
		t.Errorf("unexpected test alert: %+v", resp.Alert)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.Invalid("name", "required"), http.StatusBadRequest},
		{models.Persistence("op", errors.New("disk full")), http.StatusServiceUnavailable},
		{models.Persistence("op", models.ErrNotFound), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(2))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence: %v", codes)
	}

	// a different client has its own bucket
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected separate client to pass, got %d", w.Code)
	}
}

func TestStreamAlerts_SSE(t *testing.T) {
	env := setupTestRouter(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/alerts/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data:") {
				lines <- strings.TrimPrefix(sc.Text(), "data:")
			}
		}
	}()

	next := func() feedMessage {
		t.Helper()
		select {
		case line := <-lines:
			var msg feedMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				t.Fatalf("bad sse payload %q: %v", line, err)
			}
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for sse event")
			return feedMessage{}
		}
	}

	if initial := next(); len(initial.Alerts) != 0 {
		t.Errorf("expected empty initial view, got %d", len(initial.Alerts))
	}

	a := env.createAlert(t, `{"alert_type":"x","severity":"high","source_device":"d"}`)
	updated := next()
	if len(updated.Alerts) != 1 || updated.Alerts[0].ID != a.ID {
		t.Errorf("expected new alert in stream, got %+v", updated.Alerts)
	}
}

func TestAlertsWebSocket(t *testing.T) {
	env := setupTestRouter(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/alerts/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	read := func() feedMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg feedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		return msg
	}

	read()
	a := env.createAlert(t, `{"alert_type":"x","severity":"low","source_device":"d"}`)
	if msg := read(); len(msg.Alerts) != 1 || msg.Alerts[0].ID != a.ID {
		t.Errorf("expected new alert over websocket, got %+v", msg.Alerts)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(2 * time.Second)
	for env.feed.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := env.feed.SubscriberCount(); n != 0 {
		t.Errorf("expected subscription released after close, got %d", n)
	}
}
