package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	climatebridge "climate_bridge"
)

// ---- Core / Auth mocks ----

type mockAuth struct {
	signUpID      int
	signUpErr     error
	genTokenToken string
	genTokenErr   error
	parseID       int
	parseErr      error

	lastSignUpUsername string
	lastParseToken     string
}

func (m *mockAuth) SignUp(username, password string) (int, error) {
	m.lastSignUpUsername = username
	return m.signUpID, m.signUpErr
}
func (m *mockAuth) GenerateToken(username, password string) (string, error) {
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (int, error) {
	m.lastParseToken = token
	return m.parseID, m.parseErr
}

type mockCore struct {
	status   string
	rl       climatebridge.RateLimit
	interval time.Duration
	snap     climatebridge.Snapshot
	hasSnap  bool

	pollErr error
	poll    int

	queueErr error

	lastOverlayZone int
	lastOverlay     climatebridge.Overlay
	lastResumeZone  int
	lastPresence    string
	lastSerial      string
	lastOffset      float64
	lastBulkZones   []int
	bulkResumes     int
}

func (m *mockCore) Status() string                           { return m.status }
func (m *mockCore) CurrentRateLimit() climatebridge.RateLimit { return m.rl }
func (m *mockCore) CurrentInterval() time.Duration           { return m.interval }

func (m *mockCore) ManualPoll(context.Context) error {
	m.poll++
	return m.pollErr
}

func (m *mockCore) StateView() (climatebridge.Snapshot, bool) {
	return m.snap, m.hasSnap
}

func (m *mockCore) QueueOverlay(zoneID int, overlay climatebridge.Overlay) error {
	m.lastOverlayZone = zoneID
	m.lastOverlay = overlay
	return m.queueErr
}

func (m *mockCore) QueueResume(zoneID int) error {
	m.lastResumeZone = zoneID
	return m.queueErr
}

func (m *mockCore) QueuePresence(presence string) error {
	m.lastPresence = presence
	return m.queueErr
}

func (m *mockCore) QueueOffset(serial string, celsius float64) error {
	m.lastSerial = serial
	m.lastOffset = celsius
	return m.queueErr
}

func (m *mockCore) QueueBulkOverlay(zoneIDs []int, overlay climatebridge.Overlay) error {
	m.lastBulkZones = zoneIDs
	m.lastOverlay = overlay
	return m.queueErr
}

func (m *mockCore) QueueBulkResume(zoneIDs []int) error {
	m.bulkResumes++
	m.lastBulkZones = zoneIDs
	return m.queueErr
}

func (m *mockCore) Subscribe() chan climatebridge.Snapshot {
	return make(chan climatebridge.Snapshot, 1)
}

func (m *mockCore) Unsubscribe(chan climatebridge.Snapshot) {}

type mockEvents struct {
	resp     []climatebridge.CommandEvent
	err      error
	lastFrom time.Time
	lastTo   time.Time
	lastKind string
}

func (m *mockEvents) Append(context.Context, climatebridge.CommandEvent) error { return nil }

func (m *mockEvents) List(_ context.Context, from, to time.Time, kind string) ([]climatebridge.CommandEvent, error) {
	m.lastFrom = from
	m.lastTo = to
	m.lastKind = kind
	return m.resp, m.err
}

// ---- Shared Test Helpers ----

func newTestRouter(core Core, auth Authenticator, events *mockEvents) *gin.Engine {
	if events == nil {
		events = &mockEvents{}
	}
	h := NewHandler(core, auth, events, nil, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
