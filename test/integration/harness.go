// Package integration provides a reusable test harness for end-to-end
// testing of the assentd approval workflow server. It starts a full HTTP
// server over in-memory stores with a controllable clock and an HS256 test
// token issuer, and publishes the repository's definition packs.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/config"
	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/escalation"
	"github.com/pitabwire/assent/internal/idempotency"
	"github.com/pitabwire/assent/internal/identity"
	"github.com/pitabwire/assent/internal/observability"
	"github.com/pitabwire/assent/internal/routing"
	"github.com/pitabwire/assent/internal/rules"
	"github.com/pitabwire/assent/internal/transport"
	"github.com/pitabwire/assent/internal/workflow"
)

const (
	testSecret    = "integration-test-secret"
	testSecretEnv = "ASSENT_IT_AUTH_SECRET"
	testIssuer    = "https://sso.test.local"
	testAudience  = "assent"
)

// epoch is the harness clock's starting instant, a Monday inside business
// hours so escalation deadlines are predictable.
var epoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// TestHarness encapsulates a fully wired server instance for integration
// testing. The clock it hands the engine and scheduler is frozen at epoch
// and only moves through AdvanceClock.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Definitions *definition.Store
	Instances   *workflow.MemoryInstanceStore
	Engine      *workflow.Engine
	Scheduler   *escalation.Scheduler
	Idempotency *idempotency.MemoryStore
	Directory   *identity.Directory

	mu  sync.Mutex
	now time.Time
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	idempotency    bool
	handlerTimeout time.Duration
	pageSize       int
}

// WithDefinitions overrides the definition pack directories. Relative paths
// are resolved against the repository root.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) { c.definitionDirs = dirs }
}

// WithIdempotency enables replay protection with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) { c.idempotency = true }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithSweepPageSize sets the escalation sweep page size.
func WithSweepPageSize(n int) HarnessOption {
	return func(c *harnessConfig) { c.pageSize = n }
}

// NewTestHarness creates and starts a full server instance. The server is
// cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		pageSize:       50,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(repoRoot(), "definitions")}
	}

	h := &TestHarness{t: t, now: epoch}
	clock := func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.now
	}

	ctx := context.Background()

	defs, err := definition.NewStore(ctx, definition.NewMemoryArchive())
	if err != nil {
		t.Fatalf("definition store: %v", err)
	}
	loader := definition.NewLoader()
	packs, err := loader.LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definition packs: %v", err)
	}
	for _, def := range packs {
		if _, err := defs.Publish(ctx, def); err != nil {
			t.Fatalf("publish %s: %v", def.ID, err)
		}
	}
	h.Definitions = defs

	dir, err := identity.Load(filepath.Join(testdataDir(), "employees.yaml"), time.Minute)
	if err != nil {
		t.Fatalf("load identity directory: %v", err)
	}
	h.Directory = dir

	cal, err := escalation.NewCalendar(escalation.CalendarConfig{})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}

	h.Instances = workflow.NewMemoryInstanceStore()

	eval := &rules.Evaluator{}
	router := routing.NewEngine(eval)
	machine := workflow.NewMachine(eval)

	engineOpts := []workflow.Option{
		workflow.WithDeadlinePolicy(cal),
		workflow.WithClock(clock),
	}
	if hc.idempotency {
		h.Idempotency = idempotency.NewMemoryStore()
		engineOpts = append(engineOpts, workflow.WithIdempotency(h.Idempotency))
	}
	h.Engine = workflow.NewEngine(defs, h.Instances, router, machine, engineOpts...)

	// The scheduler's background loop stays off; tests drive Sweep directly.
	h.Scheduler = escalation.NewScheduler(defs, h.Instances, h.Engine, eval, cal,
		hc.pageSize, zap.NewNop(),
		escalation.WithClock(clock),
	)

	t.Setenv(testSecretEnv, testSecret)
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         86400,
	}
	cfg.Auth = config.AuthConfig{
		Mode:      "secret",
		Issuer:    testIssuer,
		Audience:  testAudience,
		SecretEnv: testSecretEnv,
	}

	authenticate, err := transport.NewAuthenticator(cfg.Auth, zap.NewNop())
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}

	httpHandler := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Log:         zap.NewNop(),
		Engine:      h.Engine,
		Definitions: defs,
		Routing:     router,
		Directory:   dir,
		Ready: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return defs.Count() > 0 },
			InstanceStore:     h.Instances,
		},
		Authenticate: authenticate,
	})

	h.server = httptest.NewServer(httpHandler)
	t.Cleanup(h.server.Close)
	return h
}

// Now returns the harness clock's current instant.
func (h *TestHarness) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// AdvanceClock moves the shared engine and scheduler clock forward.
func (h *TestHarness) AdvanceClock(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

// Sweep runs one escalation sweep at the current clock instant.
func (h *TestHarness) Sweep() {
	h.t.Helper()
	h.Scheduler.Sweep(context.Background())
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- Token issuing ---

// TestClaims describes the identity a generated token carries.
type TestClaims struct {
	Subject string
	Email   string
	Roles   []string
}

// GenerateToken creates a valid HS256 token for the claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.signToken(claims, time.Now().Add(time.Hour))
}

// GenerateExpiredToken creates a token that expired well past validation
// leeway.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.signToken(claims, time.Now().Add(-time.Hour))
}

func (h *TestHarness) signToken(claims TestClaims, expiry time.Time) string {
	h.t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   claims.Subject,
		"email": claims.Email,
		"roles": claims.Roles,
		"iss":   testIssuer,
		"aud":   testAudience,
		"iat":   time.Now().Unix(),
		"exp":   expiry.Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		h.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, status, string(body))
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Workflow helpers ---

// Instance is the decoded instance shape used across integration tests.
type Instance struct {
	ID              string         `json:"id"`
	DefinitionID    string         `json:"definition_id"`
	Category        string         `json:"category"`
	Requester       string         `json:"requester"`
	CurrentState    string         `json:"current_state"`
	Status          string         `json:"status"`
	Decision        string         `json:"decision"`
	EscalationLevel int            `json:"escalation_level"`
	EscalationCount int            `json:"escalation_count"`
	Version         int            `json:"version"`
	DueAt           *time.Time     `json:"due_at"`
	Assignee        map[string]any `json:"assignee"`
	Data            map[string]any `json:"data"`
}

// StartInstance starts an instance and fails the test on any non-201.
func (h *TestHarness) StartInstance(t *testing.T, token, definitionID string, data map[string]any) Instance {
	t.Helper()
	resp := h.POST("/v1/instances", map[string]any{
		"definition_id": definitionID,
		"data":          data,
	}, token)
	var inst Instance
	h.AssertJSON(t, resp, http.StatusCreated, &inst)
	return inst
}

// Advance fires a trigger and fails the test on any non-200.
func (h *TestHarness) Advance(t *testing.T, token, instanceID, trigger string) Instance {
	t.Helper()
	resp := h.POST("/v1/instances/"+instanceID+"/advance", map[string]any{
		"trigger": trigger,
	}, token)
	var inst Instance
	h.AssertJSON(t, resp, http.StatusOK, &inst)
	return inst
}

// GetInstance fetches an instance by id.
func (h *TestHarness) GetInstance(t *testing.T, token, instanceID string) Instance {
	t.Helper()
	resp := h.GET("/v1/instances/"+instanceID, token)
	var body struct {
		Instance Instance `json:"instance"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &body)
	return body.Instance
}

// History fetches the ordered trail for an instance.
func (h *TestHarness) History(t *testing.T, token, instanceID string) []map[string]any {
	t.Helper()
	resp := h.GET("/v1/instances/"+instanceID+"/history", token)
	var body struct {
		Data []map[string]any `json:"data"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &body)
	return body.Data
}

// AssertJSON checks the status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test identities, matching testdata/employees.yaml ---

// RequesterClaims returns claims for an ordinary employee.
func RequesterClaims() TestClaims {
	return TestClaims{
		Subject: "alice",
		Email:   "alice@acme.example.com",
		Roles:   []string{"engineer"},
	}
}

// SupervisorClaims returns claims for a first-line approver.
func SupervisorClaims() TestClaims {
	return TestClaims{
		Subject: "sam",
		Email:   "sam@acme.example.com",
		Roles:   []string{"supervisor"},
	}
}

// HRClaims returns claims for an HR approver.
func HRClaims() TestClaims {
	return TestClaims{
		Subject: "hannah",
		Email:   "hannah@acme.example.com",
		Roles:   []string{"hr_manager"},
	}
}

// AdminClaims returns claims for a platform administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		Subject: "root",
		Email:   "root@acme.example.com",
		Roles:   []string{"admin"},
	}
}

// --- Helpers ---

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
