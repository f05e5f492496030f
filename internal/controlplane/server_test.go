package controlplane_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/gofasten/internal/controlplane"
	"github.com/dantte-lp/gofasten/internal/openprotocol"
	"github.com/dantte-lp/gofasten/internal/profile"
)

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

// testAPI bundles the HTTP test server with the protocol components it
// serves, so tests can assert state changes behind the API.
type testAPI struct {
	srv    *httptest.Server
	state  *openprotocol.State
	relays *openprotocol.RelayBank
	reg    *openprotocol.Registry
	store  *profile.PsetStore
}

// setupTestAPI builds the full operator API over fresh protocol state and
// serves it through httptest. When psetDir is non-empty, parameter-set
// persistence is enabled under that directory.
func setupTestAPI(t *testing.T, psetDir string) *testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := openprotocol.NewState(openprotocol.StateConfig{})
	relays := openprotocol.NewRelayBank()
	reg := openprotocol.NewRegistry()
	disp := openprotocol.NewDispatcher(logger, nil)
	sim := openprotocol.NewSimulator(state, disp,
		openprotocol.WithSimulatorLogger(logger),
		openprotocol.WithSimulatorSeed(1))
	engine := openprotocol.NewEngine(state, relays, reg, disp,
		openprotocol.WithEngineLogger(logger))

	var store *profile.PsetStore
	if psetDir != "" {
		store = profile.NewPsetStore(logger, psetDir, "test")
	}

	api := controlplane.NewServer(logger, "127.0.0.1:0", state, relays, reg, sim, engine, store)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, state: state, relays: relays, reg: reg, store: store}
}

// apiResponse mirrors the wire response envelope with the payload kept raw
// so each test can decode it into the expected shape.
type apiResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

// do issues one request against the test server and decodes the envelope.
func (a *testAPI) do(t *testing.T, method, path, body string) (int, apiResponse) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest(%s %s): %v", method, path, err)
	}

	resp, err := a.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, env
}

// -------------------------------------------------------------------------
// Health and Status
// -------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	code, env := api.do(t, http.MethodGet, "/health", "")
	if code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want %d", code, http.StatusOK)
	}
	if env.Status != "ok" {
		t.Errorf("envelope status = %q, want %q", env.Status, "ok")
	}

	var data struct {
		Service string `json:"service"`
		Uptime  string `json:"uptime"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode health data: %v", err)
	}
	if data.Service != "gofasten" {
		t.Errorf("service = %q, want %q", data.Service, "gofasten")
	}
}

func TestStatusDefaults(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	code, env := api.do(t, http.MethodGet, "/api/v1/status", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/v1/status status = %d, want %d", code, http.StatusOK)
	}

	var data struct {
		SessionActive bool            `json:"session_active"`
		ToolEnabled   bool            `json:"tool_enabled"`
		AutoLoop      bool            `json:"auto_loop"`
		VIN           string          `json:"vin"`
		CurrentPset   string          `json:"current_pset"`
		Spindles      int             `json:"spindles"`
		Revisions     map[string]int  `json:"revisions"`
		Subscriptions map[string]bool `json:"subscriptions"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode status data: %v", err)
	}

	if data.SessionActive {
		t.Error("session_active = true on fresh state, want false")
	}
	if !data.ToolEnabled {
		t.Error("tool_enabled = false on fresh state, want true")
	}
	if !data.AutoLoop {
		t.Error("auto_loop = false on fresh state, want true")
	}
	if data.VIN != "AB123000" {
		t.Errorf("vin = %q, want %q", data.VIN, "AB123000")
	}
	if data.CurrentPset != openprotocol.PsetNone {
		t.Errorf("current_pset = %q, want %q", data.CurrentPset, openprotocol.PsetNone)
	}
	if data.Spindles != 2 {
		t.Errorf("spindles = %d, want 2", data.Spindles)
	}
	if got := data.Revisions["61"]; got != 7 {
		t.Errorf("revisions[61] = %d, want 7", got)
	}
	if data.Subscriptions["result"] {
		t.Error("subscriptions[result] = true on fresh state, want false")
	}
}

// -------------------------------------------------------------------------
// Tool Control
// -------------------------------------------------------------------------

func TestToolEnableDisable(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	code, _ := api.do(t, http.MethodPost, "/api/v1/tool/disable", "")
	if code != http.StatusOK {
		t.Fatalf("POST tool/disable status = %d, want %d", code, http.StatusOK)
	}
	if api.state.ToolEnabled() {
		t.Error("ToolEnabled() = true after disable")
	}

	code, _ = api.do(t, http.MethodPost, "/api/v1/tool/enable", "")
	if code != http.StatusOK {
		t.Fatalf("POST tool/enable status = %d, want %d", code, http.StatusOK)
	}
	if !api.state.ToolEnabled() {
		t.Error("ToolEnabled() = false after enable")
	}
}

// -------------------------------------------------------------------------
// Result Triggers
// -------------------------------------------------------------------------

func TestEmitWithoutSessionIsNoOp(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	// Without a session and subscription the producer skips the emission
	// and the trigger still succeeds.
	code, env := api.do(t, http.MethodPost, "/api/v1/results/single", "")
	if code != http.StatusOK {
		t.Fatalf("POST results/single status = %d, want %d", code, http.StatusOK)
	}
	if env.Status != "ok" {
		t.Errorf("envelope status = %q, want %q", env.Status, "ok")
	}

	code, _ = api.do(t, http.MethodPost, "/api/v1/results/multi", "")
	if code != http.StatusOK {
		t.Fatalf("POST results/multi status = %d, want %d", code, http.StatusOK)
	}
}

// -------------------------------------------------------------------------
// VIN Download
// -------------------------------------------------------------------------

func TestSetVIN(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	code, env := api.do(t, http.MethodPut, "/api/v1/vin", `{"vin": "KJ456000"}`)
	if code != http.StatusOK {
		t.Fatalf("PUT /api/v1/vin status = %d, want %d", code, http.StatusOK)
	}

	var data struct {
		VIN    string `json:"vin"`
		Parsed bool   `json:"parsed"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode vin data: %v", err)
	}
	if data.VIN != "KJ456000" || !data.Parsed {
		t.Errorf("vin response = %+v, want KJ456000 parsed", data)
	}
	if got := api.state.VIN().VIN; got != "KJ456000" {
		t.Errorf("state VIN = %q, want %q", got, "KJ456000")
	}
}

func TestSetVINRejectsBadBody(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{"},
		{name: "empty vin", body: `{"vin": ""}`},
		{name: "empty body", body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, env := api.do(t, http.MethodPut, "/api/v1/vin", tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", code, http.StatusBadRequest)
			}
			if env.Status != "error" {
				t.Errorf("envelope status = %q, want %q", env.Status, "error")
			}
		})
	}
}

// -------------------------------------------------------------------------
// Simulator Tuning
// -------------------------------------------------------------------------

func TestTuneSimulator(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	body := `{"nok_probability": 0.25, "auto_interval": "5s", "auto_loop": false}`
	code, _ := api.do(t, http.MethodPut, "/api/v1/simulator", body)
	if code != http.StatusOK {
		t.Fatalf("PUT /api/v1/simulator status = %d, want %d", code, http.StatusOK)
	}

	if got := api.state.NOKProbability(); got != 0.25 {
		t.Errorf("NOKProbability() = %v, want 0.25", got)
	}
	if got := api.state.AutoInterval(); got != 5*time.Second {
		t.Errorf("AutoInterval() = %v, want 5s", got)
	}
	if api.state.AutoLoopActive() {
		t.Error("AutoLoopActive() = true after disabling")
	}
}

func TestTuneSimulatorPartialUpdate(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	code, _ := api.do(t, http.MethodPut, "/api/v1/simulator", `{"nok_probability": 0.5}`)
	if code != http.StatusOK {
		t.Fatalf("PUT /api/v1/simulator status = %d, want %d", code, http.StatusOK)
	}

	// Absent fields keep their defaults.
	if got := api.state.AutoInterval(); got != 20*time.Second {
		t.Errorf("AutoInterval() = %v, want 20s", got)
	}
	if !api.state.AutoLoopActive() {
		t.Error("AutoLoopActive() = false, want unchanged true")
	}
}

func TestTuneSimulatorRejectsBadInterval(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	tests := []struct {
		name string
		body string
	}{
		{name: "not a duration", body: `{"auto_interval": "soon"}`},
		{name: "zero", body: `{"auto_interval": "0s"}`},
		{name: "negative", body: `{"auto_interval": "-3s"}`},
		{name: "not json", body: "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, _ := api.do(t, http.MethodPut, "/api/v1/simulator", tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", code, http.StatusBadRequest)
			}
		})
	}
}

// -------------------------------------------------------------------------
// Parameter Sets
// -------------------------------------------------------------------------

func TestListPsets(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	code, env := api.do(t, http.MethodGet, "/api/v1/psets", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/v1/psets status = %d, want %d", code, http.StatusOK)
	}

	var data map[string]openprotocol.PsetParams
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode psets data: %v", err)
	}
	if len(data) != len(openprotocol.AllowedPsetIDs()) {
		t.Errorf("pset count = %d, want %d", len(data), len(openprotocol.AllowedPsetIDs()))
	}
	if got := data["001"]; got != openprotocol.DefaultPsetParams() {
		t.Errorf("pset 001 = %+v, want defaults", got)
	}
}

func TestGetPset(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	// Short ids are canonicalized to three digits.
	code, env := api.do(t, http.MethodGet, "/api/v1/psets/1", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/v1/psets/1 status = %d, want %d", code, http.StatusOK)
	}
	var params openprotocol.PsetParams
	if err := json.Unmarshal(env.Data, &params); err != nil {
		t.Fatalf("decode pset data: %v", err)
	}
	if params != openprotocol.DefaultPsetParams() {
		t.Errorf("pset 001 = %+v, want defaults", params)
	}

	code, _ = api.do(t, http.MethodGet, "/api/v1/psets/777", "")
	if code != http.StatusNotFound {
		t.Errorf("GET /api/v1/psets/777 status = %d, want %d", code, http.StatusNotFound)
	}
}

func TestPutPset(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	api := setupTestAPI(t, dir)

	body := `{
		"batch_size": 4,
		"target_torque": 62.5, "torque_min": 58, "torque_max": 66,
		"target_angle": 95, "angle_min": 85, "angle_max": 105
	}`
	code, _ := api.do(t, http.MethodPut, "/api/v1/psets/002", body)
	if code != http.StatusOK {
		t.Fatalf("PUT /api/v1/psets/002 status = %d, want %d", code, http.StatusOK)
	}

	got, ok := api.state.Psets().Get("002")
	if !ok || got.TargetTorque != 62.5 || got.BatchSize != 4 {
		t.Errorf("Psets().Get(002) = %+v, %v after update", got, ok)
	}

	// The table is persisted on every successful update.
	raw, err := os.ReadFile(api.store.Path())
	if err != nil {
		t.Fatalf("read persisted table: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"002"`)) {
		t.Error("persisted table does not contain pset 002")
	}
}

func TestPutPsetRejectsInvalid(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	tests := []struct {
		name string
		path string
		body string
	}{
		{
			name: "unknown id",
			path: "/api/v1/psets/777",
			body: `{"batch_size": 1, "target_torque": 50, "torque_min": 47, "torque_max": 53, "target_angle": 90, "angle_min": 80, "angle_max": 100}`,
		},
		{
			name: "inverted torque window",
			path: "/api/v1/psets/001",
			body: `{"batch_size": 1, "target_torque": 50, "torque_min": 60, "torque_max": 53, "target_angle": 90, "angle_min": 80, "angle_max": 100}`,
		},
		{
			name: "not json",
			path: "/api/v1/psets/001",
			body: "{",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, env := api.do(t, http.MethodPut, tt.path, tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", code, http.StatusBadRequest)
			}
			if env.Error == "" {
				t.Error("error message is empty")
			}
		})
	}
}

// -------------------------------------------------------------------------
// Relays
// -------------------------------------------------------------------------

func TestToggleRelay(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	code, env := api.do(t, http.MethodPost, "/api/v1/relays/4/toggle", "")
	if code != http.StatusOK {
		t.Fatalf("POST relays/4/toggle status = %d, want %d", code, http.StatusOK)
	}

	var data struct {
		Function int  `json:"function"`
		Status   int  `json:"status"`
		Pushed   bool `json:"pushed"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode relay data: %v", err)
	}
	if data.Function != 4 || data.Status != 1 {
		t.Errorf("relay toggle = %+v, want function 4 on", data)
	}
	// No client has subscribed to this function, so nothing was pushed.
	if data.Pushed {
		t.Error("pushed = true without a subscriber")
	}
	if status, _ := api.relays.FunctionStatus(4); status != 1 {
		t.Errorf("FunctionStatus(4) = %d after toggle, want 1", status)
	}
}

func TestToggleRelayErrors(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	code, _ := api.do(t, http.MethodPost, "/api/v1/relays/abc/toggle", "")
	if code != http.StatusBadRequest {
		t.Errorf("non-numeric function status = %d, want %d", code, http.StatusBadRequest)
	}

	code, _ = api.do(t, http.MethodPost, "/api/v1/relays/99/toggle", "")
	if code != http.StatusNotFound {
		t.Errorf("unmapped function status = %d, want %d", code, http.StatusNotFound)
	}
}

// -------------------------------------------------------------------------
// Profiles
// -------------------------------------------------------------------------

func TestListProfiles(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	code, env := api.do(t, http.MethodGet, "/api/v1/profiles", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/v1/profiles status = %d, want %d", code, http.StatusOK)
	}

	var names []string
	if err := json.Unmarshal(env.Data, &names); err != nil {
		t.Fatalf("decode profiles data: %v", err)
	}
	if len(names) == 0 {
		t.Error("no built-in profiles listed")
	}
}

func TestApplyProfile(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	body := `{"name": "` + profile.NamePF6000Basic + `"}`
	code, _ := api.do(t, http.MethodPost, "/api/v1/profiles/apply", body)
	if code != http.StatusOK {
		t.Fatalf("POST profiles/apply status = %d, want %d", code, http.StatusOK)
	}
	if got := api.reg.MaxRev(openprotocol.MIDResult); got != 4 {
		t.Errorf("MaxRev(MIDResult) = %d after basic profile, want 4", got)
	}
}

func TestApplyProfileFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/bench.json"
	raw := []byte(`{"name": "bench", "revisions": {"0061": 2}}`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	api := setupTestAPI(t, "")

	code, _ := api.do(t, http.MethodPost, "/api/v1/profiles/apply", `{"path": "`+path+`"}`)
	if code != http.StatusOK {
		t.Fatalf("POST profiles/apply status = %d, want %d", code, http.StatusOK)
	}
	if got := api.reg.MaxRev(openprotocol.MIDResult); got != 2 {
		t.Errorf("MaxRev(MIDResult) = %d after file profile, want 2", got)
	}
}

func TestApplyProfileErrors(t *testing.T) {
	t.Parallel()

	api := setupTestAPI(t, "")

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown name", body: `{"name": "pf9000"}`},
		{name: "missing file", body: `{"path": "/nonexistent/profile.json"}`},
		{name: "neither name nor path", body: `{}`},
		{name: "not json", body: "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, env := api.do(t, http.MethodPost, "/api/v1/profiles/apply", tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", code, http.StatusBadRequest)
			}
			if env.Status != "error" {
				t.Errorf("envelope status = %q, want %q", env.Status, "error")
			}
		})
	}
}
