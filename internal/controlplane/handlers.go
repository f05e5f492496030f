package controlplane

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dantte-lp/gofasten/internal/openprotocol"
	"github.com/dantte-lp/gofasten/internal/profile"
)

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)
	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"service":    "gofasten",
		"started_at": s.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
	}))
}

// statusView is the controller snapshot returned by GET /api/v1/status.
type statusView struct {
	SessionActive  bool            `json:"session_active"`
	ToolEnabled    bool            `json:"tool_enabled"`
	AutoLoop       bool            `json:"auto_loop"`
	AutoInterval   string          `json:"auto_interval"`
	NOKProbability float64         `json:"nok_probability"`
	VIN            string          `json:"vin"`
	CurrentPset    string          `json:"current_pset"`
	BatchSize      int             `json:"batch_size"`
	BatchCounter   int             `json:"batch_counter"`
	Spindles       int             `json:"spindles"`
	Revisions      map[string]int  `json:"revisions"`
	Subscriptions  map[string]bool `json:"subscriptions"`
	RelayFunctions map[string]bool `json:"relay_subscriptions"`
}

// handleStatus handles GET /api/v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sel := s.state.Selection()

	revisions := make(map[string]int)
	for mid, rev := range s.reg.Snapshot() {
		revisions[strconv.Itoa(mid)] = rev
	}

	subs := make(map[string]bool)
	for _, stream := range []openprotocol.Stream{
		openprotocol.StreamPset,
		openprotocol.StreamVIN,
		openprotocol.StreamResult,
		openprotocol.StreamMulti,
	} {
		subs[stream.String()] = s.state.SubscriptionFor(stream).Active
	}

	relaySubs := make(map[string]bool)
	for fn, noAck := range s.relays.Subscriptions() {
		relaySubs[strconv.Itoa(fn)] = !noAck
	}

	writeJSON(w, http.StatusOK, okResponse(statusView{
		SessionActive:  s.state.SessionActive(),
		ToolEnabled:    s.state.ToolEnabled(),
		AutoLoop:       s.state.AutoLoopActive(),
		AutoInterval:   s.state.AutoInterval().String(),
		NOKProbability: s.state.NOKProbability(),
		VIN:            s.state.VIN().VIN,
		CurrentPset:    sel.ID,
		BatchSize:      sel.BatchSize,
		BatchCounter:   sel.BatchCounter,
		Spindles:       s.state.Spindles(),
		Revisions:      revisions,
		Subscriptions:  subs,
		RelayFunctions: relaySubs,
	}))
}

// handleToolEnable handles POST /api/v1/tool/enable.
func (s *Server) handleToolEnable(w http.ResponseWriter, r *http.Request) {
	s.state.SetToolEnabled(true)
	s.log.Info("tool enabled via operator API")
	writeJSON(w, http.StatusOK, okResponse(map[string]bool{"tool_enabled": true}))
}

// handleToolDisable handles POST /api/v1/tool/disable.
func (s *Server) handleToolDisable(w http.ResponseWriter, r *http.Request) {
	s.state.SetToolEnabled(false)
	s.log.Info("tool disabled via operator API")
	writeJSON(w, http.StatusOK, okResponse(map[string]bool{"tool_enabled": false}))
}

// handleEmitSingle handles POST /api/v1/results/single: a one-shot
// tightening, same producer path as the periodic loop.
func (s *Server) handleEmitSingle(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.EmitSingle(); err != nil {
		writeJSON(w, http.StatusBadGateway, errResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(nil))
}

// handleEmitMulti handles POST /api/v1/results/multi.
func (s *Server) handleEmitMulti(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.EmitMulti(); err != nil {
		writeJSON(w, http.StatusBadGateway, errResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(nil))
}

// handleSetVIN handles PUT /api/v1/vin.
func (s *Server) handleSetVIN(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VIN string `json:"vin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VIN == "" {
		writeJSON(w, http.StatusBadRequest, errResponse("body must be {\"vin\": \"...\"}"))
		return
	}
	snap, parsed := s.state.DownloadVIN(req.VIN)
	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"vin":    snap.VIN,
		"parsed": parsed,
	}))
}

// handleTuneSimulator handles PUT /api/v1/simulator. Absent fields keep
// their current values.
func (s *Server) handleTuneSimulator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NOKProbability *float64 `json:"nok_probability"`
		AutoInterval   *string  `json:"auto_interval"`
		AutoLoop       *bool    `json:"auto_loop"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse("invalid JSON body"))
		return
	}

	if req.NOKProbability != nil {
		s.state.SetNOKProbability(*req.NOKProbability)
	}
	if req.AutoInterval != nil {
		d, err := time.ParseDuration(*req.AutoInterval)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errResponse("auto_interval must be a positive duration"))
			return
		}
		s.state.SetAutoInterval(d)
	}
	if req.AutoLoop != nil {
		s.state.SetAutoLoopActive(*req.AutoLoop)
	}

	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"nok_probability": s.state.NOKProbability(),
		"auto_interval":   s.state.AutoInterval().String(),
		"auto_loop":       s.state.AutoLoopActive(),
	}))
}

// handleListPsets handles GET /api/v1/psets.
func (s *Server) handleListPsets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse(s.state.Psets().Snapshot()))
}

// handleGetPset handles GET /api/v1/psets/{id}.
func (s *Server) handleGetPset(w http.ResponseWriter, r *http.Request) {
	id := openprotocol.CanonicalPsetID(chi.URLParam(r, "id"))
	params, ok := s.state.Psets().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errResponse("unknown parameter set "+id))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(params))
}

// handlePutPset handles PUT /api/v1/psets/{id}: replace the parameters
// of one installed set and persist the table.
func (s *Server) handlePutPset(w http.ResponseWriter, r *http.Request) {
	id := openprotocol.CanonicalPsetID(chi.URLParam(r, "id"))

	var params openprotocol.PsetParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse("invalid JSON body"))
		return
	}
	if err := s.state.Psets().Set(id, params); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse(err.Error()))
		return
	}

	if s.store != nil {
		if err := s.store.Save(s.state.Psets()); err != nil {
			s.log.Warn("pset persistence failed", slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, okResponse(params))
}

// handleToggleRelay handles POST /api/v1/relays/{function}/toggle: flip
// the relay and push MID 0217 to a subscribed client.
func (s *Server) handleToggleRelay(w http.ResponseWriter, r *http.Request) {
	function, err := strconv.Atoi(chi.URLParam(r, "function"))
	if err != nil || function < 0 {
		writeJSON(w, http.StatusBadRequest, errResponse("function must be a non-negative number"))
		return
	}

	change, ok := s.relays.Toggle(function)
	if !ok {
		writeJSON(w, http.StatusNotFound, errResponse("relay function not mapped"))
		return
	}
	if err := s.engine.PushRelayChange(change); err != nil {
		s.log.Warn("relay push failed", slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"function": change.Function,
		"status":   change.Status,
		"pushed":   change.Subscribed,
	}))
}

// handleListProfiles handles GET /api/v1/profiles.
func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse(profile.BuiltinNames()))
}

// handleApplyProfile handles POST /api/v1/profiles/apply: a built-in
// profile by name, or a JSON profile file by path.
func (s *Server) handleApplyProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse("invalid JSON body"))
		return
	}

	var (
		p   profile.Profile
		err error
	)
	switch {
	case req.Path != "":
		p, err = profile.LoadFile(req.Path)
	case req.Name != "":
		p, err = profile.Builtin(req.Name)
	default:
		writeJSON(w, http.StatusBadRequest, errResponse("name or path required"))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse(err.Error()))
		return
	}

	if err := profile.Apply(p, s.reg, s.relays); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse(err.Error()))
		return
	}
	s.log.Info("profile applied", slog.String("profile", p.Name))
	writeJSON(w, http.StatusOK, okResponse(p))
}
