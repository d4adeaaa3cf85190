package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"gravtree/internal/sim"
)

// Upper bound on steps per POST /api/sim/step request.
const maxStepsPerRequest = 100

// BodyJSON is the wire form of one body.
type BodyJSON struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	VX   float64 `json:"vx"`
	VY   float64 `json:"vy"`
	Mass float64 `json:"mass"`
}

// StateJSON is the payload of GET /api/state and the sim:state broadcast.
type StateJSON struct {
	Frame     uint64     `json:"frame"`
	Sequence  uint64     `json:"sequence"`
	Paused    bool       `json:"paused"`
	BodyCount int        `json:"bodyCount"`
	Truncated bool       `json:"truncated"`
	Bodies    []BodyJSON `json:"bodies"`
}

// stateFromSnapshot copies at most limit bodies (0 means all).
func stateFromSnapshot(snap *sim.Snapshot, limit int) StateJSON {
	n := len(snap.Bodies)
	if limit > 0 && n > limit {
		n = limit
	}
	state := StateJSON{
		Frame:     snap.Frame,
		Sequence:  snap.Sequence,
		Paused:    snap.Paused,
		BodyCount: len(snap.Bodies),
		Truncated: n < len(snap.Bodies),
		Bodies:    make([]BodyJSON, n),
	}
	for i, b := range snap.Bodies[:n] {
		state.Bodies[i] = BodyJSON{X: b.X, Y: b.Y, VX: b.VX, VY: b.VY, Mass: b.Mass}
	}
	return state
}

// Handler methods for routerHandlers
// These are used by both the standalone router (for testing) and the full Server.

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	limit := h.maxBodies
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if limit == 0 || n < limit {
			limit = n
		}
	}

	writeJSON(w, stateFromSnapshot(h.engine.GetSnapshot(), limit))
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	// Lock-free snapshot avoids contending with the step
	snap := h.engine.GetSnapshot()
	stats := snap.Stats
	diag := snap.Diagnostics

	writeJSON(w, map[string]any{
		"frame":     snap.Frame,
		"seed":      snap.Seed,
		"paused":    snap.Paused,
		"phase":     h.engine.Phase().String(),
		"bodyCount": len(snap.Bodies),
		"diagnostics": map[string]any{
			"momentum":      []any{finite(diag.Momentum.X), finite(diag.Momentum.Y)},
			"kineticEnergy": finite(diag.KineticEnergy),
			"centerOfMass":  []any{finite(diag.CenterOfMass.X), finite(diag.CenterOfMass.Y)},
			"totalMass":     finite(diag.TotalMass),
		},
		"lastStep": map[string]any{
			"frame":       stats.Frame,
			"buildMs":     ms(stats.Build),
			"forceMs":     ms(stats.Force),
			"integrateMs": ms(stats.Integrate),
			"totalMs":     ms(stats.Total),
			"tree":        stats.Tree,
			"regionSize":  finite(stats.Region.Size()),
			"recoveries":  stats.Recoveries(),
		},
		"totalRecoveries": h.engine.TotalRecoveries(),
		"eventLog":        h.engine.GetEventLogStats(),
	})
}

func (h *routerHandlers) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Config())
}

func (h *routerHandlers) handlePause(w http.ResponseWriter, r *http.Request) {
	h.engine.Pause()
	writeJSON(w, map[string]any{"success": true, "paused": true})
}

func (h *routerHandlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.engine.Resume()
	writeJSON(w, map[string]any{"success": true, "paused": false})
}

func (h *routerHandlers) handleStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > maxStepsPerRequest {
		req.Count = maxStepsPerRequest
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var last sim.StepStats
	for i := 0; i < req.Count; i++ {
		stats, err := h.engine.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				writeError(w, "step canceled", http.StatusServiceUnavailable)
				return
			}
			log.Printf("❌ Step via API failed: %v", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		last = stats
	}

	writeJSON(w, map[string]any{
		"success":    true,
		"steps":      req.Count,
		"frame":      last.Frame,
		"recoveries": last.Recoveries(),
		"totalMs":    ms(last.Total),
	})
}

func (h *routerHandlers) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seed *int64 `json:"seed"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}

	seed := h.engine.Config().Seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	h.engine.Reset(seed)
	writeJSON(w, map[string]any{"success": true, "seed": seed})
}

func (h *routerHandlers) handleFrame(w http.ResponseWriter, r *http.Request) {
	if h.renderer == nil {
		writeError(w, "renderer not configured", http.StatusNotFound)
		return
	}

	start := time.Now()
	var buf bytes.Buffer
	if err := h.renderer.EncodePNG(&buf, h.engine.GetSnapshot()); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	RecordRender(time.Since(start))

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// Helper functions (package-level for reuse)

// decodeOptional decodes a JSON body if one was sent. An empty body is not an error.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

// finite maps NaN and Inf to nil since JSON cannot encode them.
func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
