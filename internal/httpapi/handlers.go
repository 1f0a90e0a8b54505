package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"smartrag/internal/rag/progress"
	"smartrag/internal/rag/ragerr"
	"smartrag/internal/rag/router"
	"smartrag/internal/rag/types"
)

type askRequest struct {
	Question         string `json:"question"`
	TopK             int    `json:"top_k,omitempty"`
	Scope            string `json:"scope,omitempty"`
	StrategyOverride string `json:"strategy_override,omitempty"`
}

func (r askRequest) question() types.Question {
	return types.Question{
		Text:             r.Question,
		TopK:             r.TopK,
		Scope:            scopeOrDefault(r.Scope),
		StrategyOverride: r.StrategyOverride,
	}
}

type askResponse struct {
	types.Answer
	QueryID string `json:"query_id"`
}

// handleAsk returns a handler bound to a fixed forced arm ("" for
// auto-routed /ask-smart).
func (s *Server) handleAsk(forcedArm string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := s.router.Ask(r.Context(), req.question(), types.ArmName(forcedArm))
		if resp.Bus != nil {
			drainDiscard(resp.Bus)
		}
		if err != nil {
			respondRagErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, askResponse{Answer: resp.Answer, QueryID: resp.QueryID})
	}
}

// handleAskStream runs the auto-routed strategy and streams progress,
// content, and the final result as Server-Sent Events. The bus is created
// here and handed to the router so events can be relayed as they happen,
// concurrently with the (synchronous) Ask call running on its own
// goroutine.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	q := req.question()
	bus := progress.New()

	type result struct {
		resp router.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.router.AskOnBus(r.Context(), q, "", bus)
		done <- result{resp, err}
	}()

	// Relay every progress event in production order as it's emitted; the
	// bus is closed by AskOnBus only once the strategy run (and its one
	// retry) has fully finished, so ranging to exhaustion here guarantees
	// all progress/retrieval events reach the client before the terminal
	// metadata/content/result/done events below, per spec.md section 5's
	// per-producer ordering guarantee.
	for ev := range bus.Events() {
		if kind, meta := progress.Kind(ev); kind != "" {
			writeSSE(w, fl, kind, meta)
			continue
		}
		writeSSE(w, fl, "progress", ev)
	}

	res := <-done
	if res.err != nil {
		writeSSE(w, fl, "error", errorPayload(res.err))
		writeSSE(w, fl, "done", "[DONE]")
		return
	}
	writeSSE(w, fl, "metadata", map[string]any{
		"token_usage":   res.resp.Answer.TokenUsage,
		"cost":          res.resp.Answer.CostUSD,
		"total_time_ms": totalTimeMS(res.resp.Answer.Timings),
	})
	writeSSE(w, fl, "content", res.resp.Answer.Text)
	writeSSE(w, fl, "result", res.resp.Answer)
	writeSSE(w, fl, "done", "[DONE]")
}

// totalTimeMS reads the "total_ms" stage timing a strategy recorded, falling
// back to 0 when absent (strategies that don't track a rollup figure).
func totalTimeMS(timings map[string]int64) int64 {
	return timings["total_ms"]
}

// drainDiscard consumes and discards a bus's events for non-streaming
// endpoints, which expose no progress channel of their own.
func drainDiscard(bus *progress.Bus) {
	for range bus.Events() {
	}
}

func writeSSE(w http.ResponseWriter, fl http.Flusher, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	fl.Flush()
}

type feedbackRequest struct {
	QueryID string  `json:"query_id"`
	Rating  float64 `json:"rating"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.QueryID == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("query_id is required"))
		return
	}
	result, err := s.router.Feedback(req.QueryID, req.Rating)
	if err != nil {
		respondRagErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"strategy_updated": result.StrategyUpdated,
		"bandit_updated":   result.BanditUpdated,
		"message":          result.Message,
	})
}

func (s *Server) handleSeedStatus(w http.ResponseWriter, r *http.Request) {
	if s.seedStatus == nil {
		respondJSON(w, http.StatusOK, map[string]any{"state": "completed", "seeded": true, "total": 0, "message": "no corpus seeding configured"})
		return
	}
	ready, count, err := s.seedStatus(r.Context())
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"state": "failed", "seeded": false, "total": count, "message": err.Error()})
		return
	}
	state := "in_progress"
	message := "corpus indexing in progress"
	if ready {
		state = "completed"
		message = "corpus indexing complete"
	}
	respondJSON(w, http.StatusOK, map[string]any{"state": state, "seeded": ready, "total": count, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"onnx_enabled": false,
		"int8_enabled": false,
		"version":      "0.1.0",
	})
}

func scopeOrDefault(s string) types.Scope {
	if s == "" {
		return types.ScopeAll
	}
	return types.Scope(s)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// errorPayload shapes an error for the stream's "error" event per spec.md
// section 6: {kind, message}.
func errorPayload(err error) map[string]string {
	if rerr, ok := err.(*ragerr.Error); ok {
		return map[string]string{"kind": string(rerr.Kind), "message": rerr.Error()}
	}
	return map[string]string{"kind": "", "message": err.Error()}
}

func respondRagErr(w http.ResponseWriter, err error) {
	if rerr, ok := err.(*ragerr.Error); ok {
		respondJSON(w, ragerr.HTTPStatus(rerr.Kind), map[string]string{"error": rerr.Error(), "kind": string(rerr.Kind)})
		return
	}
	respondError(w, http.StatusInternalServerError, err)
}
