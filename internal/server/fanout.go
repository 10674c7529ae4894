package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/torosent/gateprobe/internal/config"
)

const (
	maxFanout      = 100
	fanoutGrace    = 5 * time.Second
	fanoutDetailsN = 5
)

type fanoutCall struct {
	RequestID int     `json:"request_id"`
	Status    string  `json:"status"`
	Duration  float64 `json:"duration"`
	Error     string  `json:"error,omitempty"`
	Data      any     `json:"data,omitempty"`
}

// handleIOTest calls the upstream /slow-io n times, one after another or all
// at once depending on the fan-out mode, and reports the timing.
func (s *Server) handleIOTest(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	delay, err := floatParam(q, "delay", 1.0, minSlowDelay, maxSlowDelay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := intParam(q, "concurrent", 1, 1, maxFanout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.upstream == nil {
		writeError(w, http.StatusServiceUnavailable, "no upstream configured")
		return
	}

	start := time.Now()
	var calls []fanoutCall
	if s.fanout == config.FanoutSequential {
		calls = s.fanoutSequential(r.Context(), delay, n)
	} else {
		calls = s.fanoutConcurrent(r.Context(), delay, n)
	}
	total := time.Since(start).Seconds()

	var ok, failed []fanoutCall
	for _, c := range calls {
		if c.Status == "success" {
			ok = append(ok, c)
		} else {
			failed = append(failed, c)
		}
	}
	s.logger.Info("io-test finished", "fanout", s.fanout, "concurrent", n, "delay", delay,
		"successful", len(ok), "failed", len(failed), "duration", total)

	rps := 0.0
	if total > 0 {
		rps = float64(n) / total
	}
	expected := delay
	note := "Upstream calls run concurrently"
	if s.fanout == config.FanoutSequential {
		expected = delay * float64(n)
		note = "Upstream calls run one after another"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"server_type": string(s.model) + "_" + string(s.fanout),
		"test_params": map[string]any{"delay": delay, "concurrent_requests": n},
		"timing": map[string]any{
			"total_duration":      total,
			"expected_duration":   expected,
			"requests_per_second": rps,
		},
		"results": map[string]int{
			"successful": len(ok),
			"failed":     len(failed),
			"total":      n,
		},
		"details": firstN(ok, fanoutDetailsN),
		"errors":  firstN(failed, fanoutDetailsN),
		"note":    note,
	})
}

func (s *Server) fanoutSequential(ctx context.Context, delay float64, n int) []fanoutCall {
	calls := make([]fanoutCall, 0, n)
	for i := 0; i < n; i++ {
		calls = append(calls, s.upstreamCall(ctx, delay, i))
	}
	return calls
}

func (s *Server) fanoutConcurrent(ctx context.Context, delay float64, n int) []fanoutCall {
	calls := make([]fanoutCall, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			calls[i] = s.upstreamCall(ctx, delay, i)
			return nil
		})
	}
	_ = g.Wait()
	return calls
}

func (s *Server) upstreamCall(ctx context.Context, delay float64, i int) fanoutCall {
	callCtx, cancel := context.WithTimeout(ctx, seconds(delay)+fanoutGrace)
	defer cancel()

	start := time.Now()
	res, err := s.upstream.SlowIO(callCtx, seconds(delay), fmt.Sprintf("io-test-%d", i))
	call := fanoutCall{RequestID: i, Duration: time.Since(start).Seconds()}
	if err != nil {
		call.Status = "error"
		call.Error = err.Error()
		return call
	}
	call.Status = "success"
	call.Data = map[string]any{
		"message":    res.Message,
		"delay":      res.Delay,
		"request_id": res.RequestID,
		"timestamp":  res.Timestamp,
	}
	return call
}

func firstN(calls []fanoutCall, n int) []fanoutCall {
	if len(calls) > n {
		calls = calls[:n]
	}
	if calls == nil {
		return []fanoutCall{}
	}
	return calls
}
