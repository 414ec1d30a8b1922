/*
Copyright 2024-2025 UniFarm Connect

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package farmsync

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	Healthy   = "healthy"
	UnHealthy = "unhealthy"
)

type HealthCheckResp struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	AttachedUsers int    `json:"attached_users"`
}

type RefreshResp struct {
	UserID  int64  `json:"user_id"`
	Source  string `json:"source"`
	Force   bool   `json:"force"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

type StatsResp struct {
	Cache       CacheStats       `json:"cache"`
	Coordinator CoordinatorStats `json:"coordinator"`
	Attached    []int64          `json:"attached"`
	LastErrors  []string         `json:"last_errors,omitempty"`
}

type errorResp struct {
	Error string `json:"error"`
}

// newHTTPHandler serves the JSON API of `s` together with the metrics in `reg`.
func newHTTPHandler(s *Session, reg *prometheus.Registry, log logrus.FieldLogger) http.Handler {
	h := &httpHandler{session: s, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/balance", h.balance)
	mux.HandleFunc("/v1/farming", h.farming)
	mux.HandleFunc("/v1/refresh", h.refresh)
	mux.HandleFunc("/v1/stats", h.stats)
	mux.HandleFunc("/healthz", h.healthCheck)
	mux.HandleFunc("/_ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	))
	return mux
}

type httpHandler struct {
	session *Session
	log     logrus.FieldLogger
}

func (h *httpHandler) balance(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	b, err := h.session.Balances.GetBalance(r.Context(), userID, boolParam(r, "force"))
	if err != nil {
		h.fetchError(w, userID, err)
		return
	}
	toJSON(w, http.StatusOK, b)
}

func (h *httpHandler) farming(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	fs, err := h.session.Balances.GetFarmingStatus(r.Context(), userID, boolParam(r, "force"))
	if err != nil {
		h.fetchError(w, userID, err)
		return
	}
	toJSON(w, http.StatusOK, fs)
}

// refresh blocks for the debounce delay unless `now=true` is given.
func (h *httpHandler) refresh(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		source = SourceUser
	}

	var result UpdateResult
	if boolParam(r, "now") {
		result = h.session.RefreshNow(r.Context(), userID, source)
	} else {
		result = h.session.Refresh(r.Context(), userID, source, boolParam(r, "force"))
	}

	resp := RefreshResp{
		UserID:  userID,
		Source:  result.Source,
		Force:   result.ForceRefresh,
		Outcome: result.Outcome.String(),
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	toJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) stats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	toJSON(w, http.StatusOK, StatsResp{
		Cache:       h.session.Cache.Stats(),
		Coordinator: h.session.Coordinator.Stats(),
		Attached:    h.session.Attached(),
		LastErrors:  h.session.Coordinator.LastErrors(),
	})
}

func (h *httpHandler) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthCheckResp{
		Status:        Healthy,
		AttachedUsers: len(h.session.Attached()),
	}
	// LastErrors() holds at most one error per user
	errs := h.session.Coordinator.LastErrors()
	if resp.AttachedUsers != 0 && len(errs) >= resp.AttachedUsers {
		resp.Status = UnHealthy
		resp.Message = "every attached user failed to refresh recently"
	}
	toJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) fetchError(w http.ResponseWriter, userID int64, err error) {
	if errors.Is(err, ErrUserNotFound) {
		toJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	h.log.WithError(err).WithField("user_id", userID).Warn("fetch failed")
	toJSON(w, http.StatusBadGateway, errorResp{Error: err.Error()})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	toJSON(w, http.StatusMethodNotAllowed, errorResp{Error: "method not allowed"})
	return false
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v := r.URL.Query().Get("user_id")
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		toJSON(w, http.StatusBadRequest, errorResp{Error: "query parameter 'user_id' must be a positive integer"})
		return 0, false
	}
	return id, true
}

func boolParam(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

func toJSON(w http.ResponseWriter, code int, obj interface{}) {
	resp, err := json.Marshal(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(resp)
}

// logWriter feeds the http.Server error log into logrus.
type logWriter struct {
	log logrus.FieldLogger
}

func newLogWriter(log logrus.FieldLogger) *logWriter {
	return &logWriter{log: log}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Error(string(bytes.TrimSpace(p)))
	return len(p), nil
}
