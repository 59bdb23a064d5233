package runtime

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/flowrunner/internal/runtime/config"
	"github.com/drblury/flowrunner/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/receiver"
	transportpkg "github.com/drblury/flowrunner/transport"
)

// TMStatus is the JSON view of the transaction manager handle.
type TMStatus struct {
	UID        string `json:"uid"`
	Status     string `json:"status"`
	StatusFile string `json:"status_file"`
	UIDFile    string `json:"uid_file"`
}

// DLQStatus is the JSON view of one dead letter queue.
type DLQStatus struct {
	Topic    string                    `json:"topic"`
	Count    int64                     `json:"count"`
	Messages []transportpkg.DLQMessage `json:"messages,omitempty"`
}

func (s *Service) registerHTTPHandlers() {
	if s.Conf.MetricsEnabled {
		port := s.Conf.MetricsPort
		if port == 0 {
			port = configpkg.DefaultMetricsPort
		}
		s.RegisterHTTPHandler(port, "/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	if s.Conf.StatusAPIEnabled {
		port := s.Conf.StatusAPIPort
		if port == 0 {
			port = configpkg.DefaultStatusAPIPort
		}
		s.RegisterHTTPHandler(port, "/api/", s.StatusHandler())
	}
}

// StatusHandler serves the status API:
//
//	GET    /api/receivers
//	GET    /api/receivers/{name}
//	GET    /api/tm
//	GET    /api/dlq/{topic}
//	POST   /api/dlq/{topic}/replay
//	DELETE /api/dlq/{topic}
//
// The dlq routes need a transport that keeps its own dead letter queue.
func (s *Service) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/receivers", s.handleGetReceivers)
	mux.HandleFunc("GET /api/receivers/{name}", s.handleGetReceiver)
	mux.HandleFunc("GET /api/tm", s.handleGetTM)
	mux.HandleFunc("GET /api/dlq/{topic}", s.handleGetDLQ)
	mux.HandleFunc("POST /api/dlq/{topic}/replay", s.handleReplayDLQ)
	mux.HandleFunc("DELETE /api/dlq/{topic}", s.handlePurgeDLQ)
	return s.withCORS(mux)
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.Conf.StatusAPICORSAllowedOrigins) > 0 {
			if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.StatusAPICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (s *Service) handleGetReceivers(w http.ResponseWriter, _ *http.Request) {
	receivers := s.Receivers()
	out := make([]receiver.Status, 0, len(receivers))
	for _, r := range receivers {
		out = append(out, r.Status())
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleGetReceiver(w http.ResponseWriter, r *http.Request) {
	rcv, ok := s.Receiver(r.PathValue("name"))
	if !ok {
		http.Error(w, "receiver not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, rcv.Status())
}

func (s *Service) handleGetTM(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, TMStatus{
		UID:        s.tm.UID(),
		Status:     string(s.tm.Status()),
		StatusFile: s.Conf.TransactionManager.StatusFilePath(),
		UIDFile:    s.Conf.TransactionManager.UIDFilePath(),
	})
}

func (s *Service) dlqManager(w http.ResponseWriter, r *http.Request) (transportpkg.DLQManager, bool) {
	t, err := s.Transport(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	m, ok := t.Subscriber.(transportpkg.DLQManager)
	if !ok {
		http.Error(w, "transport has no dead letter queue", http.StatusNotImplemented)
		return nil, false
	}
	return m, true
}

func (s *Service) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	m, ok := s.dlqManager(w, r)
	if !ok {
		return
	}
	topic := r.PathValue("topic")
	count, err := m.GetDLQCount(topic)
	if err != nil {
		s.writeError(w, "Failed to count DLQ messages", err)
		return
	}
	out := DLQStatus{Topic: topic, Count: count}
	if lister, ok := m.(transportpkg.DLQLister); ok {
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		if out.Messages, err = lister.ListDLQMessages(topic, limit, offset); err != nil {
			s.writeError(w, "Failed to list DLQ messages", err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	m, ok := s.dlqManager(w, r)
	if !ok {
		return
	}
	topic := r.PathValue("topic")
	n, err := m.ReplayAllDLQ(topic)
	if err != nil {
		s.writeError(w, "Failed to replay DLQ messages", err)
		return
	}
	s.metrics.RecordReplayed(topic, n)
	s.Logger.Info("Replayed DLQ messages", loggingpkg.LogFields{"topic": topic, "count": n})
	s.writeJSON(w, http.StatusOK, map[string]int64{"replayed": n})
}

func (s *Service) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	m, ok := s.dlqManager(w, r)
	if !ok {
		return
	}
	topic := r.PathValue("topic")
	n, err := m.PurgeDLQ(topic)
	if err != nil {
		s.writeError(w, "Failed to purge DLQ messages", err)
		return
	}
	s.metrics.RecordPurged(topic, n)
	s.Logger.Info("Purged DLQ messages", loggingpkg.LogFields{"topic": topic, "count": n})
	s.writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.writeError(w, "Failed to encode response", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (s *Service) writeError(w http.ResponseWriter, msg string, err error) {
	s.Logger.Error(msg, err, nil)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
