// Package stream pushes asynchronous query progress to browsers over
// Server-Sent Events. The streamer polls the query state and emits a
// frame whenever something the client has not seen yet changes.
package stream

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cedricziel/errata/modules/asyncquery"
	"github.com/cedricziel/errata/pkg/apierror"
	"github.com/cedricziel/errata/pkg/util"
)

const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMaxStreamDuration = 120 * time.Second
)

var metricStreams = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "errata",
	Name:      "query_streams_total",
	Help:      "SSE streams by how they ended.",
}, []string{"outcome"})

type Config struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxStreamDuration time.Duration `yaml:"max_stream_duration"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.PollInterval, util.PrefixConfig(prefix, "poll_interval"), DefaultPollInterval, "query state poll interval.")
	f.DurationVar(&cfg.HeartbeatInterval, util.PrefixConfig(prefix, "heartbeat_interval"), DefaultHeartbeatInterval, "idle heartbeat interval.")
	f.DurationVar(&cfg.MaxStreamDuration, util.PrefixConfig(prefix, "max_stream_duration"), DefaultMaxStreamDuration, "hard cap on a single stream.")
}

type Streamer struct {
	cfg    Config
	store  *asyncquery.Store
	logger log.Logger
}

func NewStreamer(cfg Config, store *asyncquery.Store, logger log.Logger) *Streamer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxStreamDuration <= 0 {
		cfg.MaxStreamDuration = DefaultMaxStreamDuration
	}
	return &Streamer{cfg: cfg, store: store, logger: logger}
}

// ServeQuery streams the lifecycle of one query until it reaches a
// terminal status, the client goes away or the stream cap elapses.
func (s *Streamer) ServeQuery(w http.ResponseWriter, r *http.Request, queryID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierror.WriteJSON(w, apierror.New(apierror.KindValidation, "streaming unsupported by connection"))
		return
	}

	ctx := r.Context()
	state, err := s.store.GetQueryState(ctx, queryID)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// disable proxy buffering so frames reach the client immediately
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, flusher: flusher}

	lastStatus := ""
	lastProgress := -1

	emit := func(st *asyncquery.State) (done, sent bool, err error) {
		if st.Status != lastStatus {
			lastStatus = st.Status
			if err := sw.event("status", map[string]string{"status": st.Status}); err != nil {
				return false, sent, err
			}
			sent = true
		}
		if st.Progress > lastProgress {
			lastProgress = st.Progress
			if err := sw.event("progress", map[string]int{"progress": st.Progress}); err != nil {
				return false, sent, err
			}
			sent = true
		}

		switch st.Status {
		case asyncquery.StatusCompleted:
			return true, true, sw.event("result", st.Result)
		case asyncquery.StatusFailed:
			return true, true, sw.event("error", map[string]string{"message": st.Error})
		case asyncquery.StatusCancelled:
			return true, true, sw.event("cancelled", map[string]string{"queryId": st.QueryID})
		}
		return false, sent, nil
	}

	// late subscribers to a terminal query get the final frames at once
	if done, _, err := emit(state); done || err != nil {
		metricStreams.WithLabelValues("terminal").Inc()
		return
	}

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	deadline := time.NewTimer(s.cfg.MaxStreamDuration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			metricStreams.WithLabelValues("client_gone").Inc()
			return

		case <-deadline.C:
			// the query keeps running; the client re-polls the status
			// endpoint or reconnects
			_ = sw.event("error", map[string]string{"message": "stream timed out"})
			metricStreams.WithLabelValues("expired").Inc()
			return

		case <-heartbeat.C:
			if err := sw.event("heartbeat", map[string]int64{"ts": time.Now().UnixMilli()}); err != nil {
				metricStreams.WithLabelValues("client_gone").Inc()
				return
			}

		case <-poll.C:
			st, err := s.store.GetQueryState(ctx, queryID)
			if err != nil {
				// state evicted mid-stream, tell the client and stop
				_ = sw.event("error", map[string]string{"message": "query state no longer available"})
				metricStreams.WithLabelValues("evicted").Inc()
				return
			}

			done, sent, err := emit(st)
			if err != nil {
				metricStreams.WithLabelValues("client_gone").Inc()
				return
			}
			if done {
				metricStreams.WithLabelValues("terminal").Inc()
				level.Debug(s.logger).Log("msg", "stream finished", "query", queryID, "status", st.Status)
				return
			}
			if sent {
				// heartbeats fill silence only; a frame just went out
				heartbeat.Reset(s.cfg.HeartbeatInterval)
			}
		}
	}
}

// sseWriter frames events per the text/event-stream format and flushes
// after every frame.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) event(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
