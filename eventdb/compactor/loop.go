package compactor

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// Loop drives periodic compaction runs over the whole store.
type Loop struct {
	services.Service

	compactor *Compactor
	logger    log.Logger
}

func NewLoop(c *Compactor, logger log.Logger) *Loop {
	cycle := c.cfg.CompactionCycle
	if cycle <= 0 {
		cycle = DefaultCompactionCycle
	}

	l := &Loop{compactor: c, logger: logger}
	l.Service = services.NewTimerService(cycle, nil, l.iteration, nil)
	return l
}

func (l *Loop) iteration(ctx context.Context) error {
	start := time.Now()
	summary, err := l.compactor.Run(ctx, Selector{})
	if err != nil {
		// a failed cycle is retried on the next tick; never kill the service
		level.Error(l.logger).Log("msg", "compaction cycle failed", "err", err, "duration", time.Since(start))
		return nil
	}
	if summary.Errors > 0 {
		level.Warn(l.logger).Log("msg", "compaction cycle finished with errors", "errors", summary.Errors)
	}
	return nil
}
