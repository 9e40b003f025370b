package healthz

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

// DepthWatcher samples queue depths into the queue_depth gauge so backlog is
// visible before admission control starts refusing points.
type DepthWatcher struct {
	queues redisc.Queue
	// stage -> queues feeding that stage
	watched map[string][]string
}

func NewDepthWatcher(queues redisc.Queue) *DepthWatcher {
	return &DepthWatcher{
		queues: queues,
		watched: map[string][]string{
			"detect":   {redisc.DataSignalKey},
			"trigger":  {redisc.AnomalySignalKey},
			"converge": {redisc.ConvergeQueueKey},
			"action":   {redisc.ActionQueueKey},
		},
	}
}

// Watch also samples an extra queue, e.g. a hot strategy's data queue.
func (w *DepthWatcher) Watch(stage, queue string) {
	w.watched[stage] = append(w.watched[stage], queue)
}

// Run samples every interval until ctx is cancelled.
func (w *DepthWatcher) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	c := cron.New()
	_, _ = c.AddFunc("@every "+every.String(), func() { w.sample(ctx) })
	c.Start()
	defer c.Stop()
	<-ctx.Done()
}

func (w *DepthWatcher) sample(ctx context.Context) {
	for stage, queues := range w.watched {
		for _, queue := range queues {
			depth, err := w.queues.Depth(ctx, queue)
			if err != nil {
				log.Warn().Err(err).Str("queue", queue).Msg("depth sample failed")
				continue
			}
			metrics.QueueDepth.WithLabelValues(stage, queue).Set(float64(depth))
		}
	}
}
