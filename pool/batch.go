package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/internal/channel"
	"github.com/aiclient/goproxy/store"
)

// BatchConfig bounds the usage-batch flush interval's auto-tuning
// (spec §4.3 step 8: flush every 10-100ms, adjusted by queue pressure) and
// the underlying queue's auto-sizing.
type BatchConfig struct {
	MinInterval    time.Duration
	MaxInterval    time.Duration
	GrowQueueLen   int // queue length above which the interval shrinks toward MinInterval
	ShrinkQueueLen int // queue length below which the interval grows toward MaxInterval
}

type usageDelta struct {
	pt         account.ProviderType
	uuid       string
	usageDelta int64
	errorDelta int
}

// usageBatcher coalesces per-request usage/error increments into a single
// periodic flush per account, trading a small amount of staleness for far
// fewer store round trips under load. Two independent auto-tuning axes
// respond to the same queue-depth signal: the flush interval grows and
// shrinks between MinInterval and MaxInterval (this package's own tune()),
// and the backing queue's capacity grows and shrinks with it (the tunable
// channel's own Tune()) so a sustained burst widens the buffer instead of
// RecordUsage ever blocking a live request on a full queue.
type usageBatcher struct {
	st     store.Store
	logger *zap.Logger
	cfg    BatchConfig

	queue    *channel.TunableChannel[usageDelta]
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

func newUsageBatcher(st store.Store, cfg BatchConfig, logger *zap.Logger) *usageBatcher {
	chCfg := channel.DefaultTunableConfig()
	chCfg.SampleWindow = cfg.MaxInterval
	return &usageBatcher{
		st:       st,
		logger:   logger.With(zap.String("component", "pool.batch")),
		cfg:      cfg,
		queue:    channel.NewTunableChannel[usageDelta](chCfg),
		interval: cfg.MaxInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RecordUsage enqueues a usage increment for later flushing. A full queue
// drops the increment rather than blocking the caller's request path;
// persistent drops show up as the channel growing toward MaxSize on the
// next Tune.
func (b *usageBatcher) RecordUsage(pt account.ProviderType, uuid string, delta int64) {
	if !b.queue.TrySend(usageDelta{pt: pt, uuid: uuid, usageDelta: delta}) {
		b.logger.Warn("usage batch queue full, dropping increment", zap.String("uuid", uuid))
	}
}

// RecordError enqueues an error-count increment for later flushing.
func (b *usageBatcher) RecordError(pt account.ProviderType, uuid string, delta int) {
	if !b.queue.TrySend(usageDelta{pt: pt, uuid: uuid, errorDelta: delta}) {
		b.logger.Warn("usage batch queue full, dropping increment", zap.String("uuid", uuid))
	}
}

// Start runs the flush loop until Stop is called.
func (b *usageBatcher) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		timer := time.NewTimer(b.interval)
		defer timer.Stop()
		for {
			select {
			case <-b.stop:
				b.flush(ctx)
				return
			case <-ctx.Done():
				b.flush(ctx)
				return
			case <-timer.C:
				b.flush(ctx)
				b.tune()
				timer.Reset(b.interval)
			}
		}
	}()
}

// Stop drains the queue and halts the flush loop.
func (b *usageBatcher) Stop() {
	close(b.stop)
	<-b.done
}

func (b *usageBatcher) tune() {
	qlen := b.queue.Len()
	b.queue.Tune()

	switch {
	case qlen >= b.cfg.GrowQueueLen && b.interval > b.cfg.MinInterval:
		b.interval /= 2
		if b.interval < b.cfg.MinInterval {
			b.interval = b.cfg.MinInterval
		}
	case qlen <= b.cfg.ShrinkQueueLen && b.interval < b.cfg.MaxInterval:
		b.interval *= 2
		if b.interval > b.cfg.MaxInterval {
			b.interval = b.cfg.MaxInterval
		}
	}
}

func (b *usageBatcher) flush(ctx context.Context) {
	type key struct {
		pt   account.ProviderType
		uuid string
	}
	merged := make(map[key]usageDelta)
	for {
		d, ok := b.queue.TryReceive()
		if !ok {
			break
		}
		k := key{d.pt, d.uuid}
		m := merged[k]
		m.pt, m.uuid = d.pt, d.uuid
		m.usageDelta += d.usageDelta
		m.errorDelta += d.errorDelta
		merged[k] = m
	}

	if len(merged) == 0 {
		return
	}

	for _, d := range merged {
		if d.usageDelta != 0 {
			if err := b.st.IncrementUsage(ctx, d.pt, d.uuid, d.usageDelta); err != nil {
				b.logger.Warn("usage flush failed", zap.String("uuid", d.uuid), zap.Error(err))
			}
		}
		if d.errorDelta != 0 {
			if err := b.st.IncrementError(ctx, d.pt, d.uuid, d.errorDelta); err != nil {
				b.logger.Warn("error flush failed", zap.String("uuid", d.uuid), zap.Error(err))
			}
		}
	}
}
