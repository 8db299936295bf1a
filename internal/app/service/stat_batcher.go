package service

import (
	"context"
	"time"

	"github.com/sifan077/HookRelay/config"
	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/sifan077/HookRelay/internal/app/repository"
	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 2 * time.Second
	defaultBatchSize     = 10
	defaultQueueSize     = 1024
	flushTimeout         = 5 * time.Second
)

// StatRecorder accepts one successful delivery for counting. Implementations
// must not block the caller.
type StatRecorder interface {
	Record(path, guildID string, fanout int)
}

// StatObserver is notified about batcher outcomes.
type StatObserver interface {
	StatsFlushed(n int)
	StatDropped()
	StatFlushFailed()
}

type noopStatObserver struct{}

func (noopStatObserver) StatsFlushed(int) {}
func (noopStatObserver) StatDropped()     {}
func (noopStatObserver) StatFlushFailed() {}

type statKey struct {
	path    string
	guildID string
}

// StatBatcher queues delivery events in memory and writes them in batches,
// one transaction per flush.
type StatBatcher struct {
	logger    *zap.Logger
	repo      repository.StatRepository
	observer  StatObserver
	interval  time.Duration
	batchSize int

	queue    chan model.DeliveryEvent
	stopChan chan struct{}
	done     chan struct{}
	now      func() time.Time
}

// NewStatBatcher creates a batcher; call Start before recording.
func NewStatBatcher(logger *zap.Logger, repo repository.StatRepository, cfg config.StatsConfig, observer StatObserver) *StatBatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = noopStatObserver{}
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &StatBatcher{
		logger:    logger,
		repo:      repo,
		observer:  observer,
		interval:  interval,
		batchSize: batchSize,
		queue:     make(chan model.DeliveryEvent, queueSize),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start begins the flush loop.
func (b *StatBatcher) Start() {
	go b.run()
}

// Record enqueues one delivery. A full queue drops it with a warning.
func (b *StatBatcher) Record(path, guildID string, fanout int) {
	b.Enqueue(model.DeliveryEvent{
		Path:      path,
		GuildID:   guildID,
		Fanout:    fanout,
		Timestamp: b.now(),
	})
}

// Enqueue is Record for events that already carry their timestamp.
func (b *StatBatcher) Enqueue(event model.DeliveryEvent) bool {
	select {
	case b.queue <- event:
		return true
	default:
		b.observer.StatDropped()
		b.logger.Warn("stat queue full, dropping increment",
			zap.String("path", event.Path),
			zap.String("guild_id", event.GuildID),
		)
		return false
	}
}

// Stop ends the loop after flushing whatever is queued. It waits until ctx
// is done at most.
func (b *StatBatcher) Stop(ctx context.Context) error {
	close(b.stopChan)
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *StatBatcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	pending := make(map[statKey]*repository.StatIncrement)
	var order []statKey
	events := 0

	add := func(event model.DeliveryEvent) {
		key := statKey{path: event.Path, guildID: event.GuildID}
		inc, ok := pending[key]
		if !ok {
			inc = &repository.StatIncrement{Path: event.Path, GuildID: event.GuildID}
			pending[key] = inc
			order = append(order, key)
		}
		inc.Requests++
		inc.Fanout += int64(event.Fanout)
		if event.Timestamp.After(inc.LastUsedAt) {
			inc.LastUsedAt = event.Timestamp
		}
		events++
	}
	flush := func() {
		if events == 0 {
			return
		}
		batch := make([]repository.StatIncrement, 0, len(order))
		for _, key := range order {
			batch = append(batch, *pending[key])
		}
		b.flush(batch, events)
		pending = make(map[statKey]*repository.StatIncrement)
		order = order[:0]
		events = 0
	}

	for {
		select {
		case event := <-b.queue:
			add(event)
			if events >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.stopChan:
			for {
				select {
				case event := <-b.queue:
					add(event)
				default:
					flush()
					b.logger.Info("stat batcher stopped")
					return
				}
			}
		}
	}
}

func (b *StatBatcher) flush(batch []repository.StatIncrement, events int) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := b.repo.ApplyIncrements(ctx, batch); err != nil {
		b.observer.StatFlushFailed()
		b.logger.Error("failed to flush delivery stats",
			zap.Int("rows", len(batch)),
			zap.Int("events", events),
			zap.Error(err),
		)
		return
	}
	b.observer.StatsFlushed(events)
	b.logger.Debug("delivery stats flushed",
		zap.Int("rows", len(batch)),
		zap.Int("events", events),
	)
}
