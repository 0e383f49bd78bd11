package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcp-guard/mcp-guard/internal/domain/decision"
)

// DecisionSinkService is the decision audit sink (C5, §4.5): it decouples
// the coordinator's hot path from storage latency via a buffered channel
// and a background worker that batches writes. The batching, backpressure
// and adaptive-flush behavior mirror the teacher's AuditService; the
// payload here is decision.Record rather than audit.AuditRecord.
type DecisionSinkService struct {
	store         decision.Store
	recordChan    chan decision.Record
	done          chan struct{}
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration
	dropCount   atomic.Int64

	warningThreshold int
	lastWarning      atomic.Int64

	adaptiveFlushThreshold int

	deadLetter DeadLetterWriter
}

// DeadLetterWriter spills a record the sink would otherwise drop under
// backpressure into durable storage so it can be replayed later (§4.5).
type DeadLetterWriter interface {
	WriteDropped(ctx context.Context, rec decision.Record) error
}

// SinkOption configures DecisionSinkService.
type SinkOption func(*DecisionSinkService)

// WithSinkBatchSize sets the number of records batched before a write.
func WithSinkBatchSize(size int) SinkOption {
	return func(s *DecisionSinkService) { s.batchSize = size }
}

// WithSinkFlushInterval sets the interval at which pending records flush.
func WithSinkFlushInterval(interval time.Duration) SinkOption {
	return func(s *DecisionSinkService) { s.flushInterval = interval }
}

// WithSinkChannelSize sets the buffered channel capacity (§5 audit queue
// depth).
func WithSinkChannelSize(size int) SinkOption {
	return func(s *DecisionSinkService) {
		s.recordChan = make(chan decision.Record, size)
		s.channelSize = size
	}
}

// WithSinkSendTimeout sets how long Record blocks under backpressure before
// dropping. 0 drops immediately.
func WithSinkSendTimeout(timeout time.Duration) SinkOption {
	return func(s *DecisionSinkService) { s.sendTimeout = timeout }
}

// WithSinkWarningThreshold sets the channel-depth percentage (0-100) that
// triggers a rate-limited warning log.
func WithSinkWarningThreshold(percent int) SinkOption {
	return func(s *DecisionSinkService) {
		s.warningThreshold = clampPercent(percent)
	}
}

// WithSinkAdaptiveFlushThreshold sets the channel-depth percentage that
// triggers 4x faster flushing. 0 disables adaptive flushing.
func WithSinkAdaptiveFlushThreshold(percent int) SinkOption {
	return func(s *DecisionSinkService) {
		s.adaptiveFlushThreshold = clampPercent(percent)
	}
}

// WithSinkDeadLetter configures a durable spill destination for records
// that would otherwise be silently dropped under backpressure.
func WithSinkDeadLetter(w DeadLetterWriter) SinkOption {
	return func(s *DecisionSinkService) { s.deadLetter = w }
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// NewDecisionSinkService constructs a sink with the §5 defaults: a 1000
// record buffer, 100-record batches, 1s flush interval, 100ms backpressure
// timeout, warning and adaptive-flush thresholds at 80%.
func NewDecisionSinkService(store decision.Store, logger *slog.Logger, opts ...SinkOption) *DecisionSinkService {
	const defaultChannelSize = 1000
	s := &DecisionSinkService{
		store:                  store,
		recordChan:             make(chan decision.Record, defaultChannelSize),
		done:                   make(chan struct{}),
		logger:                 logger,
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultChannelSize,
		sendTimeout:            100 * time.Millisecond,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background batching worker.
func (s *DecisionSinkService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record enqueues a decision record for async persistence. Never blocks the
// caller beyond sendTimeout; under sustained backpressure records are
// dropped and counted rather than stalling the authorization hot path
// (§4.5 failure semantics: "audit backpressure never delays a decision").
func (s *DecisionSinkService) Record(rec decision.Record) {
	if s.warningThreshold > 0 {
		depth := len(s.recordChan)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.recordChan <- rec:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(rec)
		return
	}

	select {
	case s.recordChan <- rec:
		return
	case <-time.After(s.sendTimeout):
		s.recordDrop(rec)
	}
}

func (s *DecisionSinkService) recordDrop(rec decision.Record) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("decision record dropped",
		"principal_id", rec.PrincipalID,
		"resource_id", rec.ResourceID,
		"total_drops", drops,
	)
	if s.deadLetter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.deadLetter.WriteDropped(ctx, rec); err != nil {
		s.logger.Error("failed to spill dropped decision record", "error", err)
	}
}

func (s *DecisionSinkService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("decision audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedRecords returns the total number of dropped records.
func (s *DecisionSinkService) DroppedRecords() int64 { return s.dropCount.Load() }

// ChannelDepth returns the current buffered record count.
func (s *DecisionSinkService) ChannelDepth() int { return len(s.recordChan) }

// ChannelCapacity returns the channel's configured buffer size.
func (s *DecisionSinkService) ChannelCapacity() int { return s.channelSize }

// Stop closes the input channel and waits for the worker to flush and
// exit.
func (s *DecisionSinkService) Stop() {
	close(s.recordChan)
	s.wg.Wait()
}

func (s *DecisionSinkService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]decision.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	fastMode := false

	for {
		select {
		case rec, ok := <-s.recordChan:
			if !ok {
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					s.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, rec)

			shouldFlush := len(batch) >= s.batchSize
			if !shouldFlush && s.adaptiveFlushThreshold > 0 {
				depthPercent := len(s.recordChan) * 100 / s.channelSize
				if depthPercent >= s.adaptiveFlushThreshold {
					shouldFlush = true
				}
			}
			if shouldFlush {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			if s.adaptiveFlushThreshold > 0 {
				depthPercent := len(s.recordChan) * 100 / s.channelSize
				if depthPercent >= s.adaptiveFlushThreshold && !fastMode {
					ticker.Reset(s.flushInterval / 4)
					fastMode = true
				} else if depthPercent < s.adaptiveFlushThreshold && fastMode {
					ticker.Reset(s.flushInterval)
					fastMode = false
				}
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			for rec := range s.recordChan {
				batch = append(batch, rec)
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

// flush appends batch to the store. A failed write is retried up to three
// more times with exponential backoff (10ms, 20ms, 40ms) while ctx is live;
// a batch that still fails is logged and discarded.
func (s *DecisionSinkService) flush(ctx context.Context, batch []decision.Record) {
	err := s.store.Append(ctx, batch...)
	for backoff := 10 * time.Millisecond; err != nil && backoff <= 40*time.Millisecond && ctx.Err() == nil; backoff *= 2 {
		time.Sleep(backoff)
		err = s.store.Append(ctx, batch...)
	}
	if err != nil {
		s.logger.Error("failed to write decision audit batch", "error", err, "count", len(batch))
	}
}
