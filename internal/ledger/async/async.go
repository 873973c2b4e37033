package async

import (
	"context"
	"sync"
	"time"

	"github.com/outsoor/billing/internal/ledger"
	"github.com/outsoor/billing/internal/logging"
)

// UsageSink persists batches of usage logs.
type UsageSink interface {
	RecordUsage(ctx context.Context, logs ...ledger.UsageLog) error
}

// Writer queues usage logs in memory and writes them in batches.
// Logs still queued when the process crashes are lost; balances never depend on them.
type Writer struct {
	sink          UsageSink
	logChan       chan ledger.UsageLog
	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration
	wg            sync.WaitGroup
	stopOnce      sync.Once
	stopChan      chan struct{}
	logger        *logging.Logger

	mu      sync.Mutex
	dropped int64
}

// Config configures batching.
type Config struct {
	BatchSize     int           // default 100
	FlushInterval time.Duration // default 1s
	ChannelBuffer int           // default 10000
	NumWorkers    int           // default 1
	WriteTimeout  time.Duration // per batch, default 10s
	Logger        *logging.Logger
}

// New starts the batch workers.
func New(sink UsageSink, cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &Writer{
		sink:          sink,
		logChan:       make(chan ledger.UsageLog, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		writeTimeout:  cfg.WriteTimeout,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}
	if w.logger == nil {
		w.logger = logging.Discard()
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(i)
	}
	w.logger.Infof("started %d worker(s), batch_size=%d, flush_interval=%v, buffer=%d",
		cfg.NumWorkers, cfg.BatchSize, cfg.FlushInterval, cfg.ChannelBuffer)
	return w
}

func (w *Writer) run(workerID int) {
	defer w.wg.Done()

	batch := make([]ledger.UsageLog, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		err := w.sink.RecordUsage(ctx, batch...)
		cancel()
		if err != nil {
			w.logger.Errorf("worker-%d writing %d usage logs: %v", workerID, len(batch), err)
		} else {
			w.logger.Debugf("worker-%d flushed %d usage logs in %v", workerID, len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.logChan:
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopChan:
			for {
				select {
				case entry := <-w.logChan:
					batch = append(batch, entry)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Enqueue queues a usage log without blocking. It returns false when the
// buffer is full or the writer is closed and the log was dropped.
func (w *Writer) Enqueue(entry ledger.UsageLog) bool {
	select {
	case <-w.stopChan:
		w.drop()
		return false
	default:
	}
	select {
	case w.logChan <- entry:
		return true
	default:
		w.drop()
		w.logger.Warnf("buffer full, dropping usage log for user %s", entry.UserID)
		return false
	}
}

// Dropped reports how many logs were discarded.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close flushes queued logs and stops the workers. It does not close the sink.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	return nil
}

func (w *Writer) drop() {
	w.mu.Lock()
	w.dropped++
	w.mu.Unlock()
}
