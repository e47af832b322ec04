package horizon

import (
	"sync"
	"time"

	"github.com/horizon-db/horizon/internal/logger"
	"github.com/horizon-db/horizon/internal/metrics"
	"github.com/horizon-db/horizon/pkg/bufferpool"
	"github.com/horizon-db/horizon/pkg/mvcc"
	"github.com/horizon-db/horizon/pkg/wal"
)

// Options configures an open Db. The zero value is not valid; use
// DefaultOptions and override individual fields.
type Options struct {
	// BufferPoolCapacity is the number of frames the buffer pool holds
	// pinned-or-cached at once.
	BufferPoolCapacity int

	// CheckpointInterval is how often the background checkpointer flushes
	// dirty frames and truncates WAL segments. Zero disables the
	// background loop; callers can still call Db.Checkpoint manually.
	CheckpointInterval time.Duration

	// GCInterval is how often the MVCC garbage collector prunes undo
	// chain entries no live snapshot can still see. Zero disables the
	// background loop.
	GCInterval time.Duration

	// Logger receives structured log lines for every subsystem. Defaults
	// to logger.GetGlobalLogger() if nil.
	Logger *logger.Logger

	// Metrics receives Prometheus instrumentation. If nil, it defaults to
	// one metrics.NewMetrics() instance, created on first use and shared
	// by every Db opened without its own Metrics.
	Metrics *metrics.Metrics
}

// defaultMetrics backs Options.Metrics when it is nil. NewMetrics registers
// its collectors with the default Prometheus registry, which panics on a
// second registration of the same name, so it is called only once.
var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *metrics.Metrics
)

// DefaultOptions returns the options a bare Open(path) call uses.
func DefaultOptions() Options {
	return Options{
		BufferPoolCapacity: 1024,
		CheckpointInterval: wal.DefaultCheckpointInterval,
		GCInterval:         mvcc.DefaultGCInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.BufferPoolCapacity <= 0 {
		o.BufferPoolCapacity = bufferpool.DefaultCapacity
	}
	if o.Logger == nil {
		o.Logger = logger.GetGlobalLogger()
	}
	if o.Metrics == nil {
		defaultMetricsOnce.Do(func() { defaultMetrics = metrics.NewMetrics() })
		o.Metrics = defaultMetrics
	}
	return o
}
