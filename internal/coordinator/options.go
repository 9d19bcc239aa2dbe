package coordinator

import "time"

// Mode is the coordinator's cluster role. A CLUSTER_READONLY instance never
// runs the background timer thread, matching DBImpl's rule that query-only
// replicas don't compact or build indexes.
type Mode int

const (
	ModeSingle Mode = iota
	ModeClusterReadonly
	ModeClusterWritable
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "SINGLE"
	case ModeClusterReadonly:
		return "CLUSTER_READONLY"
	case ModeClusterWritable:
		return "CLUSTER_WRITABLE"
	default:
		return "UNKNOWN"
	}
}

const bytesPerMB = 1 << 20

// Options mirrors DBOptions: the literal struct of recognised fields
// passed to New, no config framework involved — meta-store location and
// base directory are supplied directly since this module embeds its own
// meta/memmanager/engine/cache stack rather than dialing out to one.
type Options struct {
	BaseDir string
	Mode    Mode

	// MergeTriggerNumber is the minimum number of same-date NEW files that
	// triggers a merge pass for that date. 1 merges a lone file on its own;
	// defaults to 2 if <= 0.
	MergeTriggerNumber int

	// InsertCacheImmediately pushes a freshly-merged artifact into the CPU
	// cache as soon as MergeFiles commits it.
	InsertCacheImmediately bool

	// NumWorkers sizes the scheduler's search/build/delete worker pool.
	// <= 0 defaults to GOMAXPROCS (workerPool's own default).
	NumWorkers int

	// CacheCapacityBytes bounds the CPU index cache. 0 means unbounded.
	CacheCapacityBytes int64
	// CacheMaxEntries bounds how many distinct files the cache tracks
	// regardless of byte usage. <= 0 defaults to a generous 4096.
	CacheMaxEntries int

	// TickInterval overrides the background timer's sleep between ticks.
	// Tests shrink this; production leaves it at the zero value, which
	// tickInterval resolves to 1 second.
	TickInterval time.Duration
}

func (o Options) mergeTrigger() int {
	if o.MergeTriggerNumber <= 0 {
		return 2
	}
	return o.MergeTriggerNumber
}

func (o Options) tickInterval() time.Duration {
	if o.TickInterval <= 0 {
		return time.Second
	}
	return o.TickInterval
}

// ttl is the CLEANUP horizon for TO_DELETE files: 5 minutes normally, 1 day
// under CLUSTER_WRITABLE — writable cluster nodes keep deleted
// shards around longer so peer nodes mid-replication don't miss them.
func (o Options) ttl() time.Duration {
	if o.Mode == ModeClusterWritable {
		return 24 * time.Hour
	}
	return 5 * time.Minute
}
