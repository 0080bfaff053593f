package concurrent

import (
	"sync/atomic"
	"time"
)

type Stats struct {
	Submitted      int64
	Completed      int64
	Failed         int64
	AvgProcessTime time.Duration
}

type StatsCollector struct {
	submitted     atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	totalProcTime atomic.Int64
}

func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

func (sc *StatsCollector) IncrementSubmitted() {
	sc.submitted.Add(1)
}

func (sc *StatsCollector) RecordCompleted(d time.Duration) {
	sc.completed.Add(1)
	sc.totalProcTime.Add(d.Nanoseconds())
}

func (sc *StatsCollector) RecordFailed(d time.Duration) {
	sc.failed.Add(1)
	sc.totalProcTime.Add(d.Nanoseconds())
}

func (sc *StatsCollector) GetStats() Stats {
	stats := Stats{
		Submitted: sc.submitted.Load(),
		Completed: sc.completed.Load(),
		Failed:    sc.failed.Load(),
	}
	if processed := stats.Completed + stats.Failed; processed > 0 {
		stats.AvgProcessTime = time.Duration(sc.totalProcTime.Load() / processed)
	}
	return stats
}
