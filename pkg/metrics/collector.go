package metrics

import "time"

// EngineStats is the minimal read-only surface the collector needs from the
// engine. pkg/engine.Engine implements it; tests can supply a fake.
type EngineStats interface {
	IdentCount() int
	PendingDropCount() int
	SizeSummaries() map[string]SizeSample
	StableTimestampSeconds() uint32
	OldestTimestampSeconds() uint32
	AllDurableTimestampSeconds() uint32
	BackupCursorOpen() bool
}

// SizeSample is the (numRecords, dataSize) pair reported for one ident.
type SizeSample struct {
	NumRecords int64
	DataSize   int64
}

// Collector polls an EngineStats source on an interval and republishes the
// values as Prometheus gauges.
type Collector struct {
	engine EngineStats
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over engine.
func NewCollector(engine EngineStats) *Collector {
	return &Collector{
		engine: engine,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	IdentsTotal.Set(float64(c.engine.IdentCount()))
	PendingDropsTotal.Set(float64(c.engine.PendingDropCount()))

	for ident, sample := range c.engine.SizeSummaries() {
		RecordsTotal.WithLabelValues(ident).Set(float64(sample.NumRecords))
		DataSizeBytes.WithLabelValues(ident).Set(float64(sample.DataSize))
	}

	StableTimestampSeconds.Set(float64(c.engine.StableTimestampSeconds()))
	OldestTimestampSeconds.Set(float64(c.engine.OldestTimestampSeconds()))
	AllDurableTimestampSeconds.Set(float64(c.engine.AllDurableTimestampSeconds()))

	if c.engine.BackupCursorOpen() {
		BackupCursorsOpen.Set(1)
	} else {
		BackupCursorsOpen.Set(0)
	}
}
