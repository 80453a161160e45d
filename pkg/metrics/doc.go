/*
Package metrics provides Prometheus metrics collection and exposition for
the storage durability core.

Metrics are grouped by the component that produces them:

  - Ident/table metrics (IdentsTotal, PendingDropsTotal, RecordsTotal,
    DataSizeBytes) — sourced from IdentRegistry and SizeStorer.
  - Transaction metrics (TransactionsTotal, TransactionDuration,
    WriteConflictsTotal) — registered and exported, but no package in
    this module records values into them.
  - Timestamp gauges (StableTimestampSeconds, OldestTimestampSeconds,
    AllDurableTimestampSeconds) — sourced from the TimestampCoordinator.
  - Checkpoint/journal metrics (CheckpointsTotal, CheckpointDuration,
    JournalFlushDuration, JournalRoundsTotal) — likewise registered and
    exported without anything in this module recording values into them.

Collector polls an EngineStats implementation (pkg/engine.Engine in
production) on a fixed interval and republishes its values as gauges,
the same poll-and-publish shape the reference implementation used for
its own Raft/cluster metrics. HealthChecker separately tracks whether
the kvstore, journal and checkpoint background components have finished
starting, exposed over HTTP via HealthHandler/ReadyHandler/LivenessHandler
for use by an external supervisor.
*/
package metrics
