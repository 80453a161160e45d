/*
Package types defines the vocabulary shared by every storage-core package:
idents, record identifiers, the timestamp model, and the per-table size
summary.

None of these types know how to persist themselves — that's pkg/kvstore's
job — they exist so that pkg/recovery, pkg/recordstore, pkg/tscoord and
friends agree on the same names for the same concepts.

# Timestamps

A Timestamp packs (seconds, increment) into a single uint64, the same
encoding the reference engine uses so that timestamps remain totally
ordered and comparable with plain integer comparison.
*/
package types
