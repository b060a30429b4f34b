/*
Package aggregator is the in-memory store that features write observations into between
harvests.

Entries are addressed by event type ("err", "ierr", "xhr", ...) and a bucket key that the
feature derives from the observation. Observations with the same key merge instead of
duplicating:

	agg := aggregator.New(aggregator.Config{MaxBucketsPerType: 10000})
	agg.Store("err", key, params, map[string]float64{"time": 1532}, custom)
	agg.Store("err", key, params, map[string]float64{"time": 1890}, custom)

	body := agg.Take("err", "ierr") // body["err"][0].Metrics["time"].Count == 2

# Merge rules

  - Metrics: count, total, min, max and sum of squares combine, so merging is associative and
    commutative and the mean can be derived downstream.
  - Params: the first write wins.
  - Custom attributes: Store overwrites per key; Merge (used to restore a failed harvest) only
    fills keys that new activity has not written.

# Bounds

MaxBucketsPerType caps distinct keys per type. Writes to existing buckets always succeed; a
new key beyond the cap is dropped and counted, because unbounded keys usually mean a
high-cardinality value leaked into the bucket key.
*/
package aggregator
