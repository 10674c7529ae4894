// Package metrics aggregates probe call outcomes.
//
// A [Collector] records the latency and error of every block or burst call.
// Latencies land in an HDR histogram (1µs to 60s, 3 significant figures), from
// which [Collector.Stats] reports min, mean and max. Failures are grouped by
// [ClassifyError], which names transport failures such as refused or reset
// connections and keys HTTP failures by status:
//
//	collector := metrics.NewCollector()
//	collector.RecordRequest(latency, err)
//	stats := collector.Stats(elapsed)
//	for _, row := range metrics.FlattenErrors(stats.Errors) {
//		fmt.Println(row.Kind, row.Count)
//	}
//
// The Collector is safe to call from multiple goroutines.
package metrics
