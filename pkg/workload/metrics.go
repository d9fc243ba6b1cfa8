package workload

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/pkg/distributed"
)

// asFloat returns the numeric value of v. Booleans are not numbers.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func sortedKeys(m Metrics) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MakeMetrics averages per-batch metrics. Numeric metrics are averaged over the batches that
// reported them; other metrics keep the value of the last batch that reported them.
func MakeMetrics(batches []Metrics) Metrics {
	sums := map[string]float64{}
	counts := map[string]int{}
	out := Metrics{}
	for _, b := range batches {
		for k, v := range b {
			if f, ok := asFloat(v); ok {
				sums[k] += f
				counts[k]++
				continue
			}
			out[k] = v
		}
	}
	for k, sum := range sums {
		if _, nonNumeric := out[k]; nonNumeric {
			log.Warnf("metric %q has numeric and non-numeric values, keeping the last non-numeric", k)
			continue
		}
		out[k] = sum / float64(counts[k])
	}
	return out
}

// AverageAcrossRanks combines the metrics of every rank on the chief. Numeric metrics become the
// mean over the ranks that reported them. Non-numeric metrics cannot be averaged: the chief keeps
// its own value and a warning is logged. The chief's keys decide what is reported; keys only
// other ranks reported are dropped with a debug log. Non-chief ranks get nil. It is a collective.
func AverageAcrossRanks(ctx context.Context, dist *distributed.Context, m Metrics) (Metrics, error) {
	all, err := distributed.Gather(ctx, dist, m)
	if err != nil || !dist.IsChief() {
		return nil, err
	}
	if len(all) == 1 {
		return m, nil
	}

	for rank, peer := range all[1:] {
		for _, key := range sortedKeys(peer) {
			if _, ok := m[key]; !ok {
				log.WithField("metric", key).Debugf("rank %d reported a metric the chief did not, dropping it",
					rank+1)
			}
		}
	}

	out := Metrics{}
	for _, key := range sortedKeys(m) {
		own := m[key]
		if _, ok := asFloat(own); !ok {
			consistent := true
			for _, peer := range all[1:] {
				if v, ok := peer[key]; ok && !reflect.DeepEqual(v, normalize(own)) {
					consistent = false
				}
			}
			entry := log.WithField("metric", key)
			if consistent {
				entry.Warn("Skipping averaging metric: value is not numeric, reporting the chief's value")
			} else {
				entry.Warn("Skipping averaging metric: value is not numeric and differs across ranks, " +
					"reporting the chief's value")
			}
			out[key] = own
			continue
		}

		var sum float64
		var n int
		for rank, peer := range all {
			v, ok := peer[key]
			if !ok {
				continue
			}
			f, ok := asFloat(v)
			if !ok {
				log.WithField("metric", key).Warnf("rank %d reported a non-numeric value, ignoring it", rank)
				continue
			}
			sum += f
			n++
		}
		out[key] = sum / float64(n)
	}
	return out, nil
}

// normalize gives v the shape it would have after a JSON round trip, so it can be compared to
// values gathered from peers.
func normalize(v interface{}) interface{} {
	bs, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(bs, &out); err != nil {
		return v
	}
	return out
}
