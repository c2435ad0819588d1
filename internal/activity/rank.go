package activity

import "sort"

// DefaultPinned are the sources always shown in a ranking
var DefaultPinned = []string{"open", "heartbeat"}

// Ranking is the top-N view of a bucket series
type Ranking struct {
	// Active keys shown individually, at most topN
	Active []string `json:"active"`

	// HasOther is set when some key outside Active had events
	HasOther bool `json:"has_other"`

	// Totals per key over all buckets
	Totals map[string]int `json:"totals"`

	// Buckets with non-active keys folded into Other
	Buckets []Bucket `json:"buckets"`
}

// Rank picks the topN keys by total count, forcing the pinned keys in, and
// folds every other key into Other. keys gives the display order used to
// break ties. topN <= 0 keeps every key.
func Rank(buckets []Bucket, keys []string, topN int, pinned ...string) Ranking {
	totals := make(map[string]int, len(keys))
	for _, b := range buckets {
		for k, v := range b.Counts {
			totals[k] += v
		}
	}

	if len(buckets) == 0 {
		return Ranking{Active: append([]string(nil), keys...), Totals: totals}
	}
	if topN <= 0 || topN > len(keys) {
		topN = len(keys)
	}

	ranked := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != Other {
			ranked = append(ranked, k)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return totals[ranked[i]] > totals[ranked[j]]
	})

	keep := append([]string(nil), ranked[:min(topN, len(ranked))]...)
	for _, p := range pinned {
		if !containsKey(keep, p) {
			keep = append([]string{p}, keep...)
		}
	}
	active := make([]string, 0, topN)
	for _, k := range keep {
		if len(active) == topN {
			break
		}
		if !containsKey(active, k) {
			active = append(active, k)
		}
	}

	hasOther := false
	for _, k := range ranked {
		if !containsKey(active, k) && totals[k] > 0 {
			hasOther = true
			break
		}
	}

	folded := make([]Bucket, len(buckets))
	for i, b := range buckets {
		out := Bucket{T: b.T, Counts: make(map[string]int, len(active)+1)}
		for _, k := range active {
			out.Counts[k] = b.Counts[k]
		}
		other := b.Counts[Other]
		for k, v := range b.Counts {
			if k != Other && !containsKey(active, k) {
				other += v
			}
		}
		if hasOther || other > 0 {
			out.Counts[Other] = other
		}
		folded[i] = out
	}

	return Ranking{
		Active:   active,
		HasOther: hasOther,
		Totals:   totals,
		Buckets:  folded,
	}
}

func containsKey(list []string, k string) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}
