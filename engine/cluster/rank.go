package cluster

import "sort"

// Summary describes one cluster. Members are indices into the labelled points.
type Summary struct {
	ClusterID Label `json:"cluster_id"`
	Size      int   `json:"size"`
	Members   []int `json:"members,omitempty"`
}

// Summaries groups labels into one Summary per cluster, ascending by id.
// Noise is not a cluster.
func Summaries(labels []Label) []Summary {
	byID := make(map[Label]*Summary)
	var order []Label
	for i, l := range labels {
		if l == Noise {
			continue
		}
		s, ok := byID[l]
		if !ok {
			s = &Summary{ClusterID: l}
			byID[l] = s
			order = append(order, l)
		}
		s.Size++
		s.Members = append(s.Members, i)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]Summary, 0, len(order))
	for _, l := range order {
		out = append(out, *byID[l])
	}
	return out
}

// TopClusters returns at most n clusters, largest first, ties by ascending id.
// n <= 0 yields an empty list.
func TopClusters(labels []Label, n int) []Summary {
	if n <= 0 {
		return []Summary{}
	}
	all := Summaries(labels)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Size != all[j].Size {
			return all[i].Size > all[j].Size
		}
		return all[i].ClusterID < all[j].ClusterID
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Stats counts a labelling.
type Stats struct {
	Points    int `json:"points"`
	Clustered int `json:"clustered"`
	Noise     int `json:"noise"`
	Clusters  int `json:"clusters"`
}

// Summarize computes Stats for labels.
func Summarize(labels []Label) Stats {
	st := Stats{Points: len(labels)}
	seen := make(map[Label]struct{})
	for _, l := range labels {
		if l == Noise {
			st.Noise++
			continue
		}
		st.Clustered++
		seen[l] = struct{}{}
	}
	st.Clusters = len(seen)
	return st
}
