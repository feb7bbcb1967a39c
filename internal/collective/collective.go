// Package collective implements the process-group communication channel the
// rank processes coordinate through: a rendezvous coordinator hosted by rank
// 0 and a client used by every rank (including rank 0) to join the group and
// issue barrier / sum-reduction collectives.
//
// Every rank must invoke the same sequence of collectives in the same order.
// A rank that diverges stalls the whole group; collective calls carry no
// timeout by design, so correctness depends on identical control flow across
// ranks.
package collective

// contribution is one rank's input to a collective operation.
type contribution struct {
	Rank      int       `json:"rank"`
	WorldSize int       `json:"world_size,omitempty"`
	Seq       uint64    `json:"seq"`
	Values    []float64 `json:"values,omitempty"`
}

// reduction is the globally reduced result, identical for every rank.
type reduction struct {
	WorldSize int       `json:"world_size,omitempty"`
	Values    []float64 `json:"values,omitempty"`
}
