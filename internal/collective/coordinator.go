package collective

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/dtrain-org/dtrain/internal/logger"
)

// Errors returned by the coordinator.
var (
	ErrRankOutOfRange      = errors.New("rank out of range for process group")
	ErrDuplicateRank       = errors.New("rank already contributed to this operation")
	ErrWorldSizeMismatch   = errors.New("world size does not match process group")
	ErrInconsistentVectors = errors.New("ranks contributed vectors of different lengths")
)

type opKey struct {
	kind string
	seq  uint64
}

// operation tracks one in-flight collective: per-rank contributions before
// the reduction, the global result after. Waiting handlers block on done.
type operation struct {
	contribs  map[int][]float64
	done      chan struct{}
	result    []float64
	err       error
	responded int
}

// Coordinator is the rendezvous point for one process group. It is hosted by
// rank 0 for the lifetime of the run and torn down once at shutdown.
type Coordinator struct {
	worldSize int

	srv *http.Server
	ln  net.Listener

	mu        sync.Mutex
	joined    map[int]struct{}
	allJoined chan struct{}
	ops       map[opKey]*operation
}

// NewCoordinator creates a coordinator for a group of worldSize ranks.
func NewCoordinator(worldSize int) *Coordinator {
	return &Coordinator{
		worldSize: worldSize,
		joined:    make(map[int]struct{}),
		allJoined: make(chan struct{}),
		ops:       make(map[opKey]*operation),
	}
}

// Start binds the coordinator to addr and serves in the background.
func (c *Coordinator) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind rendezvous endpoint %s: %w", addr, err)
	}
	c.ln = ln

	r := chi.NewRouter()
	r.Post("/v1/join", c.handleJoin)
	r.Post("/v1/barrier", c.handleOp("barrier"))
	r.Post("/v1/reduce", c.handleOp("reduce"))
	c.srv = &http.Server{Handler: r}

	go func() {
		if err := c.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "Coordinator server stopped", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address. Useful when Start was given port 0.
func (c *Coordinator) Addr() string {
	return c.ln.Addr().String()
}

// Shutdown tears the group channel down. Handlers blocked on an incomplete
// collective are cut off once ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if err := c.srv.Shutdown(ctx); err != nil {
		return c.srv.Close()
	}
	return nil
}

func (c *Coordinator) handleJoin(w http.ResponseWriter, r *http.Request) {
	var in contribution
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Rank < 0 || in.Rank >= c.worldSize {
		http.Error(w, ErrRankOutOfRange.Error(), http.StatusBadRequest)
		return
	}
	if in.WorldSize != c.worldSize {
		http.Error(w, ErrWorldSizeMismatch.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.joined[in.Rank] = struct{}{}
	if len(c.joined) == c.worldSize {
		select {
		case <-c.allJoined:
		default:
			close(c.allJoined)
		}
	}
	c.mu.Unlock()

	// Rendezvous: no rank proceeds until the whole group is present.
	select {
	case <-c.allJoined:
	case <-r.Context().Done():
		return
	}
	writeJSON(w, reduction{WorldSize: c.worldSize})
}

func (c *Coordinator) handleOp(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in contribution
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if in.Rank < 0 || in.Rank >= c.worldSize {
			http.Error(w, ErrRankOutOfRange.Error(), http.StatusBadRequest)
			return
		}

		op, err := c.contribute(kind, in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		// Block until all ranks have contributed. Unbounded by design.
		select {
		case <-op.done:
		case <-r.Context().Done():
			return
		}

		if op.err != nil {
			http.Error(w, op.err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, reduction{Values: op.result})
		c.release(opKey{kind: kind, seq: in.Seq})
	}
}

// contribute records one rank's input and completes the operation when the
// final contribution arrives.
func (c *Coordinator) contribute(kind string, in contribution) (*operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := opKey{kind: kind, seq: in.Seq}
	op, ok := c.ops[key]
	if !ok {
		op = &operation{
			contribs: make(map[int][]float64),
			done:     make(chan struct{}),
		}
		c.ops[key] = op
	}
	if _, dup := op.contribs[in.Rank]; dup {
		return nil, fmt.Errorf("%w: rank=%d seq=%d", ErrDuplicateRank, in.Rank, in.Seq)
	}
	op.contribs[in.Rank] = in.Values

	if len(op.contribs) == c.worldSize {
		op.result, op.err = reduceSum(op.contribs)
		close(op.done)
	}
	return op, nil
}

// release drops a completed operation once every rank has read the result.
func (c *Coordinator) release(key opKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[key]
	if !ok {
		return
	}
	op.responded++
	if op.responded == c.worldSize {
		delete(c.ops, key)
	}
}

// reduceSum folds the per-rank vectors in ascending rank order. The fixed
// order makes the summed doubles bit-for-bit identical for every rank that
// reads the result.
func reduceSum(contribs map[int][]float64) ([]float64, error) {
	ranks := lo.Keys(contribs)
	sort.Ints(ranks)

	width := len(contribs[ranks[0]])
	result := make([]float64, width)
	for _, rank := range ranks {
		values := contribs[rank]
		if len(values) != width {
			return nil, fmt.Errorf("%w: got %d and %d", ErrInconsistentVectors, width, len(values))
		}
		for i, v := range values {
			result[i] += v
		}
	}
	return result, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
