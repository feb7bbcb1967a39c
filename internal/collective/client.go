package collective

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrCollective indicates the coordinator rejected a collective call.
var ErrCollective = errors.New("collective operation failed")

// joinRetryInterval is the pause between rendezvous attempts while the
// coordinator is still coming up.
const joinRetryInterval = 500 * time.Millisecond

// Client is one rank's handle on the process group. It is created once at
// startup and used for the whole run. Collective calls carry no timeout.
type Client struct {
	rest      *resty.Client
	rank      int
	worldSize int
	seq       atomic.Uint64
}

// NewClient creates a client for the group at the rendezvous endpoint.
func NewClient(endpoint string, rank, worldSize int) *Client {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return &Client{
		rest:      resty.New().SetBaseURL(endpoint),
		rank:      rank,
		worldSize: worldSize,
	}
}

// Join registers this rank with the coordinator and blocks until the whole
// group is present. Connection failures are retried until ctx is cancelled,
// since ranks race the coordinator's startup.
func (c *Client) Join(ctx context.Context) error {
	body := contribution{Rank: c.rank, WorldSize: c.worldSize}
	for {
		resp, err := c.rest.R().SetContext(ctx).SetBody(body).Post("/v1/join")
		switch {
		case err == nil && resp.IsSuccess():
			return nil
		case err == nil:
			return fmt.Errorf("%w: join rejected: %s", ErrCollective, strings.TrimSpace(resp.String()))
		case ctx.Err() != nil:
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(joinRetryInterval):
		}
	}
}

// Barrier blocks until every rank in the group has reached the same call.
func (c *Client) Barrier(ctx context.Context) error {
	_, err := c.call(ctx, "/v1/barrier", nil)
	return err
}

// AllReduceSum submits this rank's vector to a sum-reduction that every rank
// participates in and returns the global sum, identical on every rank.
func (c *Client) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	return c.call(ctx, "/v1/reduce", values)
}

func (c *Client) call(ctx context.Context, path string, values []float64) ([]float64, error) {
	seq := c.seq.Add(1)
	var out reduction
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(contribution{Rank: c.rank, Seq: seq, Values: values}).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCollective, path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s: %s", ErrCollective, path, strings.TrimSpace(resp.String()))
	}
	return out.Values, nil
}
