package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"restline/internal/envelope"
	"restline/internal/partition"
	"restline/internal/protocol"
)

// BatchGet sends a BATCH_GET for req.IDs. With a partition table the keys are
// scattered by host and the per-host results gathered into one result; keys
// whose host could not be reached carry an error entry.
func (c *Client) BatchGet(ctx context.Context, req Request) (*BatchResult, error) {
	req.Method = protocol.MethodBatchGet
	if len(req.IDs) == 0 {
		return newBatchResult(), nil
	}
	if req.Host != "" || c.Table == nil || c.Table.Load() == nil {
		resp, err := c.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		return DecodeBatchKV(resp.Body)
	}

	snap := c.Table.Load()
	byString := make(map[string]protocol.Key, len(req.IDs))
	keys := make([]string, 0, len(req.IDs))
	for _, k := range req.IDs {
		s := partitionKey(k)
		if _, dup := byString[s]; dup {
			continue
		}
		byString[s] = k
		keys = append(keys, s)
	}
	mapping := snap.MapKeysToHosts(keys)
	out := newBatchResult()
	for _, u := range mapping.Unmapped {
		out.fail(u.Key, errorFor(u.Err))
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, hostID := range mapping.HostIDs() {
		host := mapping.Hosts[hostID]
		hostKeys := mapping.Keys[hostID]
		ids := make([]protocol.Key, 0, len(hostKeys))
		for _, s := range hostKeys {
			ids = append(ids, byString[s])
		}
		sub := req.WithIDs(ids...).WithHost(host.URI)
		g.Go(func() error {
			resp, err := c.send(gctx, host.URI, sub)
			var part *BatchResult
			if err == nil {
				part, err = DecodeBatchKV(resp.Body)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log().Warn("batch get scatter failed", zap.String("host", hostID), zap.Error(err))
				er := errorFor(err)
				for _, s := range hostKeys {
					out.fail(s, er)
				}
				return nil
			}
			out.merge(part)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// errorFor renders a transport or routing failure as a per-key error.
func errorFor(err error) envelope.ErrorResponse {
	if re, ok := AsResponseError(err); ok {
		return re.Response
	}
	status := http.StatusBadGateway
	if errors.Is(err, partition.ErrServiceUnavailable) {
		status = http.StatusServiceUnavailable
	} else if errors.Is(err, partition.ErrPartitionAccess) {
		status = http.StatusBadRequest
	}
	return envelope.ErrorResponse{Status: status, Message: err.Error()}
}

// FanOutOptions configures FanOut.
type FanOutOptions struct {
	// StickyKey picks the same host of each partition across calls.
	StickyKey string
	// FailFast cancels the remaining requests on the first failure and
	// returns that failure.
	FailFast bool
	// OnResult receives each partition's result as it arrives. Calls are serialized.
	OnResult func(FanOutResult)
}

// FanOutResult is one partition's outcome.
type FanOutResult struct {
	Partition int
	Host      partition.Host
	Response  *Response
	Err       error
}

// FanOut sends req once per partition, concurrently, and waits for all of
// them. Results are ordered by partition. Partitions without a healthy host
// are reported as failed results; an error is only returned under FailFast.
func (c *Client) FanOut(ctx context.Context, req Request, opts FanOutOptions) ([]FanOutResult, error) {
	if c.Table == nil || c.Table.Load() == nil {
		return nil, errors.New("client: fan-out needs a partition table")
	}
	snap := c.Table.Load()
	targets, routeErr := snap.AllPartitionsFanout(opts.StickyKey)

	var mu sync.Mutex
	var results []FanOutResult
	deliver := func(r FanOutResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
		if opts.OnResult != nil {
			opts.OnResult(r)
		}
	}

	covered := map[int]bool{}
	for _, t := range targets {
		covered[t.Partition] = true
	}
	for _, p := range snap.Partitions() {
		if !covered[p] {
			err := fmt.Errorf("%w: service %s partition %d has no healthy host", partition.ErrServiceUnavailable, snap.Service, p)
			deliver(FanOutResult{Partition: p, Err: err})
		}
	}
	if routeErr != nil && opts.FailFast {
		sortResults(results)
		return results, routeErr
	}

	var g *errgroup.Group
	gctx := ctx
	if opts.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	for _, t := range targets {
		sub := req.WithHost(t.Host.URI)
		g.Go(func() error {
			resp, err := c.send(gctx, t.Host.URI, sub)
			deliver(FanOutResult{Partition: t.Partition, Host: t.Host, Response: resp, Err: err})
			if err != nil && opts.FailFast {
				return fmt.Errorf("partition %d on %s: %w", t.Partition, t.Host.ID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	sortResults(results)
	return results, err
}

func sortResults(rs []FanOutResult) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Partition < rs[j].Partition })
}
