package modelmux

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/streaming"
	llmerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/router"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/providers"
)

// DoStream executes a streaming request. The retry and fallback loop
// applies only until the stream is open; once the first byte can flow,
// mid-stream failures surface to the caller without retry.
func (e *engine) DoStream(ctx context.Context, req *types.Request) (*StreamReader, error) {
	s := e.settings.Load()
	req.Stream = true
	rc := e.requestContext(req)

	chain := fallbackChain(s.cfg, req.Model)
	attempted := make([]string, 0, len(chain))

	var lastErr error
	totalRetries := 0
	emptyReasons := map[string]string{}

	for i, group := range chain {
		attempted = append(attempted, group)
		if i > 0 {
			metrics.FallbacksTotal.WithLabelValues(chain[0], group).Inc()
		}

		reader, retries, err := e.openGroupStream(ctx, s, rc, req, group)
		totalRetries += retries
		if err == nil {
			if req.Route != nil {
				d := reader.deployment
				*req.Route = types.RouteInfo{
					ModelGroup:      d.ModelName,
					DeploymentID:    d.ID,
					Provider:        d.Provider,
					AttemptedGroups: attempted,
				}
			}
			return reader, nil
		}

		var nde *llmerrors.NoDeploymentsError
		if stderrors.As(err, &nde) {
			for id, reason := range nde.Reasons {
				emptyReasons[id] = reason
			}
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		metrics.NoDeploymentsTotal.WithLabelValues(req.Model).Inc()
		lastErr = &llmerrors.NoDeploymentsError{
			ModelGroup:      req.Model,
			Reasons:         emptyReasons,
			AttemptedGroups: attempted,
		}
	}
	return nil, enrich(lastErr, rc, totalRetries, attempted)
}

func (e *engine) openGroupStream(ctx context.Context, s *engineSettings, rc *router.RequestContext, req *types.Request, group string) (*StreamReader, int, error) {
	retries := 0
	bo := newBackoff()
	var lastErr error

	for {
		cands, reasons := e.checker.Filter(ctx, rc, e.registry.ListGroup(group))
		if len(cands) == 0 {
			if lastErr != nil {
				return nil, retries, lastErr
			}
			return nil, retries, &llmerrors.NoDeploymentsError{ModelGroup: group, Reasons: reasons}
		}

		d := s.picker.Pick(rc, cands, e.rng)
		reader, err := e.openStream(ctx, rc, req, d)
		if err == nil {
			return reader, retries, nil
		}

		// A caller cancellation is not a deployment failure.
		if ctx.Err() != nil {
			return nil, retries, err
		}
		e.recordFailure(d, err)
		lastErr = err

		if llmerrors.Classify(err) == llmerrors.ClassNonRetryable {
			return nil, retries, err
		}
		if retries >= retryBudget(req, d, s.cfg) {
			return nil, retries, err
		}

		retries++
		metrics.RetriesTotal.WithLabelValues(group).Inc()
		if serr := e.clock.Sleep(ctx, backoffFor(err, bo, s.cfg.RetryAfterCap)); serr != nil {
			return nil, retries, err
		}
	}
}

// openStream performs the HTTP round trip up to response headers. The
// outstanding counter is held from here until the returned reader
// terminates or is closed.
func (e *engine) openStream(ctx context.Context, rc *router.RequestContext, req *types.Request, d *provider.Deployment) (*StreamReader, error) {
	adapter, err := providers.Get(d.Provider)
	if err != nil {
		return nil, llmerrors.NewNotFoundError(d.Provider, rc.Model, err.Error())
	}

	if req.MockTimeout || d.MockTimeout {
		return nil, stamp(llmerrors.NewTimeoutError(d.Provider, rc.Model, "mock timeout"), d, rc)
	}

	e.health.IncOutstanding(d.ID)
	metrics.OutstandingRequests.WithLabelValues(d.ID, d.ModelName).Inc()
	release := func() {
		e.health.DecOutstanding(d.ID)
		metrics.OutstandingRequests.WithLabelValues(d.ID, d.ModelName).Dec()
	}

	if mock := mockResponseFor(req, d); mock != "" && rc.Kind.ChatLike() {
		return newMockStreamReader(e, rc, d, adapter, mock), nil
	}

	sctx, cancel := context.WithCancel(ctx)
	httpReq, err := adapter.TransformRequest(sctx, d.UpstreamModel, req, d.Credentials)
	if err != nil {
		cancel()
		release()
		return nil, stamp(err, d, rc)
	}
	applyExtraHeaders(httpReq, req.ExtraHeaders)

	httpResp, err := d.Clients().Stream().Do(httpReq)
	if err != nil {
		cancel()
		release()
		return nil, stamp(transportError(err, d, rc.Model), d, rc)
	}

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		httpResp.Body.Close()
		cancel()
		release()
		return nil, stamp(adapter.MapError(httpResp.StatusCode, body, httpResp.Header), d, rc)
	}

	return &StreamReader{
		engine:     e,
		rc:         rc,
		deployment: d,
		adapter:    adapter,
		body:       httpResp.Body,
		sse:        streaming.NewSSEReader(httpResp.Body),
		state:      provider.NewStreamState(),
		agg:        streaming.NewAggregator(),
		cancel:     cancel,
		idle:       d.StreamTimeout(),
		start:      e.clock.Now(),
	}, nil
}

// StreamReader iterates a streaming response. Every chunk is handed to
// the caller as it arrives and folded into an aggregate that, after a
// clean end, is equivalent to the non-streaming response.
//
// Example:
//
//	stream, err := client.CompletionStream(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    if c := chunk.Choices[0].Delta.Content; c != nil {
//	        fmt.Print(*c)
//	    }
//	}
//	full, _ := stream.Final()
type StreamReader struct {
	mu sync.Mutex

	engine     *engine
	rc         *router.RequestContext
	deployment *provider.Deployment
	adapter    provider.Adapter
	body       io.ReadCloser
	sse        *streaming.SSEReader
	state      *provider.StreamState
	agg        *streaming.Aggregator
	cancel     context.CancelFunc

	// mock holds canned chunks when the deployment short-circuits.
	mock []*types.StreamChunk

	idle      time.Duration
	idleFired atomic.Bool
	start     time.Time
	ttft      time.Duration

	closed bool
	done   bool
	err    error
}

// newMockStreamReader builds a reader over canned chunks: one content
// chunk and one terminal chunk with usage.
func newMockStreamReader(e *engine, rc *router.RequestContext, d *provider.Deployment, adapter provider.Adapter, content string) *StreamReader {
	resp := mockChatResponse(rc, d, content).Chat
	chunks := []*types.StreamChunk{
		{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []types.StreamChoice{{
				Delta: types.StreamDelta{Role: "assistant", Content: types.StrPtr(content)},
			}},
		},
		{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []types.StreamChoice{{
				Delta:        types.StreamDelta{Content: types.StrPtr("")},
				FinishReason: "stop",
			}},
			Usage: resp.Usage,
		},
	}
	return &StreamReader{
		engine:     e,
		rc:         rc,
		deployment: d,
		adapter:    adapter,
		agg:        streaming.NewAggregator(),
		cancel:     func() {},
		mock:       chunks,
		idle:       d.StreamTimeout(),
		start:      e.clock.Now(),
	}
}

// Recv returns the next chunk. io.EOF marks a clean end of stream; any
// other error is terminal and is not retried.
func (s *StreamReader) Recv() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.closed {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}

	if s.mock != nil {
		return s.recvMock()
	}

	// Bound the gap between chunks. The timer cancels the request
	// context, which unblocks the body read.
	timer := time.AfterFunc(s.idle, func() {
		s.idleFired.Store(true)
		s.cancel()
	})
	defer timer.Stop()

	for {
		data, err := s.sse.Next()
		if err == io.EOF {
			s.finishSuccess()
			return nil, io.EOF
		}
		if err != nil {
			return nil, s.finishFailure(err)
		}

		chunk, perr := s.adapter.TransformStreamChunk(data, s.state)
		if perr != nil || chunk == nil {
			// Keep-alives and non-content events.
			continue
		}

		streaming.NormalizeChunk(chunk)
		s.agg.Add(chunk)
		if s.ttft == 0 {
			s.ttft = s.engine.clock.Now().Sub(s.start)
		}
		return chunk, nil
	}
}

func (s *StreamReader) recvMock() (*types.StreamChunk, error) {
	if len(s.mock) == 0 {
		s.finishSuccess()
		return nil, io.EOF
	}
	chunk := s.mock[0]
	s.mock = s.mock[1:]
	s.agg.Add(chunk)
	if s.ttft == 0 {
		s.ttft = s.engine.clock.Now().Sub(s.start)
	}
	return chunk, nil
}

// Final returns the aggregated response after a clean end of stream.
func (s *StreamReader) Final() (*types.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		return nil, io.ErrUnexpectedEOF
	}
	if s.err != nil {
		return nil, s.err
	}
	resp := s.agg.Final()
	return resp, nil
}

// Deployment reports which deployment is serving the stream.
func (s *StreamReader) Deployment() *provider.Deployment {
	return s.deployment
}

// TTFT returns the time to first token, zero before the first chunk.
func (s *StreamReader) TTFT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttft
}

// Close releases the stream. Safe to call multiple times. Closing an
// unfinished stream cancels the upstream call and records partial usage.
func (s *StreamReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if !s.done {
		// Cancellation path: the caller walked away mid-stream.
		s.release("canceled")
	}
	return s.shutdown()
}

// finishSuccess handles a clean end of stream (locked).
func (s *StreamReader) finishSuccess() {
	if s.done {
		return
	}
	s.done = true
	d := s.deployment
	latency := s.engine.clock.Now().Sub(s.start)
	s.engine.health.RecordSuccess(d.ID, latency)
	metrics.RequestLatency.WithLabelValues(d.ModelName, d.Provider).Observe(latency.Seconds())
	s.release("success")
	_ = s.shutdown()
}

// finishFailure handles a mid-stream upstream error (locked).
func (s *StreamReader) finishFailure(err error) error {
	if s.done {
		return s.err
	}
	s.done = true
	d := s.deployment

	if s.rc != nil && s.cancelFired(err) {
		err = llmerrors.NewTimeoutError(d.Provider, s.rc.Model, "stream idle timeout")
	} else {
		err = transportError(err, d, s.rc.Model)
	}
	s.err = stamp(err, d, s.rc)
	s.engine.recordFailure(d, s.err)
	s.release("error")
	_ = s.shutdown()
	return s.err
}

// cancelFired reports whether the read failed because the idle timer
// cancelled the request context rather than the caller.
func (s *StreamReader) cancelFired(err error) bool {
	return stderrors.Is(err, context.Canceled) && s.idleFired.Load()
}

// release decrements the outstanding counter, counts the request, and
// fires the post-call hooks with whatever usage was observed. Runs at
// most once (locked).
func (s *StreamReader) release(status string) {
	d := s.deployment
	s.engine.health.DecOutstanding(d.ID)
	metrics.OutstandingRequests.WithLabelValues(d.ID, d.ModelName).Dec()
	metrics.RequestsTotal.WithLabelValues(d.ModelName, d.Provider, string(s.rc.Kind), status).Inc()

	latency := s.engine.clock.Now().Sub(s.start)
	s.engine.postCallUsage(s.rc, d, s.agg.Usage(), s.start, latency)
	s.done = true
}

func (s *StreamReader) shutdown() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}
