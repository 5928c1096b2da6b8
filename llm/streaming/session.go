// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package streaming implements the StreamingSession lifecycle that
// wraps a provider's chunk stream in a bounded, backpressured buffer.
package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/relaycore/gateway/llm"
)

// SessionState is one of the lifecycle states a session passes through.
type SessionState string

const (
	Idle      SessionState = "idle"
	Active    SessionState = "active"
	Completed SessionState = "completed"
	Errored   SessionState = "errored"
	Canceled  SessionState = "canceled"
)

// EventKind tags a lifecycle notification delivered to listeners.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventChunk    EventKind = "chunk"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
	EventAbort    EventKind = "abort"
)

// Event is one lifecycle notification.
type Event struct {
	Kind    EventKind
	Chunk   *llm.StreamChunk
	Summary *Summary
	Err     error
}

// Summary is the running/final statistics for a session.
type Summary struct {
	FirstChunkLatency time.Duration
	TotalChunks       int
	TotalBytes        int
	ContentLength     int
	FinishReason      llm.FinishReason
}

// Listener receives session lifecycle events.
type Listener func(Event)

// Publisher is the event-broker seam a session publishes its terminal
// `llm-stream` event to; satisfied by *broker.Broker.
type Publisher interface {
	Publish(topic string, payload any) uint64
}

// RecordInput is what a session hands the usage ledger on completion.
// The ledger's own Record type carries the same fields; callers adapt
// between the two at the point a *usage.Ledger is wired in, the way
// cmd/gateway adapts broker backends to a shared Publish signature.
type RecordInput struct {
	RequestID        string
	Provider         string
	Model            string
	UserID           string
	ProjectID        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	EstimatedCostUSD float64
	LatencyMs        int64
	CreatedAt        time.Time
}

// Recorder is the usage-ledger seam a session hands its completion
// summary to.
type Recorder interface {
	Record(ctx context.Context, rec RecordInput) error
}

// StreamEvent is the terminal event a session publishes to Publisher
// under the `llm-stream` topic.
type StreamEvent struct {
	RequestID string
	Provider  string
	Model     string
	State     SessionState
	Summary   Summary
	Err       error
}

// estimateTokensFallback is the spec's fallback token estimator
// (len(text)/4) used when a provider never reports usage on any chunk
// or the final response.
func estimateTokensFallback(contentLength int) int {
	if n := contentLength / 4; n > 0 {
		return n
	}
	return 1
}

// Config tunes buffer size, timeouts, and the completion hand-off;
// zero values fall back to defaults. Recorder/Publisher/RequestID may
// be left unset when a caller only needs buffering/backpressure
// without usage accounting (e.g. most tests).
type Config struct {
	BufferSize     int
	ChunkTimeout   time.Duration // default 5s
	SessionTimeout time.Duration // default 30s

	Recorder  Recorder
	Publisher Publisher
	RequestID string
	Provider  string
	Model     string
	UserID    string
	ProjectID string

	// EstimatedCostUSD is the provider's preflight cost estimate for
	// this request (llm.CostEstimate.EstimatedUSD), recorded verbatim
	// as the ledger entry's cost — the session does not recompute
	// actual spend, only actual token counts.
	EstimatedCostUSD float64
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 5 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	return c
}

// Session manages one outbound stream's lifecycle, buffering,
// timeouts, and listener fan-out.
type Session struct {
	cfg       Config
	listeners []Listener

	mu            sync.Mutex
	state         SessionState
	summary       Summary
	started       time.Time
	firstChunkAt  time.Time
	reportedUsage *llm.UsageStats

	buffer chan llm.StreamChunk
	cancel context.CancelFunc
}

// NewSession constructs an Idle session with the given config.
func NewSession(cfg Config, listeners ...Listener) *Session {
	return &Session{
		cfg:       cfg.withDefaults(),
		listeners: listeners,
		state:     Idle,
		buffer:    make(chan llm.StreamChunk, cfg.withDefaults().BufferSize),
	}
}

func (s *Session) emit(ev Event) {
	for _, l := range s.listeners {
		l(ev)
	}
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the session: it dispatches req through dispatch (which
// must invoke the supplied handler once per chunk, in the manner of
// llm.Router.DispatchStream), buffering chunks with backpressure and
// enforcing chunk/session timeouts. Run blocks until the stream ends,
// errors, times out, or ctx is canceled.
func (s *Session) Run(ctx context.Context, dispatch func(ctx context.Context, handler llm.StreamHandler) (*llm.CompletionResponse, error)) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
	s.cancel = cancel
	defer cancel()

	s.started = time.Now()
	s.setState(Active)
	s.emit(Event{Kind: EventStart})

	done := make(chan struct{})
	var resp *llm.CompletionResponse
	var dispatchErr error

	chunkTimer := time.NewTimer(s.cfg.ChunkTimeout)
	defer chunkTimer.Stop()
	go func() {
		for {
			select {
			case <-chunkTimer.C:
				cancel()
				return
			case <-done:
				return
			}
		}
	}()

	// Listeners get chunk events from this loop as it drains the buffer,
	// so a slow listener fills the buffer and pauses the handler below.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for chunk := range s.buffer {
			c := chunk
			s.emit(Event{Kind: EventChunk, Chunk: &c})
		}
	}()

	go func() {
		defer close(done)
		resp, dispatchErr = dispatch(ctx, func(chunk llm.StreamChunk) error {
			s.mu.Lock()
			if s.firstChunkAt.IsZero() {
				s.firstChunkAt = time.Now()
				s.summary.FirstChunkLatency = s.firstChunkAt.Sub(s.started)
			}
			s.summary.TotalChunks++
			s.summary.TotalBytes += len(chunk.Delta)
			s.summary.ContentLength += len(chunk.Delta)
			if chunk.FinishReason != "" {
				s.summary.FinishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				s.reportedUsage = chunk.Usage
			}
			s.mu.Unlock()
			if !chunkTimer.Stop() {
				select {
				case <-chunkTimer.C:
				default:
				}
			}
			chunkTimer.Reset(s.cfg.ChunkTimeout)

			select {
			case s.buffer <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}
	close(s.buffer)
	<-drained

	s.mu.Lock()
	summary := s.summary
	s.mu.Unlock()

	switch {
	case ctx.Err() == context.Canceled && dispatchErr != nil:
		s.setState(Canceled)
		s.emit(Event{Kind: EventAbort})
		s.finish(Canceled, summary, resp, ctx.Err())
		return nil, ctx.Err()
	case dispatchErr != nil:
		s.setState(Errored)
		s.emit(Event{Kind: EventError, Err: dispatchErr})
		s.finish(Errored, summary, resp, dispatchErr)
		return nil, dispatchErr
	default:
		s.setState(Completed)
		s.emit(Event{Kind: EventComplete, Summary: &summary})
		s.finish(Completed, summary, resp, nil)
		return resp, nil
	}
}

// finish publishes the session's terminal llm-stream event and, when
// at least one chunk was delivered, hands the derived token counts to
// the usage ledger. It runs on a background context, not the (possibly
// already-canceled or deadline-exceeded) dispatch context, since a
// stream that delivered chunks before failing still consumed billable
// tokens. A ledger/publish failure is not propagated to the caller:
// the stream itself already completed or failed on its own terms by
// the time finish runs.
func (s *Session) finish(state SessionState, summary Summary, resp *llm.CompletionResponse, runErr error) {
	ctx := context.Background()
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Publish("llm-stream", StreamEvent{
			RequestID: s.cfg.RequestID,
			Provider:  s.cfg.Provider,
			Model:     s.cfg.Model,
			State:     state,
			Summary:   summary,
			Err:       runErr,
		})
	}

	if s.cfg.Recorder == nil || summary.TotalChunks == 0 {
		return
	}

	usage := s.finalUsage(summary, resp)
	_ = s.cfg.Recorder.Record(ctx, RecordInput{
		RequestID:        s.cfg.RequestID,
		Provider:         s.cfg.Provider,
		Model:            s.cfg.Model,
		UserID:           s.cfg.UserID,
		ProjectID:        s.cfg.ProjectID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		EstimatedCostUSD: s.cfg.EstimatedCostUSD,
		LatencyMs:        time.Since(s.started).Milliseconds(),
		CreatedAt:        s.started,
	})
}

// finalUsage prefers the upstream-reported usage on the final
// response, falling back to the last chunk's usage field, and finally
// to the heuristic estimator when the provider never reported one.
func (s *Session) finalUsage(summary Summary, resp *llm.CompletionResponse) llm.UsageStats {
	if resp != nil && resp.Usage.TotalTokens > 0 {
		return resp.Usage
	}
	s.mu.Lock()
	reported := s.reportedUsage
	s.mu.Unlock()
	if reported != nil {
		return *reported
	}
	completionTokens := estimateTokensFallback(summary.ContentLength)
	return llm.UsageStats{CompletionTokens: completionTokens, TotalTokens: completionTokens, Estimated: true}
}

// Cancel terminates the upstream transport and fires abort.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Snapshot returns the running (or final) statistics snapshot.
func (s *Session) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}
