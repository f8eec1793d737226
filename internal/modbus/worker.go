package modbus

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// RequestKind distinguishes a one-shot read (exactly one response, then
// forgotten) from a stream (re-read on every task loop cycle until the
// caller stops receiving).
type RequestKind int

const (
	Oneshot RequestKind = iota
	Stream
)

// Carrier is one inbound request to the Task: read spans at destination,
// deliver each completed read on reply.
type Carrier struct {
	Destination Destination
	Spans       []Span
	Kind        RequestKind
	// Timeout, if non-zero, overrides the destination's tuned Params with
	// a single bounded attempt (no retry, no backoff) for this request
	// only. Used for short liveness probes where the worker's tuned
	// retry/backoff budget would make a probe too slow.
	Timeout time.Duration
	reply   chan Result
}

// Result is one completed (or failed) read delivered to a Carrier's caller.
type Result struct {
	Values [][]uint16
	Err    error
}

// storage is a Carrier in flight inside the Task, tracking partial
// per-span progress across loop cycles (a span already satisfied in an
// earlier cycle is not re-read).
type storage struct {
	id              string
	destination     Destination
	spans           []Span
	partial         [][]uint16 // nil entry: not yet satisfied
	timeoutOverride time.Duration
	reply           chan Result
}

// taskRequest is the internal envelope the Task's goroutine consumes:
// either a new Carrier to admit, or a request to shut down.
type taskRequest struct {
	carrier   *Carrier
	terminate bool
}

// SendError reports why Worker.Send or Worker.Stream could not be
// fulfilled.
type SendError struct {
	Disconnected  bool
	ConnectFailed error
}

func (e *SendError) Error() string {
	if e.Disconnected {
		return "modbus worker task is no longer running"
	}
	return fmt.Sprintf("failed to connect: %v", e.ConnectFailed)
}

func (e *SendError) Unwrap() error { return e.ConnectFailed }

// ErrProbeTimeout is returned by SendWithTimeout when the probe's single
// read cycle did not complete.
var ErrProbeTimeout = errors.New("probe read did not complete within its timeout")

// Worker is the handle callers hold: it owns the request channel into the
// single long-lived Task goroutine and the join mechanics for Terminate.
type Worker struct {
	requests           chan taskRequest
	done               chan struct{}
	terminationTimeout time.Duration
}

// metrics accumulates per-destination read errors observed in one Task
// loop cycle, the input to tune().
type metrics struct {
	errors map[destinationKey][]error
}

func newMetrics() *metrics { return &metrics{errors: make(map[destinationKey][]error)} }

func (m *metrics) record(d Destination, err error) {
	m.errors[d.key()] = append(m.errors[d.key()], err)
}

// WorkerConfig sets up the acquisition worker.
type WorkerConfig struct {
	// Initial is the starting Params applied to every destination; tune()
	// adjusts a per-destination copy in response to observed errors.
	Initial Params
	// BatchThreshold caps how many registers may be coalesced into one
	// wire read when adjacent spans abut; 0 means the Modbus PDU limit.
	BatchThreshold uint16
	// MetricHistorySize bounds the per-destination window of recent loop
	// error counts that gates decay back towards Initial; values below 1
	// keep a single sample.
	MetricHistorySize  int
	TerminationTimeout time.Duration
}

// Spawn starts the Task goroutine and returns a Worker handle bound to it.
func Spawn(cfg WorkerConfig) *Worker {
	requests := make(chan taskRequest)
	done := make(chan struct{})

	t := &task{
		connections:    make(map[destinationKey]*Connection),
		requests:       requests,
		params:         make(map[destinationKey]Params),
		initial:        cfg.Initial,
		batchThreshold: cfg.BatchThreshold,
		history:        make(map[destinationKey][]int),
		historySize:    max(cfg.MetricHistorySize, 1),
	}
	go t.run(done)

	return &Worker{requests: requests, done: done, terminationTimeout: cfg.TerminationTimeout}
}

// Send issues a one-shot read of spans against destination and blocks for
// exactly one result.
func (w *Worker) Send(destination Destination, spans []Span) ([][]uint16, error) {
	reply := make(chan Result, 1)
	carrier := &Carrier{Destination: destination, Spans: spans, Kind: Oneshot, reply: reply}

	select {
	case w.requests <- taskRequest{carrier: carrier}:
	case <-w.done:
		return nil, &SendError{Disconnected: true}
	}

	result, ok := <-reply
	if !ok {
		return nil, &SendError{Disconnected: true}
	}
	return result.Values, result.Err
}

// SendWithTimeout issues a one-shot read like Send, but bounds it to a
// single attempt at timeout instead of the destination's tuned retry and
// backoff budget, and fails terminally with ErrProbeTimeout rather than
// resuming across loops. Intended for short liveness probes (the ping
// job) where waiting out the tuned Params would defeat the point of a
// quick check.
func (w *Worker) SendWithTimeout(destination Destination, spans []Span, timeout time.Duration) ([][]uint16, error) {
	reply := make(chan Result, 1)
	carrier := &Carrier{Destination: destination, Spans: spans, Kind: Oneshot, Timeout: timeout, reply: reply}

	select {
	case w.requests <- taskRequest{carrier: carrier}:
	case <-w.done:
		return nil, &SendError{Disconnected: true}
	}

	result, ok := <-reply
	if !ok {
		return nil, &SendError{Disconnected: true}
	}
	return result.Values, result.Err
}

// Stream issues a repeating read of spans against destination, returning
// a channel fed once per Task loop cycle until the Task is terminated or
// the receiver falls behind enough to trip backpressure.
func (w *Worker) Stream(destination Destination, spans []Span) (<-chan Result, error) {
	reply := make(chan Result, 1024)
	carrier := &Carrier{Destination: destination, Spans: spans, Kind: Stream, reply: reply}

	select {
	case w.requests <- taskRequest{carrier: carrier}:
	case <-w.done:
		return nil, &SendError{Disconnected: true}
	}

	return reply, nil
}

// Terminate asks the Task to stop accepting new streams and drain
// in-flight work, waiting up to the configured termination timeout
// before giving up on a graceful stop.
//
// Enqueuing blocks rather than failing fast: w.requests is unbuffered
// and the task only drains it between loop iterations, which is rare
// once any stream is active (it otherwise spends its time inside
// ParameterizedRead's backoff sleep and read deadline). A non-blocking
// send would spuriously report the queue as full in exactly the
// steady-state production case this method exists to handle.
func (w *Worker) Terminate() error {
	deadline := time.After(w.terminationTimeout)

	select {
	case w.requests <- taskRequest{terminate: true}:
	case <-w.done:
		return nil
	case <-deadline:
		return errors.New("modbus worker did not terminate within the configured timeout")
	}

	select {
	case <-w.done:
		return nil
	case <-deadline:
		return errors.New("modbus worker did not terminate within the configured timeout")
	}
}

// task is the actor state owned exclusively by the single goroutine
// task.run executes on. Nothing outside this goroutine may touch it.
type task struct {
	connections    map[destinationKey]*Connection
	requests       chan taskRequest
	oneshots       []*storage
	streams        []*storage
	params         map[destinationKey]Params
	initial        Params
	batchThreshold uint16
	history        map[destinationKey][]int
	historySize    int
	terminating    bool
}

func (t *task) run(done chan struct{}) {
	defer close(done)
	defer t.closeAll()

	for {
		if len(t.oneshots) == 0 && len(t.streams) == 0 && !t.terminating {
			req, ok := <-t.requests
			if !ok {
				return
			}
			t.admit(req)
		}

		t.drainPending()

		m := newMetrics()

		t.runOneshots(m)
		t.runStreams(m)

		t.tune(m)

		if t.terminating && len(t.oneshots) == 0 && len(t.streams) == 0 {
			return
		}
	}
}

// drainPending non-blockingly admits every request already queued, so a
// burst of Sends doesn't serialize one full read loop per request.
func (t *task) drainPending() {
	for {
		select {
		case req := <-t.requests:
			t.admit(req)
		default:
			return
		}
	}
}

// admit applies one taskRequest to task state.
func (t *task) admit(req taskRequest) {
	if req.terminate {
		t.terminating = true
		t.dropStreams()
		return
	}

	s := &storage{
		id:              uuid.New().String(),
		destination:     req.carrier.Destination,
		spans:           req.carrier.Spans,
		partial:         make([][]uint16, len(req.carrier.Spans)),
		timeoutOverride: req.carrier.Timeout,
		reply:           req.carrier.reply,
	}

	switch req.carrier.Kind {
	case Stream:
		t.streams = append(t.streams, s)
	default:
		t.oneshots = append(t.oneshots, s)
	}
}

func (t *task) runOneshots(m *metrics) {
	remaining := t.oneshots[:0]
	for _, s := range t.oneshots {
		conn, ok := t.attemptConnection(s)
		if !ok {
			continue // connect failure already reported to the caller
		}

		values, done := t.readStorage(s, conn, m)
		if !done {
			// A probe is a single cycle: unlike a regular one-shot it
			// fails terminally instead of resuming next loop, or a dead
			// device would block its caller forever.
			if s.timeoutOverride > 0 {
				s.reply <- Result{Err: ErrProbeTimeout}
				close(s.reply)
				continue
			}
			remaining = append(remaining, s)
			continue
		}

		s.reply <- Result{Values: values}
		close(s.reply)
	}
	t.oneshots = remaining
}

// dropStreams discards every stream without a final reply; closing the
// reply channel is what lets a blocked receiver observe the drop.
func (t *task) dropStreams() {
	for _, s := range t.streams {
		close(s.reply)
	}
	t.streams = nil
}

func (t *task) runStreams(m *metrics) {
	if t.terminating {
		t.dropStreams()
		return
	}

	remaining := t.streams[:0]
	for _, s := range t.streams {
		conn, ok := t.attemptConnection(s)
		if !ok {
			continue
		}

		values, done := t.readStorage(s, conn, m)
		if !done {
			remaining = append(remaining, s)
			continue
		}

		select {
		case s.reply <- Result{Values: values}:
			s.partial = make([][]uint16, len(s.spans))
			remaining = append(remaining, s)
		default:
			// caller stopped receiving (dropped or backpressured): drop the stream
			close(s.reply)
		}
	}
	t.streams = remaining
}

// attemptConnection returns a live Connection for s.destination, opening
// one if needed. On connect failure it reports the error to s's caller
// and signals the storage should be dropped by returning ok=false.
func (t *task) attemptConnection(s *storage) (*Connection, bool) {
	if conn, ok := t.connections[s.destination.key()]; ok {
		return conn, true
	}

	conn, err := Connect(s.destination)
	if err != nil {
		s.reply <- Result{Err: &SendError{ConnectFailed: err}}
		close(s.reply)
		return nil, false
	}

	t.connections[s.destination.key()] = conn
	return conn, true
}

// readStorage advances s by one loop cycle: every span not yet satisfied
// (s.partial[i] == nil) is read once with retry, using this
// destination's current tuned Params (or s.timeoutOverride's single-shot
// Params, if set). Address-adjacent unsatisfied spans are coalesced into
// one wire read up to the batch threshold. Returns the in-order
// completed values and true once every span is satisfied; otherwise
// returns the updated partial progress and false.
func (t *task) readStorage(s *storage, conn *Connection, m *metrics) ([][]uint16, bool) {
	params, ok := t.params[s.destination.key()]
	if !ok {
		params = t.initial
		t.params[s.destination.key()] = params
	}
	if s.timeoutOverride > 0 {
		params = Params{Timeout: s.timeoutOverride, Retries: 1}
	}

	allDone := true
	for _, batch := range batchSpans(s.spans, s.partial, t.batchThreshold) {
		values, errs := conn.ParameterizedRead(batch.span, params)
		if errs != nil {
			for _, e := range errs {
				m.record(s.destination, e)
			}
			allDone = false
			continue
		}

		offset := 0
		for _, i := range batch.indices {
			quantity := int(s.spans[i].Quantity)
			s.partial[i] = values[offset : offset+quantity]
			offset += quantity
		}
	}

	if !allDone {
		return nil, false
	}

	out := make([][]uint16, len(s.partial))
	copy(out, s.partial)
	return out, true
}

// spanBatch is one wire read covering a run of declared spans.
type spanBatch struct {
	span    Span
	indices []int
}

// batchSpans groups the unsatisfied spans into wire reads, merging a
// span into the preceding batch when it starts exactly where the batch
// ends and the combined quantity stays within threshold and the Modbus
// PDU limit. Declared order is preserved, so responses slice back into
// per-span chunks positionally.
func batchSpans(spans []Span, partial [][]uint16, threshold uint16) []spanBatch {
	const pduLimit = 125
	limit := threshold
	if limit == 0 || limit > pduLimit {
		limit = pduLimit
	}

	var out []spanBatch
	for i, span := range spans {
		if partial[i] != nil {
			continue
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.span.Address+last.span.Quantity == span.Address &&
				last.span.Quantity+span.Quantity <= limit {
				last.span.Quantity += span.Quantity
				last.indices = append(last.indices, i)
				continue
			}
		}
		out = append(out, spanBatch{span: span, indices: []int{i}})
	}
	return out
}

func (t *task) closeAll() {
	for _, conn := range t.connections {
		_ = conn.Close()
	}
}

// tune is the retry/timeout controller: destinations that errored this
// loop get a tighter retry budget and a longer per-attempt timeout (to
// favor eventually succeeding over hammering a struggling device);
// destinations whose retained error history is fully clean decay back
// towards the configured initial Params one step per loop. The history
// window holds the last historySize loops' error counts per destination,
// so a flapping device must stay clean for a full window before its
// params relax. The retry floor is 1 attempt, the timeout floor is 1ms,
// and the timeout ceiling is 5x the initial timeout.
func (t *task) tune(m *metrics) {
	for key := range m.errors {
		params, ok := t.params[key]
		if !ok {
			params = t.initial
		}

		retries := params.Retries / 2
		if retries < 1 {
			retries = 1
		}
		timeout := time.Duration(float64(params.Timeout) * 1.5)
		if ceiling := t.initial.Timeout * 5; timeout > ceiling {
			timeout = ceiling
		}
		if timeout < time.Millisecond {
			timeout = time.Millisecond
		}
		params.Retries = retries
		params.Timeout = timeout

		t.params[key] = params
	}

	for key, params := range t.params {
		count := len(m.errors[key])

		history := append(t.history[key], count)
		if len(history) > t.historySize {
			history = history[len(history)-t.historySize:]
		}
		t.history[key] = history

		if count > 0 || !allClean(history) {
			continue
		}
		t.params[key] = decayTowards(params, t.initial)
	}
}

func allClean(history []int) bool {
	for _, count := range history {
		if count > 0 {
			return false
		}
	}
	return true
}

func decayTowards(params, initial Params) Params {
	if params.Retries < initial.Retries {
		params.Retries++
	}
	if params.Timeout > initial.Timeout {
		step := time.Duration(math.Max(float64(time.Millisecond), float64(params.Timeout-initial.Timeout)/2))
		params.Timeout -= step
		if params.Timeout < initial.Timeout {
			params.Timeout = initial.Timeout
		}
		if params.Timeout < time.Millisecond {
			params.Timeout = time.Millisecond
		}
	}
	return params
}
