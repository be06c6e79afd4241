package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/loyaltysim/harness/internal/datagen"
)

// SessionResult is what one finished virtual-user session reports back.
type SessionResult struct {
	Scenario   string
	SessionID  string
	Passed     bool
	Incomplete bool
	Err        error
	Duration   time.Duration
}

// Scenario is one runnable workflow type. Run receives a generator owned
// exclusively by this session; implementations must not share state
// between sessions.
type Scenario interface {
	Name() string
	Run(ctx context.Context, sessionID string, gen *datagen.Generator) SessionResult
}

// Weighted pairs a scenario with its relative execution weight.
type Weighted struct {
	Scenario Scenario
	Weight   int
}

// Snapshot is a point-in-time copy of the run aggregate, safe to
// serialize.
type Snapshot struct {
	Started    int            `json:"started"`
	Passed     int            `json:"passed"`
	Failed     int            `json:"failed"`
	Incomplete int            `json:"incomplete"`
	ByScenario map[string]int `json:"by_scenario"`
}

// Summary aggregates session outcomes across a run. Safe for concurrent
// updates and snapshot reads.
type Summary struct {
	mu         sync.Mutex
	started    int
	passed     int
	failed     int
	incomplete int
	byScenario map[string]int
}

func newSummary() *Summary {
	return &Summary{byScenario: make(map[string]int)}
}

func (s *Summary) record(res SessionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case res.Incomplete:
		s.incomplete++
	case res.Passed:
		s.passed++
	default:
		s.failed++
	}
	s.byScenario[res.Scenario]++
}

func (s *Summary) sessionStarted() {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}

// Snapshot returns a copy safe to serialize.
func (s *Summary) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byScenario := make(map[string]int, len(s.byScenario))
	for k, v := range s.byScenario {
		byScenario[k] = v
	}
	return Snapshot{
		Started:    s.started,
		Passed:     s.passed,
		Failed:     s.failed,
		Incomplete: s.incomplete,
		ByScenario: byScenario,
	}
}

// Executor schedules independent virtual-user sessions over a weighted
// set of scenarios. Sessions never share bindings or randomness; a failed
// session is recorded, never retried.
type Executor struct {
	scenarios []Weighted
	order     []int
	next      int
	nextMu    sync.Mutex

	metrics *Metrics
	summary *Summary
	log     zerolog.Logger
}

// NewPacer builds the pacing policy applied to every workflow call across
// all sessions: a token bucket admitting stepRate calls per second. A rate
// of 0 disables pacing (nil limiter). This replaces the fixed inter-call
// sleeps a naive driver would use.
func NewPacer(stepRate float64) *rate.Limiter {
	if stepRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(stepRate), 1)
}

// New creates an executor over a weighted scenario set. metrics may be nil.
func New(scenarios []Weighted, metrics *Metrics, log zerolog.Logger) *Executor {
	// Expand weights into a fixed rotation for weighted round-robin.
	var order []int
	for i, w := range scenarios {
		weight := w.Weight
		if weight < 1 {
			weight = 1
		}
		for n := 0; n < weight; n++ {
			order = append(order, i)
		}
	}

	return &Executor{
		scenarios: scenarios,
		order:     order,
		metrics:   metrics,
		summary:   newSummary(),
		log:       log,
	}
}

// Summary returns the live aggregate, for the control server.
func (e *Executor) Summary() *Summary {
	return e.summary
}

func (e *Executor) pick() Scenario {
	e.nextMu.Lock()
	idx := e.order[e.next%len(e.order)]
	e.next++
	e.nextMu.Unlock()
	return e.scenarios[idx].Scenario
}

// runSession executes one scenario as an independent virtual user.
func (e *Executor) runSession(ctx context.Context, sc Scenario) {
	sessionID := uuid.NewString()
	gen := datagen.New()

	e.summary.sessionStarted()
	if e.metrics != nil {
		e.metrics.InFlight.Inc()
		defer e.metrics.InFlight.Dec()
	}

	start := time.Now()
	res := sc.Run(ctx, sessionID, gen)
	res.Duration = time.Since(start)
	if ctx.Err() != nil && !res.Passed {
		// Stopped mid-flight: the session is incomplete, not failed.
		res.Incomplete = true
	}

	e.summary.record(res)

	outcome := "passed"
	evt := e.log.Info()
	switch {
	case res.Incomplete:
		outcome = "incomplete"
		evt = e.log.Warn()
	case !res.Passed:
		outcome = "failed"
		evt = e.log.Warn().Err(res.Err)
	}
	if e.metrics != nil {
		e.metrics.observeSession(res.Scenario, outcome)
	}
	evt.Str("session_id", sessionID).
		Str("scenario", res.Scenario).
		Str("outcome", outcome).
		Dur("duration", res.Duration).
		Msg("session finished")
}

// RunBatch executes total sessions over a pool of concurrency workers and
// returns the aggregate once all have finished or ctx is cancelled.
func (e *Executor) RunBatch(ctx context.Context, total, concurrency int) Snapshot {
	if concurrency < 1 {
		concurrency = 1
	}

	jobs := make(chan Scenario)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sc := range jobs {
				e.runSession(ctx, sc)
			}
		}()
	}

feed:
	for n := 0; n < total; n++ {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- e.pick():
		}
	}
	close(jobs)
	wg.Wait()

	return e.summary.Snapshot()
}

// RunContinuous keeps concurrency sessions in flight until ctx is
// cancelled, then waits for the in-flight ones to finish.
func (e *Executor) RunContinuous(ctx context.Context, concurrency int) Snapshot {
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				e.runSession(ctx, e.pick())
			}
		}()
	}
	wg.Wait()

	return e.summary.Snapshot()
}
