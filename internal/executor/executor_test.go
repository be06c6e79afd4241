package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loyaltysim/harness/internal/datagen"
)

// stubScenario counts its runs and returns a fixed outcome.
type stubScenario struct {
	name  string
	runs  atomic.Int64
	pass  bool
	sleep time.Duration
}

func (s *stubScenario) Name() string { return s.name }

func (s *stubScenario) Run(ctx context.Context, sessionID string, gen *datagen.Generator) SessionResult {
	s.runs.Add(1)
	if s.sleep > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(s.sleep):
		}
	}
	res := SessionResult{Scenario: s.name, SessionID: sessionID, Passed: s.pass}
	if !s.pass {
		res.Err = errors.New("scripted failure")
	}
	return res
}

func TestRunBatchRespectsWeights(t *testing.T) {
	heavy := &stubScenario{name: "heavy", pass: true}
	light := &stubScenario{name: "light", pass: true}
	exec := New([]Weighted{
		{Scenario: heavy, Weight: 3},
		{Scenario: light, Weight: 1},
	}, nil, zerolog.Nop())

	snap := exec.RunBatch(context.Background(), 8, 4)

	assert.Equal(t, 8, snap.Started)
	assert.Equal(t, 8, snap.Passed)
	assert.EqualValues(t, 6, heavy.runs.Load())
	assert.EqualValues(t, 2, light.runs.Load())
	assert.Equal(t, 6, snap.ByScenario["heavy"])
	assert.Equal(t, 2, snap.ByScenario["light"])
}

func TestRunBatchCountsFailures(t *testing.T) {
	good := &stubScenario{name: "good", pass: true}
	bad := &stubScenario{name: "bad", pass: false}
	exec := New([]Weighted{
		{Scenario: good, Weight: 1},
		{Scenario: bad, Weight: 1},
	}, nil, zerolog.Nop())

	snap := exec.RunBatch(context.Background(), 10, 2)

	assert.Equal(t, 10, snap.Started)
	assert.Equal(t, 5, snap.Passed)
	assert.Equal(t, 5, snap.Failed)
	assert.Zero(t, snap.Incomplete)
}

func TestRunBatchCancellationMarksIncomplete(t *testing.T) {
	slow := &stubScenario{name: "slow", pass: false, sleep: 5 * time.Second}
	exec := New([]Weighted{{Scenario: slow, Weight: 1}}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	snap := exec.RunBatch(ctx, 100, 2)
	require.Less(t, time.Since(start), 3*time.Second, "cancel must stop the batch early")

	assert.Less(t, snap.Started, 100, "feeding must stop on cancel")
	assert.Zero(t, snap.Passed)
	assert.Equal(t, snap.Started, snap.Incomplete, "interrupted sessions count as incomplete, not failed")
}

func TestRunContinuousStopsOnCancel(t *testing.T) {
	sc := &stubScenario{name: "loop", pass: true, sleep: time.Millisecond}
	exec := New([]Weighted{{Scenario: sc, Weight: 1}}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	snap := exec.RunContinuous(ctx, 3)

	assert.Greater(t, snap.Started, 3, "continuous mode keeps launching sessions")
	assert.Equal(t, snap.Started, snap.Passed+snap.Failed+snap.Incomplete)
}

func TestRunBatchSingleScenarioMinimumConcurrency(t *testing.T) {
	sc := &stubScenario{name: "only", pass: true}
	exec := New([]Weighted{{Scenario: sc, Weight: 0}}, nil, zerolog.Nop())

	// Weight below 1 is clamped, concurrency below 1 is clamped.
	snap := exec.RunBatch(context.Background(), 3, 0)
	assert.Equal(t, 3, snap.Passed)
	assert.EqualValues(t, 3, sc.runs.Load())
}

func TestNewPacer(t *testing.T) {
	assert.Nil(t, NewPacer(0), "zero rate disables pacing")
	assert.Nil(t, NewPacer(-1))

	p := NewPacer(100)
	require.NotNil(t, p)
	assert.EqualValues(t, 100, float64(p.Limit()))
	assert.Equal(t, 1, p.Burst())
}

func TestSummarySnapshotIsACopy(t *testing.T) {
	s := newSummary()
	s.sessionStarted()
	s.record(SessionResult{Scenario: "a", Passed: true})

	snap := s.Snapshot()
	snap.ByScenario["a"] = 99

	assert.Equal(t, 1, s.Snapshot().ByScenario["a"], "mutating a snapshot must not touch the aggregate")
}
