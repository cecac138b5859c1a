package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognifyhq/aidomain/pkg/runner"
)

// fakeService records lifecycle calls into a shared journal.
type fakeService struct {
	name      string
	failStart bool
	failStop  bool
	unhealthy bool

	journal *journal
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) record(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(context.Context) error {
	if s.failStart {
		return errors.New("refusing to start")
	}
	s.journal.record("start " + s.name)
	return nil
}

func (s *fakeService) Stop(context.Context) error {
	if s.failStop {
		return errors.New("refusing to stop")
	}
	s.journal.record("stop " + s.name)
	return nil
}

func (s *fakeService) HealthCheck(context.Context) error {
	if s.unhealthy {
		return errors.New("degraded")
	}
	return nil
}

func TestRunnerStartsInOrderAndStopsInReverse(t *testing.T) {
	j := &journal{}
	a := &fakeService{name: "a", journal: j}
	b := &fakeService{name: "b", journal: j}
	c := &fakeService{name: "c", journal: j}

	r := runner.New([]runner.Service{a, b, c})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(j.list()) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner never returned")
	}

	entries := j.list()
	require.Len(t, entries, 6)
	assert.Equal(t, []string{"start a", "start b", "start c"}, entries[:3])
	// stops run concurrently; each started service must still stop
	assert.ElementsMatch(t, []string{"stop a", "stop b", "stop c"}, entries[3:])
}

func TestRunnerFailedStartStopsStartedServices(t *testing.T) {
	j := &journal{}
	a := &fakeService{name: "a", journal: j}
	b := &fakeService{name: "b", failStart: true, journal: j}
	c := &fakeService{name: "c", journal: j}

	r := runner.New([]runner.Service{a, b, c})
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")

	entries := j.list()
	assert.Contains(t, entries, "start a")
	assert.Contains(t, entries, "stop a")
	assert.NotContains(t, entries, "start c", "services after the failure must not start")
}

func TestRunnerReportsStopFailures(t *testing.T) {
	j := &journal{}
	a := &fakeService{name: "a", journal: j}
	b := &fakeService{name: "b", failStop: true, journal: j}

	r := runner.New([]runner.Service{a, b})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(j.list()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stop b")
	case <-time.After(5 * time.Second):
		t.Fatal("runner never returned")
	}
}

func TestRunnerHealthCheck(t *testing.T) {
	ctx := context.Background()
	j := &journal{}

	t.Run("AllHealthy", func(t *testing.T) {
		r := runner.New([]runner.Service{
			&fakeService{name: "a", journal: j},
			&fakeService{name: "b", journal: j},
		})
		assert.NoError(t, r.HealthCheck(ctx))
	})

	t.Run("UnhealthyServiceSurfaces", func(t *testing.T) {
		r := runner.New([]runner.Service{
			&fakeService{name: "a", journal: j},
			&fakeService{name: "b", unhealthy: true, journal: j},
		})
		err := r.HealthCheck(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "b")
	})
}
