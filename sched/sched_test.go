package sched

import "testing"

type countingFuture struct {
	polls int
	done  int
}

func (f *countingFuture) Poll(w *Waker) PollResult {
	f.polls++
	if f.polls < f.done {
		w.Wake()
		return Pending
	}
	return Ready
}

func TestExecutorDrainsReadyFutures(t *testing.T) {
	e := NewExecutor()
	f := &countingFuture{done: 3}
	e.Spawn(f)
	e.RunUntilIdle()
	if f.polls != 3 {
		t.Fatalf("expected 3 polls, got %d", f.polls)
	}
}

func TestExecutorRunsMultipleIndependentFutures(t *testing.T) {
	e := NewExecutor()
	a := &countingFuture{done: 1}
	b := &countingFuture{done: 2}
	e.Spawn(a)
	e.Spawn(b)
	e.RunUntilIdle()
	if a.polls != 1 || b.polls != 2 {
		t.Fatalf("unexpected poll counts a=%d b=%d", a.polls, b.polls)
	}
}

func TestYieldNowCompletesOnSecondPoll(t *testing.T) {
	e := NewExecutor()
	y := YieldNow()
	polls := 0
	wrapped := pollCounter{y, &polls}
	e.Spawn(wrapped)
	e.RunUntilIdle()
	if polls != 2 {
		t.Fatalf("expected yield_now to be polled exactly twice, got %d", polls)
	}
}

type pollCounter struct {
	inner Future
	n     *int
}

func (p pollCounter) Poll(w *Waker) PollResult {
	*p.n++
	return p.inner.Poll(w)
}

type fakeActivator struct{ activated int }

func (a *fakeActivator) Activate() { a.activated++ }

func TestSwitchFutureInstallsCurrentThreadAndActivates(t *testing.T) {
	const cpu = 5
	act := &fakeActivator{}
	inner := &countingFuture{done: 1}
	sf := NewSwitchFuture(cpu, "thread-marker", act, inner, nil)

	e := NewExecutor()
	e.Spawn(sf)
	e.RunUntilIdle()

	if act.activated != 1 {
		t.Fatalf("expected Activate called once, got %d", act.activated)
	}
	if CurrentThread(cpu) != "thread-marker" {
		t.Fatalf("expected current thread marker installed on cpu %d", cpu)
	}
}

func TestSwitchFutureInvokesOnDoneExactlyOnceWhenReady(t *testing.T) {
	const cpu = 6
	act := &fakeActivator{}
	inner := &countingFuture{done: 3}
	calls := 0
	sf := NewSwitchFuture(cpu, "thread-marker", act, inner, func() { calls++ })

	e := NewExecutor()
	e.Spawn(sf)
	e.RunUntilIdle()

	if calls != 1 {
		t.Fatalf("expected onDone called exactly once, got %d", calls)
	}
	if act.activated != 3 {
		t.Fatalf("expected Activate called once per poll, got %d", act.activated)
	}
}

func TestRegisterAndLookupExecutor(t *testing.T) {
	e := NewExecutor()
	RegisterExecutor(7, e)
	if ExecutorFor(7) != e {
		t.Fatalf("expected registered executor to be returned")
	}
	if ExecutorFor(8) != nil {
		t.Fatalf("expected nil for unregistered cpu")
	}
}
