package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/appt-scheduler/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSeqIsGaplessPerJobUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	sink := events.NewSink(events.NewMemLog(), nil)

	var wg sync.WaitGroup
	for _, job := range []string{"a", "b"} {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(job string) {
				defer wg.Done()
				_, err := sink.Emit(ctx, job, events.LevelInfo, events.KindProgress, "tick", nil)
				assert.NoError(t, err)
			}(job)
		}
	}
	wg.Wait()

	for _, job := range []string{"a", "b"} {
		evs, err := sink.List(ctx, job, 0, 0)
		require.NoError(t, err)
		require.Len(t, evs, 50)
		for i, e := range evs {
			require.Equal(t, int64(i+1), e.Seq)
			require.Equal(t, job, e.JobID)
		}
	}
}

func TestListSinceAndLimit(t *testing.T) {
	ctx := context.Background()
	sink := events.NewSink(events.NewMemLog(), nil)
	for i := 0; i < 5; i++ {
		_, err := sink.Emit(ctx, "j", events.LevelInfo, events.KindProgress, "m", nil)
		require.NoError(t, err)
	}

	evs, err := sink.List(ctx, "j", 2, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, int64(3), evs[0].Seq)
	require.Equal(t, int64(4), evs[1].Seq)

	evs, err = sink.List(ctx, "j", 5, 10)
	require.NoError(t, err)
	require.Empty(t, evs)

	evs, err = sink.List(ctx, "unknown", 0, 0)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestReplayFollowsLastTransition(t *testing.T) {
	ctx := context.Background()
	sink := events.NewSink(events.NewMemLog(), nil)

	_, ok, err := sink.ReplayJob(ctx, "j")
	require.NoError(t, err)
	require.False(t, ok)

	steps := [][2]string{{"", "pending"}, {"pending", "monitoring"}, {"monitoring", "appointment_found"}, {"appointment_found", "monitoring"}, {"monitoring", "stopped"}}
	for _, s := range steps {
		_, err := sink.Transition(ctx, "j", s[0], s[1], events.LevelInfo, s[0]+" -> "+s[1])
		require.NoError(t, err)
		_, err = sink.Emit(ctx, "j", events.LevelInfo, events.KindAttempt, "noise", map[string]int{"n": 1})
		require.NoError(t, err)
	}

	status, ok, err := sink.ReplayJob(ctx, "j")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "stopped", status)
}

func TestReplayDetectsGap(t *testing.T) {
	evs := []events.Event{
		{JobID: "j", Seq: 1, Kind: events.KindNotice},
		{JobID: "j", Seq: 3, Kind: events.KindNotice},
	}
	_, _, err := events.Replay(evs)
	require.ErrorIs(t, err, events.ErrGap)
}

func TestHubDeliversPerJobAndDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	hub := events.NewHub(1)
	sink := events.NewSink(events.NewMemLog(), nil, hub)

	only := hub.Subscribe("a")
	all := hub.Subscribe("")
	defer all.Close()

	_, err := sink.Emit(ctx, "b", events.LevelInfo, events.KindNotice, "for b", nil)
	require.NoError(t, err)
	_, err = sink.Emit(ctx, "a", events.LevelInfo, events.KindNotice, "for a", nil)
	require.NoError(t, err)

	select {
	case e := <-only.C:
		require.Equal(t, "for a", e.Message)
	case <-time.After(time.Second):
		t.Fatal("no event for job a")
	}

	// buffer of one: "for b" is kept, "for a" was dropped
	e := <-all.C
	require.Equal(t, "for b", e.Message)
	select {
	case e := <-all.C:
		t.Fatalf("unexpected event %q", e.Message)
	default:
	}

	only.Close()
	only.Close()
	require.Equal(t, 1, hub.Len())
	_, open := <-only.C
	require.False(t, open)
}

func TestSinkDefaults(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sink := events.NewSink(events.NewMemLog(), nil).WithClock(func() time.Time { return fixed })

	e, err := sink.Append(context.Background(), events.Event{JobID: "j", Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, fixed, e.Time)
	require.Equal(t, events.LevelInfo, e.Level)
	require.Equal(t, events.KindNotice, e.Kind)

	_, err = sink.Append(context.Background(), events.Event{Message: "orphan"})
	require.Error(t, err)
}
