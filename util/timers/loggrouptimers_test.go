package timers

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

type testTimer struct {
	Timer
	id int
}

func newTestTimer(id int) *testTimer { return &testTimer{id: id} }

func TestPollReturnsDeadlineOrder(t *testing.T) {
	l := New(4)
	deadlines := []int64{500, 17, 93, 2048, 3, 512, 65, 1024, 7}
	for i, d := range deadlines {
		l.Add(d, &testTimer{id: i})
	}
	sorted := append([]int64(nil), deadlines...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var polled []int64
	for {
		n, ok := l.Poll()
		if !ok {
			break
		}
		polled = append(polled, n.timerNode().Deadline())
	}
	require.Equal(t, sorted, polled)
	require.True(t, l.IsEmpty())
}

func TestWakeAtTracksMinimum(t *testing.T) {
	l := New(4)
	a, b, c := newTestTimer(1), newTestTimer(2), newTestTimer(3)
	l.Add(1000, a)
	require.EqualValues(t, 1000, l.WakeAt())
	l.Add(100, b)
	require.EqualValues(t, 100, l.WakeAt())
	l.Add(5000, c)
	require.EqualValues(t, 100, l.WakeAt())

	l.Remove(b)
	require.LessOrEqual(t, l.WakeAt(), int64(1000))
	require.False(t, l.ShouldWake(50))

	l.Update(40, a)
	require.EqualValues(t, 40, l.WakeAt())
	require.True(t, l.ShouldWake(40))
}

func TestAdvanceDrainsExpired(t *testing.T) {
	l := New(4)
	for i := 0; i < 100; i++ {
		l.Add(int64(i*10), newTestTimer(i))
	}
	var fired []int64
	l.Advance(495, func(n Node) { fired = append(fired, n.timerNode().Deadline()) })
	require.Len(t, fired, 50)
	for _, d := range fired {
		require.LessOrEqual(t, d, int64(495))
	}
	require.Equal(t, 50, l.Size())

	// remaining timers all have deadline > 495
	n, ok := l.Poll()
	require.True(t, ok)
	require.Greater(t, n.timerNode().Deadline(), int64(495))
}

func TestAdvanceReentrantAdd(t *testing.T) {
	l := New(4)
	l.Add(10, newTestTimer(0))
	var fired []int
	l.Advance(1000, func(n Node) {
		tt := n.(*testTimer)
		fired = append(fired, tt.id)
		if tt.id == 0 {
			// re-add within the expired window: must fire in this advance
			l.Add(500, newTestTimer(1))
			// and one in the future: must not
			l.Add(5000, newTestTimer(2))
		}
	})
	require.Equal(t, []int{0, 1}, fired)
	require.Equal(t, 1, l.Size())
}

func TestUpdateMovesAcrossBuckets(t *testing.T) {
	l := New(4)
	a := newTestTimer(1)
	b := newTestTimer(2)
	l.Add(100, a)
	l.Add(100000, b)
	l.Update(50000, b)
	l.Update(200000, a)

	n, ok := l.Poll()
	require.True(t, ok)
	require.Equal(t, 2, n.(*testTimer).id)
	n, ok = l.Poll()
	require.True(t, ok)
	require.Equal(t, 1, n.(*testTimer).id)
}

// TestStress performs the mixed workload check: insert 10k timers over a
// day-scale horizon, update half, remove a quarter, then advance in random
// steps; the drained multiset must equal inserted minus removed and every
// drained deadline must be within the advance target.
func TestStress(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	l := NewWithSplitSize(4, 64)

	const n = 10000
	const day = int64(24 * 60 * 60 * 1000)
	timers := make([]*testTimer, n)
	live := map[int]int64{}
	for i := 0; i < n; i++ {
		timers[i] = newTestTimer(i)
		d := rng.Int63n(day)
		l.Add(d, timers[i])
		live[i] = d
	}
	// update 50%
	for i := 0; i < n/2; i++ {
		id := rng.Intn(n)
		if _, ok := live[id]; !ok {
			continue
		}
		d := rng.Int63n(day)
		l.Update(d, timers[id])
		live[id] = d
	}
	// remove 25%
	for i := 0; i < n/4; i++ {
		id := rng.Intn(n)
		if _, ok := live[id]; !ok {
			continue
		}
		l.Remove(timers[id])
		delete(live, id)
	}
	require.Equal(t, len(live), l.Size())

	drained := map[int]int64{}
	now := int64(0)
	for now < day+1 {
		now += rng.Int63n(day / 20)
		target := now
		l.Advance(target, func(node Node) {
			tt := node.(*testTimer)
			require.LessOrEqual(t, tt.Deadline(), target)
			_, dup := drained[tt.id]
			require.False(t, dup, "timer %d drained twice", tt.id)
			drained[tt.id] = tt.Deadline()
		})
		if !l.IsEmpty() {
			require.LessOrEqual(t, l.WakeAt(), minLiveDeadline(live, drained))
		}
	}
	require.Equal(t, len(live), len(drained))
	for id, d := range live {
		got, ok := drained[id]
		require.True(t, ok, "timer %d never drained", id)
		require.Equal(t, d, got)
	}
	require.True(t, l.IsEmpty())
}

func minLiveDeadline(live, drained map[int]int64) int64 {
	min := int64(1) << 62
	for id, d := range live {
		if _, gone := drained[id]; gone {
			continue
		}
		if d < min {
			min = d
		}
	}
	return min
}
