// Package timers implements a log-grouped timer wheel: timers are collected
// into contiguous, non-overlapping buckets whose spans grow exponentially
// with distance from "now", down to a minimum span of 1<<bucketShift.
//
// A bucket is heapified only once it becomes current, so insertion and
// removal in far-future buckets is constant time; buckets that are still too
// large when they become current are split once their ideal span has halved.
package timers

import (
	"math"
	"math/bits"
)

// Timer is the intrusive node embedded by anything scheduled on the wheel.
type Timer struct {
	deadline int64
	index    int
	bucket   *bucket
}

// Deadline returns the deadline last assigned by Add or Update.
func (t *Timer) Deadline() int64 { return t.deadline }

func (t *Timer) timerNode() *Timer { return t }

func (t *Timer) isScheduled() bool { return t.bucket != nil }

// Node is implemented by embedding Timer.
type Node interface {
	timerNode() *Timer
}

type bucket struct {
	epoch     int64
	span      int64
	items     []Node
	heapified bool
}

func (b *bucket) end() int64 { return b.epoch + b.span }

func (b *bucket) contains(deadline int64) bool {
	d := deadline - b.epoch
	return d >= 0 && d < b.span
}

func (b *bucket) size() int { return len(b.items) }

func (b *bucket) append(n Node) {
	t := n.timerNode()
	t.index = len(b.items)
	t.bucket = b
	b.items = append(b.items, n)
	if b.heapified {
		b.siftUp(t.index)
	}
}

func (b *bucket) remove(n Node) {
	t := n.timerNode()
	i := t.index
	last := len(b.items) - 1
	if i != last {
		b.items[i] = b.items[last]
		b.items[i].timerNode().index = i
	}
	b.items = b.items[:last]
	t.index = -1
	t.bucket = nil
	if b.heapified && i < len(b.items) {
		b.siftDown(i)
		b.siftUp(i)
	}
}

func (b *bucket) update(n Node) {
	if b.heapified {
		i := n.timerNode().index
		b.siftDown(i)
		b.siftUp(i)
	}
}

func (b *bucket) peek() (Node, bool) {
	if len(b.items) == 0 {
		return nil, false
	}
	return b.items[0], true
}

func (b *bucket) poll() Node {
	n := b.items[0]
	b.remove(n)
	return n
}

func (b *bucket) heapify() {
	for i := len(b.items)/2 - 1; i >= 0; i-- {
		b.siftDown(i)
	}
	b.heapified = true
}

func (b *bucket) less(i, j int) bool {
	return b.items[i].timerNode().deadline < b.items[j].timerNode().deadline
}

func (b *bucket) swap(i, j int) {
	b.items[i], b.items[j] = b.items[j], b.items[i]
	b.items[i].timerNode().index = i
	b.items[j].timerNode().index = j
}

func (b *bucket) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !b.less(i, parent) {
			return
		}
		b.swap(i, parent)
		i = parent
	}
}

func (b *bucket) siftDown(i int) {
	n := len(b.items)
	for {
		left, right := 2*i+1, 2*i+2
		least := i
		if left < n && b.less(left, least) {
			least = left
		}
		if right < n && b.less(right, least) {
			least = right
		}
		if least == i {
			return
		}
		b.swap(i, least)
		i = least
	}
}

const (
	// DefaultBucketShift groups timers ~16ms apart when deadlines are in
	// milliseconds.
	DefaultBucketShift = 4
	defaultSplitSize   = 256

	noWake = math.MaxInt64
)

// LogGroupTimers is the wheel. Not safe for concurrent use; each command
// store's progress log owns one instance and guards it with its own lock.
type LogGroupTimers struct {
	minBucketSpan   int64
	bucketSplitSize int

	buckets   []*bucket
	addFinger *bucket

	timerCount int
	curEpoch   int64
	wakeAt     int64
}

func New(bucketShift int) *LogGroupTimers {
	return NewWithSplitSize(bucketShift, defaultSplitSize)
}

func NewWithSplitSize(bucketShift, bucketSplitSize int) *LogGroupTimers {
	return &LogGroupTimers{
		minBucketSpan:   1 << bucketShift,
		bucketSplitSize: bucketSplitSize,
		wakeAt:          noWake,
	}
}

func (l *LogGroupTimers) Size() int     { return l.timerCount }
func (l *LogGroupTimers) IsEmpty() bool { return l.timerCount == 0 }

// WakeAt is the next time Advance should run: the minimum pending deadline,
// or the end of the (empty, unexpired) head bucket.
func (l *LogGroupTimers) WakeAt() int64 { return l.wakeAt }

func (l *LogGroupTimers) ShouldWake(now int64) bool { return now >= l.wakeAt }

// Add schedules the timer at deadline. Constant time away from the head
// bucket; reentrant from an Advance sink.
func (l *LogGroupTimers) Add(deadline int64, n Node) {
	l.addInternal(deadline, n)
	l.timerCount++
	if deadline < l.wakeAt {
		l.wakeAt = deadline
	}
}

// Update moves an already-scheduled timer to a new deadline.
func (l *LogGroupTimers) Update(deadline int64, n Node) {
	t := n.timerNode()
	b := t.bucket
	prev := t.deadline
	if b != nil && b.contains(deadline) {
		t.deadline = deadline
		b.update(n)
	} else {
		b.remove(n)
		l.addInternal(deadline, n)
	}
	l.refreshWakeAt(prev, deadline)
}

// Remove unschedules the timer.
func (l *LogGroupTimers) Remove(n Node) {
	t := n.timerNode()
	prev := t.deadline
	t.bucket.remove(n)
	l.timerCount--
	l.refreshWakeAt(prev, noWake)
}

// Poll removes and returns the strictly earliest pending timer. Not safe for
// reentry during Advance.
func (l *LogGroupTimers) Poll() (Node, bool) {
	for len(l.buckets) > 0 {
		head := l.buckets[0]
		l.ensureHeapified(head)
		if n, ok := head.peek(); ok {
			l.timerCount--
			head.poll()
			if next, ok := head.peek(); ok {
				l.wakeAt = next.timerNode().deadline
			} else {
				l.wakeAt = head.end()
			}
			return n, true
		}
		l.dropHead()
	}
	l.wakeAt = noWake
	return nil, false
}

// Advance visits, in arbitrary order across buckets, every timer whose
// deadline is <= now. Within the current (heapified) bucket timers are
// delivered in deadline order. The sink may call Add reentrantly.
func (l *LogGroupTimers) Advance(now int64, sink func(Node)) {
	nextEpoch := now & -l.minBucketSpan
	if nextEpoch < l.curEpoch {
		return
	}
	l.curEpoch = nextEpoch
	for len(l.buckets) > 0 {
		head := l.buckets[0]
		if head.epoch > now {
			l.wakeAt = head.epoch
			return
		}
		if head.end() <= now {
			// the whole bucket is expired: drain without sorting. The sink
			// may append to this same bucket reentrantly; the loop picks
			// those up too since their deadlines are necessarily <= now.
			for i := 0; i < len(head.items); i++ {
				n := head.items[i]
				t := n.timerNode()
				t.index = -1
				t.bucket = nil
				l.timerCount--
				sink(n)
			}
			head.items = head.items[:0]
		} else {
			l.ensureHeapified(head)
			for {
				n, ok := head.peek()
				if !ok {
					break
				}
				if n.timerNode().deadline > now {
					l.wakeAt = n.timerNode().deadline
					return
				}
				l.timerCount--
				head.poll()
				sink(n)
			}
			l.wakeAt = head.end()
		}
		if len(head.items) > 0 {
			// reentrant adds landed in the still-current head; go around.
			continue
		}
		l.removeBucket(head)
	}
	l.wakeAt = noWake
}

// removeBucket drops an emptied bucket, which is almost always the head but
// may have shifted if a reentrant add prepended a bucket.
func (l *LogGroupTimers) removeBucket(b *bucket) {
	for i, x := range l.buckets {
		if x == b {
			l.buckets = append(l.buckets[:i:i], l.buckets[i+1:]...)
			break
		}
	}
	if l.addFinger == b {
		l.addFinger = nil
	}
}

// Clear drops every pending timer.
func (l *LogGroupTimers) Clear() {
	for _, b := range l.buckets {
		for _, n := range b.items {
			n.timerNode().bucket = nil
			n.timerNode().index = -1
		}
		b.items = nil
	}
	l.buckets = nil
	l.addFinger = nil
	l.timerCount = 0
	l.curEpoch = 0
	l.wakeAt = noWake
}

func (l *LogGroupTimers) dropHead() {
	if l.buckets[0] == l.addFinger {
		l.addFinger = nil
	}
	l.buckets = l.buckets[1:]
}

func (l *LogGroupTimers) ensureHeapified(b *bucket) {
	if !b.heapified {
		l.maybeSplit(b)
		b.heapify()
	}
}

func (l *LogGroupTimers) addInternal(deadline int64, n Node) {
	b := l.addFinger
	if b == nil || !b.contains(deadline) {
		i := l.findBucketIndex(deadline)
		b = l.ensureBucket(i, deadline)
	}
	t := n.timerNode()
	t.deadline = deadline
	b.append(n)
	l.addFinger = b
}

// refreshWakeAt restores the wakeAt invariant after a timer that may have
// been the minimum moved or left.
func (l *LogGroupTimers) refreshWakeAt(prevDeadline, newDeadline int64) {
	if newDeadline < l.wakeAt {
		l.wakeAt = newDeadline
		return
	}
	if prevDeadline != l.wakeAt {
		return
	}
	for len(l.buckets) > 0 {
		head := l.buckets[0]
		l.ensureHeapified(head)
		if n, ok := head.peek(); ok {
			l.wakeAt = n.timerNode().deadline
			return
		}
		if head.end() >= l.curEpoch {
			l.wakeAt = head.end()
			return
		}
		l.dropHead()
	}
	l.wakeAt = noWake
}

func highestOneBit(x int64) int64 {
	if x <= 0 {
		return 0
	}
	return 1 << (63 - bits.LeadingZeros64(uint64(x)))
}

func (l *LogGroupTimers) firstEpoch(deadline int64) int64 {
	return deadline & -l.minBucketSpan
}

// idealSpan is the span a bucket at epoch should have given the current
// time: exponentially larger with distance from curEpoch.
func (l *LogGroupTimers) idealSpan(epoch int64) int64 {
	if epoch <= l.curEpoch {
		return l.minBucketSpan
	}
	span := highestOneBit(epoch - l.curEpoch)
	if span < l.minBucketSpan {
		span = l.minBucketSpan
	}
	return span
}

// minSpan is the smallest span a bucket at epoch needs to contain deadline.
func (l *LogGroupTimers) minSpan(epoch, deadline int64) int64 {
	span := 2 * highestOneBit(deadline-epoch)
	if span < 0 {
		span = math.MaxInt64
	}
	if span < l.minBucketSpan {
		span = l.minBucketSpan
	}
	return span
}

// findBucketIndex returns the index of the last bucket whose epoch is <= the
// deadline, or -1 when the deadline precedes every bucket.
func (l *LogGroupTimers) findBucketIndex(deadline int64) int {
	lo, hi := 0, len(l.buckets)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.buckets[mid].epoch > deadline {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo - 1
}

func (l *LogGroupTimers) ensureBucket(index int, deadline int64) *bucket {
	if index >= 0 && index < len(l.buckets) {
		b := l.buckets[index]
		if b.contains(deadline) {
			return b
		}
		// deadline is past the tail bucket's end
	}
	if index < 0 {
		insertEpoch := l.firstEpoch(deadline)
		var span int64
		if len(l.buckets) > 0 {
			span = l.buckets[0].epoch - insertEpoch
		} else {
			span = maxInt64s(l.idealSpan(insertEpoch), l.minSpan(insertEpoch, deadline))
		}
		b := &bucket{epoch: insertEpoch, span: span}
		l.buckets = append([]*bucket{b}, l.buckets...)
		return b
	}
	tail := l.buckets[len(l.buckets)-1]
	insertEpoch := tail.end()
	span := maxInt64s(l.idealSpan(insertEpoch), l.minSpan(insertEpoch, deadline))
	b := &bucket{epoch: insertEpoch, span: span}
	l.buckets = append(l.buckets, b)
	return b
}

func maxInt64s(a, b int64) int64 {
	if a >= b {
		return a
	}
	return b
}

// maybeSplit splits a bucket that is both oversized and whose ideal span has
// halved since it was created, redistributing its timers.
func (l *LogGroupTimers) maybeSplit(b *bucket) {
	if b.size() < l.bucketSplitSize {
		return
	}
	ideal := l.idealSpan(b.epoch)
	if ideal > b.span/2 {
		return
	}
	l.split(b, ideal)
}

func (l *LogGroupTimers) split(b *bucket, ideal int64) {
	index := l.findBucketIndex(b.epoch)
	splitCount := 1
	{
		nextSpan := ideal * 2
		sumSpan := nextSpan
		for sumSpan+nextSpan <= b.span {
			splitCount++
			sumSpan += nextSpan
			nextSpan *= 2
		}
	}
	newBuckets := make([]*bucket, 0, splitCount)
	epoch := b.epoch + ideal
	nextSpan := ideal
	remaining := b.span - ideal
	b.span = ideal
	for i := 0; i < splitCount; i++ {
		if i == splitCount-1 {
			nextSpan = remaining
		}
		newBuckets = append(newBuckets, &bucket{epoch: epoch, span: nextSpan})
		remaining -= nextSpan
		epoch += nextSpan
		nextSpan *= 2
	}
	tail := append([]*bucket(nil), l.buckets[index+1:]...)
	l.buckets = append(append(l.buckets[:index+1], newBuckets...), tail...)
	l.redistribute(b)
}

// redistribute moves timers that no longer fit the (shrunk) bucket into the
// buckets created by split.
func (l *LogGroupTimers) redistribute(b *bucket) {
	keep := b.items[:0]
	var move []Node
	for _, n := range b.items {
		if b.contains(n.timerNode().deadline) {
			n.timerNode().index = len(keep)
			keep = append(keep, n)
		} else {
			move = append(move, n)
		}
	}
	b.items = keep
	for _, n := range move {
		n.timerNode().bucket = nil
		l.addInternal(n.timerNode().deadline, n)
	}
}
