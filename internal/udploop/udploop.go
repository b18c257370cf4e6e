// Package udploop implements the UDP media send loop: a strictly
// FIFO outbound queue of encrypted RTP packets interleaved with track marker
// sentinels, drained by a pacing goroutine that sleeps between sends so
// audio leaves the socket at its real-time rate rather than in a burst.
package udploop

import (
	"sync"
	"time"
)

// SilencePacket is the canonical 3-byte Opus silence frame, sent as
// "stop frames" when playback pauses so downstream clients hear an
// immediate cutoff instead of a stale buffered tail.
var SilencePacket = [3]byte{0xF8, 0xFF, 0xFE}

// stopFrameCount is how many silence copies are emitted on the first pause.
const stopFrameCount = 5

// markerSentinel is the two-byte payload marking a track-marker entry in the
// queue.
var markerSentinel = [2]byte{0xFF, 0xFF}

// Pacing selects how the inter-packet sleep is distributed.
type Pacing int

const (
	// PacingRecorded sleeps once for the full packet duration — simple,
	// used for pre-recorded/bulk playback.
	PacingRecorded Pacing = iota
	// PacingOverlap divides the sleep into slices and accumulates timing
	// error across them, smoothing jitter for live/overlapped playback.
	PacingOverlap
)

const overlapSlices = 4

// packet is one entry in the outbound queue.
type packet struct {
	data       []byte
	durationNS int64
	isMarker   bool
	metadata   string
}

// Sender transmits one packet over the underlying UDP socket.
type Sender func(data []byte) error

// Loop drives the outbound queue: ordered packets and track markers, paced
// by duration, with a single intentional blocking point (the pacing sleep).
type Loop struct {
	mu        sync.Mutex
	queue     []packet
	trackCnt  int
	paused    bool
	sentStop  bool
	timescale float64
	pacing    Pacing

	send        Sender
	onTrackMark func(metadata string)
	onBufSend   func(remaining int)

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// New builds a Loop bound to a Sender. timescale lets tests run without real
// wall-clock sleeps: 1 is real-time, values in (0, 1) speed up playback, and
// 0 (or negative) disables sleeping between sends entirely.
func New(send Sender, pacing Pacing, timescale float64) *Loop {
	return &Loop{
		send:      send,
		pacing:    pacing,
		timescale: timescale,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// OnTrackMarker registers the callback fired when a track marker sentinel is
// reached (fires between the packet before it and the packet after).
func (l *Loop) OnTrackMarker(fn func(metadata string)) { l.onTrackMark = fn }

// OnBufferSend registers the callback fired after every packet send, with
// the number of non-marker packets still queued.
func (l *Loop) OnBufferSend(fn func(remaining int)) { l.onBufSend = fn }

// Run drains the queue until Stop is called. Intended to run in its own
// goroutine; blocks between sends for pacing.
func (l *Loop) Run() {
	for {
		select {
		case <-l.done:
			return
		default:
		}

		l.mu.Lock()
		if len(l.queue) == 0 || l.paused {
			l.mu.Unlock()
			select {
			case <-l.wake:
				continue
			case <-l.done:
				return
			}
		}
		p := l.queue[0]
		l.queue = l.queue[1:]
		if !p.isMarker {
			l.trackCnt--
		}
		remaining := l.remainingPacketsLocked()
		l.mu.Unlock()

		if p.isMarker {
			if l.onTrackMark != nil {
				l.onTrackMark(p.metadata)
			}
			continue
		}

		if l.send != nil {
			_ = l.send(p.data)
		}
		if l.onBufSend != nil {
			l.onBufSend(remaining)
		}
		l.sleepFor(p.durationNS)
	}
}

func (l *Loop) remainingPacketsLocked() int {
	n := 0
	for _, p := range l.queue {
		if !p.isMarker {
			n++
		}
	}
	return n
}

func (l *Loop) sleepFor(durationNS int64) {
	if durationNS <= 0 || l.timescale <= 0 {
		return
	}
	total := time.Duration(float64(durationNS) * l.timescale)
	switch l.pacing {
	case PacingOverlap:
		slice := total / overlapSlices
		var accumulated time.Duration
		for i := 0; i < overlapSlices; i++ {
			target := total * time.Duration(i+1) / overlapSlices
			sleep := target - accumulated
			if sleep > 0 {
				time.Sleep(sleep)
			}
			accumulated += slice
		}
	default:
		time.Sleep(total)
	}
}

// Stop terminates Run and wakes it if blocked.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Enqueue adds a media packet with its playback duration to the tail of the
// queue.
func (l *Loop) Enqueue(data []byte, durationNS int64) {
	l.mu.Lock()
	l.queue = append(l.queue, packet{data: data, durationNS: durationNS})
	l.trackCnt++
	l.mu.Unlock()
	l.wakeUp()
}

// EnqueueSilence adds one copy of the canonical silence packet.
func (l *Loop) EnqueueSilence(durationNS int64) {
	l.Enqueue(append([]byte{}, SilencePacket[:]...), durationNS)
}

// InsertMarker enqueues a track marker sentinel carrying metadata, fired via
// OnTrackMarker once the sender reaches it.
func (l *Loop) InsertMarker(metadata string) {
	l.mu.Lock()
	l.queue = append(l.queue, packet{data: markerSentinel[:], isMarker: true, metadata: metadata})
	l.mu.Unlock()
	l.wakeUp()
}

func (l *Loop) wakeUp() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pause keeps the queue intact but stops draining it. On the first pause it
// sends stopFrameCount silence packets straight out, bypassing the now-frozen
// queue, so downstream clients perceive an immediate cutoff.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	alreadySent := l.sentStop
	l.sentStop = true
	l.mu.Unlock()

	if !alreadySent && l.send != nil {
		for i := 0; i < stopFrameCount; i++ {
			_ = l.send(SilencePacket[:])
		}
	}
}

// Resume re-enables draining of the queue.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.sentStop = false
	l.mu.Unlock()
	l.wakeUp()
}

// IsPaused reports whether the loop is currently paused.
func (l *Loop) IsPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// SkipToNextMarker erases all queued packets up to and including the next
// marker sentinel.
func (l *Loop) SkipToNextMarker() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.queue {
		if p.isMarker {
			l.queue = l.queue[i+1:]
			return
		}
		l.trackCnt--
	}
	l.queue = nil
}

// SecsRemaining sums the queued (non-marker) packet durations.
func (l *Loop) SecsRemaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var totalNS int64
	for _, p := range l.queue {
		if !p.isMarker {
			totalNS += p.durationNS
		}
	}
	return float64(totalNS) / float64(time.Second)
}

// TracksRemaining returns the count of non-marker packets still queued.
func (l *Loop) TracksRemaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingPacketsLocked()
}

// QueueLen returns the total number of queued entries, markers included.
// Exported for tests.
func (l *Loop) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
