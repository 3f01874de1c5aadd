package reliable

import (
	"sync"
	"time"

	"github.com/ratchethub/ratchethub/codec"
)

// Tuning constants for the receive side, per spec.md §4.2/§8.
const (
	AckCoalesceWindow  = 50 * time.Millisecond
	HeartbeatAckPeriod = 5 * time.Second
	BufferEvictionAge  = 30 * time.Second
	PruneInterval      = 100
	PruneHorizon       = 1000
)

// bufferedFrame is one out-of-order DATA frame awaiting its turn.
type bufferedFrame struct {
	payload    []byte
	receivedAt time.Time
}

// AckTransmit hands an encoded ACK frame to the downstream transport.
type AckTransmit func(frame []byte) error

// Receiver tracks delivered and out-of-order sequence numbers for one
// reliable subscription and drives ACK generation, per spec.md §4.2: an
// in-order delivery guarantee with out-of-order buffering, duplicate
// suppression, restart detection, and at-most-once callback invocation.
type Receiver struct {
	mu sync.Mutex

	nextExpected uint64
	received     map[uint64]struct{}
	buffer       map[uint64]bufferedFrame

	pendingAck  bool
	lastAckSent time.Time

	deliver func(payload []byte)
	xmitAck AckTransmit

	ackTimer *timerQueue
	stopOnce sync.Once
	done     chan struct{}
}

// NewReceiver constructs a Receiver. deliver is invoked once, in order, for
// every distinct payload as it becomes eligible for delivery. xmitAck sends
// an encoded ACK frame whenever one is due (coalesced or heartbeat).
func NewReceiver(deliver func(payload []byte), xmitAck AckTransmit) *Receiver {
	r := &Receiver{
		nextExpected: 1,
		received:     make(map[uint64]struct{}),
		buffer:       make(map[uint64]bufferedFrame),
		deliver:      deliver,
		xmitAck:      xmitAck,
		done:         make(chan struct{}),
	}
	r.ackTimer = newTimerQueue(r.onAckTimerFire)
	r.ackTimer.Start()
	go r.sweepLoop()
	return r
}

// Stop halts the ACK timer and sweep goroutines.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.ackTimer.Stop()
}

// ackTick is the token pushed to the ACK coalescing timer; a bare struct{}
// is sufficient since there is only ever at most one outstanding ACK timer.
type ackTick struct{}

// Receive processes one inbound DATA frame. It returns true if the payload
// was newly delivered or buffered (i.e. not a duplicate).
func (r *Receiver) Receive(seq uint64, payload []byte) bool {
	r.mu.Lock()

	if seq == 1 && r.nextExpected > 1 {
		// The peer's sequence counter restarted (reconnect with a fresh
		// Sender); forget everything we knew about the old stream.
		r.nextExpected = 1
		r.received = make(map[uint64]struct{})
		r.buffer = make(map[uint64]bufferedFrame)
	}

	if _, dup := r.received[seq]; dup {
		r.scheduleAckLocked()
		r.mu.Unlock()
		return false
	}
	if seq < r.nextExpected {
		// Already delivered and pruned from received; still a duplicate.
		r.scheduleAckLocked()
		r.mu.Unlock()
		return false
	}

	r.received[seq] = struct{}{}

	var toDeliver [][]byte
	if seq == r.nextExpected {
		toDeliver = append(toDeliver, payload)
		r.nextExpected++
		for {
			bf, ok := r.buffer[r.nextExpected]
			if !ok {
				break
			}
			delete(r.buffer, r.nextExpected)
			toDeliver = append(toDeliver, bf.payload)
			r.nextExpected++
		}
		r.maybePruneLocked()
	} else {
		r.buffer[seq] = bufferedFrame{payload: payload, receivedAt: time.Now()}
	}

	r.scheduleAckLocked()
	r.mu.Unlock()

	for _, p := range toDeliver {
		if r.deliver != nil {
			r.deliver(p)
		}
	}
	return true
}

// maybePruneLocked drops received-set entries far enough below nextExpected
// that they can never be hit again, bounding memory for long-lived streams.
// Called with mu held.
func (r *Receiver) maybePruneLocked() {
	if r.nextExpected%PruneInterval != 0 {
		return
	}
	if r.nextExpected <= PruneHorizon {
		return
	}
	floor := r.nextExpected - PruneHorizon
	for seq := range r.received {
		if seq < floor {
			delete(r.received, seq)
		}
	}
}

// scheduleAckLocked arms the 50ms coalescing timer if one isn't already
// pending. Called with mu held.
func (r *Receiver) scheduleAckLocked() {
	if r.pendingAck {
		return
	}
	r.pendingAck = true
	if r.ackTimer != nil {
		r.ackTimer.Push(time.Now().Add(AckCoalesceWindow), ackTick{})
	}
}

func (r *Receiver) onAckTimerFire(value interface{}) {
	r.flushAck()
}

// flushAck builds and sends an ACK frame summarizing currently-known
// contiguous ranges of received sequence numbers if one is due.
func (r *Receiver) flushAck() {
	r.mu.Lock()
	if !r.pendingAck {
		r.mu.Unlock()
		return
	}
	ranges := r.ackRangesLocked()
	r.pendingAck = false
	r.lastAckSent = time.Now()
	r.mu.Unlock()

	r.sendAck(ranges)
}

// ackRangesLocked computes AckRange spans covering everything in received
// plus the already-delivered prefix below nextExpected. Called with mu held.
func (r *Receiver) ackRangesLocked() []codec.AckRange {
	seqs := make([]uint64, 0, len(r.received)+1)
	if r.nextExpected > 1 {
		seqs = append(seqs, r.nextExpected-1)
	}
	for seq := range r.received {
		seqs = append(seqs, seq)
	}
	ranges := make([]codec.AckRange, len(seqs))
	for i, s := range seqs {
		ranges[i] = codec.AckRange{Start: s, End: s}
	}
	return codec.CoalesceRanges(ranges)
}

func (r *Receiver) sendAck(ranges []codec.AckRange) {
	if r.xmitAck == nil {
		return
	}
	frame, err := codec.EncodeAck(ranges)
	if err != nil {
		return
	}
	_ = r.xmitAck(frame)
}

// sweepLoop evicts stale buffered out-of-order frames and emits heartbeat
// ACKs, both on a 30s/5s cadence respectively, until Stop is called.
func (r *Receiver) sweepLoop() {
	ticker := time.NewTicker(AckCoalesceWindow * 10)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.evictStaleBuffer()
			r.maybeHeartbeat()
		}
	}
}

func (r *Receiver) evictStaleBuffer() {
	cutoff := time.Now().Add(-BufferEvictionAge)
	r.mu.Lock()
	for seq, bf := range r.buffer {
		if bf.receivedAt.Before(cutoff) {
			delete(r.buffer, seq)
		}
	}
	r.mu.Unlock()
}

func (r *Receiver) maybeHeartbeat() {
	r.mu.Lock()
	due := time.Since(r.lastAckSent) >= HeartbeatAckPeriod && len(r.received) > 0
	var ranges []codec.AckRange
	if due {
		ranges = r.ackRangesLocked()
		r.pendingAck = false
		r.lastAckSent = time.Now()
	}
	r.mu.Unlock()
	if due {
		r.sendAck(ranges)
	}
}

// NextExpected reports the next in-order sequence number the receiver is
// waiting for (1-indexed; 1 means nothing has been delivered yet).
func (r *Receiver) NextExpected() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextExpected
}
