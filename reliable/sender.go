package reliable

import (
	"sync"
	"time"

	"github.com/ratchethub/ratchethub/codec"
)

// Tuning constants, per spec.md §2/§8.
const (
	DefaultInitialTimeout    = 3000 * time.Millisecond
	DefaultMaxTimeout        = 30000 * time.Millisecond
	DefaultBackoff           = 1.5
	DefaultMaxAttempts       = 10
)

// PendingFrame mirrors spec.md §3's Pending (sender) entity.
type PendingFrame struct {
	Seq           uint64
	CachedFrame   []byte
	FirstSentAt   time.Time
	LastSentAt    time.Time
	Attempts      int
}

// SenderConfig controls retransmit timing.
type SenderConfig struct {
	InitialTimeout time.Duration
	MaxTimeout     time.Duration
	Backoff        float64
	MaxAttempts    int
}

// DefaultSenderConfig returns the spec.md-mandated defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		InitialTimeout: DefaultInitialTimeout,
		MaxTimeout:     DefaultMaxTimeout,
		Backoff:        DefaultBackoff,
		MaxAttempts:    DefaultMaxAttempts,
	}
}

func (c SenderConfig) timeout(attempts int) time.Duration {
	d := c.InitialTimeout
	for i := 0; i < attempts; i++ {
		d = time.Duration(float64(d) * c.Backoff)
		if d > c.MaxTimeout {
			return c.MaxTimeout
		}
	}
	return d
}

// Transmit hands an already-framed DATA frame to the downstream (crypto
// engine + channel driver) for encryption and transmission. The Sender
// caches the plaintext frame itself and passes it again on every
// retransmit, so each retransmit is encrypted afresh by the callee.
type Transmit func(seq uint64, frame []byte) error

// Sender assigns monotonic sequence numbers to outbound payloads and
// retransmits unacknowledged ones with exponential backoff, per spec.md §4.2.
type Sender struct {
	mu      sync.Mutex
	nextSeq uint64
	pending map[uint64]*PendingFrame
	paused  bool
	cfg     SenderConfig
	tq      *timerQueue
	xmit    Transmit
	onDrop  func(seq uint64)
}

// NewSender constructs a Sender. xmit is called for every initial send and
// every retransmit. onDrop, if non-nil, is invoked when a pending frame is
// abandoned after cfg.MaxAttempts transmissions in total (the initial send
// counts as the first).
func NewSender(xmit Transmit, onDrop func(seq uint64), cfg SenderConfig) *Sender {
	s := &Sender{
		nextSeq: 1,
		pending: make(map[uint64]*PendingFrame),
		cfg:     cfg,
		xmit:    xmit,
		onDrop:  onDrop,
	}
	s.tq = newTimerQueue(s.onTimerFire)
	s.tq.Start()
	return s
}

// Stop halts the retransmit timer goroutine.
func (s *Sender) Stop() {
	s.tq.Stop()
}

// Send assigns the next sequence number, encodes a DATA frame, transmits it,
// and tracks it for retransmission. Returns the assigned seq.
func (s *Sender) Send(payload []byte) (uint64, error) {
	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	frame := codec.EncodeData(seq, payload)
	now := time.Now()
	pf := &PendingFrame{
		Seq:         seq,
		CachedFrame: frame,
		FirstSentAt: now,
		LastSentAt:  now,
		Attempts:    0,
	}
	s.pending[seq] = pf
	paused := s.paused
	s.mu.Unlock()

	if !paused {
		if err := s.xmit(seq, frame); err != nil {
			return seq, err
		}
		s.scheduleRetransmit(pf)
	}
	return seq, nil
}

// timerFireToken identifies one scheduled retransmit attempt so a stale timer
// fire (superseded by a gap-inferred retransmit) can be recognized and
// ignored instead of double-retransmitting.
type timerFireToken struct {
	seq     uint64
	attempt int
}

func (s *Sender) scheduleRetransmit(pf *PendingFrame) {
	timeout := s.cfg.timeout(pf.Attempts)
	s.tq.Push(pf.LastSentAt.Add(timeout), timerFireToken{seq: pf.Seq, attempt: pf.Attempts})
}

// ProcessAck removes every pending frame whose seq is covered by ranges, and
// immediately retransmits (gap inference) any still-pending seq less than the
// highest acked seq: the peer has proven it holds higher sequence numbers but
// not this one.
func (s *Sender) ProcessAck(ranges []codec.AckRange) {
	ack := &codec.AckFrame{Ranges: ranges}
	max, ok := ack.Max()

	s.mu.Lock()
	for seq := range s.pending {
		if ack.Contains(seq) {
			delete(s.pending, seq)
		}
	}
	var toRetransmit []*PendingFrame
	if ok {
		for seq, pf := range s.pending {
			if seq < max {
				pf.Attempts++
				pf.LastSentAt = time.Now()
				toRetransmit = append(toRetransmit, pf)
			}
		}
	}
	paused := s.paused
	s.mu.Unlock()

	if paused {
		return
	}
	for _, pf := range toRetransmit {
		if pf.Attempts >= s.cfg.MaxAttempts {
			s.dropPending(pf.Seq)
			continue
		}
		_ = s.xmit(pf.Seq, pf.CachedFrame)
		s.scheduleRetransmit(pf)
	}
}

func (s *Sender) onTimerFire(value interface{}) {
	token := value.(timerFireToken)
	s.mu.Lock()
	pf, ok := s.pending[token.seq]
	if !ok || s.paused || pf.Attempts != token.attempt {
		// already acked, paused, or superseded by a gap-inferred retransmit
		s.mu.Unlock()
		return
	}
	pf.Attempts++
	attemptsExhausted := pf.Attempts >= s.cfg.MaxAttempts
	if !attemptsExhausted {
		pf.LastSentAt = time.Now()
	}
	s.mu.Unlock()

	if attemptsExhausted {
		s.dropPending(token.seq)
		return
	}
	_ = s.xmit(token.seq, pf.CachedFrame)
	s.scheduleRetransmit(pf)
}

func (s *Sender) dropPending(seq uint64) {
	s.mu.Lock()
	_, existed := s.pending[seq]
	delete(s.pending, seq)
	s.mu.Unlock()
	if existed && s.onDrop != nil {
		s.onDrop(seq)
	}
}

// Pause stops new retransmits from going out; already-scheduled timer fires
// become no-ops until Resume.
func (s *Sender) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-arms retransmission for all pending frames.
func (s *Sender) Resume() {
	s.mu.Lock()
	s.paused = false
	pending := make([]*PendingFrame, 0, len(s.pending))
	for _, pf := range s.pending {
		pending = append(pending, pf)
	}
	s.mu.Unlock()
	for _, pf := range pending {
		s.scheduleRetransmit(pf)
	}
}

// Reset clears all sender state (used on peer disconnect or resubscribe).
// It does not reset nextSeq: a fresh logical stream should construct a new
// Sender instead.
func (s *Sender) Reset() {
	s.mu.Lock()
	s.pending = make(map[uint64]*PendingFrame)
	s.mu.Unlock()
}

// PendingCount reports how many frames are awaiting acknowledgement.
func (s *Sender) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
