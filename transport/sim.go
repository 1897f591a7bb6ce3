package transport

import (
	"sync"
	"time"
)

// Responder computes the frames a simulated network sends back for one
// transmitted frame. Returning nil models a silent peer.
type Responder func(frame []byte) [][]byte

// Write is one call to WritePacketData as the Sim saw it.
type Write struct {
	At     time.Time
	Frame  []byte
	Failed bool
}

// Sim is an in-memory Handle. Every written frame is recorded and passed to
// the responder; its replies become readable in order.
type Sim struct {
	respond Responder
	poll    time.Duration

	mu        sync.Mutex
	sent      [][]byte
	writes    []Write
	inbox     [][]byte
	failLeft  int
	failErr   error
	sendFails int
	closed    bool

	notify chan struct{}
	done   chan struct{}
}

// NewSim returns a simulated handle driven by r. A nil responder never
// answers.
func NewSim(r Responder) *Sim {
	if r == nil {
		r = func([]byte) [][]byte { return nil }
	}
	return &Sim{
		respond: r,
		poll:    5 * time.Millisecond,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// FailSends makes the next n writes fail with err. A negative n fails every
// write from now on.
func (s *Sim) FailSends(n int, err error) {
	s.mu.Lock()
	s.failLeft = n
	s.failErr = err
	s.mu.Unlock()
}

func (s *Sim) WritePacketData(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	w := Write{At: time.Now(), Frame: copyFrame(frame)}
	if s.failLeft != 0 {
		if s.failLeft > 0 {
			s.failLeft--
		}
		s.sendFails++
		w.Failed = true
		s.writes = append(s.writes, w)
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	s.writes = append(s.writes, w)
	s.sent = append(s.sent, w.Frame)
	s.mu.Unlock()

	replies := s.respond(copyFrame(frame))
	for _, r := range replies {
		s.Inject(r)
	}
	return nil
}

// Inject queues a frame for the reader as if it had arrived on the wire.
func (s *Sim) Inject(frame []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inbox = append(s.inbox, copyFrame(frame))
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sim) ReadPacketData() ([]byte, error) {
	timer := time.NewTimer(s.poll)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if len(s.inbox) > 0 {
			f := s.inbox[0]
			s.inbox[0] = nil
			s.inbox = s.inbox[1:]
			s.mu.Unlock()
			return f, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return nil, ErrClosed
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Sent returns copies of every frame written successfully so far.
func (s *Sim) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Writes returns every write attempted before Close, failed ones included,
// in call order.
func (s *Sim) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// SendFailures counts writes rejected by FailSends.
func (s *Sim) SendFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendFails
}

// Closed reports whether Close has been called.
func (s *Sim) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
