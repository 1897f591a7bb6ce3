package scanner

import (
	"context"
	"errors"
	"time"

	"recon/codec"
	"recon/transport"
)

// receive decodes captured frames and hands replies to the owner until ctx
// ends. Malformed frames are counted and dropped; a link that keeps failing
// is reported on recvErr.
func (s *Session) receive(ctx context.Context) {
	dec := codec.NewDecoder(s.opts.PortBase, s.opts.PoolSize, s.enc.EchoIdent, s.local)
	failures := 0
	for ctx.Err() == nil {
		frame, err := s.handle.ReadPacketData()
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, transport.ErrClosed):
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		default:
			failures++
			if failures > s.opts.MaxSendRetries {
				s.fail(err)
				return
			}
			backoff := s.opts.SendBackoff << (failures - 1)
			s.log.Warn("receive failed", "attempt", failures, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		at := time.Now()
		s.stats.received.Add(1)
		reply, err := dec.Decode(frame)
		if err != nil {
			if errors.Is(err, codec.ErrMalformedPacket) {
				s.stats.malformed.Add(1)
				s.log.Debug("dropping malformed frame", "len", len(frame), "error", err)
			}
			continue
		}
		if reply.Outcome == codec.OutcomeTimeExceeded {
			// Hop reports only matter to traces.
			continue
		}

		select {
		case s.replyCh <- inbound{reply: reply, at: at}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) fail(err error) {
	select {
	case s.recvErr <- err:
	default:
	}
}
