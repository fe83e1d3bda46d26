package session

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/internal/protocol"
	"github.com/gosuda/portal-chat/internal/transport"
)

// send writes f to the server, or parks it in the outbox when the session is
// not registered on a live connection. Parked frames go out in order after
// the next register_success.
func (s *Session) send(f protocol.Frame) error {
	if s.registered {
		err := s.out.Send(f)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrNotConnected) && !errors.Is(err, transport.ErrSendBuffer) {
			return err
		}
		log.Debug().Err(err).Str("type", f.FrameType()).Msg("send deferred")
	}
	s.park(f)
	return nil
}

func (s *Session) park(f protocol.Frame) {
	s.outbox = append(s.outbox, f)
	if over := len(s.outbox) - s.opts.OutboxSize; over > 0 {
		log.Warn().Int("dropped", over).Msg("outbox full, dropping oldest frames")
		s.outbox = s.outbox[over:]
	}
	s.gaugeOutbox()
}

func (s *Session) flushOutbox() {
	for len(s.outbox) > 0 {
		f := s.outbox[0]
		if err := s.out.Send(f); err != nil {
			if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrSendBuffer) {
				break
			}
			log.Warn().Err(err).Str("type", f.FrameType()).Msg("drop parked frame")
		}
		s.outbox = s.outbox[1:]
	}
	if len(s.outbox) == 0 {
		s.outbox = nil
	}
	s.gaugeOutbox()
}

func (s *Session) gaugeOutbox() {
	if s.opts.Metrics != nil {
		s.opts.Metrics.OutboxDepth.Set(float64(len(s.outbox)))
	}
}
