package sshmux

import (
	"context"
	"time"
)

// channelReadable reports whether a read on the channel would make
// progress right now: buffered data, a pending clean EOF, or a session
// whose error the read would surface.
func channelReadable(ch *Channel) bool {
	return ch.stdout.Len() > 0 || ch.stderr.Len() > 0 ||
		ch.remoteEOF || ch.state == ChannelClosed || !ch.session.IsAlive()
}

// selectPass collects the channels that are readable without any I/O.
func selectPass(channels []*Channel) []*Channel {
	var ready []*Channel
	for _, ch := range channels {
		if channelReadable(ch) {
			ready = append(ready, ch)
		}
	}
	return ready
}

// Select waits until at least one of the given channels is readable and
// returns the readable subset. The first pass is a zero-timeout sweep
// over already-buffered channel data with no transport wait at all:
// application data can be ready even when the sockets have nothing new.
// Only when that pass comes up empty does Select fall back to driving
// the sessions against their transports.
//
// A nil ctx is treated as context.Background. Cancellation returns
// ErrInterrupted and a deadline expiry returns ErrTimeout; both are
// retryable and neither disturbs any session.
func Select(ctx context.Context, channels []*Channel, timeout time.Duration) ([]*Channel, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ready := selectPass(channels); len(ready) > 0 {
		return ready, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ErrInterrupted
		default:
		}

		// Drive each distinct session once without blocking. Pump
		// errors surface through the readable sweep: a dead session's
		// channels report readable and the read returns its error.
		seen := make(map[*Session]bool)
		var sessions []*Session
		for _, ch := range channels {
			if !seen[ch.session] {
				seen[ch.session] = true
				sessions = append(sessions, ch.session)
				if ch.session.IsAlive() {
					_ = ch.session.processOnce()
				}
			}
		}

		if ready := selectPass(channels); len(ready) > 0 {
			return ready, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		alive := 0
		for _, s := range sessions {
			if s.IsAlive() {
				alive++
			}
		}
		if alive == 0 {
			// Nothing left to wait on and nothing readable.
			return nil, ErrTimeout
		}

		// Split the wait across the live transports so one quiet
		// session cannot starve the others.
		slice := remaining
		if max := sessions[0].opts.PollInterval; slice > max {
			slice = max
		}
		slice /= time.Duration(alive)
		if slice <= 0 {
			slice = time.Millisecond
		}
		for _, s := range sessions {
			if !s.IsAlive() {
				continue
			}
			if err := s.transport.WaitReadable(slice); err == nil {
				break
			}
		}
	}
}
