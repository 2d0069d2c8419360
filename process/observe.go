package process

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

const stderrChunkSize = 4096

// stderrDrainTimeout bounds how long stderr is read after the process has exited.
// A leftover grandchild may hold the write end open indefinitely.
const stderrDrainTimeout = 250 * time.Millisecond

type subscription struct {
	once sync.Once
	done chan struct{}
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

type waitResult struct {
	code int
	err  error
}

// Observe is the default Observer.
// It emits StderrEvent chunks while the process runs, then a single ExitEvent or ErrorEvent from Wait.
// Stderr is drained for a short while after exit and closed once the subscription ends.
var Observe Observer = observe

func observe(h Handle, fn func(Event)) Subscription {
	sub := &subscription{done: make(chan struct{})}
	events := make(chan Event)

	go func() {
		defer close(events)
		send := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-sub.done:
				return false
			}
		}

		stop := make(chan struct{})
		defer close(stop)

		var chunks chan []byte
		var readErr error
		if stderr := h.Stderr(); stderr != nil {
			if c, ok := stderr.(io.Closer); ok {
				defer c.Close()
			}
			chunks = make(chan []byte)
			go func() {
				defer close(chunks)
				buf := make([]byte, stderrChunkSize)
				for {
					n, err := stderr.Read(buf)
					if n > 0 {
						data := make([]byte, n)
						copy(data, buf[:n])
						select {
						case chunks <- data:
						case <-stop:
							return
						}
					}
					if err != nil {
						// a closed pipe means someone else released the stream, the exit status still comes from Wait
						if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
							readErr = err
						}
						return
					}
				}
			}()
		}

		waited := make(chan waitResult, 1)
		go func() {
			code, err := h.Wait()
			waited <- waitResult{code: code, err: err}
		}()

		final := func(res waitResult) {
			if res.err != nil {
				send(ErrorEvent{Err: res.err})
				return
			}
			send(ExitEvent{ExitCode: res.code})
		}

		var exited *waitResult
		var drain <-chan time.Time
		for {
			select {
			case data, ok := <-chunks:
				if !ok {
					chunks = nil
					if readErr != nil {
						send(ErrorEvent{Err: readErr})
						return
					}
					if exited != nil {
						final(*exited)
						return
					}
					continue
				}
				if !send(StderrEvent{Data: data}) {
					return
				}
			case res := <-waited:
				if chunks == nil {
					final(res)
					return
				}
				exited = &res
				timer := time.NewTimer(stderrDrainTimeout)
				defer timer.Stop()
				drain = timer.C
			case <-drain:
				final(*exited)
				return
			case <-sub.done:
				return
			}
		}
	}()

	go func() {
		for ev := range events {
			if sub.active() {
				fn(ev)
			}
		}
	}()

	return sub
}
