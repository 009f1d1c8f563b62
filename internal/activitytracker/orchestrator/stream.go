package orchestrator

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var ErrReadTimeout = errors.New("no log data received within read timeout")

// idleTimeoutStream closes the underlying body once no bytes have been read for timeout.
type idleTimeoutStream struct {
	body     io.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	timedOut int32
	once     sync.Once
	release  func()
}

func newIdleTimeoutStream(body io.ReadCloser, timeout time.Duration, release func()) *idleTimeoutStream {
	s := &idleTimeoutStream{
		body:    body,
		timeout: timeout,
		release: release,
	}
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			atomic.StoreInt32(&s.timedOut, 1)
			_ = s.Close()
		})
	}
	return s
}

func (s *idleTimeoutStream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 && s.timer != nil {
		s.timer.Reset(s.timeout)
	}
	if err != nil && atomic.LoadInt32(&s.timedOut) == 1 {
		return n, ErrReadTimeout
	}
	return n, err
}

func (s *idleTimeoutStream) Close() error {
	var err error
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		err = s.body.Close()
		s.release()
	})
	return err
}
