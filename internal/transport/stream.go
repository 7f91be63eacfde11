package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aristath/taskrelay/internal/task"
	"github.com/gorilla/websocket"
)

// streamBuffer bounds the frames held between the socket reader and the
// consumer. A full buffer stops the reader, which applies backpressure on
// the socket.
const streamBuffer = 16

// Stream is a finite sequence of task updates. It ends after a final frame,
// on an error, or when the context used to open it is canceled.
type Stream struct {
	conn   *websocket.Conn
	frames chan StreamFrame
	done   chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func newStream(ctx context.Context, conn *websocket.Conn, c *Client) *Stream {
	s := &Stream{
		conn:   conn,
		frames: make(chan StreamFrame, streamBuffer),
		done:   make(chan struct{}),
	}
	go s.read(ctx, c)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

// Frames returns the update channel. It is closed when the stream ends.
func (s *Stream) Frames() <-chan StreamFrame {
	return s.frames
}

// Err returns why the stream ended early, or nil after a final frame.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream and releases the connection.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Wait drains the stream and returns the last task snapshot, which is final
// unless an error is returned. onFrame, when non-nil, sees every frame.
func (s *Stream) Wait(onFrame func(StreamFrame)) (*task.Task, error) {
	var last *task.Task
	for f := range s.frames {
		if onFrame != nil {
			onFrame(f)
		}
		if f.Task != nil {
			last = f.Task
		}
	}
	if err := s.Err(); err != nil {
		return last, err
	}
	if last == nil {
		return nil, fmt.Errorf("%w: stream ended without a task", ErrProtocolViolation)
	}
	return last, nil
}

func (s *Stream) read(ctx context.Context, c *Client) {
	defer close(s.frames)
	defer s.Close()

	for {
		var f StreamFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.fail(c, ctx, err)
			return
		}

		if f.Kind == FrameError {
			s.setErr(c.record(fmt.Errorf("%w: %s", ErrBadRequest, f.Error)))
			return
		}
		if f.Task == nil {
			s.setErr(c.record(fmt.Errorf("%w: %s frame without task", ErrProtocolViolation, f.Kind)))
			return
		}
		if err := f.Task.Validate(); err != nil {
			s.setErr(c.record(fmt.Errorf("%w: %w", ErrProtocolViolation, err)))
			return
		}

		select {
		case s.frames <- f:
		case <-s.done:
			s.setErr(unavailable(ctx, errors.New("stream closed")))
			return
		}

		if f.Final {
			c.record(nil)
			return
		}
	}
}

// fail classifies a read error. Decoding problems are protocol violations;
// everything else means the connection went away before a final frame.
func (s *Stream) fail(c *Client, ctx context.Context, err error) {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		s.setErr(c.record(fmt.Errorf("%w: undecodable frame: %w", ErrProtocolViolation, err)))
		return
	}
	s.setErr(c.record(unavailable(ctx, err)))
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
