// Package console is the host side of the guest console: the PutChar and
// GetChar hypercalls end up here.
package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Console is a byte-at-a-time terminal. Neither method blocks the guest.
type Console interface {
	PutChar(b byte)

	// GetChar returns the next input byte, or false if there is none yet.
	GetChar() (byte, bool)
}

// Pumper is a console that needs a goroutine to move input.
type Pumper interface {
	Pump(ctx context.Context) error
}

// Stream is a console over a reader and a writer, such as stdin and stdout.
// Input is queued by Pump.
type Stream struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex
	queue  []byte
	outErr error
}

func (s *Stream) PutChar(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Out == nil || s.outErr != nil {
		return
	}

	if _, err := s.Out.Write([]byte{b}); err != nil {
		slog.Error("console write", "err", err)
		s.outErr = err
	}
}

func (s *Stream) GetChar() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return 0, false
	}

	b := s.queue[0]
	s.queue = s.queue[1:]
	return b, true
}

// Err returns the first output error. Output stops after an error.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outErr
}

// Pump queues input from In until In reaches EOF or ctx is done. A read that
// is blocked when ctx is done is abandoned, not interrupted.
func (s *Stream) Pump(ctx context.Context) error {
	if s.In == nil {
		return nil
	}

	type chunk struct {
		b   []byte
		err error
	}

	ch := make(chan chunk)
	go func() {
		for {
			buf := make([]byte, 256)
			n, err := s.In.Read(buf)

			select {
			case ch <- chunk{buf[:n], err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-ch:
			s.mu.Lock()
			s.queue = append(s.queue, c.b...)
			s.mu.Unlock()

			if errors.Is(c.err, io.EOF) {
				return nil
			}

			if c.err != nil {
				return c.err
			}
		}
	}
}

// Buffer is an in-memory console.
type Buffer struct {
	mu  sync.Mutex
	out bytes.Buffer
	in  []byte
}

// NewBuffer returns a console whose input is in.
func NewBuffer(in string) *Buffer {
	return &Buffer{in: []byte(in)}
}

func (b *Buffer) PutChar(c byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out.WriteByte(c)
}

func (b *Buffer) GetChar() (byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.in) == 0 {
		return 0, false
	}

	c := b.in[0]
	b.in = b.in[1:]
	return c, true
}

// String returns everything written so far.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.String()
}

// Discard is a console with no input that drops its output.
var Discard Console = discard{}

type discard struct{}

func (discard) PutChar(byte)          {}
func (discard) GetChar() (byte, bool) { return 0, false }
