package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// StdIO implements Transport over an io.Reader/io.Writer pair, such as the stdout and stdin of a
// child process, or the two ends of an io.Pipe in tests.
//
// Writes are queued to a single writer goroutine, so concurrent callers never interleave partial
// frames. Reads use a bufio.Reader, so frames are not limited in size.
//
// Resources must be released by calling Close when the StdIO instance is no longer needed. Close
// also closes the reader and the writer when they implement io.Closer.
type StdIO struct {
	reader *bufio.Reader
	rawIn  io.Reader
	writer io.Writer
	logger *slog.Logger

	writeTimeout time.Duration

	writeMessages chan stdIOMessage
	done          chan struct{}
	writeClosed   chan struct{}

	readMu     sync.Mutex
	readEOF    bool
	pendingEOF bool

	closeOnce sync.Once
	closeErr  error
}

// StdIOOption represents the options for the StdIO.
type StdIOOption func(*StdIO)

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

var errStdIOClosed = errors.New("stdio transport closed")

// NewStdIO creates a new StdIO instance reading frames from reader and writing frames to writer.
// The writer goroutine is started immediately.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader:        bufio.NewReader(reader),
		rawIn:         reader,
		writer:        writer,
		logger:        slog.Default(),
		writeTimeout:  30 * time.Second,
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	go s.processWriteMessages()

	return s
}

// WithStdIOLogger sets the logger for the StdIO.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// WithStdIOWriteTimeout sets the maximum time a single Write may wait for the frame to be
// accepted by the writer. Zero disables the limit.
func WithStdIOWriteTimeout(timeout time.Duration) StdIOOption {
	return func(s *StdIO) {
		s.writeTimeout = timeout
	}
}

// Write queues frame to the writer goroutine and waits for the result. Frames must already carry
// their terminating newline; see EncodeMessage.
//
// The returned error is a *TransportError when the transport is closed or the underlying write
// failed, or the context error when ctx ends first.
func (s *StdIO) Write(ctx context.Context, frame []byte) error {
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	ioMsg := stdIOMessage{
		msg:  frame,
		errs: make(chan error, 1),
	}

	// Queue the message for the writer goroutine.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &TransportError{Op: "write", Err: errStdIOClosed}
	case s.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write frame", slog.String("err", err.Error()))
			return &TransportError{Op: "write", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &TransportError{Op: "write", Err: errStdIOClosed}
	}
}

// Read blocks until one complete frame is available and returns it without the trailing newline.
// Blank lines are skipped. When the peer closes its output Read returns io.EOF once; later calls
// return a *TransportError.
//
// A partial frame at the end of the stream is returned as is, and io.EOF is reported on the
// following call.
func (s *StdIO) Read() ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if s.readEOF {
			return nil, &TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
		}
		if s.pendingEOF {
			s.readEOF = true
			return nil, io.EOF
		}

		line, err := s.reader.ReadBytes('\n')
		if err == nil {
			line = trimFrame(line)
			if len(line) == 0 {
				continue
			}
			return line, nil
		}

		if errors.Is(err, io.EOF) {
			if line = trimFrame(line); len(line) > 0 {
				s.pendingEOF = true
				return line, nil
			}
			s.readEOF = true
			return nil, io.EOF
		}

		select {
		case <-s.done:
			// The reader was closed underneath us by Close.
			s.readEOF = true
			return nil, &TransportError{Op: "read", Err: errStdIOClosed}
		default:
		}
		return nil, &TransportError{Op: "read", Err: err}
	}
}

// Close stops the writer goroutine and closes the reader and writer when they are io.Closers.
// It is safe to call Close multiple times and from multiple goroutines.
func (s *StdIO) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		var errs []error
		if c, ok := s.writer.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close writer: %w", err))
			}
		}
		if c, ok := s.rawIn.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close reader: %w", err))
			}
		}
		// Closing the writer first unblocks a write stuck on a full pipe.
		<-s.writeClosed
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// closeWriter closes only the write side, so the peer observes end of input while frames it has
// already produced can still be read.
func (s *StdIO) closeWriter() error {
	c, ok := s.writer.(io.Closer)
	if !ok {
		return nil
	}
	return c.Close()
}

func (s *StdIO) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process writing the message queue until the transport is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

func trimFrame(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
