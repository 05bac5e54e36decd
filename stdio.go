package cxp

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/google/uuid"
)

const stdIOReadChunkSize = 32 * 1024

// StdIO implements a byte-stream transport over stdin/stdout or similar
// io.Reader/io.Writer pairs. Records are newline-delimited JSON reassembled
// by a Codec, so reads may deliver partial frames and the session still
// yields only complete messages.
//
// It provides a single persistent session and can be used as either
// ServerTransport or ClientTransport. Proper initialization requires using
// the NewStdIO constructor function to create new instances.
//
// Resources must be properly released by calling Stop on the session when
// the StdIO instance is no longer needed.
type StdIO struct {
	sess   stdIOSession
	closed chan struct{}
}

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger
	codec  *Codec

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader
// and writer. The instance is initialized with default logging and required
// internal communication channels.
func NewStdIO(reader io.Reader, writer io.Writer) StdIO {
	return StdIO{
		sess: stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			codec:         NewCodec(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
}

// Sessions implements the ServerTransport interface by providing an iterator
// that yields a single persistent session. This session remains active
// throughout the lifetime of the StdIO instance.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		// StdIO only supports a single session, so we yield it and wait until it's done.
		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the
// session to end.
func (s StdIO) Shutdown(ctx context.Context) error {
	// Wait for the Sessions loop to break.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by initializing the
// single session and returning it.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	go s.sess.processWriteMessages()
	return s.sess, nil
}

func (s stdIOSession) ID() string {
	return s.id
}

func (s stdIOSession) Send(ctx context.Context, msg Message) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so writes from concurrent callers never interleave.
	select {
	case <-ctx.Done():
		s.logger.Error("failed to feed writeMessages channel", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while feeding writeMessages channel", slog.String("message", string(msgBs)))
		return nil
	case s.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("get error result from write", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		s.logger.Error("failed to wait for write result", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while waiting for write result", slog.String("message", string(msgBs)))
		return nil
	}
}

func (s stdIOSession) Messages() iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		defer close(s.readClosed)

		type chunkWithErr struct {
			chunk []byte
			err   error
		}

		buf := make([]byte, stdIOReadChunkSize)
		for {
			chunks := make(chan chunkWithErr)

			// Reads run on their own goroutine so the loop can still observe
			// the done channel while the reader blocks.
			go func() {
				n, err := s.reader.Read(buf)
				if err != nil {
					select {
					case chunks <- chunkWithErr{err: err}:
					default:
					}
					return
				}
				select {
				case chunks <- chunkWithErr{chunk: buf[:n]}:
				default:
				}
			}()

			var cwe chunkWithErr
			select {
			case <-s.done:
				return
			case cwe = <-chunks:
			}

			if cwe.err != nil {
				if errors.Is(cwe.err, io.EOF) {
					return
				}
				s.logger.Error("failed to read message", "err", cwe.err)
				return
			}

			for msg, err := range s.codec.Feed(cwe.chunk) {
				if err != nil {
					var framingErr *FramingError
					fatal := errors.As(err, &framingErr)
					if !yield(Message{}, err) {
						return
					}
					if fatal {
						// The stream is desynchronized; no frame boundary can
						// be trusted again.
						return
					}
					continue
				}
				if !yield(msg, nil) {
					return
				}
			}
		}
	}
}

func (s stdIOSession) Stop() {
	close(s.done)
	<-s.readClosed
	<-s.writeClosed
}

func (s stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process the write queue until the session is closed.
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
