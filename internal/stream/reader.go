// Package stream turns one response body into a lazy sequence of decoded
// text fragments.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const defaultChunkSize = 4 << 10

// ErrCancelled is returned once the reader's context has been cancelled.
var ErrCancelled = errors.New("stream cancelled")

// ErrDecode marks a chunk that could not be decoded as UTF-8.
var ErrDecode = errors.New("fragment decode failed")

// TransportError wraps a failure of the underlying body.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("stream transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

type Option func(*Reader)

func WithChunkSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.buf = make([]byte, n)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Reader) { r.log = l }
}

// Reader is single use: once it reports a terminal result it keeps
// reporting it.
type Reader struct {
	ctx  context.Context
	body io.ReadCloser
	buf  []byte
	log  zerolog.Logger

	carry    []byte
	terminal error
	stop     func() bool
	once     sync.Once
}

func NewReader(ctx context.Context, body io.ReadCloser, opts ...Option) *Reader {
	r := &Reader{
		ctx:  ctx,
		body: body,
		buf:  make([]byte, defaultChunkSize),
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	// Closing the body is what unblocks a read that is waiting on the network.
	r.stop = context.AfterFunc(ctx, func() { _ = body.Close() })
	return r
}

// Next returns the next fragment, io.EOF at end of stream, ErrCancelled
// after cancellation, or a *TransportError.
func (r *Reader) Next() (string, error) {
	for r.terminal == nil {
		if err := r.ctx.Err(); err != nil {
			r.finish(ErrCancelled)
			break
		}
		n, err := r.body.Read(r.buf)
		if n > 0 {
			frag, decErr := r.decode(r.buf[:n])
			if decErr != nil {
				r.log.Error().Err(decErr).Int("bytes", n).Msg("skipping undecodable stream fragment")
			} else if frag != "" {
				if err != nil {
					r.settle(err)
				}
				return frag, nil
			}
		}
		if err != nil {
			r.settle(err)
		}
	}
	return "", r.terminal
}

// All yields fragments in arrival order. A clean end of stream ends the
// sequence without an error; any other terminal result is yielded once.
func (r *Reader) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			frag, err := r.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", err)
				}
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

// Close releases the body. Safe to call more than once.
func (r *Reader) Close() error {
	r.finish(ErrCancelled)
	return nil
}

func (r *Reader) settle(err error) {
	switch {
	case r.ctx.Err() != nil:
		r.finish(ErrCancelled)
	case errors.Is(err, io.EOF):
		if len(r.carry) > 0 {
			r.log.Error().Int("bytes", len(r.carry)).Msg("dropping truncated trailing character")
			r.carry = nil
		}
		r.finish(io.EOF)
	default:
		r.finish(&TransportError{Err: err})
	}
}

func (r *Reader) finish(err error) {
	if r.terminal == nil {
		r.terminal = err
	}
	r.once.Do(func() {
		r.stop()
		_ = r.body.Close()
	})
}

// decode returns the complete UTF-8 prefix of carry+chunk and keeps any
// incomplete trailing sequence for the next chunk.
func (r *Reader) decode(chunk []byte) (string, error) {
	data := chunk
	if len(r.carry) > 0 {
		data = append(r.carry, chunk...)
		r.carry = nil
	}

	cut := len(data)
	for i := 1; i <= utf8.UTFMax-1 && i <= len(data); i++ {
		b := data[len(data)-i]
		if !utf8.RuneStart(b) {
			continue
		}
		if !utf8.FullRune(data[len(data)-i:]) {
			cut = len(data) - i
		}
		break
	}
	if cut < len(data) {
		r.carry = append([]byte(nil), data[cut:]...)
		data = data[:cut]
	}
	if !utf8.Valid(data) {
		return "", ErrDecode
	}
	return string(data), nil
}
