package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const readBufferSize = 32 * 1024

type Request struct {
	Backend string
	URL     string
	Header  http.Header
	Body    any
	Format  Format
}

// Stream is a lazy, finite, non-restartable sequence of events read from one
// upstream reply. It is not safe for concurrent use.
type Stream struct {
	ctx      context.Context
	backend  string
	body     io.ReadCloser
	dec      *Decoder
	buf      []byte
	queue    []Event
	eof      bool
	finished bool
	closed   bool
	onFinish func(error)
}

func NewStream(ctx context.Context, backend string, body io.ReadCloser, format Format) *Stream {
	return &Stream{
		ctx:     ctx,
		backend: backend,
		body:    body,
		dec:     NewDecoder(format),
		buf:     make([]byte, readBufferSize),
	}
}

// Open posts req and returns the reply stream. The caller's context deadline
// bounds the whole exchange including body reads.
func Open(ctx context.Context, client *http.Client, req Request) (*Stream, error) {
	if client == nil {
		client = http.DefaultClient
	}
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Format == FormatSSE {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/x-ndjson")
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			Backend:    req.Backend,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	return NewStream(ctx, req.Backend, resp.Body, req.Format), nil
}

// OnFinish registers fn to learn how the reply ended: nil after the terminal
// event, the read error on a transport failure, or context.Canceled when the
// stream is closed early. fn runs at most once.
func (s *Stream) OnFinish(fn func(error)) {
	s.onFinish = fn
}

func (s *Stream) finish(err error) {
	if fn := s.onFinish; fn != nil {
		s.onFinish = nil
		fn(err)
	}
}

// Next returns the next event. The terminal event has Done set; every call
// after it returns io.EOF. A reply that ends without a terminal marker is
// closed with a synthesized terminal event carrying the accumulated text.
func (s *Stream) Next() (Event, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			if ev.Done {
				s.finished = true
				s.queue = nil
				s.finish(nil)
				_ = s.Close()
			}
			return ev, nil
		}
		if s.finished {
			return Event{}, io.EOF
		}
		if s.eof {
			s.finished = true
			s.finish(nil)
			_ = s.Close()
			return Event{Text: s.dec.Text(), Done: true}, nil
		}
		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.queue = append(s.queue, s.dec.Feed(s.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.queue = append(s.queue, s.dec.Flush()...)
				s.eof = true
				continue
			}
			s.finished = true
			err = ClassifyTransportError(s.ctx, err)
			s.finish(err)
			_ = s.Close()
			return Event{}, err
		}
	}
}

// Text is the output accumulated so far.
func (s *Stream) Text() string {
	return s.dec.Text()
}

func (s *Stream) Skipped() int {
	return s.dec.Skipped()
}

func (s *Stream) Close() error {
	s.finish(context.Canceled)
	if s.closed || s.body == nil {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
