package upstream

import (
	"context"
	"io"
	"sync"
)

// streamReader adapts the streaming channel to a pull-based io.ReadCloser.
// Each Read blocks until the next fragment arrives; Close cancels the
// upstream request and releases the connection.
type streamReader struct {
	cancel  context.CancelFunc
	results <-chan StreamResult

	buf       []byte
	err       error
	closeOnce sync.Once
}

// Reader sends the request with streaming enabled and returns the
// concatenated text deltas as a lazy byte stream. The stream ends with
// io.EOF after the terminal chunk; a mid-stream failure surfaces as the
// error of the Read that hit it, and subsequent Reads repeat it.
func (c *client) Reader(ctx context.Context, req *ChatRequest) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	results, err := c.StreamCompletion(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	return &streamReader{
		cancel:  cancel,
		results: results,
	}, nil
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}

		res, ok := <-r.results
		if !ok {
			r.err = io.EOF
			return 0, io.EOF
		}
		if res.Err != nil {
			r.err = res.Err
			return 0, res.Err
		}
		r.buf = res.Fragment
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Close cancels the upstream request. The producer goroutine exits on
// cancellation, so draining here cannot block for long.
func (r *streamReader) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		for range r.results {
		}
		if r.err == nil {
			r.err = io.ErrClosedPipe
		}
	})
	return nil
}
