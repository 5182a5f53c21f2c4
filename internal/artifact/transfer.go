package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/alfredjeanlab/dealroom/internal/metrics"
	"github.com/alfredjeanlab/dealroom/internal/model"
)

// Progress is called as bytes are sent. It may be called from another
// goroutine and must not block.
type Progress func(sent, total int64)

// Transferer writes archive bytes to the URL of an upload handle.
type Transferer struct {
	HTTP    *http.Client
	Metrics *metrics.Metrics
}

// Put sends size bytes from body to h. Any non-2xx answer is a
// *model.TransportError; nothing is committed by Put itself.
func (t *Transferer) Put(ctx context.Context, h *model.UploadHandle, body io.Reader, size int64, progress Progress) error {
	method := h.Method
	if method == "" {
		method = http.MethodPut
	}
	pr := &progressReader{r: io.LimitReader(body, size), total: size, fn: progress}
	req, err := http.NewRequestWithContext(ctx, method, h.UploadURL, pr)
	if err != nil {
		return fmt.Errorf("creating transfer request: %w", err)
	}
	req.ContentLength = size
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	hc := t.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	t.Metrics.Transferred(pr.sent.Load())
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return &model.TransportError{Op: "artifact transfer", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &model.TransportError{
			Op:     "artifact transfer",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("storage answered %s", resp.Status),
		}
	}
	if got := pr.sent.Load(); got != size {
		return &model.TransportError{Op: "artifact transfer", Err: fmt.Errorf("sent %d of %d bytes", got, size)}
	}
	return nil
}

type progressReader struct {
	r     io.Reader
	sent  atomic.Int64
	total int64
	fn    Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		sent := p.sent.Add(int64(n))
		if p.fn != nil {
			p.fn(sent, p.total)
		}
	}
	return n, err
}
