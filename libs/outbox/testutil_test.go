package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

type appended struct {
	stream string
	values map[string]any
}

// fakeTransport records appends and fails streams matching a suffix rule.
type fakeTransport struct {
	mu       sync.Mutex
	entries  []appended
	failWhen func(stream string) bool
}

var errTransportDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (f *fakeTransport) Append(_ context.Context, stream string, values map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWhen != nil && f.failWhen(stream) {
		return "", errTransportDown
	}
	f.entries = append(f.entries, appended{stream: stream, values: values})
	return "1-0", nil
}

func (f *fakeTransport) on(stream string) []appended {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []appended
	for _, e := range f.entries {
		if e.stream == stream {
			out = append(out, e)
		}
	}
	return out
}

func primaryDown(stream string) bool { return !strings.HasSuffix(stream, ".dlq") }

func everythingDown(string) bool { return true }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stallingTransport blocks every append until its context ends, like a
// blackholed Redis.
type stallingTransport struct {
	calls atomic.Int32
}

func (s *stallingTransport) Append(ctx context.Context, _ string, _ map[string]any) (string, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return "", ctx.Err()
}

// gatedTransport holds the first append until release is closed.
type gatedTransport struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedTransport) Append(ctx context.Context, _ string, _ map[string]any) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return "1-0", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
