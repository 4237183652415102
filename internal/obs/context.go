package obs

import (
	"context"
	"sort"
	"sync"
)

// requestMeta is a mutable per-request record. Outer middleware installs it
// so values learned deeper in the chain (the matched route, the caller) are
// still visible when the outer layer logs or records metrics.
type requestMeta struct {
	mu     sync.Mutex
	route  string
	fields map[string]string
}

type requestMetaKey struct{}

func metaFrom(ctx context.Context) *requestMeta {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(requestMetaKey{}).(*requestMeta)
	return m
}

func ensureMeta(ctx context.Context) (context.Context, *requestMeta) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m := metaFrom(ctx); m != nil {
		return ctx, m
	}
	m := &requestMeta{}
	return context.WithValue(ctx, requestMetaKey{}, m), m
}

// WithRoutePattern records the matched router pattern for the request.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	ctx, m := ensureMeta(ctx)
	m.mu.Lock()
	m.route = pattern
	m.mu.Unlock()
	return ctx
}

func RoutePatternFromContext(ctx context.Context) string {
	m := metaFrom(ctx)
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route
}

// Annotate attaches a field to the request log line. It is a no-op outside
// an instrumented request.
func Annotate(ctx context.Context, key, value string) {
	m := metaFrom(ctx)
	if m == nil || key == "" || value == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fields == nil {
		m.fields = make(map[string]string, 4)
	}
	m.fields[key] = value
}

type annotation struct{ key, value string }

func annotations(ctx context.Context) []annotation {
	m := metaFrom(ctx)
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]annotation, 0, len(m.fields))
	for k, v := range m.fields {
		out = append(out, annotation{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
