package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// scriptedClient replies per model from a queue of canned outcomes; the last
// outcome repeats once the queue is drained.
type scriptedClient struct {
	mu      sync.Mutex
	script  map[string][]outcome
	calls   []string
	maxSeen int32
	active  int32
	delay   time.Duration
}

type outcome struct {
	text      string
	truncated bool
	err       error
}

func (c *scriptedClient) Generate(ctx context.Context, req Request) (*Response, error) {
	n := atomic.AddInt32(&c.active, 1)
	defer atomic.AddInt32(&c.active, -1)
	for {
		seen := atomic.LoadInt32(&c.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&c.maxSeen, seen, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	c.calls = append(c.calls, req.Model)
	queue := c.script[req.Model]
	var o outcome
	switch len(queue) {
	case 0:
		o = outcome{err: fmt.Errorf("no script for %s: %w", req.Model, ErrTransient)}
	case 1:
		o = queue[0]
	default:
		o = queue[0]
		c.script[req.Model] = queue[1:]
	}
	c.mu.Unlock()

	if !req.StructuredOutput {
		return nil, errors.New("structured output must be forced")
	}
	if o.err != nil {
		return nil, o.err
	}
	return &Response{Text: o.text, Truncated: o.truncated}, nil
}

func (c *scriptedClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestGateway(client Client, sleeps *sleepRecorder, exhausted *ExhaustedSet) *Gateway {
	return New(client, Config{
		Retry:     RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, Sleep: sleeps.Sleep},
		Fallback:  FallbackPolicy{Models: []string{"B", "C"}},
		Exhausted: exhausted,
		Logger:    discardLogger(),
	})
}

func quotaErr() error {
	return fmt.Errorf("429 RESOURCE_EXHAUSTED: %w", ErrQuotaExhausted)
}

func TestInvoke_Success(t *testing.T) {
	client := &scriptedClient{script: map[string][]outcome{
		"A": {{text: "Sure: {\"ok\": true}"}},
	}}
	g := newTestGateway(client, &sleepRecorder{}, NewExhaustedSet())

	res, err := g.Invoke(context.Background(), Invocation{Prompt: "p", Model: "A"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Model != "A" || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
	if diff := cmp.Diff(map[string]any{"ok": true}, res.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestInvoke_SkipsPreExhaustedModel(t *testing.T) {
	exhausted := NewExhaustedSet()
	exhausted.Add("A")
	client := &scriptedClient{script: map[string][]outcome{
		"A": {{text: `{"from": "A"}`}},
		"B": {{text: `{"from": "B"}`}},
	}}
	g := newTestGateway(client, &sleepRecorder{}, exhausted)

	res, err := g.Invoke(context.Background(), Invocation{Prompt: "p", Model: "A"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if calls := client.Calls(); len(calls) == 0 || calls[0] != "B" {
		t.Fatalf("first attempted model = %v, want B", calls)
	}
	if res.Model != "B" {
		t.Errorf("model = %s, want B", res.Model)
	}
}

func TestInvoke_QuotaRecordsAndFallsBack(t *testing.T) {
	exhausted := NewExhaustedSet()
	client := &scriptedClient{script: map[string][]outcome{
		"A": {{err: quotaErr()}},
		"B": {{text: `{"from": "B"}`}},
	}}
	sleeps := &sleepRecorder{}
	g := newTestGateway(client, sleeps, exhausted)

	res, err := g.Invoke(context.Background(), Invocation{Prompt: "p", Model: "A"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Model != "B" {
		t.Errorf("model = %s, want B", res.Model)
	}
	if diff := cmp.Diff([]string{"A", "B"}, client.Calls()); diff != "" {
		t.Errorf("quota must stop retries on A (-want +got):\n%s", diff)
	}
	if !exhausted.Contains("A") {
		t.Error("A must be recorded as exhausted")
	}
	if len(sleeps.delays) != 0 {
		t.Errorf("no backoff expected, got %v", sleeps.delays)
	}
}

func TestInvoke_MalformedRetriesThenFallsBackWithoutRecording(t *testing.T) {
	exhausted := NewExhaustedSet()
	client := &scriptedClient{script: map[string][]outcome{
		"A": {{text: "no json here"}},
		"B": {{text: `{"from": "B"}`}},
	}}
	sleeps := &sleepRecorder{}
	g := newTestGateway(client, sleeps, exhausted)

	res, err := g.Invoke(context.Background(), Invocation{Prompt: "p", Model: "A"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Model != "B" {
		t.Errorf("model = %s, want B", res.Model)
	}
	want := []string{"A", "A", "A", "A", "A", "B"}
	if diff := cmp.Diff(want, client.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if exhausted.Contains("A") {
		t.Error("non-quota failures must not be recorded as exhausted")
	}
	wantDelays := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
	if diff := cmp.Diff(wantDelays, sleeps.delays); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
}

func TestInvoke_ValidatorRejectionIsRetried(t *testing.T) {
	client := &scriptedClient{script: map[string][]outcome{
		"A": {{text: `{"other": 1}`}, {text: `{"data": 1}`}},
	}}
	g := newTestGateway(client, &sleepRecorder{}, NewExhaustedSet())

	validate := func(m map[string]any) error {
		if _, ok := m["data"]; !ok {
			return errors.New("payload is missing required keys: data")
		}
		return nil
	}
	res, err := g.Invoke(context.Background(), Invocation{Prompt: "p", Model: "A", Validate: validate})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
}

func TestInvoke_TruncatedResponseIsSalvaged(t *testing.T) {
	client := &scriptedClient{script: map[string][]outcome{
		"A": {{text: `{"partial": 1} {"cut": `, truncated: true}},
	}}
	g := newTestGateway(client, &sleepRecorder{}, NewExhaustedSet())

	res, err := g.Invoke(context.Background(), Invocation{Prompt: "p", Model: "A"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.Truncated {
		t.Error("result must be flagged as truncated")
	}
	if diff := cmp.Diff(map[string]any{"partial": float64(1)}, res.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestInvoke_AllModelsFail(t *testing.T) {
	exhausted := NewExhaustedSet()
	exhausted.Add("C")
	client := &scriptedClient{script: map[string][]outcome{
		"A": {{err: quotaErr()}},
		"B": {{err: fmt.Errorf("503: %w", ErrTransient)}},
	}}
	g := newTestGateway(client, &sleepRecorder{}, exhausted)

	_, err := g.Invoke(context.Background(), Invocation{Prompt: "p", Model: "A"})
	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want *ExhaustedError", err)
	}
	if len(ee.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(ee.Attempts))
	}
	if ee.Attempts[0].Kind != KindQuota || ee.Attempts[1].Kind != KindTransient {
		t.Errorf("kinds = %s, %s", ee.Attempts[0].Kind, ee.Attempts[1].Kind)
	}
	if diff := cmp.Diff([]string{"C"}, ee.Skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Error("ExhaustedError must unwrap to the attempt failures")
	}

	diag := ee.Diagnostic()
	for _, want := range []string{"VIRHE", "A", "B", "C", "quota", "transient"} {
		if !strings.Contains(diag, want) {
			t.Errorf("diagnostic missing %q:\n%s", want, diag)
		}
	}
}

func TestInvoke_CancelledContext(t *testing.T) {
	client := &scriptedClient{script: map[string][]outcome{
		"A": {{err: fmt.Errorf("503: %w", ErrTransient)}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	g := New(client, Config{
		Retry: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Sleep: func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}},
		Fallback:  FallbackPolicy{Models: []string{"B"}},
		Exhausted: NewExhaustedSet(),
		Logger:    discardLogger(),
	})

	_, err := g.Invoke(ctx, Invocation{Prompt: "p", Model: "A"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if diff := cmp.Diff([]string{"A"}, client.Calls()); diff != "" {
		t.Errorf("no fallback after cancellation (-want +got):\n%s", diff)
	}
}

func TestInvoke_SerializeModels(t *testing.T) {
	client := &scriptedClient{
		script: map[string][]outcome{"A": {{text: `{"ok": true}`}}},
		delay:  5 * time.Millisecond,
	}
	g := New(client, Config{
		Retry:           RetryPolicy{MaxAttempts: 1},
		SerializeModels: true,
		Exhausted:       NewExhaustedSet(),
		Logger:          discardLogger(),
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Invoke(context.Background(), Invocation{Prompt: "p", Model: "A"}); err != nil {
				t.Errorf("Invoke() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&client.maxSeen); got != 1 {
		t.Errorf("max concurrent calls = %d, want 1", got)
	}
}

func TestFallbackPolicy_Candidates(t *testing.T) {
	exhausted := NewExhaustedSet()
	exhausted.Add("gemini-1.5-pro")
	p := DefaultFallbackPolicy()

	live, skipped := p.Candidates("gemini-2.5-flash", exhausted)
	if diff := cmp.Diff([]string{"gemini-2.5-flash", "gemini-1.5-flash"}, live); diff != "" {
		t.Errorf("live mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"gemini-1.5-pro"}, skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}

	p.PerModel = map[string][]string{"x": {"y"}}
	live, _ = p.Candidates("x", nil)
	if diff := cmp.Diff([]string{"x", "y"}, live); diff != "" {
		t.Errorf("override mismatch (-want +got):\n%s", diff)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{err: nil, want: ""},
		{err: quotaErr(), want: KindQuota},
		{err: fmt.Errorf("x: %w", ErrTransient), want: KindTransient},
		{err: fmt.Errorf("x: %w", ErrMalformedOutput), want: KindMalformed},
		{err: context.DeadlineExceeded, want: KindCanceled},
		{err: errors.New("boom"), want: KindOther},
		{err: &AttemptError{Kind: KindQuota, Err: errors.New("x")}, want: KindQuota},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestExhaustedSet(t *testing.T) {
	s := NewExhaustedSet()
	if !s.Add("a") || s.Add("a") {
		t.Error("Add must report only new entries")
	}
	s.Add("b")
	if diff := cmp.Diff([]string{"a", "b"}, s.Models()); diff != "" {
		t.Errorf("Models() mismatch (-want +got):\n%s", diff)
	}
	if len(s.Models()) != 2 || !s.Contains("b") || s.Contains("c") {
		t.Error("unexpected set contents")
	}
}
