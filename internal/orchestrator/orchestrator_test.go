// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/markvii-tui/internal/catalog"
	"github.com/jeranaias/markvii-tui/internal/chaterr"
	"github.com/jeranaias/markvii-tui/internal/model"
	"github.com/jeranaias/markvii-tui/internal/openrouter"
	"github.com/jeranaias/markvii-tui/internal/provider"
)

// fakeAdapter scripts one outcome per attempt.
type fakeAdapter struct {
	kind provider.Kind

	mu       sync.Mutex
	requests []provider.Request
	script   []fakeOutcome
	block    chan struct{} // when set, Send waits for ctx or close

	// cancelErr, when set, is returned instead of ctx.Err() on
	// cancellation, mimicking SDK transports that wrap the cancel in
	// their own error type.
	cancelErr error
}

type fakeOutcome struct {
	chunks []string
	err    error
}

func (f *fakeAdapter) Kind() provider.Kind { return f.kind }

func (f *fakeAdapter) Send(ctx context.Context, req provider.Request, onChunk provider.ChunkFunc) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	attempt := len(f.requests) - 1
	var out fakeOutcome
	if attempt < len(f.script) {
		out = f.script[attempt]
	}
	block := f.block
	f.mu.Unlock()

	var sb strings.Builder
	for _, c := range out.chunks {
		sb.WriteString(c)
		onChunk(c)
	}

	if block != nil {
		select {
		case <-ctx.Done():
			if f.cancelErr != nil {
				return sb.String(), f.cancelErr
			}
			return sb.String(), ctx.Err()
		case <-block:
		}
	}
	return sb.String(), out.err
}

func (f *fakeAdapter) gotRequests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.requests...)
}

// fakeExceptions records reported models.
type fakeExceptions struct {
	mu       sync.Mutex
	recorded []string
	list     []string
}

func (f *fakeExceptions) AddExceptionModel(_ context.Context, modelID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, modelID)
}

func (f *fakeExceptions) ExceptionModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.list...)
}

// newCatalog builds a catalog backed by a fixed free-model listing.
func newCatalog(t *testing.T, ids ...string) *catalog.Catalog {
	t.Helper()
	var entries []string
	for _, id := range ids {
		entries = append(entries, fmt.Sprintf(
			`{"id":%q,"name":%q,"pricing":{"prompt":"0","completion":"0"}}`, id, id))
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(entries, ","))
	}))
	t.Cleanup(server.Close)
	return catalog.New(openrouter.NewClient(openrouter.ClientConfig{BaseURL: server.URL}))
}

func newOrchestrator(t *testing.T, adapter *fakeAdapter, cat *catalog.Catalog, exc ExceptionRecorder) (*Orchestrator, *model.Conversation) {
	t.Helper()
	conv := model.NewConversation()
	o := New(Config{
		Conversation: conv,
		Adapters: map[provider.Kind]provider.Adapter{
			adapter.kind: adapter,
		},
		Catalog:    cat,
		Exceptions: exc,
	})
	o.pickIndex = func(n int) int { return 0 }
	return o, conv
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for o.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("orchestrator never settled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Let the run goroutine finish its post-stream bookkeeping.
	time.Sleep(20 * time.Millisecond)
}

func TestSendStreamsResponse(t *testing.T) {
	adapter := &fakeAdapter{
		kind:   provider.KindOpenRouter,
		script: []fakeOutcome{{chunks: []string{"Hello", ", world"}}},
	}
	o, conv := newOrchestrator(t, adapter, newCatalog(t, "meta/llama-3:free"), nil)

	o.Send("hi", nil)
	waitIdle(t, o)

	snap := conv.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("messages = %d", len(snap))
	}
	if snap[1].Content != "Hello, world" || snap[1].IsStreaming {
		t.Errorf("answer = %+v", snap[1])
	}
	if snap[1].Model != "meta/llama-3" {
		t.Errorf("model attribution = %q", snap[1].Model)
	}
}

func TestRetryOnModelNotFoundExcludesFailedModel(t *testing.T) {
	adapter := &fakeAdapter{
		kind: provider.KindOpenRouter,
		script: []fakeOutcome{
			{err: chaterr.New(chaterr.CodeModelNotFound, "gone")},
			{chunks: []string{"second try"}},
		},
	}
	exc := &fakeExceptions{}
	o, conv := newOrchestrator(t, adapter, newCatalog(t, "a/alpha:free", "b/beta:free"), exc)

	o.Send("hi", nil)
	waitIdle(t, o)

	reqs := adapter.gotRequests()
	if len(reqs) != 2 {
		t.Fatalf("attempts = %d, want 2", len(reqs))
	}
	if reqs[0].Model != "a/alpha" {
		t.Fatalf("first pick = %q", reqs[0].Model)
	}
	if reqs[1].Model != "b/beta" {
		t.Errorf("retry pick = %q, failed model not excluded", reqs[1].Model)
	}

	snap := conv.Snapshot()
	if len(snap) != 2 || snap[1].Content != "second try" {
		t.Fatalf("conversation after retry = %+v", snap)
	}
	for _, m := range snap {
		if m.IsError {
			t.Error("successful retry should leave no error message")
		}
	}
}

func TestRetryGivesUpAfterSecondFailure(t *testing.T) {
	adapter := &fakeAdapter{
		kind: provider.KindOpenRouter,
		script: []fakeOutcome{
			{err: chaterr.New(chaterr.CodeModelNotFound, "gone")},
			{err: chaterr.New(chaterr.CodeModelNotFound, "also gone")},
		},
	}
	o, conv := newOrchestrator(t, adapter, newCatalog(t, "a/alpha:free", "b/beta:free"), nil)

	o.Send("hi", nil)
	waitIdle(t, o)

	if got := len(adapter.gotRequests()); got != 2 {
		t.Fatalf("attempts = %d, want exactly 2", got)
	}
	snap := conv.Snapshot()
	last := snap[len(snap)-1]
	if !last.IsError {
		t.Fatalf("want terminal error message, got %+v", last)
	}
	if !strings.HasPrefix(last.Content, "MODEL_NOT_FOUND|") {
		t.Errorf("payload = %q", last.Content)
	}
}

func TestTerminalErrorDoesNotRetry(t *testing.T) {
	adapter := &fakeAdapter{
		kind: provider.KindOpenRouter,
		script: []fakeOutcome{
			{err: chaterr.New(chaterr.CodeInsufficientCredits, "add credits")},
		},
	}
	o, conv := newOrchestrator(t, adapter, newCatalog(t, "a/alpha:free", "b/beta:free"), nil)

	o.Send("hi", nil)
	waitIdle(t, o)

	if got := len(adapter.gotRequests()); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	last := conv.Snapshot()[1]
	if !last.IsError || last.Content != "INSUFFICIENT_CREDITS|add credits" {
		t.Errorf("error message = %+v", last)
	}
}

func TestRetryRecordsExceptionModel(t *testing.T) {
	adapter := &fakeAdapter{
		kind: provider.KindOpenRouter,
		script: []fakeOutcome{
			{err: chaterr.New(chaterr.CodeModelNotFound, "gone")},
			{chunks: []string{"ok"}},
		},
	}
	exc := &fakeExceptions{}
	o, _ := newOrchestrator(t, adapter, newCatalog(t, "a/alpha:free", "b/beta:free"), exc)

	o.Send("hi", nil)
	waitIdle(t, o)

	deadline := time.Now().Add(time.Second)
	for {
		exc.mu.Lock()
		n := len(exc.recorded)
		exc.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	exc.mu.Lock()
	defer exc.mu.Unlock()
	if len(exc.recorded) != 1 || exc.recorded[0] != "a/alpha" {
		t.Errorf("recorded exceptions = %v, want suffix-stripped failed model", exc.recorded)
	}
}

func TestStopKeepsPartialContent(t *testing.T) {
	block := make(chan struct{})
	adapter := &fakeAdapter{
		kind:   provider.KindOpenRouter,
		script: []fakeOutcome{{chunks: []string{"partial answer"}}},
		block:  block,
	}
	o, conv := newOrchestrator(t, adapter, newCatalog(t, "a/alpha:free"), nil)

	o.Send("hi", nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := conv.Snapshot()
		if len(snap) == 2 && snap[1].Content == "partial answer" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	o.Stop()

	snap := conv.Snapshot()
	last := snap[len(snap)-1]
	if last.IsStreaming {
		t.Error("stop should finalize the placeholder")
	}
	if last.Content != "partial answer" {
		t.Errorf("content = %q", last.Content)
	}
	if last.IsError {
		t.Error("stop is not a failure")
	}
	if got := len(adapter.gotRequests()); got != 1 {
		t.Errorf("attempts = %d, stop must not retry", got)
	}
}

func TestStopDuringGeminiStreamKeepsPartialContent(t *testing.T) {
	block := make(chan struct{})
	adapter := &fakeAdapter{
		kind:   provider.KindGemini,
		script: []fakeOutcome{{chunks: []string{"A", "B"}}},
		block:  block,
		cancelErr: chaterr.ClassifyGemini(
			errors.New("rpc error: code = Canceled desc = context canceled")),
	}
	o, conv := newOrchestrator(t, adapter, newCatalog(t), nil)
	o.SetProvider(provider.KindGemini)
	o.SetGeminiModel("gemini-1.5-pro")

	o.Send("hello", nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := conv.Snapshot()
		if len(snap) == 2 && snap[1].Content == "AB" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	o.Stop()

	snap := conv.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("messages = %d, want user + finalized answer", len(snap))
	}
	last := snap[1]
	if last.IsStreaming {
		t.Error("stop should finalize the placeholder")
	}
	if last.Content != "AB" {
		t.Errorf("content = %q, partial answer lost", last.Content)
	}
	if last.IsError {
		t.Error("a user stop must not surface as an error")
	}
	if got := len(adapter.gotRequests()); got != 1 {
		t.Errorf("attempts = %d, stop must not retry", got)
	}
}

func TestNewSendCancelsInFlightStream(t *testing.T) {
	block := make(chan struct{})
	adapter := &fakeAdapter{
		kind: provider.KindOpenRouter,
		script: []fakeOutcome{
			{chunks: []string{"first, interrupted"}},
			{chunks: []string{"second answer"}},
		},
		block: block,
	}
	o, conv := newOrchestrator(t, adapter, newCatalog(t, "a/alpha:free"), nil)

	o.Send("q1", nil)

	deadline := time.Now().Add(2 * time.Second)
	for len(adapter.gotRequests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first stream never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Unblock only the second attempt.
	adapter.mu.Lock()
	adapter.block = nil
	adapter.mu.Unlock()

	o.Send("q2", nil)
	waitIdle(t, o)

	snap := conv.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("messages = %d, want q1/partial/q2/answer", len(snap))
	}
	if snap[1].IsStreaming {
		t.Error("superseded placeholder should be finalized")
	}
	if snap[1].Content != "first, interrupted" {
		t.Errorf("superseded content = %q", snap[1].Content)
	}
	if snap[3].Content != "second answer" {
		t.Errorf("final answer = %q", snap[3].Content)
	}
}

func TestResendExcludesPreviousAnswer(t *testing.T) {
	adapter := &fakeAdapter{
		kind: provider.KindOpenRouter,
		script: []fakeOutcome{
			{chunks: []string{"first answer"}},
			{chunks: []string{"better answer"}},
		},
	}
	o, conv := newOrchestrator(t, adapter, newCatalog(t, "a/alpha:free"), nil)

	o.Send("question", nil)
	waitIdle(t, o)
	o.Resend()
	waitIdle(t, o)

	reqs := adapter.gotRequests()
	if len(reqs) != 2 {
		t.Fatalf("attempts = %d", len(reqs))
	}
	for _, turn := range reqs[1].History {
		if turn.Text == "first answer" {
			t.Error("resend replayed the answer being replaced")
		}
	}
	if reqs[1].Prompt != "question" {
		t.Errorf("resend prompt = %q", reqs[1].Prompt)
	}

	// No duplicate user message was recorded.
	users := 0
	for _, m := range conv.Snapshot() {
		if m.Role == model.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Errorf("user messages = %d, want 1", users)
	}
}

func TestHistoryCappedForOpenRouter(t *testing.T) {
	adapter := &fakeAdapter{
		kind:   provider.KindOpenRouter,
		script: make([]fakeOutcome, 20),
	}
	for i := range adapter.script {
		adapter.script[i] = fakeOutcome{chunks: []string{"a"}}
	}
	o, _ := newOrchestrator(t, adapter, newCatalog(t, "a/alpha:free"), nil)

	for i := 0; i < 8; i++ {
		o.Send(fmt.Sprintf("q%d", i), nil)
		waitIdle(t, o)
	}

	reqs := adapter.gotRequests()
	last := reqs[len(reqs)-1]
	if len(last.History) != 6 {
		t.Errorf("history = %d turns, want 6", len(last.History))
	}
}

func TestGeminiUsesPinnedModel(t *testing.T) {
	adapter := &fakeAdapter{
		kind:   provider.KindGemini,
		script: []fakeOutcome{{chunks: []string{"ok"}}},
	}
	o, _ := newOrchestrator(t, adapter, newCatalog(t), nil)
	o.SetProvider(provider.KindGemini)
	o.SetGeminiModel("gemini-1.5-pro")

	o.Send("hi", nil)
	waitIdle(t, o)

	reqs := adapter.gotRequests()
	if len(reqs) != 1 || reqs[0].Model != "gemini-1.5-pro" {
		t.Fatalf("requests = %+v", reqs)
	}
}

func TestProviderSwitchSelectsFirstMenuModel(t *testing.T) {
	o := New(Config{
		Conversation: model.NewConversation(),
		GeminiMenu: func() []string {
			return []string{"gemini-2.0-flash-exp", "gemini-1.5-pro"}
		},
	})

	o.SetProvider(provider.KindGemini)
	if got := o.selectModel(context.Background(), provider.KindGemini, ""); got != "gemini-2.0-flash-exp" {
		t.Errorf("model after switch = %q, want first menu entry", got)
	}

	// A pin holds until the next switch, which resets to the menu head.
	o.SetGeminiModel("gemini-1.5-pro")
	o.SetProvider(provider.KindOpenRouter)
	o.SetProvider(provider.KindGemini)
	if got := o.selectModel(context.Background(), provider.KindGemini, ""); got != "gemini-2.0-flash-exp" {
		t.Errorf("model after round trip = %q, want pin reset to menu head", got)
	}
}

func TestProviderSwitchWithoutMenuUsesAdapterDefault(t *testing.T) {
	o := New(Config{Conversation: model.NewConversation()})
	o.SetProvider(provider.KindGemini)
	o.SetGeminiModel("gemini-1.5-pro")
	o.SetProvider(provider.KindOpenRouter)
	o.SetProvider(provider.KindGemini)

	if got := o.selectModel(context.Background(), provider.KindGemini, ""); got != "" {
		t.Errorf("gemini model after switch = %q, want adapter default", got)
	}
}

func TestSendUsesCachedCatalogWhenRefreshFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"a/alpha:free","name":"Alpha","pricing":{"prompt":"0","completion":"0"}}]}`)
	}))
	cat := catalog.New(openrouter.NewClient(openrouter.ClientConfig{BaseURL: server.URL}))
	cat.GetOrFetch(context.Background(), "", nil)
	server.Close()

	// A grown exception list invalidates the cache key; the refetch against
	// the dead server fails and selection proceeds on the prior cache.
	exc := &fakeExceptions{list: []string{"x/y"}}
	adapter := &fakeAdapter{
		kind:   provider.KindOpenRouter,
		script: []fakeOutcome{{chunks: []string{"ok"}}},
	}
	o, _ := newOrchestrator(t, adapter, cat, exc)

	o.Send("hi", nil)
	waitIdle(t, o)

	reqs := adapter.gotRequests()
	if len(reqs) != 1 || reqs[0].Model != "a/alpha" {
		t.Fatalf("requests = %+v, want the previously cached model", reqs)
	}
}

func TestCandidatePoolFiltersUnstableAndExcluded(t *testing.T) {
	models := []catalog.ModelInfo{
		{ID: "a/alpha:free"},
		{ID: "tng/deepseek-r1t-chimera:free"},
		{ID: "google/gemma-3-27b-it:free"},
		{ID: "b/beta:free"},
	}

	pool := candidatePool(models, "a/alpha")
	if len(pool) != 1 || pool[0].ID != "b/beta:free" {
		t.Fatalf("pool = %+v", pool)
	}
}

func TestEmptyPoolFallsBackToDefaultModel(t *testing.T) {
	adapter := &fakeAdapter{
		kind:   provider.KindOpenRouter,
		script: []fakeOutcome{{chunks: []string{"ok"}}},
	}
	o, _ := newOrchestrator(t, adapter, newCatalog(t), nil)

	o.Send("hi", nil)
	waitIdle(t, o)

	reqs := adapter.gotRequests()
	if len(reqs) != 1 || reqs[0].Model != DefaultFallbackModel {
		t.Fatalf("requests = %+v, want fallback model", reqs)
	}
}
