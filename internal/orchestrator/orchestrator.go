// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator drives chat turns end to end: it picks a model,
// opens a stream through the active provider adapter, feeds tokens into
// the conversation, and handles retry, stop, and failure bookkeeping.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/jeranaias/markvii-tui/internal/catalog"
	"github.com/jeranaias/markvii-tui/internal/chaterr"
	"github.com/jeranaias/markvii-tui/internal/model"
	"github.com/jeranaias/markvii-tui/internal/provider"
)

const (
	// maxAttempts bounds the retry loop. One retry on a retryable failure,
	// never more, so a bad catalog cannot spin forever.
	maxAttempts = 2

	// historyLimitOpenRouter caps replayed turns on OpenRouter requests.
	historyLimitOpenRouter = 6

	// historyLimitGemini caps replayed turns on Gemini requests. The
	// adapter applies its own cap as well.
	historyLimitGemini = 10

	// DefaultFallbackModel answers when the free catalog yields no usable
	// candidate at all.
	DefaultFallbackModel = "anthropic/claude-3-5-sonnet-20241022"
)

// unstableModelParts identifies catalog entries that are known to hang or
// return garbage on the free tier. Matched case-insensitively as
// substrings of the model ID.
var unstableModelParts = []string{
	"deepseek-r1t-chimera",
	"gemma-3n-e2b-it",
	"gemini-2.0-flash-exp",
	"gemma-3-4b-it",
	"gemma-3-27b-it",
	"qwen3-4b",
	"qwen-2.5-vl-7b-instruct",
	"lfm-2.5-1.2b-thinking",
	"lfm-2.5-1.2b-instruct",
	"molmo-2-8b",
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// ExceptionRecorder receives models observed to require the :free suffix.
type ExceptionRecorder interface {
	AddExceptionModel(ctx context.Context, modelID, modelName string)
	ExceptionModels() []string
}

// Config wires an Orchestrator.
type Config struct {
	Conversation *model.Conversation
	Adapters     map[provider.Kind]provider.Adapter
	Catalog      *catalog.Catalog
	Exceptions   ExceptionRecorder

	// OpenRouterKey resolves the current API key for catalog fetches.
	OpenRouterKey func() string

	// GeminiMenu resolves the current Gemini model menu, most preferred
	// first. May be nil; the adapter default answers then.
	GeminiMenu func() []string

	// Notify receives stream events. May be nil.
	Notify func(Event)

	// Persist is invoked asynchronously after a turn settles. May be nil.
	Persist func()
}

// Orchestrator owns the single in-flight streaming job for a conversation.
type Orchestrator struct {
	conv       *model.Conversation
	adapters   map[provider.Kind]provider.Adapter
	catalog    *catalog.Catalog
	exceptions ExceptionRecorder
	keyFunc    func() string
	geminiMenu func() []string
	notify     func(Event)
	persist    func()

	// pickIndex selects from n candidates. Swapped in tests.
	pickIndex func(n int) int

	mu          sync.Mutex
	active      provider.Kind
	geminiModel string
	current     *job
}

// job tracks one streaming attempt sequence.
type job struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	msgID string
}

func (j *job) setMessageID(id string) {
	j.mu.Lock()
	j.msgID = id
	j.mu.Unlock()
}

func (j *job) messageID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.msgID
}

// New creates an orchestrator. The OpenRouter adapter is active initially.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		conv:       cfg.Conversation,
		adapters:   cfg.Adapters,
		catalog:    cfg.Catalog,
		exceptions: cfg.Exceptions,
		keyFunc:    cfg.OpenRouterKey,
		geminiMenu: cfg.GeminiMenu,
		notify:     cfg.Notify,
		persist:    cfg.Persist,
		pickIndex:  rand.IntN,
		active:     provider.KindOpenRouter,
	}
	if o.keyFunc == nil {
		o.keyFunc = func() string { return "" }
	}
	return o
}

// SetNotify installs the event callback. Call before the first Send; the
// program loop that receives events usually cannot exist until the
// orchestrator does.
func (o *Orchestrator) SetNotify(fn func(Event)) {
	o.mu.Lock()
	o.notify = fn
	o.mu.Unlock()
}

// ActiveProvider returns the provider answering new turns.
func (o *Orchestrator) ActiveProvider() provider.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// SetProvider switches the active provider. Switching resets the Gemini
// selection to the first available menu descriptor, dropping any pin from
// the previous provider session.
func (o *Orchestrator) SetProvider(kind provider.Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == kind {
		return
	}
	o.active = kind
	o.geminiModel = o.firstMenuModel()
}

// firstMenuModel returns the menu's preferred model, empty when no menu is
// wired so the adapter default answers.
func (o *Orchestrator) firstMenuModel() string {
	if o.geminiMenu == nil {
		return ""
	}
	if menu := o.geminiMenu(); len(menu) > 0 {
		return menu[0]
	}
	return ""
}

// GeminiModels returns the Gemini model menu available for pinning.
func (o *Orchestrator) GeminiModels() []string {
	if o.geminiMenu == nil {
		return nil
	}
	return o.geminiMenu()
}

// SetGeminiModel pins the Gemini model for subsequent turns.
func (o *Orchestrator) SetGeminiModel(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.geminiModel = id
}

// Busy reports whether a stream is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	j := o.current
	o.mu.Unlock()
	if j == nil {
		return false
	}
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

// =============================================================================
// TURN LIFECYCLE
// =============================================================================

// Send records the user message and starts streaming a response. Any
// in-flight stream is cancelled first and its placeholder finalized with
// whatever content had arrived.
func (o *Orchestrator) Send(prompt string, image *model.Attachment) {
	o.cancelCurrent()
	o.conv.AddUserMessage(prompt, image)
	o.start(prompt, image, false)
}

// Resend replays the most recent user prompt without recording a new user
// message, excluding the previous answer from the replayed history.
func (o *Orchestrator) Resend() {
	prompt, image, ok := o.lastUserTurn()
	if !ok {
		return
	}
	o.cancelCurrent()
	o.start(prompt, image, true)
}

// Stop cancels the in-flight stream, keeping the partial response as the
// final answer. A stop is not a failure: no error message is recorded and
// no retry happens.
func (o *Orchestrator) Stop() {
	j := o.detachCurrent()
	if j == nil {
		return
	}
	j.cancel()
	<-j.done

	if id := j.messageID(); id != "" {
		o.conv.FinalizeStreaming(id)
		o.emit(StreamStopped{MessageID: id})
		o.persistAsync()
	}
}

// Shutdown cancels any in-flight work without finalizing UI state.
func (o *Orchestrator) Shutdown() {
	j := o.detachCurrent()
	if j == nil {
		return
	}
	j.cancel()
	<-j.done
}

func (o *Orchestrator) lastUserTurn() (string, *model.Attachment, bool) {
	snap := o.conv.Snapshot()
	for i := len(snap) - 1; i >= 0; i-- {
		if snap[i].Role == model.RoleUser {
			return snap[i].Content, snap[i].Image, true
		}
	}
	return "", nil, false
}

// cancelCurrent tears down the in-flight job and finalizes its placeholder
// so a new turn starts from a settled conversation.
func (o *Orchestrator) cancelCurrent() {
	j := o.detachCurrent()
	if j == nil {
		return
	}
	j.cancel()
	<-j.done
	if id := j.messageID(); id != "" {
		o.conv.FinalizeStreaming(id)
	}
}

func (o *Orchestrator) detachCurrent() *job {
	o.mu.Lock()
	defer o.mu.Unlock()
	j := o.current
	o.current = nil
	return j
}

func (o *Orchestrator) start(prompt string, image *model.Attachment, excludePrevAnswer bool) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.current = j
	kind := o.active
	o.mu.Unlock()

	go func() {
		defer close(j.done)
		o.run(ctx, j, kind, prompt, image, excludePrevAnswer)
	}()
}

// run executes the bounded attempt loop for one turn.
func (o *Orchestrator) run(ctx context.Context, j *job, kind provider.Kind, prompt string, image *model.Attachment, excludePrevAnswer bool) {
	adapter := o.adapters[kind]
	if adapter == nil {
		o.conv.AddErrorMessage(chaterr.New(chaterr.CodeUnknown, "no adapter for provider "+string(kind)).Payload())
		return
	}

	excluded := ""
	for attempt := 0; attempt < maxAttempts; attempt++ {
		modelID := o.selectModel(ctx, kind, excluded)

		placeholderID := o.conv.AddPlaceholder(modelID)
		j.setMessageID(placeholderID)
		o.emit(StreamStarted{MessageID: placeholderID, Model: modelID, Attempt: attempt})

		req := provider.Request{
			Model:   modelID,
			Prompt:  prompt,
			History: o.buildHistory(kind, excludePrevAnswer),
		}
		if image != nil {
			req.Image = &provider.ImageAttachment{MIMEType: image.MIMEType, Data: image.Data}
		}

		_, err := adapter.Send(ctx, req, func(text string) {
			o.conv.AppendToken(placeholderID, text)
			o.emit(StreamToken{MessageID: placeholderID, Text: text})
		})

		if err == nil {
			o.conv.FinalizeStreaming(placeholderID)
			o.emit(StreamCompleted{MessageID: placeholderID, Model: modelID})
			o.persistAsync()
			return
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// Stop or a superseding Send owns the placeholder now. Some SDK
			// transports wrap cancellation in their own error types, so the
			// context is consulted directly rather than trusting the error
			// chain.
			return
		}

		ce := chaterr.Classify(err)
		if ce.Code.Retryable() && kind == provider.KindOpenRouter && attempt == 0 {
			log.Printf("orchestrator: %s failed (%s), retrying with another model", modelID, ce.Code)
			o.conv.Remove(placeholderID)
			j.setMessageID("")
			excluded = modelID
			o.recordExceptionAsync(modelID)
			continue
		}

		o.conv.Remove(placeholderID)
		j.setMessageID("")
		errID := o.conv.AddErrorMessage(ce.Payload())
		o.emit(StreamFailed{MessageID: errID, Err: ce})
		o.persistAsync()
		return
	}
}

// recordExceptionAsync reports a model that 404s on its plain ID, so future
// catalog builds force its :free suffix. Best effort.
func (o *Orchestrator) recordExceptionAsync(modelID string) {
	if o.exceptions == nil {
		return
	}
	base := catalog.NormalizeModelID(modelID)
	go o.exceptions.AddExceptionModel(context.Background(), base, base)
}

// =============================================================================
// MODEL SELECTION
// =============================================================================

// selectModel resolves which model answers this attempt. OpenRouter picks
// randomly from the usable free catalog; Gemini uses the pinned selection,
// falling back to the adapter default.
func (o *Orchestrator) selectModel(ctx context.Context, kind provider.Kind, excluded string) string {
	if kind == provider.KindGemini {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.geminiModel
	}

	var exceptions []string
	if o.exceptions != nil {
		exceptions = o.exceptions.ExceptionModels()
	}

	// The populate wait is bounded so a cold or invalidated cache cannot
	// stall the send; past the window the freshest cached list answers.
	o.catalog.EnsureLoaded(ctx, o.keyFunc(), exceptions)
	models := o.catalog.Cached()

	pool := candidatePool(models, excluded)
	if len(pool) == 0 {
		return DefaultFallbackModel
	}
	return pool[o.pickIndex(len(pool))].ID
}

// candidatePool filters the catalog down to models eligible for random
// selection: unstable models are dropped, as is the model that just failed
// (compared without its :free suffix).
func candidatePool(models []catalog.ModelInfo, excluded string) []catalog.ModelInfo {
	excludedBase := strings.ToLower(catalog.NormalizeModelID(excluded))

	pool := make([]catalog.ModelInfo, 0, len(models))
	for _, m := range models {
		id := strings.ToLower(m.ID)
		if excludedBase != "" && strings.ToLower(catalog.NormalizeModelID(m.ID)) == excludedBase {
			continue
		}
		if isUnstable(id) {
			continue
		}
		pool = append(pool, m)
	}
	return pool
}

func isUnstable(lowerID string) bool {
	for _, part := range unstableModelParts {
		if strings.Contains(lowerID, part) {
			return true
		}
	}
	return false
}

// buildHistory converts eligible prior turns into provider request turns.
// The current prompt is already the newest user message in the conversation
// and travels separately in the request, so it is dropped from the replay.
func (o *Orchestrator) buildHistory(kind provider.Kind, excludePrevAnswer bool) []provider.Turn {
	limit := historyLimitOpenRouter
	if kind == provider.KindGemini {
		limit = historyLimitGemini
	}

	msgs := o.conv.History(limit+1, excludePrevAnswer)
	if n := len(msgs); n > 0 && msgs[n-1].Role == model.RoleUser {
		msgs = msgs[:n-1]
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	turns := make([]provider.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, provider.Turn{Role: string(m.Role), Text: m.Content})
	}
	return turns
}

// =============================================================================
// PLUMBING
// =============================================================================

func (o *Orchestrator) emit(e Event) {
	o.mu.Lock()
	fn := o.notify
	o.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func (o *Orchestrator) persistAsync() {
	if o.persist != nil {
		go o.persist()
	}
}
