// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler implements processInputStep/processOutputResult (§4.8):
// the per-step state machine that decides whether to observe synchronously,
// kicks off background buffering, activates buffered work, injects the
// memory system message, and persists the turn's messages under the
// sealed-id rewrite protocol (§4.9).
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rivermind-ai/om/pkg/asyncbuffer"
	"github.com/rivermind-ai/om/pkg/domain"
	"github.com/rivermind-ai/om/pkg/inject"
	"github.com/rivermind-ai/om/pkg/llmrole"
	"github.com/rivermind-ai/om/pkg/marker"
	"github.com/rivermind-ai/om/pkg/scopelock"
	"github.com/rivermind-ai/om/pkg/store"
	"github.com/rivermind-ai/om/pkg/threshold"
	"github.com/rivermind-ai/om/pkg/tokencount"
)

// ProgressEvent mirrors the §6 "progress" marker payload, reported on every
// step regardless of whether observation fires.
type ProgressEvent struct {
	PendingTokens              int
	MessageTokens              int
	MessageTokensPercent       float64
	ObservationTokens          int
	ObservationTokensThreshold int
	ObservationTokensPercent   float64
	WillObserve                bool
	BufferedChunksCount        int
	BufferedMessageTokens      int
	BufferedObservationTokens  int
	HasBufferedChunks          bool
	StepNumber                 int
}

// DebugEvent is delivered to Config.OnDebugEvent for every observation,
// reflection, and progress event the scheduler produces (§6 onDebugEvent).
type DebugEvent struct {
	Kind     string // "observation" | "reflection" | "progress"
	Key      domain.ScopeKey
	Marker   *marker.Marker
	Progress *ProgressEvent
}

// Config is the engine configuration consumed by the Scheduler, resolved
// from the raw user-facing options described in §6.
type Config struct {
	Scope domain.Scope

	Model              string
	ReflectionModel    string
	Settings           store.ModelSettings
	ReflectionSettings store.ModelSettings

	// Observation resolves observation.messageTokens plus its dependent
	// bufferEvery/blockAfter/asyncActivation fractions.
	Observation *threshold.Resolver

	// ReflectionThreshold is reflection.observationTokens, resolved to an
	// absolute token count: maybeReflect fires when
	// ObservationTokenCount > ReflectionThreshold.
	ReflectionThreshold int
	// ReflectionAsyncActivation is reflection.asyncActivation — the
	// fraction of ReflectionThreshold at which reflection buffering
	// fires. Zero disables reflection buffering.
	ReflectionAsyncActivation float64

	// MaxTokensPerBatch chunks resource-scoped multi-thread Observer
	// calls (§4.11); zero means "one batch, however large".
	MaxTokensPerBatch int

	ObscureThreadIDs bool
	OnDebugEvent     func(DebugEvent)
}

// Scheduler owns the per-step decision logic. It holds no record state of
// its own — everything durable is reached through Store.
type Scheduler struct {
	Store     store.RecordStore
	Async     *asyncbuffer.Engine
	Observer  *llmrole.Observer
	Reflector *llmrole.Reflector
	Counter   *tokencount.Counter
	Locks     *scopelock.Registry
	Clock     store.ClockSource
	Writer    store.StreamWriter
	Config    Config
}

// New wires a Scheduler from its component capabilities. clock defaults to
// store.SystemClock{} and counter to tokencount.New() when nil.
func New(recordStore store.RecordStore, async *asyncbuffer.Engine, observer *llmrole.Observer, reflector *llmrole.Reflector, writer store.StreamWriter, clock store.ClockSource, counter *tokencount.Counter, cfg Config) *Scheduler {
	if clock == nil {
		clock = store.SystemClock{}
	}
	if counter == nil {
		counter = tokencount.New()
	}
	return &Scheduler{
		Store: recordStore, Async: async, Observer: observer, Reflector: reflector,
		Counter: counter, Locks: scopelock.New(), Clock: clock, Writer: writer, Config: cfg,
	}
}

// Turn threads sealed-message-id state, and the running set of
// not-yet-observed messages, across the (possibly several) processInputStep
// calls and the single processOutputResult call that make up one agent turn
// (§4.9). Callers pass only each step's newly produced messages in
// ProcessInputStepArgs.Messages; the Scheduler accumulates everything else
// — bootstrapped history plus prior steps' messages — on Pending, so a
// message is never handed to PersistMessages (append-only, §4.9) twice.
type Turn struct {
	Key          domain.ScopeKey
	HostThreadID string
	SealedIDs    map[string]struct{}
	Pending      []domain.Message
	PersistedIDs map[string]struct{}
}

func newTurn(key domain.ScopeKey, hostThreadID string) *Turn {
	return &Turn{
		Key: key, HostThreadID: hostThreadID,
		SealedIDs: make(map[string]struct{}), PersistedIDs: make(map[string]struct{}),
	}
}

func (s *Scheduler) debug(kind string, key domain.ScopeKey, m *marker.Marker, p *ProgressEvent) {
	if s.Config.OnDebugEvent == nil {
		return
	}
	s.Config.OnDebugEvent(DebugEvent{Kind: kind, Key: key, Marker: m, Progress: p})
}

func (s *Scheduler) emitMarker(ctx context.Context, hostThreadID string, m marker.Marker) {
	if s.Writer == nil {
		return
	}
	part := marker.New().Encode(m)
	_ = s.Writer.WritePart(ctx, hostThreadID, part)
}

// ProcessInputStepArgs is the input to ProcessInputStep.
type ProcessInputStepArgs struct {
	ThreadID     string
	ResourceID   string // non-empty only in resource scope
	StepNumber   int
	Messages     []domain.Message // only the messages this step newly produced, not the full context
	Turn         *Turn            // nil on the first call of a turn; carried forward thereafter
}

// ProcessInputStepResult is the output of ProcessInputStep.
type ProcessInputStepResult struct {
	Messages []domain.Message
	Turn     *Turn
	Progress ProgressEvent
}

func (s *Scheduler) scopeKey(args ProcessInputStepArgs) domain.ScopeKey {
	if s.Config.Scope == domain.ScopeResource {
		return domain.ScopeKey{Scope: domain.ScopeResource, ResourceID: args.ResourceID, ThreadID: args.ThreadID}
	}
	return domain.ScopeKey{Scope: domain.ScopeThread, ThreadID: args.ThreadID}
}

// ProcessInputStep runs one iteration of the §4.8 state machine.
func (s *Scheduler) ProcessInputStep(ctx context.Context, args ProcessInputStepArgs) (ProcessInputStepResult, error) {
	key := s.scopeKey(args)
	turn := args.Turn
	if turn == nil {
		turn = newTurn(key, args.ThreadID)
	}

	record, err := s.Store.Get(ctx, key)
	if err != nil {
		return ProcessInputStepResult{}, err
	}
	if record == nil {
		record, err = s.Store.Initialize(ctx, key)
		if err != nil {
			return ProcessInputStepResult{}, err
		}
	}

	// args.Messages carries only this step's new messages; defensively drop
	// any injected system message/continuation reminder a caller might echo
	// back from a prior result before it joins Turn.Pending.
	newMessages := dropInjectedMessages(args.Messages)

	// Step 1: bootstrap (step 0 only) — load historical unobserved
	// messages not already covered by a completed observation boundary,
	// ahead of anything already queued on the turn.
	if args.StepNumber == 0 {
		history, err := s.Store.ListMessages(ctx, store.MessageFilter{
			ThreadID: args.ThreadID, After: record.LastObservedAt, OrderBy: "created_at asc",
		})
		if err != nil {
			return ProcessInputStepResult{}, err
		}
		turn.Pending = append(filterCoveredMessages(history, record), turn.Pending...)
	}
	turn.Pending = append(turn.Pending, newMessages...)
	messages := turn.Pending

	// Step 2: cross-thread context (resource scope, every step).
	var otherConvs []inject.OtherConversation
	otherThreadTokens := 0
	if s.Config.Scope == domain.ScopeResource {
		otherConvs, otherThreadTokens, err = s.crossThreadContext(ctx, args.ResourceID, args.ThreadID, record)
		if err != nil {
			return ProcessInputStepResult{}, err
		}
	}

	// Step 3: buffered activation (step 0 only, async enabled).
	if args.StepNumber == 0 && s.Config.Observation.BufferingEnabled() && len(record.BufferedObservationChunks) > 0 {
		record, err = s.activateBuffered(ctx, record, turn.HostThreadID)
		if err != nil {
			return ProcessInputStepResult{}, err
		}
	}

	// Step 4: threshold evaluation.
	unobserved := unobservedOf(messages, record)
	currentSessionTokens := s.Counter.CountMessages(domain.CountableMessages(unobserved))
	totalPendingTokens := record.PendingMessageTokens + currentSessionTokens + otherThreadTokens
	msgThreshold := s.Config.Observation.EffectiveMessageThreshold(record.ObservationTokenCount)

	progress := ProgressEvent{
		PendingTokens:              totalPendingTokens,
		MessageTokens:              currentSessionTokens,
		ObservationTokens:          record.ObservationTokenCount,
		ObservationTokensThreshold: s.Config.ReflectionThreshold,
		WillObserve:                totalPendingTokens >= msgThreshold,
		BufferedChunksCount:        len(record.BufferedObservationChunks),
		HasBufferedChunks:          len(record.BufferedObservationChunks) > 0,
		StepNumber:                 args.StepNumber,
	}
	for _, c := range record.BufferedObservationChunks {
		progress.BufferedMessageTokens += c.MessageTokens
		progress.BufferedObservationTokens += c.TokenCount
	}
	if msgThreshold > 0 {
		progress.MessageTokensPercent = 100 * float64(totalPendingTokens) / float64(msgThreshold)
	}
	if s.Config.ReflectionThreshold > 0 {
		progress.ObservationTokensPercent = 100 * float64(record.ObservationTokenCount) / float64(s.Config.ReflectionThreshold)
	}
	s.emitMarker(ctx, turn.HostThreadID, marker.Marker{
		Kind: marker.KindProgress, PendingTokens: progress.PendingTokens, MessageTokens: progress.MessageTokens,
		MessageTokensPercent: progress.MessageTokensPercent, ObservationTokens: progress.ObservationTokens,
		ObservationTokensThreshold: progress.ObservationTokensThreshold, ObservationTokensPercent: progress.ObservationTokensPercent,
		WillObserve: progress.WillObserve, BufferedChunksCount: progress.BufferedChunksCount,
		BufferedMessageTokens: progress.BufferedMessageTokens, BufferedObservationTokens: progress.BufferedObservationTokens,
		HasBufferedChunks: progress.HasBufferedChunks, StepNumber: progress.StepNumber,
	})
	s.debug("progress", key, nil, &progress)

	// Step 5: async observation trigger.
	if totalPendingTokens < msgThreshold && s.Config.Observation.BufferingEnabled() {
		s.maybeTriggerBuffering(key, record, unobserved, totalPendingTokens, turn.HostThreadID)
	}
	s.maybeTriggerReflectionBuffering(key, record, turn.HostThreadID)

	// Step 6: threshold reached (only past the first step of the turn).
	if args.StepNumber > 0 && totalPendingTokens >= msgThreshold {
		err = func() error {
			release := s.Locks.Lock(key.String())
			defer release()

			var lerr error
			record, lerr = s.Store.Get(ctx, key)
			if lerr != nil {
				return lerr
			}
			unobserved = unobservedOf(messages, record)
			currentSessionTokens = s.Counter.CountMessages(domain.CountableMessages(unobserved))
			totalPendingTokens = record.PendingMessageTokens + currentSessionTokens + otherThreadTokens
			msgThreshold = s.Config.Observation.EffectiveMessageThreshold(record.ObservationTokenCount)
			if totalPendingTokens < msgThreshold {
				return nil
			}

			resolved := false
			if len(record.BufferedObservationChunks) > 0 {
				record, lerr = s.activateBuffered(ctx, record, turn.HostThreadID)
				if lerr != nil {
					return lerr
				}
				unobserved = unobservedOf(messages, record)
				currentSessionTokens = s.Counter.CountMessages(domain.CountableMessages(unobserved))
				totalPendingTokens = record.PendingMessageTokens + currentSessionTokens + otherThreadTokens
				resolved = totalPendingTokens < msgThreshold
			}
			if resolved {
				return nil
			}

			// P3: totalPendingTokens >= threshold holds here, inside the lock.
			if serr := s.observeSynchronously(ctx, key, record, args, unobserved, turn); serr != nil {
				if _, ok := serr.(*llmrole.AbortError); ok {
					return serr
				}
				// LLM transient failure: logged-and-swallowed via the failed
				// marker already emitted inside observeSynchronously.
				return nil
			}
			// Observed messages leave Turn.Pending here, so persist the ones no
			// earlier save wrote; the sealed host was already re-persisted.
			var unsaved []domain.Message
			for _, m := range unobserved {
				_, done := turn.PersistedIDs[m.ID]
				_, sealed := turn.SealedIDs[m.ID]
				if !done && !sealed {
					unsaved = append(unsaved, m)
				}
			}
			if perr := s.persistStepMessages(ctx, turn, unsaved); perr != nil {
				return perr
			}
			turn.Pending = removeMessages(turn.Pending, messagesToRemove(unobserved))
			messages = turn.Pending
			return nil
		}()
		if err != nil {
			return ProcessInputStepResult{}, err
		}
	}

	// Step 7: per-step save — persist whatever of the turn's messages
	// haven't already been written this turn, tracked via Turn.PersistedIDs.
	// Messages observed at step 6 have already left Turn.Pending and were
	// persisted there.
	toPersist := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if _, done := turn.PersistedIDs[m.ID]; !done {
			toPersist = append(toPersist, m)
		}
	}
	if err := s.persistStepMessages(ctx, turn, toPersist); err != nil {
		return ProcessInputStepResult{}, err
	}
	for _, m := range toPersist {
		turn.PersistedIDs[m.ID] = struct{}{}
	}

	// Step 8: inject observations.
	record, err = s.Store.Get(ctx, key)
	if err != nil {
		return ProcessInputStepResult{}, err
	}
	now := s.Clock.Now()
	threadMeta, err := s.Store.GetThreadByID(ctx, args.ThreadID)
	if err != nil {
		return ProcessInputStepResult{}, err
	}
	sys := inject.SystemMessage(args.ThreadID, inject.SystemMessageArgs{
		ActiveObservations: record.ActiveObservations, Now: now,
		OtherConversations: otherConvs, ObscureThreadIDs: s.Config.ObscureThreadIDs,
		CurrentTask: threadMeta.CurrentTask, SuggestedResponse: threadMeta.SuggestedResponse,
	})
	reminder := inject.ContinuationReminder(args.ThreadID)
	messages = append([]domain.Message{sys}, messages...)
	messages = append(messages, reminder)

	// Step 9: filter observed messages (step 0 only).
	if args.StepNumber == 0 {
		messages = filterCoveredMessages(messages, record)
	}

	return ProcessInputStepResult{Messages: messages, Turn: turn, Progress: progress}, nil
}

// ProcessOutputResultArgs is the input to ProcessOutputResult.
type ProcessOutputResultArgs struct {
	Turn     *Turn
	Messages []domain.Message // input/response messages not yet covered by a per-step save
}

// ProcessOutputResult performs the final save of a turn's messages (§4.8
// final paragraph), applying the same sealed-id rewrite as the per-step
// saves.
func (s *Scheduler) ProcessOutputResult(ctx context.Context, args ProcessOutputResultArgs) error {
	if len(args.Messages) == 0 {
		return nil
	}
	return s.persistWithSealRewrite(ctx, args.Turn, args.Messages)
}

func (s *Scheduler) persistStepMessages(ctx context.Context, turn *Turn, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.persistWithSealRewrite(ctx, turn, msgs)
}

func (s *Scheduler) persistWithSealRewrite(ctx context.Context, turn *Turn, msgs []domain.Message) error {
	rewritten := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		if _, sealed := turn.SealedIDs[m.ID]; sealed {
			m.ID = uuid.New().String()
		}
		rewritten[i] = m
	}
	if err := s.Store.PersistMessages(ctx, rewritten); err != nil {
		return err
	}
	for i := range rewritten {
		if marker.FindLastCompletedObservationBoundary(&rewritten[i]) >= 0 {
			turn.SealedIDs[rewritten[i].ID] = struct{}{}
		}
	}
	return nil
}

func (s *Scheduler) activateBuffered(ctx context.Context, record *domain.Record, hostThreadID string) (*domain.Record, error) {
	ratio := s.Config.Observation.AsyncActivation
	if ratio <= 0 {
		ratio = 1.0
	}
	if _, err := s.Async.ActivateObservations(ctx, record.ID, hostThreadID, ratio); err != nil {
		return nil, err
	}
	updated, err := s.Store.Get(ctx, record.Key)
	if err != nil {
		return nil, err
	}
	if updated.BufferedReflection != "" {
		if err := s.Async.ActivateReflection(ctx, updated, hostThreadID); err != nil {
			return nil, err
		}
		updated, err = s.Store.Get(ctx, record.Key)
		if err != nil {
			return nil, err
		}
	}
	return updated, nil
}

func (s *Scheduler) maybeTriggerBuffering(key domain.ScopeKey, record *domain.Record, unobserved []domain.Message, totalPendingTokens int, hostThreadID string) {
	bufferEvery := s.Config.Observation.BufferEvery
	if bufferEvery <= 0 {
		return
	}
	if totalPendingTokens-record.LastBufferedAtTokens < bufferEvery {
		return
	}
	if s.Async.InFlight(key.String()) || record.IsBufferingObservation {
		return
	}
	ids := make([]string, 0, len(unobserved))
	for _, m := range unobserved {
		ids = append(ids, m.ID)
	}
	go func() {
		bgCtx := context.Background()
		_ = s.Async.BufferObservations(bgCtx, key, asyncbuffer.BufferObservationsArgs{
			Model: s.Config.Model, Record: record, Messages: unobserved, MessageIDs: ids,
			TokensToObserve: totalPendingTokens, HostThreadID: hostThreadID, Settings: s.Config.Settings,
		})
	}()
}

// maybeTriggerReflectionBuffering implements the §4.7 "reflection
// buffering trigger": fires once when ObservationTokenCount crosses
// ReflectionAsyncActivation × ReflectionThreshold, no buffered reflection
// already exists, and no reflection buffering is in flight.
func (s *Scheduler) maybeTriggerReflectionBuffering(key domain.ScopeKey, record *domain.Record, hostThreadID string) {
	if s.Config.ReflectionAsyncActivation <= 0 || s.Config.ReflectionThreshold <= 0 {
		return
	}
	if record.BufferedReflection != "" || record.IsBufferingReflection {
		return
	}
	target := int(s.Config.ReflectionAsyncActivation * float64(s.Config.ReflectionThreshold))
	if record.ObservationTokenCount < target {
		return
	}
	go func() {
		bgCtx := context.Background()
		_ = s.Async.BufferReflection(bgCtx, key, asyncbuffer.BufferReflectionArgs{
			Model: s.Config.ReflectionModel, Record: record, TargetTokens: target,
			HostThreadID: hostThreadID, Settings: s.Config.ReflectionSettings,
		})
	}()
}

// unobservedOf returns the subset of messages not yet accounted for by
// record, in their original order.
func unobservedOf(messages []domain.Message, record *domain.Record) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if record.HasObserved(m.ID) {
			continue
		}
		if marker.FindLastCompletedObservationBoundary(&m) >= 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

func messagesToRemove(msgs []domain.Message) map[string]struct{} {
	out := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		out[m.ID] = struct{}{}
	}
	return out
}

func removeMessages(messages []domain.Message, ids map[string]struct{}) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if _, drop := ids[m.ID]; drop {
			continue
		}
		out = append(out, m)
	}
	return out
}

// filterCoveredMessages drops messages fully covered by a completed
// observation boundary, or — when no markers are present but the record
// shows prior activation — covered by observedMessageIds/lastObservedAt
// (§4.8 step 9, P1).
func filterCoveredMessages(messages []domain.Message, record *domain.Record) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if marker.FindLastCompletedObservationBoundary(&m) >= 0 {
			continue
		}
		if record != nil && record.HasObserved(m.ID) && !m.CreatedAt.After(record.LastObservedAt) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func dropInjectedMessages(messages []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID == inject.InjectedSystemMessageID || m.ID == inject.ContinuationReminderID {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Scheduler) crossThreadContext(ctx context.Context, resourceID, currentThreadID string, record *domain.Record) ([]inject.OtherConversation, int, error) {
	threadIDs, err := s.Store.ListThreads(ctx, store.ThreadFilter{ResourceID: resourceID})
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(threadIDs)

	var out []inject.OtherConversation
	total := 0
	for _, tid := range threadIDs {
		if tid == currentThreadID {
			continue
		}
		meta, err := s.Store.GetThreadByID(ctx, tid)
		if err != nil {
			return nil, 0, err
		}
		msgs, err := s.Store.ListMessages(ctx, store.MessageFilter{ThreadID: tid, After: meta.LastObservedAt, OrderBy: "created_at asc"})
		if err != nil {
			return nil, 0, err
		}
		fresh := make([]domain.Message, 0, len(msgs))
		for _, m := range msgs {
			if record.HasObserved(m.ID) {
				continue
			}
			fresh = append(fresh, m)
		}
		if len(fresh) == 0 {
			continue
		}
		total += s.Counter.CountMessages(domain.CountableMessages(fresh))
		out = append(out, inject.OtherConversation{ThreadID: tid, Body: llmrole.FormatMessages(fresh)})
	}
	return out, total, nil
}

// observeSynchronously dispatches to the single-thread or resource-scoped
// multi-thread observation path depending on Config.Scope (§4.10, §4.11).
func (s *Scheduler) observeSynchronously(ctx context.Context, key domain.ScopeKey, record *domain.Record, args ProcessInputStepArgs, unobserved []domain.Message, turn *Turn) error {
	if len(unobserved) == 0 {
		return nil
	}
	var err error
	if s.Config.Scope == domain.ScopeResource {
		err = s.observeResourceScope(ctx, key, record, args.ResourceID, turn)
	} else {
		err = s.observeSingleThread(ctx, key, record, unobserved, turn)
	}
	if err != nil {
		return err
	}
	return s.maybeReflect(ctx, key, turn)
}

func (s *Scheduler) observeSingleThread(ctx context.Context, key domain.ScopeKey, record *domain.Record, batch []domain.Message, turn *Turn) error {
	if len(batch) == 0 {
		return nil
	}
	// Bail if another instance's cursor already passed this batch.
	latest, err := s.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	if latest.LastObservedAt.After(record.LastObservedAt) {
		return nil
	}

	// The last message of the batch hosts the observation-start/-end
	// markers; Execute appends the end marker onto it directly, which
	// seals it (§4.2, §4.10 step 1/6).
	host := &batch[len(batch)-1]

	res, usage, err := s.Observer.CallSingleThread(ctx, llmrole.SingleThreadArgs{
		Model: s.Config.Model, ExistingObservations: record.ActiveObservations, Messages: batch,
		RecordID: record.ID, ThreadID: key.ThreadID, TokensToObserve: s.Counter.CountMessages(domain.CountableMessages(batch)),
		HostThreadID: turn.HostThreadID, HostMessage: host, Writer: s.Writer, Settings: s.Config.Settings,
	})
	if err != nil {
		return err
	}
	_ = usage

	merged := mergeObservations(record.ActiveObservations, res.Observations)
	maxCreated := maxCreatedAt(batch)
	observedIDs := record.CloneObservedMessageIDs()
	for _, m := range batch {
		observedIDs[m.ID] = struct{}{}
	}
	if err := s.Store.UpdateActiveObservations(ctx, store.UpdateActiveObservationsArgs{
		ID: record.ID, Text: merged, TokenCount: s.Counter.CountObservations(merged),
		LastObservedAt: maxCreated, ObservedMessageIDs: observedIDs,
	}); err != nil {
		return err
	}
	if err := s.Store.UpdateThread(ctx, key.ThreadID, domain.ThreadMetadata{
		LastObservedAt: maxCreated, CurrentTask: res.CurrentTask, SuggestedResponse: res.SuggestedResponse,
	}); err != nil {
		return err
	}
	return s.persistObservedHost(ctx, turn, host)
}

// persistObservedHost re-persists host (now carrying the observation-end
// marker appended by Execute) and registers the seal with turn so a later
// persist of the same ID — however unlikely, since observed messages are
// dropped from Turn.Pending — gets id-rewritten instead of clobbering it.
func (s *Scheduler) persistObservedHost(ctx context.Context, turn *Turn, host *domain.Message) error {
	if host == nil {
		return nil
	}
	return s.persistWithSealRewrite(ctx, turn, []domain.Message{*host})
}

func mergeObservations(existing, addition string) string {
	if addition == "" {
		return existing
	}
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}

func maxCreatedAt(msgs []domain.Message) time.Time {
	var max time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(max) {
			max = m.CreatedAt
		}
	}
	return max
}

// latestMessageIn returns a pointer to the most-recently-created message
// across every thread's batch in byThread — the host a multi-thread
// Observer call's markers are appended to.
func latestMessageIn(byThread map[string][]domain.Message) *domain.Message {
	var host *domain.Message
	for id := range byThread {
		msgs := byThread[id]
		for i := range msgs {
			if host == nil || msgs[i].CreatedAt.After(host.CreatedAt) {
				host = &msgs[i]
			}
		}
	}
	return host
}

// observeResourceScope implements §4.11: greedy token-budget batch
// selection across a resource's threads, oldest-first reordering, and
// parallel multi-thread Observer calls chunked by MaxTokensPerBatch.
func (s *Scheduler) observeResourceScope(ctx context.Context, key domain.ScopeKey, record *domain.Record, resourceID string, turn *Turn) error {
	threadIDs, err := s.Store.ListThreads(ctx, store.ThreadFilter{ResourceID: resourceID})
	if err != nil {
		return err
	}

	type threadBatch struct {
		id       string
		messages []domain.Message
		tokens   int
	}
	batches := make([]threadBatch, 0, len(threadIDs))
	for _, tid := range threadIDs {
		meta, err := s.Store.GetThreadByID(ctx, tid)
		if err != nil {
			return err
		}
		msgs, err := s.Store.ListMessages(ctx, store.MessageFilter{ThreadID: tid, After: meta.LastObservedAt, OrderBy: "created_at asc"})
		if err != nil {
			return err
		}
		fresh := unobservedOf(msgs, record)
		if len(fresh) == 0 {
			continue
		}
		batches = append(batches, threadBatch{id: tid, messages: fresh, tokens: s.Counter.CountMessages(domain.CountableMessages(fresh))})
	}
	if len(batches) == 0 {
		return nil
	}

	sort.Slice(batches, func(i, j int) bool { return batches[i].tokens > batches[j].tokens })
	obsThreshold := s.Config.Observation.EffectiveMessageThreshold(record.ObservationTokenCount)
	selected := make([]threadBatch, 0, len(batches))
	cum := 0
	for _, b := range batches {
		if cum >= obsThreshold && len(selected) > 0 {
			break
		}
		selected = append(selected, b)
		cum += b.tokens
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].messages[0].CreatedAt.Before(selected[j].messages[0].CreatedAt)
	})

	maxPerBatch := s.Config.MaxTokensPerBatch
	type callBatch struct {
		threadIDs []string
		byThread  map[string][]domain.Message
	}
	var callBatches []callBatch
	cur := callBatch{byThread: make(map[string][]domain.Message)}
	curTokens := 0
	for _, b := range selected {
		if maxPerBatch > 0 && curTokens > 0 && curTokens+b.tokens > maxPerBatch {
			callBatches = append(callBatches, cur)
			cur = callBatch{byThread: make(map[string][]domain.Message)}
			curTokens = 0
		}
		cur.threadIDs = append(cur.threadIDs, b.id)
		cur.byThread[b.id] = b.messages
		curTokens += b.tokens
	}
	if len(cur.threadIDs) > 0 {
		callBatches = append(callBatches, cur)
	}

	results := make([]map[string]llmrole.ObserverResult, len(callBatches))
	hosts := make([]*domain.Message, len(callBatches))
	g, gctx := errgroup.WithContext(ctx)
	for i, cb := range callBatches {
		i, cb := i, cb
		g.Go(func() error {
			host := latestMessageIn(cb.byThread)
			res, _, err := s.Observer.CallMultiThread(gctx, llmrole.MultiThreadArgs{
				Model: s.Config.Model, ExistingObservations: record.ActiveObservations,
				ThreadMessages: cb.byThread, ThreadIDs: cb.threadIDs,
				HostThreadID: turn.HostThreadID, HostMessage: host, Writer: s.Writer, Settings: s.Config.Settings,
			})
			if err != nil {
				return err
			}
			results[i] = res
			hosts[i] = host
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	byThreadID := make(map[string]llmrole.ObserverResult)
	for _, r := range results {
		for id, res := range r {
			byThreadID[id] = res
		}
	}
	for _, host := range hosts {
		if err := s.persistObservedHost(ctx, turn, host); err != nil {
			return err
		}
	}

	observedIDs := record.CloneObservedMessageIDs()
	var maxObserved time.Time
	var merged string = record.ActiveObservations
	for _, b := range selected {
		res, ok := byThreadID[b.id]
		if !ok {
			continue
		}
		block := llmrole.WrapThread(b.id, res.Observations)
		if block != "" {
			merged = mergeObservations(merged, block)
		}
		for _, m := range b.messages {
			observedIDs[m.ID] = struct{}{}
		}
		threadMax := maxCreatedAt(b.messages)
		if threadMax.After(maxObserved) {
			maxObserved = threadMax
		}
		if err := s.Store.UpdateThread(ctx, b.id, domain.ThreadMetadata{
			LastObservedAt: threadMax, CurrentTask: res.CurrentTask, SuggestedResponse: res.SuggestedResponse,
		}); err != nil {
			return err
		}
	}

	return s.Store.UpdateActiveObservations(ctx, store.UpdateActiveObservationsArgs{
		ID: record.ID, Text: merged, TokenCount: s.Counter.CountObservations(merged),
		LastObservedAt: maxObserved, ObservedMessageIDs: observedIDs,
	})
}

// ObserveNow runs a synchronous observation cycle for (threadID, resourceID)
// outside the per-step state machine, for callers of the public `observe`
// operation (§6). It takes the scope lock like the threshold-reached branch
// of ProcessInputStep does, loads whatever history hasn't been observed
// yet, and runs the same single-thread/resource-scope dispatch.
func (s *Scheduler) ObserveNow(ctx context.Context, threadID, resourceID string) error {
	key := s.scopeKey(ProcessInputStepArgs{ThreadID: threadID, ResourceID: resourceID})
	release := s.Locks.Lock(key.String())
	defer release()

	record, err := s.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	if record == nil {
		record, err = s.Store.Initialize(ctx, key)
		if err != nil {
			return err
		}
	}

	turn := newTurn(key, threadID)
	var unobserved []domain.Message
	if s.Config.Scope == domain.ScopeThread {
		history, err := s.Store.ListMessages(ctx, store.MessageFilter{
			ThreadID: threadID, After: record.LastObservedAt, OrderBy: "created_at asc",
		})
		if err != nil {
			return err
		}
		unobserved = unobservedOf(history, record)
		if len(unobserved) == 0 {
			return nil
		}
	}

	if s.Config.Scope == domain.ScopeResource {
		if err := s.observeResourceScope(ctx, key, record, resourceID, turn); err != nil {
			return err
		}
		return s.maybeReflect(ctx, key, turn)
	}
	args := ProcessInputStepArgs{ThreadID: threadID, ResourceID: resourceID}
	return s.observeSynchronously(ctx, key, record, args, unobserved, turn)
}

// ReflectNow forces a reflection cycle for (threadID, resourceID), optionally
// carrying human-directed guidance, for callers of the public `reflect`
// operation (§6). Unlike maybeReflect it does not require
// ObservationTokenCount to have crossed ReflectionThreshold — an explicit
// request compresses whatever is currently active.
func (s *Scheduler) ReflectNow(ctx context.Context, threadID, resourceID, guidance string) error {
	key := s.scopeKey(ProcessInputStepArgs{ThreadID: threadID, ResourceID: resourceID})
	release := s.Locks.Lock(key.String())
	defer release()

	record, err := s.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	if record == nil {
		record, err = s.Store.Initialize(ctx, key)
		if err != nil {
			return err
		}
	}
	if record.IsReflecting {
		return nil
	}

	turn := newTurn(key, threadID)
	target := s.Config.ReflectionThreshold
	if target <= 0 {
		target = record.ObservationTokenCount
	}

	if err := s.Store.SetReflectingFlag(ctx, record.ID, true); err != nil {
		return err
	}
	defer func() { _ = s.Store.SetReflectingFlag(ctx, record.ID, false) }()

	res, err := s.Reflector.Call(ctx, llmrole.CallArgs{
		Model: s.Config.ReflectionModel, ExistingObservations: record.ActiveObservations,
		Guidance: guidance, TargetTokens: target, RecordID: record.ID,
		HostThreadID: turn.HostThreadID, Writer: s.Writer, Settings: s.Config.ReflectionSettings,
	})
	if err != nil {
		return err
	}
	return s.Store.CreateReflectionGeneration(ctx, store.CreateReflectionGenerationArgs{
		CurrentRecord: record, Reflection: res.Text, TokenCount: s.Counter.CountObservations(res.Text),
	})
}

// maybeReflect implements §4.12: reflection fires once observationTokenCount
// crosses ReflectionThreshold and no reflection is already in flight.
func (s *Scheduler) maybeReflect(ctx context.Context, key domain.ScopeKey, turn *Turn) error {
	if s.Config.ReflectionThreshold <= 0 {
		return nil
	}
	record, err := s.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	if record.ObservationTokenCount <= s.Config.ReflectionThreshold || record.IsReflecting {
		return nil
	}

	if record.BufferedReflection != "" {
		return s.Async.ActivateReflection(ctx, record, turn.HostThreadID)
	}

	if err := s.Store.SetReflectingFlag(ctx, record.ID, true); err != nil {
		return err
	}
	defer func() { _ = s.Store.SetReflectingFlag(ctx, record.ID, false) }()

	res, err := s.Reflector.Call(ctx, llmrole.CallArgs{
		Model: s.Config.ReflectionModel, ExistingObservations: record.ActiveObservations,
		TargetTokens: s.Config.ReflectionThreshold, RecordID: record.ID,
		HostThreadID: turn.HostThreadID, Writer: s.Writer, Settings: s.Config.ReflectionSettings,
	})
	if err != nil {
		return err
	}
	return s.Store.CreateReflectionGeneration(ctx, store.CreateReflectionGenerationArgs{
		CurrentRecord: record, Reflection: res.Text, TokenCount: s.Counter.CountObservations(res.Text),
	})
}
