// Package scheduler drives the heartbeat loop: it tracks per-agent due
// times, fires due agents against the LLM, and applies their replies.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleylabs/parley/internal/actions"
	"github.com/parleylabs/parley/internal/budget"
	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/hud"
	"github.com/parleylabs/parley/internal/providers"
	"github.com/parleylabs/parley/internal/rooms"
	"github.com/parleylabs/parley/internal/store"
	"github.com/parleylabs/parley/internal/wire"
	"github.com/parleylabs/parley/pkg/protocol"
)

var tracer = otel.Tracer("parley/scheduler")

// Mode selects how due agents are dispatched.
type Mode string

const (
	// ModeIndividual fires one worker and one LLM call per due agent.
	ModeIndividual Mode = "individual"
	// ModeBatched groups due agents by model and fires one LLM call per
	// group, carrying one segment per agent.
	ModeBatched Mode = "batched"
)

// Config tunes the engine loop.
type Config struct {
	Mode        Mode
	Tick        time.Duration // loop granularity, default 100ms
	PullForward time.Duration // promote agents due within this window, 0 disables
	StopTimeout time.Duration // bounded wait for in-flight workers on Stop
	CallTimeout time.Duration // per LLM call
	DecayStep   float64       // interval drift back toward the maximum per tick

	HistoryDepth int
	Temperature  *float64
	Format       wire.Format
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeIndividual
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 120 * time.Second
	}
	if c.DecayStep == 0 {
		c.DecayStep = 0.1
	}
	if c.Format == "" {
		c.Format = wire.FormatVerbose
	}
	return c
}

// Engine is the scheduler. One Engine runs one loop goroutine plus one
// worker goroutine per in-flight agent (or model group in batched mode).
type Engine struct {
	cfg     Config
	svc     *rooms.Service
	builder *hud.Builder
	exec    *actions.Executor
	rings   *actions.Rings
	llms    []providers.Provider
	pub     bus.Publisher
	history *History

	// due and running are touched by the loop and by workers removing
	// themselves; prevResponse chains provider conversation state.
	mu           sync.Mutex
	due          map[int64]time.Time
	running      map[int64]struct{}
	prevResponse map[int64]string

	now    func() time.Time
	randFn func() float64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfg Config, svc *rooms.Service, builder *hud.Builder, exec *actions.Executor, rings *actions.Rings, llms []providers.Provider, pub bus.Publisher) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ctx:          ctx,
		cancel:       cancel,
		cfg:          cfg,
		svc:          svc,
		builder:      builder,
		exec:         exec,
		rings:        rings,
		llms:         llms,
		pub:          pub,
		history:      NewHistory(cfg.HistoryDepth),
		due:          make(map[int64]time.Time),
		running:      make(map[int64]struct{}),
		prevResponse: make(map[int64]string),
		now:          time.Now,
		randFn:       rand.Float64,
	}
}

// SetClock overrides the engine clock for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetRand overrides the jitter source for tests.
func (e *Engine) SetRand(fn func() float64) { e.randFn = fn }

// History exposes the per-agent fire history.
func (e *Engine) History() *History { return e.history }

// Start launches the loop. Start after Stop is not supported; build a new
// Engine instead.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("scheduler: already started")
	}
	e.started = true
	e.mu.Unlock()

	e.pub.Broadcast(bus.Event{Name: protocol.EventEngineStarted, Payload: map[string]any{"mode": string(e.cfg.Mode)}})
	e.wg.Add(1)
	go e.loop()
	return nil
}

// Stop signals the loop, waits up to StopTimeout for in-flight workers, and
// clears scheduling state.
func (e *Engine) Stop() {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.StopTimeout):
		slog.Warn("scheduler: workers still in flight after stop timeout")
	}

	e.mu.Lock()
	e.due = make(map[int64]time.Time)
	e.running = make(map[int64]struct{})
	e.mu.Unlock()
	e.pub.Broadcast(bus.Event{Name: protocol.EventEngineStopped})
}

// Status is a point-in-time snapshot for the status surfaces.
type Status struct {
	Mode      Mode `json:"mode"`
	Scheduled int  `json:"scheduled"`
	InFlight  int  `json:"in_flight"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{Mode: e.cfg.Mode, Scheduled: len(e.due), InFlight: len(e.running)}
}

// Poke makes an agent due immediately (REST/CLI manual trigger).
func (e *Engine) Poke(agentID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.due[agentID]; ok {
		e.due[agentID] = e.now()
	}
}

// NudgeInterval reschedules an agent after a reaction changed its heartbeat
// interval: the pending due time is pulled in when the new interval lands
// earlier. It never pushes a due time back.
func (e *Engine) NudgeInterval(agentID int64, interval float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.due[agentID]
	if !ok {
		return
	}
	candidate := e.now().Add(time.Duration(store.ClampInterval(interval) * float64(time.Second)))
	if candidate.Before(at) {
		e.due[agentID] = candidate
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.safeTick()
		}
	}
}

// safeTick guards the loop against panics from a single bad tick.
func (e *Engine) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: tick panic", "panic", r)
			select {
			case <-e.ctx.Done():
			case <-time.After(500 * time.Millisecond):
			}
		}
	}()
	e.tick(e.now())
}

// tick is one scheduling pass: refresh the pollable set, schedule
// newcomers, and dispatch everyone due.
func (e *Engine) tick(now time.Time) {
	agents, err := e.svc.Store().ListAIAgents()
	if err != nil {
		slog.Error("scheduler: list agents", "error", err)
		return
	}

	pollable := make(map[int64]*store.Agent, len(agents))
	for _, ag := range agents {
		if ag.SleepUntil != nil {
			if ag.SleepUntil.After(now) {
				continue
			}
			e.wake(ag)
		}
		pollable[ag.ID] = ag
	}

	e.mu.Lock()
	for id := range pollable {
		if _, ok := e.due[id]; !ok {
			// initial stagger so a fresh roster does not fire as one
			stagger := 0.5 + 1.5*e.randFn()
			e.due[id] = now.Add(time.Duration(stagger * float64(time.Second)))
		}
	}
	for id := range e.due {
		if _, ok := pollable[id]; !ok {
			delete(e.due, id)
		}
	}

	type fire struct {
		id int64
		at time.Time
	}
	var fires []fire
	for id, at := range e.due {
		if _, busy := e.running[id]; busy {
			continue
		}
		if !at.After(now) {
			fires = append(fires, fire{id, at})
		}
	}
	if len(fires) > 0 && e.cfg.PullForward > 0 {
		horizon := now.Add(e.cfg.PullForward)
		for id, at := range e.due {
			if _, busy := e.running[id]; busy {
				continue
			}
			if at.After(now) && !at.After(horizon) {
				fires = append(fires, fire{id, at})
			}
		}
	}
	sort.Slice(fires, func(i, j int) bool { return fires[i].at.Before(fires[j].at) })

	var ids []int64
	for _, f := range fires {
		ag := pollable[f.id]
		e.due[f.id] = now.Add(e.nextDelay(ag.IntervalSecs))
		e.running[f.id] = struct{}{}
		ids = append(ids, f.id)
	}
	e.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if e.cfg.Mode == ModeBatched {
		for model, group := range e.groupByModel(ids, pollable) {
			e.wg.Add(1)
			go e.runBatch(model, group)
		}
		return
	}
	for _, id := range ids {
		e.wg.Add(1)
		go e.runAgent(id)
	}
}

// nextDelay jitters the heartbeat interval by ±20% and clamps the result.
func (e *Engine) nextDelay(interval float64) time.Duration {
	jitter := (e.randFn()*0.4 - 0.2) * interval
	return time.Duration(store.ClampInterval(interval+jitter) * float64(time.Second))
}

func (e *Engine) wake(ag *store.Agent) {
	ag.SleepUntil = nil
	if err := e.svc.Store().SaveAgent(ag); err != nil {
		slog.Error("scheduler: clear sleep", "agent", ag.ID, "error", err)
		return
	}
	if err := e.svc.SetStatus(ag.ID, store.StatusIdle); err != nil {
		slog.Error("scheduler: wake status", "agent", ag.ID, "error", err)
	}
	ag.Status = store.StatusIdle
}

func (e *Engine) groupByModel(ids []int64, pollable map[int64]*store.Agent) map[string][]int64 {
	groups := make(map[string][]int64)
	for _, id := range ids {
		model := e.modelFor(pollable[id])
		groups[model] = append(groups[model], id)
	}
	return groups
}

func (e *Engine) modelFor(ag *store.Agent) string {
	if ag.Model != "" {
		return ag.Model
	}
	if len(e.llms) > 0 {
		return e.llms[0].DefaultModel()
	}
	return ""
}

func (e *Engine) finish(id int64) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// runAgent is one individual-mode worker: build HUD, call the LLM, apply
// the reply, decay the interval.
func (e *Engine) runAgent(id int64) {
	defer e.wg.Done()
	defer e.finish(id)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: worker panic", "agent", id, "panic", r)
		}
	}()

	runID := uuid.NewString()
	ctx, span := tracer.Start(e.ctx, "agent.fire", trace.WithAttributes(
		attribute.Int64("agent.id", id), attribute.String("run.id", runID)))
	defer span.End()

	st := e.svc.Store()
	ag, err := st.GetAgent(id)
	if err != nil {
		slog.Error("scheduler: load agent", "agent", id, "error", err)
		return
	}
	e.broadcastTick(protocol.TickEventFired, id, nil)

	// Errors never leave an agent pinned in thinking/typing.
	defer func() {
		cur, err := st.GetAgent(id)
		if err != nil {
			return
		}
		if cur.Status == store.StatusThinking || cur.Status == store.StatusTyping {
			if err := e.svc.SetStatus(id, store.StatusIdle); err != nil {
				slog.Error("scheduler: reset status", "agent", id, "error", err)
			}
		}
	}()

	if err := e.svc.SetStatus(id, store.StatusThinking); err != nil {
		slog.Error("scheduler: set thinking", "agent", id, "error", err)
		return
	}

	res, overBudget, err := e.buildFor(ag)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hud build")
		slog.Error("scheduler: hud build", "agent", id, "error", err)
		e.broadcastTick(protocol.TickEventFailed, id, err)
		return
	}

	model := e.modelFor(ag)
	e.mu.Lock()
	prev := e.prevResponse[id]
	e.mu.Unlock()
	req := providers.Request{
		Model:              model,
		Instructions:       ag.SeedPrompt,
		Input:              res.Text,
		PreviousResponseID: prev,
	}
	if e.cfg.Temperature != nil && providers.SupportsTemperature(model) {
		req.Temperature = e.cfg.Temperature
	}

	resp, err := e.send(ctx, model, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "llm send")
		slog.Error("scheduler: llm call", "agent", id, "run", runID, "model", model, "error", err)
		e.history.Add(id, HistoryEntry{RunID: runID, At: e.now(), HUD: res.Text, Error: err.Error(), HUDTokens: res.Tokens})
		e.broadcastTick(protocol.TickEventFailed, id, err)
		return
	}
	e.mu.Lock()
	if resp.ResponseID != "" {
		e.prevResponse[id] = resp.ResponseID
	}
	e.mu.Unlock()

	// Stop may have been signalled during the call; no side effects after.
	if e.ctx.Err() != nil {
		return
	}

	reply := wire.ParseReply(resp.Text, e.cfg.Format)
	actx, aspan := tracer.Start(ctx, "actions.apply")
	err = e.exec.Apply(actx, id, reply, overBudget)
	aspan.End()
	if err != nil {
		span.RecordError(err)
		slog.Error("scheduler: apply reply", "agent", id, "error", err)
	}

	e.history.Add(id, HistoryEntry{RunID: runID, At: e.now(), HUD: res.Text, Reply: resp.Text, HUDTokens: res.Tokens, TokensUsed: resp.TokensUsed})
	e.decay(id)
	e.broadcastTick(protocol.TickEventCompleted, id, nil)
}

// runBatch is one batched-mode worker: one LLM call for a model group, one
// segment per agent, one batch reply fanned back out.
func (e *Engine) runBatch(model string, ids []int64) {
	defer e.wg.Done()
	defer func() {
		for _, id := range ids {
			e.finish(id)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: batch panic", "model", model, "panic", r)
		}
	}()

	runID := uuid.NewString()
	ctx, span := tracer.Start(e.ctx, "batch.fire", trace.WithAttributes(
		attribute.String("model", model), attribute.Int("agents", len(ids)), attribute.String("run.id", runID)))
	defer span.End()

	st := e.svc.Store()
	type segment struct {
		agent      *store.Agent
		res        *hud.Result
		overBudget bool
	}
	var segments []segment
	for _, id := range ids {
		ag, err := st.GetAgent(id)
		if err != nil {
			slog.Error("scheduler: load agent", "agent", id, "error", err)
			continue
		}
		if err := e.svc.SetStatus(id, store.StatusThinking); err != nil {
			slog.Error("scheduler: set thinking", "agent", id, "error", err)
			continue
		}
		e.broadcastTick(protocol.TickEventFired, id, nil)
		res, over, err := e.buildFor(ag)
		if err != nil {
			slog.Error("scheduler: hud build", "agent", id, "error", err)
			e.broadcastTick(protocol.TickEventFailed, id, err)
			continue
		}
		segments = append(segments, segment{ag, res, over})
	}
	defer func() {
		for _, s := range segments {
			cur, err := st.GetAgent(s.agent.ID)
			if err != nil {
				continue
			}
			if cur.Status == store.StatusThinking || cur.Status == store.StatusTyping {
				if err := e.svc.SetStatus(s.agent.ID, store.StatusIdle); err != nil {
					slog.Error("scheduler: reset status", "agent", s.agent.ID, "error", err)
				}
			}
		}
	}()
	if len(segments) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString("Multiple agents share this context. Respond with one document: ")
	sb.WriteString(`{"agents": [{"agent_id": N, "actions": [...], "responses": [...]}, ...]}`)
	sb.WriteString(" holding one entry per agent below.\n")
	for _, s := range segments {
		fmt.Fprintf(&sb, "\n--- agent %d (%s) ---\n%s\n", s.agent.ID, s.agent.Name, s.res.Text)
	}

	req := providers.Request{Model: model, Input: sb.String()}
	if e.cfg.Temperature != nil && providers.SupportsTemperature(model) {
		req.Temperature = e.cfg.Temperature
	}
	resp, err := e.send(ctx, model, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "llm send")
		slog.Error("scheduler: batch llm call", "model", model, "run", runID, "error", err)
		for _, s := range segments {
			e.history.Add(s.agent.ID, HistoryEntry{RunID: runID, At: e.now(), HUD: s.res.Text, Error: err.Error(), HUDTokens: s.res.Tokens})
			e.broadcastTick(protocol.TickEventFailed, s.agent.ID, err)
		}
		return
	}
	if e.ctx.Err() != nil {
		return
	}

	replies := wire.ParseBatchReply(resp.Text, e.cfg.Format)
	for _, s := range segments {
		id := s.agent.ID
		reply, ok := replies[id]
		if !ok {
			slog.Warn("scheduler: batch reply missing agent", "agent", id)
			e.broadcastTick(protocol.TickEventSkipped, id, nil)
			continue
		}
		if err := e.exec.Apply(e.ctx, id, reply, s.overBudget); err != nil {
			slog.Error("scheduler: apply reply", "agent", id, "error", err)
		}
		e.history.Add(id, HistoryEntry{RunID: runID, At: e.now(), HUD: s.res.Text, Reply: resp.Text, HUDTokens: s.res.Tokens, TokensUsed: resp.TokensUsed})
		e.decay(id)
		e.broadcastTick(protocol.TickEventCompleted, id, nil)
	}
}

func (e *Engine) send(ctx context.Context, model string, req providers.Request) (*providers.Response, error) {
	llm := providers.ForModel(model, e.llms)
	if llm == nil {
		return nil, fmt.Errorf("scheduler: no provider configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	sctx, span := tracer.Start(callCtx, "llm.send", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()
	resp, err := llm.Send(sctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")
	}
	return resp, err
}

// buildFor assembles the agent's HUD and runs auto-shrink when it overruns
// the token budget. The returned flag is the final over-budget state the
// executor gates actions on.
func (e *Engine) buildFor(ag *store.Agent) (*hud.Result, bool, error) {
	st := e.svc.Store()
	mems, err := st.ListMembershipsForAgent(ag.ID)
	if err != nil {
		return nil, false, err
	}
	views := make([]hud.RoomView, 0, len(mems))
	for _, m := range mems {
		room, err := st.GetAgent(m.RoomID)
		if err != nil {
			// room owner retired between listing and loading
			continue
		}
		msgs, err := st.ListMessagesForRoom(m.RoomID)
		if err != nil {
			return nil, false, err
		}
		members, err := st.ListMembersOfRoom(m.RoomID)
		if err != nil {
			return nil, false, err
		}
		ids := make([]int64, 0, len(members))
		for _, mm := range members {
			ids = append(ids, mm.AgentID)
		}
		views = append(views, hud.RoomView{Room: room, Membership: m, Messages: msgs, Members: ids})
	}
	recent := e.rings.For(ag.ID).List()

	res, err := e.builder.Build(ag, views, recent)
	if err != nil {
		return nil, false, err
	}
	if !res.OverBudget {
		return res, false, nil
	}

	base := res.Usage.Total - res.Usage.Knowledge - res.Usage.RecentActions - res.Usage.Rooms
	alloc := budget.Alloc{KnowledgePct: ag.KnowledgePct, RecentActionsPct: ag.RecentActionsPct, RoomsPct: ag.RoomsPct}
	if alloc == (budget.Alloc{}) {
		alloc = budget.DefaultAlloc
	}
	next, changed, note, stillOver := budget.AutoShrink(ag.TokenBudget, base, alloc, budget.DefaultMinPct, res.Usage)
	slog.Warn("scheduler: hud over budget", "agent", ag.ID, "note", note)
	if !changed {
		return res, stillOver, nil
	}
	ag.KnowledgePct = next.KnowledgePct
	ag.RecentActionsPct = next.RecentActionsPct
	ag.RoomsPct = next.RoomsPct
	if err := st.SaveAgent(ag); err != nil {
		return nil, false, err
	}
	res, err = e.builder.Build(ag, views, recent)
	if err != nil {
		return nil, false, err
	}
	return res, res.OverBudget, nil
}

// decay drifts the heartbeat interval back toward the 10s maximum after a
// successful tick, countering reaction nudges over time.
func (e *Engine) decay(id int64) {
	st := e.svc.Store()
	ag, err := st.GetAgent(id)
	if err != nil {
		return
	}
	next := store.ClampInterval(ag.IntervalSecs + e.cfg.DecayStep)
	if next == ag.IntervalSecs {
		return
	}
	ag.IntervalSecs = next
	if err := st.SaveAgent(ag); err != nil {
		slog.Error("scheduler: decay save", "agent", id, "error", err)
	}
}

func (e *Engine) broadcastTick(typ string, agentID int64, err error) {
	payload := map[string]any{"type": typ, "agent_id": agentID}
	if err != nil {
		payload["error"] = err.Error()
	}
	e.pub.Broadcast(bus.Event{Name: protocol.EventTick, Payload: payload})
}
