package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/parleylabs/parley/internal/knowledge"
	"github.com/parleylabs/parley/internal/rooms"
	"github.com/parleylabs/parley/internal/store"
	"github.com/parleylabs/parley/internal/wire"
)

// outcomeBlocked is recorded for every non-knowledge action of an
// over-budget agent.
const outcomeBlocked = "error: BLOCKED - over budget"

// Config tunes the executor.
type Config struct {
	DefaultModel   string
	ModelAllowList []string // empty list allows any model
	ReactStep      float64  // interval nudge per reaction (0.5s)
	RingCapacity   int
}

// Nudger lets the scheduler hear about interval changes it should re-plan
// around (reactions, wakes).
type Nudger interface {
	NudgeInterval(agentID int64, interval float64)
}

// Executor validates and applies reply actions. Knowledge mutations land
// immediately; everything that crosses aggregate boundaries is queued and
// flushed in a fixed order after the validation pass.
type Executor struct {
	svc     *rooms.Service
	rings   *Rings
	cfg     Config
	allowMu sync.RWMutex // guards cfg.ModelAllowList after hot reloads
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	nudger  Nudger
}

func NewExecutor(svc *rooms.Service, rings *Rings, cfg Config) *Executor {
	if cfg.ReactStep == 0 {
		cfg.ReactStep = 0.5
	}
	return &Executor{
		svc:   svc,
		rings: rings,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// SetClock overrides the executor clock for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// SetSleeper overrides the typing-wait sleeper for tests.
func (e *Executor) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

// SetNudger wires the scheduler's interval feedback.
func (e *Executor) SetNudger(n Nudger) { e.nudger = n }

// pending holds queued side effects in their flush categories.
type pending struct {
	attention  []SetAttention
	leaves     []LeaveRoom
	billboards []Action
	wakes      []WakeAgent
	messages   []SendMessage
	creates    []CreateAgent
	alters     []AlterAgent
	retires    []RetireAgent
	sleeps     []Sleep
}

// Apply runs a parsed reply for one agent. Validation failures are recorded
// on the ring and never abort the rest of the list; only context
// cancellation and storage failures surface as errors.
func (e *Executor) Apply(ctx context.Context, agentID int64, reply wire.Reply, overBudget bool) error {
	st := e.svc.Store()
	agent, err := st.GetAgent(agentID)
	if err != nil {
		return fmt.Errorf("actions: load agent %d: %w", agentID, err)
	}
	ring := e.rings.For(agentID)

	raws := slices.Clone(reply.Actions)
	for _, r := range reply.Responses {
		raw := map[string]any{"kind": "message", "room_id": r.RoomID, "content": r.Content}
		if r.ReplyTo != nil {
			raw["reply_to"] = *r.ReplyTo
		}
		raws = append(raws, raw)
	}

	var p pending
	doc := knowledge.FromMap(agent.Knowledge)
	knowledgeDirty := false
	agentDirty := false

	for _, raw := range raws {
		action, err := Decode(raw)
		if err != nil {
			ring.Add(Entry{Kind: rawKind(raw), Params: keyParams(raw), Outcome: "error: " + err.Error(), At: e.now()})
			continue
		}
		if overBudget && !isKnowledge(action) {
			ring.Add(Entry{Kind: action.Kind(), Params: keyParams(raw), Outcome: outcomeBlocked, At: e.now()})
			continue
		}

		outcome := "queued"
		switch a := action.(type) {
		case KnowledgeSet:
			if err := doc.Set(a.Path, a.Value); err != nil {
				outcome = "error: " + err.Error()
			} else {
				outcome = "ok"
				knowledgeDirty = true
			}
		case KnowledgeDelete:
			if err := doc.Delete(a.Path); err != nil {
				outcome = "error: " + err.Error()
			} else {
				outcome = "ok"
				knowledgeDirty = true
			}
		case KnowledgeAppend:
			if err := doc.Append(a.Path, a.Value); err != nil {
				outcome = "error: " + err.Error()
			} else {
				outcome = "ok"
				knowledgeDirty = true
			}

		case SetWPM:
			agent.WPM = store.ClampWPM(a.WPM)
			agentDirty = true
			outcome = "ok"
		case SetName:
			if len(a.Name) > 50 {
				outcome = "error: name longer than 50 characters"
			} else {
				agent.Name = a.Name
				agentDirty = true
				outcome = "ok"
			}
		case React:
			outcome = e.applyReact(agent, a)

		case SendMessage:
			if err := e.validateSend(agent, a); err != nil {
				outcome = "error: " + err.Error()
			} else {
				p.messages = append(p.messages, a)
			}
		case LeaveRoom:
			if err := e.validateLeave(agent, a); err != nil {
				outcome = "error: " + err.Error()
			} else {
				p.leaves = append(p.leaves, a)
			}
		case SetBillboard, ClearBillboard:
			p.billboards = append(p.billboards, action)
		case SetAttention:
			if err := e.validateAttention(agent, a); err != nil {
				outcome = "error: " + err.Error()
			} else {
				p.attention = append(p.attention, a)
			}
		case WakeAgent:
			if err := e.validateWake(agent, a); err != nil {
				outcome = "error: " + err.Error()
			} else {
				p.wakes = append(p.wakes, a)
			}
		case Sleep:
			p.sleeps = append(p.sleeps, a)
		case CreateAgent:
			a, err := e.validateCreate(agent, a)
			if err != nil {
				outcome = "error: " + err.Error()
			} else {
				p.creates = append(p.creates, a)
			}
		case AlterAgent:
			if err := e.validateTargeting(agent, a.AgentID, a.Model, "cannot alter yourself"); err != nil {
				outcome = "error: " + err.Error()
			} else {
				p.alters = append(p.alters, a)
			}
		case RetireAgent:
			if err := e.validateTargeting(agent, a.AgentID, "", "cannot retire yourself"); err != nil {
				outcome = "error: " + err.Error()
			} else {
				p.retires = append(p.retires, a)
			}
		}
		ring.Add(Entry{Kind: action.Kind(), Params: keyParams(raw), Outcome: outcome, At: e.now()})
	}

	if knowledgeDirty {
		agent.Knowledge = doc.Map()
		agentDirty = true
	}
	if agentDirty {
		if err := st.SaveAgent(agent); err != nil {
			return fmt.Errorf("actions: save agent %d: %w", agentID, err)
		}
	}

	return e.flush(ctx, agent, &p, ring)
}

// flush applies queued effects in the fixed order: attention, leaves,
// billboards, wakes, messages, creates, alters, retires, sleeps.
func (e *Executor) flush(ctx context.Context, agent *store.Agent, p *pending, ring *Ring) error {
	st := e.svc.Store()

	for _, a := range p.attention {
		m, err := st.GetMembership(agent.ID, a.RoomID)
		if err != nil {
			e.flushError(ring, a, err)
			continue
		}
		m.Dynamic = a.Dynamic
		m.AttentionPct = a.Percent
		if err := st.SaveMembership(m); err != nil {
			e.flushError(ring, a, err)
		}
	}

	for _, a := range p.leaves {
		if err := e.svc.Leave(agent.ID, a.RoomID); err != nil {
			e.flushError(ring, a, err)
		}
	}

	for _, a := range p.billboards {
		fresh, err := st.GetAgent(agent.ID)
		if err != nil {
			e.flushError(ring, a, err)
			continue
		}
		if set, ok := a.(SetBillboard); ok {
			fresh.Billboard = set.Message
		} else {
			fresh.Billboard = ""
		}
		if err := st.SaveAgent(fresh); err != nil {
			e.flushError(ring, a, err)
			continue
		}
		agent.Billboard = fresh.Billboard
		e.svc.NotifyRoomChanged(agent.ID)
	}

	for _, a := range p.wakes {
		target, err := st.GetAgent(a.AgentID)
		if err != nil {
			e.flushError(ring, a, err)
			continue
		}
		target.SleepUntil = nil
		target.Status = store.StatusIdle
		if err := st.SaveAgent(target); err != nil {
			e.flushError(ring, a, err)
			continue
		}
		if e.nudger != nil {
			e.nudger.NudgeInterval(target.ID, target.IntervalSecs)
		}
	}

	for _, a := range p.messages {
		if err := e.sendMessage(ctx, agent, a); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			e.flushError(ring, a, err)
		}
	}

	for _, a := range p.creates {
		_, err := e.svc.CreateAgent(rooms.CreateParams{
			Name:       a.Name,
			SeedPrompt: a.BackgroundPrompt,
			Kind:       store.AgentKind(a.AgentType),
			Model:      a.Model,
			InRoomID:   a.InRoomID,
		})
		if err != nil {
			e.flushError(ring, a, err)
		}
	}

	for _, a := range p.alters {
		target, err := st.GetAgent(a.AgentID)
		if err != nil {
			e.flushError(ring, a, err)
			continue
		}
		if a.Name != "" {
			target.Name = a.Name
		}
		if a.BackgroundPrompt != "" {
			target.SeedPrompt = a.BackgroundPrompt
		}
		if a.Model != "" {
			target.Model = a.Model
		}
		if err := st.SaveAgent(target); err != nil {
			e.flushError(ring, a, err)
		}
	}

	for _, a := range p.retires {
		if err := e.svc.DeleteAgent(a.AgentID); err != nil {
			e.flushError(ring, a, err)
			continue
		}
		e.rings.Drop(a.AgentID)
	}

	for _, a := range p.sleeps {
		fresh, err := st.GetAgent(agent.ID)
		if err != nil {
			e.flushError(ring, a, err)
			continue
		}
		until := a.Until
		fresh.SleepUntil = &until
		fresh.Status = store.StatusSleeping
		if err := st.SaveAgent(fresh); err != nil {
			e.flushError(ring, a, err)
		}
	}
	return nil
}

func (e *Executor) flushError(ring *Ring, a Action, err error) {
	slog.Warn("queued action failed", "kind", a.Kind(), "error", err)
	ring.Add(Entry{Kind: a.Kind(), Outcome: "error: " + err.Error(), At: e.now()})
}

var blankLine = regexp.MustCompile(`\n[ \t]*\n+`)

// SplitChunks breaks message content on blank-line boundaries; each chunk is
// typed and sent separately.
func SplitChunks(content string) []string {
	var out []string
	for _, part := range blankLine.Split(content, -1) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// sendMessage performs the typing-wait send of one queued message, chunk by
// chunk. The wait makes the agent "earn" each chunk's words at the room's
// WPM since its last response in that room.
func (e *Executor) sendMessage(ctx context.Context, agent *store.Agent, a SendMessage) error {
	st := e.svc.Store()
	room, err := st.GetAgent(a.RoomID)
	if err != nil {
		return fmt.Errorf("room %d: %w", a.RoomID, err)
	}
	wpm := store.ClampWPM(room.WPM)

	for _, chunk := range SplitChunks(a.Content) {
		m, err := st.GetMembership(agent.ID, a.RoomID)
		if err != nil {
			return fmt.Errorf("membership: %w", err)
		}
		words := len(strings.Fields(chunk))

		if m.LastResponseAt != nil {
			elapsed := e.now().Sub(*m.LastResponseAt)
			earned := elapsed.Minutes() * float64(wpm)
			if earned < float64(words) {
				wait := time.Duration((float64(words) - earned) / float64(wpm) * float64(time.Minute))
				if err := e.svc.SetStatus(agent.ID, store.StatusTyping); err != nil {
					slog.Warn("typing status", "agent", agent.ID, "error", err)
				}
				if err := e.sleep(ctx, wait); err != nil {
					return err
				}
			}
		}

		msg, err := e.svc.PostMessage(a.RoomID, &agent.ID, agent.Name, chunk, store.MessageText, a.ReplyTo)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		m.LastSeq = msg.Seq
		m.LastResponseAt = &now
		m.LastResponseWords = words
		if err := st.SaveMembership(m); err != nil {
			return fmt.Errorf("membership update: %w", err)
		}
	}
	return nil
}

// applyReact nudges the reacted-to message's sender: positive delta asks for
// a faster cadence (smaller interval).
func (e *Executor) applyReact(agent *store.Agent, a React) string {
	st := e.svc.Store()
	memberships, err := st.ListMembershipsForAgent(agent.ID)
	if err != nil {
		return "error: " + err.Error()
	}
	var target *store.Message
	for _, m := range memberships {
		msgs, err := st.ListMessagesForRoom(m.RoomID)
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			if msg.ID == a.MessageID {
				target = msg
				break
			}
		}
		if target != nil {
			break
		}
	}
	if target == nil {
		return "error: message not visible"
	}
	if target.SenderID == nil || *target.SenderID == agent.ID {
		return "error: cannot react to that message"
	}
	sender, err := st.GetAgent(*target.SenderID)
	if err != nil {
		return "error: " + err.Error()
	}
	step := e.cfg.ReactStep
	if a.Delta < 0 {
		step = -step
	}
	sender.IntervalSecs = store.ClampInterval(sender.IntervalSecs - step)
	if err := st.SaveAgent(sender); err != nil {
		return "error: " + err.Error()
	}
	if e.nudger != nil {
		e.nudger.NudgeInterval(sender.ID, sender.IntervalSecs)
	}
	return "ok"
}

func (e *Executor) validateSend(agent *store.Agent, a SendMessage) error {
	if _, err := e.svc.Store().GetMembership(agent.ID, a.RoomID); err != nil {
		return fmt.Errorf("not a member of room %d", a.RoomID)
	}
	return nil
}

func (e *Executor) validateLeave(agent *store.Agent, a LeaveRoom) error {
	if a.RoomID == agent.ID {
		return errors.New("cannot leave own room")
	}
	if _, err := e.svc.Store().GetMembership(agent.ID, a.RoomID); err != nil {
		return fmt.Errorf("not a member of room %d", a.RoomID)
	}
	return nil
}

func (e *Executor) validateAttention(agent *store.Agent, a SetAttention) error {
	if _, err := e.svc.Store().GetMembership(agent.ID, a.RoomID); err != nil {
		return fmt.Errorf("not a member of room %d", a.RoomID)
	}
	if !a.Dynamic && (a.Percent < 0 || a.Percent > 100) {
		return fmt.Errorf("percent %g out of range [0,100]", a.Percent)
	}
	return nil
}

func (e *Executor) validateWake(agent *store.Agent, a WakeAgent) error {
	target, err := e.svc.Store().GetAgent(a.AgentID)
	if err != nil {
		return fmt.Errorf("agent %d not found", a.AgentID)
	}
	if target.SleepUntil == nil || !target.SleepUntil.After(e.now()) {
		return fmt.Errorf("%s is not sleeping", target.Name)
	}
	shared, err := e.sharesRoom(agent.ID, a.AgentID)
	if err != nil {
		return err
	}
	if !shared {
		return fmt.Errorf("no shared room with %s", target.Name)
	}
	return nil
}

func (e *Executor) validateCreate(agent *store.Agent, a CreateAgent) (CreateAgent, error) {
	if !agent.MayCreateAgents {
		return a, errors.New("not permitted to create agents")
	}
	if a.Model == "" {
		a.Model = e.cfg.DefaultModel
	}
	if !e.modelAllowed(a.Model) {
		return a, fmt.Errorf("model %q not in allow-list", a.Model)
	}
	switch a.AgentType {
	case "", string(store.KindPersona):
		a.AgentType = string(store.KindPersona)
	case string(store.KindBot):
	default:
		return a, fmt.Errorf("unknown agent_type %q", a.AgentType)
	}
	return a, nil
}

func (e *Executor) validateTargeting(agent *store.Agent, targetID int64, model, selfErr string) error {
	if targetID == agent.ID {
		return errors.New(selfErr)
	}
	if !agent.MayCreateAgents {
		return errors.New("not permitted to manage agents")
	}
	if model != "" && !e.modelAllowed(model) {
		return fmt.Errorf("model %q not in allow-list", model)
	}
	if _, err := e.svc.Store().GetAgent(targetID); err != nil {
		return fmt.Errorf("agent %d not found", targetID)
	}
	shared, err := e.sharesRoom(agent.ID, targetID)
	if err != nil {
		return err
	}
	if !shared {
		return fmt.Errorf("no shared room with agent %d", targetID)
	}
	return nil
}

func (e *Executor) sharesRoom(a, b int64) (bool, error) {
	memberships, err := e.svc.Store().ListMembershipsForAgent(a)
	if err != nil {
		return false, err
	}
	for _, m := range memberships {
		if _, err := e.svc.Store().GetMembership(b, m.RoomID); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// SetModelAllowList swaps the model allow-list at runtime (config hot
// reload).
func (e *Executor) SetModelAllowList(models []string) {
	e.allowMu.Lock()
	e.cfg.ModelAllowList = slices.Clone(models)
	e.allowMu.Unlock()
}

func (e *Executor) modelAllowed(model string) bool {
	e.allowMu.RLock()
	defer e.allowMu.RUnlock()
	if len(e.cfg.ModelAllowList) == 0 {
		return true
	}
	return slices.Contains(e.cfg.ModelAllowList, model)
}

func isKnowledge(a Action) bool {
	switch a.(type) {
	case KnowledgeSet, KnowledgeDelete, KnowledgeAppend:
		return true
	}
	return false
}

func rawKind(raw map[string]any) string {
	if k, ok := raw["kind"].(string); ok && k != "" {
		return k
	}
	if k, ok := raw["type"].(string); ok && k != "" {
		return k
	}
	return "unknown"
}

// keyParams keeps the small identifying fields for the ring, dropping bulky
// content and values.
func keyParams(raw map[string]any) map[string]any {
	out := map[string]any{}
	for _, k := range []string{"room_id", "path", "agent_id", "message_id", "name", "wpm", "percent", "until"} {
		if v, ok := raw[k]; ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
