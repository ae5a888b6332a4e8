package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/turnpike/pkg/actions"
	"github.com/dotsetgreg/turnpike/pkg/compose"
	"github.com/dotsetgreg/turnpike/pkg/config"
	"github.com/dotsetgreg/turnpike/pkg/embedqueue"
	"github.com/dotsetgreg/turnpike/pkg/events"
	"github.com/dotsetgreg/turnpike/pkg/logger"
	"github.com/dotsetgreg/turnpike/pkg/memory"
	"github.com/dotsetgreg/turnpike/pkg/model"
)

// Terminal run statuses.
const (
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
	StatusError     = "error"
	StatusMuted     = "muted"
	StatusOff       = "off"
	StatusDiscarded = "discarded"
)

// Callback receives response content as it is produced. It may be
// invoked zero or more times per message.
type Callback func(content memory.Content)

// RunResult is the closed run record for one turn.
type RunResult struct {
	RunID      string
	Status     string
	DurationMS int64
}

// Channel kinds that respond without consulting the classifier,
// before configured overrides are layered on.
var defaultBypassKinds = map[memory.ChannelKind]bool{
	memory.ChannelDM:      true,
	memory.ChannelVoiceDM: true,
	memory.ChannelSelf:    true,
	memory.ChannelAPI:     true,
}

// Orchestrator drives one turn per inbound message: persist, decide,
// plan, dispatch, evaluate. Turns for the same room may overlap; the
// token table arbitrates which one may produce output.
type Orchestrator struct {
	agentID   string
	agentName string
	cfg       config.OrchestratorConfig
	store     memory.Store
	provider  model.Provider
	registry  *actions.Registry
	composer  *compose.Composer
	queue     *embedqueue.Queue
	emitter   events.Emitter
	tokens    *TokenTable
	timeout   time.Duration
}

func New(agentID, agentName string, cfg config.OrchestratorConfig, store memory.Store, provider model.Provider, registry *actions.Registry, composer *compose.Composer, queue *embedqueue.Queue, emitter events.Emitter, tokens *TokenTable) *Orchestrator {
	timeout := time.Duration(cfg.ResponseTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Orchestrator{
		agentID:   agentID,
		agentName: agentName,
		cfg:       cfg,
		store:     store,
		provider:  provider,
		registry:  registry,
		composer:  composer,
		queue:     queue,
		emitter:   emitter,
		tokens:    tokens,
		timeout:   timeout,
	}
}

// HandleMessage processes one inbound message to completion, racing
// the pipeline against the turn timeout. The timeout is advisory: on
// expiry HandleMessage stops waiting and reports, but the pipeline
// keeps running in the background until its own checkpoints stop it.
// The done hook, when given, runs exactly once regardless of outcome.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg memory.Memory, room memory.Room, sender memory.Entity, callback Callback, done func(RunResult)) RunResult {
	token, previous := o.tokens.Mint(o.agentID, room.ID)
	if previous != "" {
		logger.DebugCF("ORCHESTRATOR", "superseding an earlier turn for this room", map[string]interface{}{
			"room_id": room.ID,
		})
	}

	runID := uuid.NewString()
	startedAt := time.Now()

	o.emitter.Emit(events.Stamp(events.Event{
		Type:     events.RunStarted,
		RunID:    runID,
		AgentID:  o.agentID,
		RoomID:   room.ID,
		EntityID: sender.ID,
	}))

	var closeOnce sync.Once
	var result RunResult
	closeRun := func(status string) {
		closeOnce.Do(func() {
			result = RunResult{
				RunID:      runID,
				Status:     status,
				DurationMS: time.Since(startedAt).Milliseconds(),
			}
			eventType := events.RunEnded
			if status == StatusTimeout {
				eventType = events.RunTimeout
			}
			o.emitter.Emit(events.Stamp(events.Event{
				Type:     eventType,
				RunID:    runID,
				AgentID:  o.agentID,
				RoomID:   room.ID,
				EntityID: sender.ID,
				Status:   status,
				Detail:   time.Since(startedAt).String(),
			}))
			if done != nil {
				done(result)
			}
		})
	}

	statusCh := make(chan string, 1)
	go func() {
		statusCh <- o.pipeline(ctx, runID, token, msg, room, sender, callback)
	}()

	select {
	case status := <-statusCh:
		closeRun(status)
	case <-time.After(o.timeout):
		closeRun(StatusTimeout)
	}
	return result
}

// pipeline is the body of one turn. Every failure resolves to a
// terminal status; nothing propagates past this boundary.
func (o *Orchestrator) pipeline(ctx context.Context, runID, token string, msg memory.Memory, room memory.Room, sender memory.Entity, callback Callback) string {
	if msg.EntityID == o.agentID {
		return StatusDiscarded
	}

	stored, err := o.persistInbound(ctx, runID, msg, room, sender)
	if err != nil {
		logger.ErrorCF("ORCHESTRATOR", "failed to persist inbound message", map[string]interface{}{
			"run_id":  runID,
			"room_id": room.ID,
			"error":   err.Error(),
		})
		return StatusError
	}

	addressed := o.addressedByName(stored.Content.Text)
	participation, err := o.participation(ctx, room, sender)
	if err != nil {
		logger.ErrorCF("ORCHESTRATOR", "failed to resolve participation", map[string]interface{}{
			"run_id":  runID,
			"room_id": room.ID,
			"error":   err.Error(),
		})
		return StatusError
	}

	if participation == memory.ParticipationOff && !addressed {
		return StatusOff
	}
	if participation == memory.ParticipationMuted && !addressed {
		return StatusMuted
	}
	if addressed && participation != memory.ParticipationActive {
		if err := o.store.SetParticipation(ctx, room.ID, o.agentID, memory.ParticipationActive); err != nil {
			logger.WarnCF("ORCHESTRATOR", "failed to activate participation", map[string]interface{}{
				"room_id": room.ID,
				"error":   err.Error(),
			})
		}
	}

	ac := &actions.ActionContext{
		AgentID: o.agentID,
		RunID:   runID,
		Room:    room,
		Message: stored,
		Store:   o.store,
	}

	decisionContext, err := o.composer.Context(ctx, ac, []string{"entities", "recent_messages", "actions"})
	if err != nil {
		logger.ErrorCF("ORCHESTRATOR", "context composition failed", map[string]interface{}{
			"run_id": runID,
			"error":  err.Error(),
		})
		return StatusError
	}

	respond := o.bypassed(room)
	if !respond {
		respond = o.classify(ctx, decisionContext, stored)
	}

	var candidate memory.Content
	if respond {
		candidate, respond = o.planResponse(ctx, ac, decisionContext, stored, room)
	}

	if !o.tokens.IsCurrent(o.agentID, room.ID, token) {
		return StatusDiscarded
	}

	var responseText string
	if respond {
		responseText = o.dispatch(ctx, ac, candidate, callback)
	} else if err := o.recordIgnored(ctx, stored, room, callback); err != nil {
		logger.ErrorCF("ORCHESTRATOR", "failed to record ignored message", map[string]interface{}{
			"run_id": runID,
			"error":  err.Error(),
		})
		return StatusError
	}

	o.evaluate(ctx, ac, responseText)
	return StatusCompleted
}

// persistInbound stores the message idempotently and hands it to the
// embedding queue without waiting. Messages that arrived with an
// external identifier jump to the high tier.
func (o *Orchestrator) persistInbound(ctx context.Context, runID string, msg memory.Memory, room memory.Room, sender memory.Entity) (memory.Memory, error) {
	if err := o.store.EnsureRoom(ctx, room); err != nil {
		return memory.Memory{}, err
	}
	if err := o.store.EnsureEntity(ctx, sender); err != nil {
		return memory.Memory{}, err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.AgentID = o.agentID
	msg.RoomID = room.ID
	if msg.Kind == "" {
		msg.Kind = memory.KindMessage
	}

	stored, created, err := o.store.CreateMemory(ctx, msg)
	if err != nil {
		if errors.Is(err, memory.ErrAlreadyExists) {
			logger.WarnCF("ORCHESTRATOR", "duplicate record treated as benign", map[string]interface{}{
				"memory_id": msg.ID,
				"kind":      string(msg.Kind),
			})
			stored = msg
		} else {
			return memory.Memory{}, err
		}
	}
	if !created {
		logger.DebugCF("ORCHESTRATOR", "reusing existing record for message", map[string]interface{}{
			"memory_id": stored.ID,
		})
	}

	tier := embedqueue.TierNormal
	if stored.ExternalID != "" {
		tier = embedqueue.TierHigh
	}
	o.queue.Enqueue(ctx, stored.ID, tier, runID)

	return stored, nil
}

// participation resolves the agent's response setting for the room,
// seeding it from configuration on first contact.
func (o *Orchestrator) participation(ctx context.Context, room memory.Room, sender memory.Entity) (memory.Participation, error) {
	state, err := o.store.GetParticipation(ctx, room.ID, o.agentID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, memory.ErrNotFound) {
		return "", err
	}

	o.emitter.Emit(events.Stamp(events.Event{
		Type:     events.EntityJoined,
		RoomID:   room.ID,
		EntityID: sender.ID,
	}))

	initial := memory.Participation(o.cfg.DefaultParticipation)
	if initial == "" {
		initial = memory.ParticipationOff
	}
	if err := o.store.EnsureParticipant(ctx, room.ID, o.agentID, initial); err != nil {
		return "", err
	}
	return initial, nil
}

func (o *Orchestrator) addressedByName(text string) bool {
	if o.agentName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(o.agentName))
}

// bypassed reports whether this room always responds without
// classification: fixed channel-kind defaults plus configured
// overrides for kinds and sources.
func (o *Orchestrator) bypassed(room memory.Room) bool {
	if defaultBypassKinds[room.ChannelKind] {
		return true
	}
	for _, kind := range o.cfg.BypassChannelKinds {
		if memory.ChannelKind(kind) == room.ChannelKind {
			return true
		}
	}
	for _, source := range o.cfg.BypassSources {
		if source == room.Source {
			return true
		}
	}
	return false
}

const classifyInstructions = `Decide whether to respond to the latest message.
Reply with a JSON object: {"action": "RESPOND"} or {"action": "IGNORE"} or {"action": "NONE"}.`

// classify issues one small-model call. Malformed output degrades to
// "do not respond".
func (o *Orchestrator) classify(ctx context.Context, decisionContext string, msg memory.Memory) bool {
	resp, err := o.provider.Classify(ctx, []model.Message{
		{Role: "system", Content: decisionContext},
		{Role: "user", Content: classifyInstructions + "\n\nLatest message:\n" + msg.Content.Text},
	})
	if err != nil {
		logger.WarnCF("ORCHESTRATOR", "classification call failed", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}

	verdict, err := parseClassification(resp.Content)
	if err != nil {
		logger.DebugCF("ORCHESTRATOR", "classification output unusable", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}

	switch verdict.Action {
	case actions.ActionIgnore, actions.ActionNone:
		return false
	default:
		return true
	}
}

// planResponse runs the configured strategy and normalizes the result.
// Any planning failure degrades to not responding.
func (o *Orchestrator) planResponse(ctx context.Context, ac *actions.ActionContext, decisionContext string, msg memory.Memory, room memory.Room) (memory.Content, bool) {
	var p plan
	var err error
	if o.cfg.MultiStep {
		p, err = o.runMultiStep(ctx, ac, decisionContext)
	} else {
		p, err = o.runSingleShot(ctx, decisionContext, msg)
	}
	if err != nil {
		logger.WarnCF("ORCHESTRATOR", "planning degraded to no response", map[string]interface{}{
			"run_id": ac.RunID,
			"error":  err.Error(),
		})
		return memory.Content{}, false
	}

	candidate := memory.Content{
		Text:        p.Text,
		Thought:     p.Thought,
		Actions:     normalizeActions(p.Actions, p.Text),
		Providers:   p.Providers,
		InReplyTo:   msg.ID,
		Source:      room.Source,
		ChannelKind: room.ChannelKind,
	}
	return candidate, true
}

// normalizeActions resolves plans that mix an ignore marker with other
// actions: empty text collapses to ignore-only, non-empty text drops
// the marker and falls back to a plain reply if nothing remains.
func normalizeActions(names []string, text string) []string {
	hasIgnore := false
	others := make([]string, 0, len(names))
	for _, name := range names {
		if name == actions.ActionIgnore {
			hasIgnore = true
		} else {
			others = append(others, name)
		}
	}
	if !hasIgnore {
		return names
	}
	if strings.TrimSpace(text) == "" {
		return []string{actions.ActionIgnore}
	}
	if len(others) == 0 {
		return []string{actions.ActionReply}
	}
	return others
}

// dispatch delivers the candidate. A simple response (exactly one
// reply action, no providers) goes straight to the callback; anything
// else runs the named handlers in order and forwards their output.
func (o *Orchestrator) dispatch(ctx context.Context, ac *actions.ActionContext, candidate memory.Content, callback Callback) string {
	ac.Planned = candidate

	simple := len(candidate.Actions) == 1 &&
		candidate.Actions[0] == actions.ActionReply &&
		len(candidate.Providers) == 0
	if simple {
		if callback != nil {
			callback(candidate)
		}
		return candidate.Text
	}

	var collected strings.Builder
	for _, name := range candidate.Actions {
		action, err := o.registry.Action(name)
		if err != nil {
			logger.WarnCF("ORCHESTRATOR", "plan named an unknown action", map[string]interface{}{
				"run_id": ac.RunID,
				"action": name,
			})
			continue
		}

		o.emitter.Emit(events.Stamp(events.Event{
			Type:  events.ActionStarted,
			RunID: ac.RunID,
			Name:  name,
		}))

		result, err := action.Execute(ctx, ac)

		status := "ok"
		if err != nil {
			status = "error"
			logger.WarnCF("ORCHESTRATOR", "action handler failed", map[string]interface{}{
				"run_id": ac.RunID,
				"action": name,
				"error":  err.Error(),
			})
		} else if result.Text != "" {
			if callback != nil {
				callback(memory.Content{
					Text:        result.Text,
					Actions:     []string{name},
					InReplyTo:   candidate.InReplyTo,
					Source:      candidate.Source,
					ChannelKind: candidate.ChannelKind,
				})
			}
			if collected.Len() > 0 {
				collected.WriteString("\n")
			}
			collected.WriteString(result.Text)
		}

		o.emitter.Emit(events.Stamp(events.Event{
			Type:   events.ActionCompleted,
			RunID:  ac.RunID,
			Name:   name,
			Status: status,
		}))
	}
	return collected.String()
}

// recordIgnored persists a neutral marker for a message the agent
// chose not to answer and hands it to the callback in place of a
// generated response.
func (o *Orchestrator) recordIgnored(ctx context.Context, msg memory.Memory, room memory.Room, callback Callback) error {
	ignored := memory.Memory{
		ID:       uuid.NewString(),
		EntityID: o.agentID,
		AgentID:  o.agentID,
		RoomID:   room.ID,
		Kind:     memory.KindIgnored,
		Content: memory.Content{
			Actions:     []string{actions.ActionIgnore},
			InReplyTo:   msg.ID,
			Source:      room.Source,
			ChannelKind: room.ChannelKind,
		},
	}

	stored, _, err := o.store.CreateMemory(ctx, ignored)
	if err != nil {
		return err
	}
	if callback != nil {
		callback(stored.Content)
	}
	return nil
}

// evaluate runs every registered evaluator, whether or not a response
// went out. Evaluator failures never affect the turn's status.
func (o *Orchestrator) evaluate(ctx context.Context, ac *actions.ActionContext, responseText string) {
	for _, ev := range o.registry.Evaluators() {
		o.emitter.Emit(events.Stamp(events.Event{
			Type:  events.EvaluatorStarted,
			RunID: ac.RunID,
			Name:  ev.Name(),
		}))

		status := "ok"
		if err := ev.Evaluate(ctx, ac, responseText); err != nil {
			status = "error"
			logger.WarnCF("ORCHESTRATOR", "evaluator failed", map[string]interface{}{
				"run_id":    ac.RunID,
				"evaluator": ev.Name(),
				"error":     err.Error(),
			})
		}

		o.emitter.Emit(events.Stamp(events.Event{
			Type:   events.EvaluatorCompleted,
			RunID:  ac.RunID,
			Name:   ev.Name(),
			Status: status,
		}))
	}
}
