package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/turnpike/pkg/actions"
	"github.com/dotsetgreg/turnpike/pkg/compose"
	"github.com/dotsetgreg/turnpike/pkg/config"
	"github.com/dotsetgreg/turnpike/pkg/embedqueue"
	"github.com/dotsetgreg/turnpike/pkg/events"
	"github.com/dotsetgreg/turnpike/pkg/memory"
	"github.com/dotsetgreg/turnpike/pkg/model"
)

const (
	testAgentID   = "agent-1"
	testAgentName = "Turnpike"
)

type fakeProvider struct {
	mu            sync.Mutex
	classify      []string
	complete      []string
	classifyCalls int
	completeCalls int
	blockComplete map[int]chan struct{}
	completeBegun chan int
}

func (f *fakeProvider) next(responses []string, call int) string {
	if len(responses) == 0 {
		return ""
	}
	if call > len(responses) {
		return responses[len(responses)-1]
	}
	return responses[call-1]
}

func (f *fakeProvider) Classify(_ context.Context, _ []model.Message) (*model.Response, error) {
	f.mu.Lock()
	f.classifyCalls++
	resp := f.next(f.classify, f.classifyCalls)
	f.mu.Unlock()
	return &model.Response{Content: resp, FinishReason: "stop"}, nil
}

func (f *fakeProvider) Complete(_ context.Context, _ []model.Message) (*model.Response, error) {
	f.mu.Lock()
	f.completeCalls++
	call := f.completeCalls
	resp := f.next(f.complete, call)
	gate := f.blockComplete[call]
	begun := f.completeBegun
	f.mu.Unlock()

	if begun != nil {
		select {
		case begun <- call:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	return &model.Response{Content: resp, FinishReason: "stop"}, nil
}

func (f *fakeProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (f *fakeProvider) classifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.classifyCalls
}

func (f *fakeProvider) completeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completeCalls
}

type countingEvaluator struct {
	mu    sync.Mutex
	calls int
}

func (*countingEvaluator) Name() string { return "counting" }

func (e *countingEvaluator) Evaluate(_ context.Context, _ *actions.ActionContext, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return nil
}

func (e *countingEvaluator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type harness struct {
	orch      *Orchestrator
	store     memory.Store
	recorder  *events.Recorder
	provider  *fakeProvider
	evaluator *countingEvaluator
}

func newHarness(t *testing.T, cfg config.OrchestratorConfig, provider *fakeProvider) *harness {
	t.Helper()

	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "mem.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	recorder := &events.Recorder{}
	registry := actions.NewRegistry()
	actions.RegisterDefaults(registry, actions.DefaultDeps{RecentLimit: 8})
	evaluator := &countingEvaluator{}
	registry.RegisterEvaluator(evaluator)

	composer := compose.NewComposer(store, registry, testAgentName, 15*time.Second)
	queue := embedqueue.New(store, provider, recorder, embedqueue.Options{Capacity: 50})

	if cfg.DefaultParticipation == "" {
		cfg.DefaultParticipation = "active"
	}
	orch := New(testAgentID, testAgentName, cfg, store, provider, registry, composer, queue, recorder, NewTokenTable())
	return &harness{orch: orch, store: store, recorder: recorder, provider: provider, evaluator: evaluator}
}

func testRoom(kind memory.ChannelKind) memory.Room {
	return memory.Room{ID: "room-1", Source: "test", ChannelKind: kind, Name: "general"}
}

func testSender() memory.Entity {
	return memory.Entity{ID: "user-1", Name: "Ada", Source: "test"}
}

func inbound(id, text string) memory.Memory {
	return memory.Memory{ID: id, EntityID: "user-1", Kind: memory.KindMessage, Content: memory.Content{Text: text}}
}

type callbackRecorder struct {
	mu       sync.Mutex
	contents []memory.Content
}

func (c *callbackRecorder) callback(content memory.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contents = append(c.contents, content)
}

func (c *callbackRecorder) all() []memory.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]memory.Content, len(c.contents))
	copy(out, c.contents)
	return out
}

const replyPlan = `{"thought":"answer directly","actions":["REPLY"],"text":"hello there"}`

func TestSimpleReplyInvokesCallbackOnce(t *testing.T) {
	provider := &fakeProvider{
		classify: []string{`{"action":"RESPOND"}`},
		complete: []string{replyPlan},
	}
	h := newHarness(t, config.OrchestratorConfig{}, provider)

	var cb callbackRecorder
	res := h.orch.HandleMessage(context.Background(), inbound("msg-1", "hey, what's up?"), testRoom(memory.ChannelGroup), testSender(), cb.callback, nil)

	if res.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %s", res.Status)
	}
	got := cb.all()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 callback invocation, got %d", len(got))
	}
	if got[0].Text != "hello there" {
		t.Errorf("unexpected reply text %q", got[0].Text)
	}
	if n := h.recorder.Count(events.RunStarted); n != 1 {
		t.Errorf("expected 1 run_started event, got %d", n)
	}
	if n := h.recorder.Count(events.RunEnded); n != 1 {
		t.Errorf("expected 1 run_ended event, got %d", n)
	}
}

func TestSelfMessageAbortsSilently(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, config.OrchestratorConfig{}, provider)

	msg := inbound("msg-1", "note to self")
	msg.EntityID = testAgentID

	var cb callbackRecorder
	res := h.orch.HandleMessage(context.Background(), msg, testRoom(memory.ChannelGroup), memory.Entity{ID: testAgentID}, cb.callback, nil)

	if res.Status != StatusDiscarded {
		t.Fatalf("expected status discarded, got %s", res.Status)
	}
	if len(cb.all()) != 0 {
		t.Error("self-message must not produce output")
	}
	if provider.completeCount() != 0 {
		t.Error("self-message must not reach the model")
	}
}

func TestMutedRoomWithoutNameMention(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, config.OrchestratorConfig{}, provider)

	ctx := context.Background()
	room := testRoom(memory.ChannelGroup)
	if err := h.store.EnsureRoom(ctx, room); err != nil {
		t.Fatalf("failed to ensure room: %v", err)
	}
	if err := h.store.EnsureParticipant(ctx, room.ID, testAgentID, memory.ParticipationMuted); err != nil {
		t.Fatalf("failed to seed participation: %v", err)
	}

	var cb callbackRecorder
	res := h.orch.HandleMessage(ctx, inbound("msg-1", "anyone around?"), room, testSender(), cb.callback, nil)

	if res.Status != StatusMuted {
		t.Fatalf("expected status muted, got %s", res.Status)
	}
	if len(cb.all()) != 0 {
		t.Error("muted turn must not invoke the callback")
	}
}

func TestOffRoomWithoutNameMention(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, config.OrchestratorConfig{DefaultParticipation: "off"}, provider)

	var cb callbackRecorder
	res := h.orch.HandleMessage(context.Background(), inbound("msg-1", "anyone around?"), testRoom(memory.ChannelGroup), testSender(), cb.callback, nil)

	if res.Status != StatusOff {
		t.Fatalf("expected status off, got %s", res.Status)
	}
	if len(cb.all()) != 0 {
		t.Error("off turn must not invoke the callback")
	}
}

func TestNameMentionActivatesParticipation(t *testing.T) {
	provider := &fakeProvider{
		classify: []string{`{"action":"RESPOND"}`},
		complete: []string{replyPlan},
	}
	h := newHarness(t, config.OrchestratorConfig{DefaultParticipation: "off"}, provider)

	ctx := context.Background()
	room := testRoom(memory.ChannelGroup)

	var cb callbackRecorder
	res := h.orch.HandleMessage(ctx, inbound("msg-1", "turnpike, are you there?"), room, testSender(), cb.callback, nil)

	if res.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %s", res.Status)
	}
	state, err := h.store.GetParticipation(ctx, room.ID, testAgentID)
	if err != nil {
		t.Fatalf("participation lookup failed: %v", err)
	}
	if state != memory.ParticipationActive {
		t.Errorf("expected participation flipped to active, got %s", state)
	}
}

func TestIdempotentPersistence(t *testing.T) {
	provider := &fakeProvider{classify: []string{`{"action":"IGNORE"}`}}
	h := newHarness(t, config.OrchestratorConfig{}, provider)

	ctx := context.Background()
	room := testRoom(memory.ChannelGroup)
	for i := 0; i < 2; i++ {
		h.orch.HandleMessage(ctx, inbound("msg-dup", "same message"), room, testSender(), nil, nil)
	}

	recent, err := h.store.ListRecentMemories(ctx, room.ID, 50)
	if err != nil {
		t.Fatalf("failed to list memories: %v", err)
	}
	count := 0
	for _, m := range recent {
		if m.ID == "msg-dup" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 stored record for the message, got %d", count)
	}
}

func TestIgnorePathPersistsNeutralRecord(t *testing.T) {
	provider := &fakeProvider{classify: []string{`{"action":"IGNORE"}`}}
	h := newHarness(t, config.OrchestratorConfig{}, provider)

	ctx := context.Background()
	room := testRoom(memory.ChannelGroup)
	var cb callbackRecorder
	res := h.orch.HandleMessage(ctx, inbound("msg-1", "just chatting"), room, testSender(), cb.callback, nil)

	if res.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %s", res.Status)
	}
	got := cb.all()
	if len(got) != 1 {
		t.Fatalf("expected the neutral record passed to the callback, got %d invocations", len(got))
	}
	if len(got[0].Actions) != 1 || got[0].Actions[0] != actions.ActionIgnore {
		t.Errorf("expected ignore-marker content, got actions %v", got[0].Actions)
	}

	recent, err := h.store.ListRecentMemories(ctx, room.ID, 50)
	if err != nil {
		t.Fatalf("failed to list memories: %v", err)
	}
	found := false
	for _, m := range recent {
		if m.Kind == memory.KindIgnored {
			found = true
		}
	}
	if !found {
		t.Error("expected a persisted ignored-kind record")
	}
	if h.evaluator.count() != 1 {
		t.Errorf("expected evaluators to run on the ignore path, got %d runs", h.evaluator.count())
	}
}

func TestTokenExclusivity(t *testing.T) {
	gate := make(chan struct{})
	begun := make(chan int, 4)
	provider := &fakeProvider{
		classify:      []string{`{"action":"RESPOND"}`},
		complete:      []string{`{"thought":"t1","actions":["REPLY"],"text":"stale answer"}`, `{"thought":"t2","actions":["REPLY"],"text":"fresh answer"}`},
		blockComplete: map[int]chan struct{}{1: gate},
		completeBegun: begun,
	}
	h := newHarness(t, config.OrchestratorConfig{}, provider)

	ctx := context.Background()
	room := testRoom(memory.ChannelGroup)
	var cb callbackRecorder

	t1Done := make(chan RunResult, 1)
	go func() {
		t1Done <- h.orch.HandleMessage(ctx, inbound("msg-1", "first question"), room, testSender(), cb.callback, nil)
	}()

	// Wait until T1 is inside its planning call, then run T2 to
	// completion so it takes over the token.
	<-begun
	res2 := h.orch.HandleMessage(ctx, inbound("msg-2", "second question"), room, testSender(), cb.callback, nil)
	if res2.Status != StatusCompleted {
		t.Fatalf("expected second turn completed, got %s", res2.Status)
	}

	close(gate)
	res1 := <-t1Done
	if res1.Status != StatusDiscarded {
		t.Fatalf("expected first turn discarded, got %s", res1.Status)
	}

	for _, content := range cb.all() {
		if content.Text == "stale answer" {
			t.Fatal("stale turn's content reached the output callback")
		}
	}
	found := false
	for _, content := range cb.all() {
		if content.Text == "fresh answer" {
			found = true
		}
	}
	if !found {
		t.Error("winning turn's content never reached the output callback")
	}
}

func TestMultiStepIterationCap(t *testing.T) {
	neverFinished := `{"thought":"keep digging","providers":["recent_messages"],"action":"","is_finished":false}`
	provider := &fakeProvider{
		classify: []string{`{"action":"RESPOND"}`},
		complete: []string{neverFinished, neverFinished, neverFinished, "final summary text"},
	}
	h := newHarness(t, config.OrchestratorConfig{MultiStep: true, MaxStepIterations: 3}, provider)

	var cb callbackRecorder
	res := h.orch.HandleMessage(context.Background(), inbound("msg-1", "a hard question"), testRoom(memory.ChannelGroup), testSender(), cb.callback, nil)

	if res.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %s", res.Status)
	}
	// Three capped step calls plus exactly one summary call.
	if n := provider.completeCount(); n != 4 {
		t.Fatalf("expected 4 planning calls, got %d", n)
	}
	got := cb.all()
	if len(got) != 1 || got[0].Text != "final summary text" {
		t.Fatalf("expected the summary as the reply, got %+v", got)
	}
}

func TestMalformedPlanDegradesToIgnore(t *testing.T) {
	provider := &fakeProvider{
		classify: []string{`{"action":"RESPOND"}`},
		complete: []string{"not json at all"},
	}
	h := newHarness(t, config.OrchestratorConfig{}, provider)

	var cb callbackRecorder
	res := h.orch.HandleMessage(context.Background(), inbound("msg-1", "hello"), testRoom(memory.ChannelGroup), testSender(), cb.callback, nil)

	if res.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %s", res.Status)
	}
	if n := provider.completeCount(); n != singleShotAttempts {
		t.Errorf("expected %d plan attempts, got %d", singleShotAttempts, n)
	}
	got := cb.all()
	if len(got) != 1 || len(got[0].Actions) != 1 || got[0].Actions[0] != actions.ActionIgnore {
		t.Fatalf("expected degradation to the neutral ignore record, got %+v", got)
	}
}

func TestDirectMessageBypassesClassification(t *testing.T) {
	provider := &fakeProvider{complete: []string{replyPlan}}
	h := newHarness(t, config.OrchestratorConfig{}, provider)

	var cb callbackRecorder
	res := h.orch.HandleMessage(context.Background(), inbound("msg-1", "hi"), testRoom(memory.ChannelDM), testSender(), cb.callback, nil)

	if res.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %s", res.Status)
	}
	if provider.classifyCount() != 0 {
		t.Error("direct message must skip the classifier")
	}
	if len(cb.all()) != 1 {
		t.Fatalf("expected a reply, got %d callback invocations", len(cb.all()))
	}
}

func TestConfiguredBypassSource(t *testing.T) {
	provider := &fakeProvider{complete: []string{replyPlan}}
	h := newHarness(t, config.OrchestratorConfig{BypassSources: []string{"test"}}, provider)

	res := h.orch.HandleMessage(context.Background(), inbound("msg-1", "hi"), testRoom(memory.ChannelGroup), testSender(), nil, nil)

	if res.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %s", res.Status)
	}
	if provider.classifyCount() != 0 {
		t.Error("configured bypass source must skip the classifier")
	}
}

func TestTimeoutIsAdvisory(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	provider := &fakeProvider{
		classify:      []string{`{"action":"RESPOND"}`},
		complete:      []string{replyPlan},
		blockComplete: map[int]chan struct{}{1: gate},
	}
	h := newHarness(t, config.OrchestratorConfig{}, provider)
	h.orch.timeout = 50 * time.Millisecond

	doneCalls := 0
	res := h.orch.HandleMessage(context.Background(), inbound("msg-1", "slow one"), testRoom(memory.ChannelGroup), testSender(), nil, func(RunResult) {
		doneCalls++
	})

	if res.Status != StatusTimeout {
		t.Fatalf("expected status timeout, got %s", res.Status)
	}
	if doneCalls != 1 {
		t.Fatalf("expected completion hook exactly once, got %d", doneCalls)
	}
	if n := h.recorder.Count(events.RunTimeout); n != 1 {
		t.Errorf("expected 1 run_timeout event, got %d", n)
	}
	if n := h.recorder.Count(events.RunEnded); n != 0 {
		t.Errorf("timed-out run must not also emit run_ended, got %d", n)
	}
}

func TestCompositeDispatchRunsHandlersInOrder(t *testing.T) {
	provider := &fakeProvider{
		classify: []string{`{"action":"RESPOND"}`},
		complete: []string{`{"thought":"do both","actions":["REPLY","NONE"],"text":"first part"}`},
	}
	h := newHarness(t, config.OrchestratorConfig{}, provider)

	var cb callbackRecorder
	res := h.orch.HandleMessage(context.Background(), inbound("msg-1", "do things"), testRoom(memory.ChannelGroup), testSender(), cb.callback, nil)

	if res.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %s", res.Status)
	}
	if n := h.recorder.Count(events.ActionStarted); n != 2 {
		t.Errorf("expected 2 action_started events, got %d", n)
	}
	if n := h.recorder.Count(events.ActionCompleted); n != 2 {
		t.Errorf("expected 2 action_completed events, got %d", n)
	}
	got := cb.all()
	if len(got) != 1 || got[0].Text != "first part" {
		t.Fatalf("expected the reply handler's output forwarded once, got %+v", got)
	}
}

func TestNormalizeActions(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		text string
		want []string
	}{
		{"no ignore marker", []string{"REPLY"}, "hi", []string{"REPLY"}},
		{"ignore with others, empty text", []string{"IGNORE", "REPLY"}, "", []string{"IGNORE"}},
		{"ignore with others, text present", []string{"IGNORE", "NONE"}, "hi", []string{"NONE"}},
		{"ignore alone, text present", []string{"IGNORE"}, "hi", []string{"REPLY"}},
		{"ignore alone, empty text", []string{"IGNORE"}, "", []string{"IGNORE"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeActions(tc.in, tc.text)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}
