package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentfabric/accumulate"
	"github.com/BaSui01/agentfabric/commitgate"
	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/mutex"
	"github.com/BaSui01/agentfabric/persistence"
	"github.com/BaSui01/agentfabric/supersede"
	"github.com/BaSui01/agentfabric/testutil"
	"github.com/BaSui01/agentfabric/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Accumulate.DefaultWindow = 40 * time.Millisecond
	cfg.Accumulate.MinWindow = 10 * time.Millisecond
	cfg.Accumulate.MaxWindow = 300 * time.Millisecond
	cfg.Accumulate.IncompleteExtend = 20 * time.Millisecond
	cfg.Accumulate.AwaitingFieldExtend = 30 * time.Millisecond
	cfg.Mutex.TTL = 2 * time.Second
	cfg.Mutex.BlockingTimeout = 500 * time.Millisecond
	cfg.Mutex.ExtendInterval = 0
	cfg.Supersede.Policy = supersede.PolicyConservative
	cfg.Workflow.MaxConcurrentTurns = 8
	cfg.Workflow.StoreRetryMax = 0
	return cfg
}

// captureResponder records delivered segments per turn.
type captureResponder struct {
	mu        sync.Mutex
	delivered map[string][]string
}

func newCaptureResponder() *captureResponder {
	return &captureResponder{delivered: make(map[string][]string)}
}

func (r *captureResponder) Deliver(ctx context.Context, key types.SessionKey, turnID string, segments []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[turnID] = append([]string(nil), segments...)
	return nil
}

func (r *captureResponder) segments(turnID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered[turnID]
}

type harness struct {
	orch      *Orchestrator
	store     persistence.TurnStore
	state     persistence.SessionStateStore
	router    *events.Router
	responder *captureResponder
	gate      *commitgate.Gate
}

func newHarness(t *testing.T, cfg *config.Config, pipeline Pipeline) *harness {
	t.Helper()
	router := events.NewRouter(nil, nil)
	t.Cleanup(router.Stop)

	store := persistence.NewMemoryTurnStore()
	state := persistence.NewMemorySessionStateStore()
	RegisterSideEffectWriter(router, store, nil)
	gate := commitgate.NewGate(commitgate.NewMemoryKeyStore(), router, cfg.Idempotency, nil)
	acc := accumulate.New(store, accumulate.NewLocalNotifier(),
		accumulate.NewCadenceTracker(accumulate.NewMemoryCadenceStore()), router, nil)
	coord := supersede.New(cfg.Supersede.Policy, router, nil)
	responder := newCaptureResponder()

	orch := New(cfg, Deps{
		Mutex:     mutex.NewMemoryMutex(),
		Store:     store,
		State:     state,
		Acc:       acc,
		Gate:      gate,
		Coord:     coord,
		Router:    router,
		Pipeline:  pipeline,
		Responder: responder,
	}, nil)

	return &harness{
		orch:      orch,
		store:     store,
		state:     state,
		router:    router,
		responder: responder,
		gate:      gate,
	}
}

// echoPipeline answers with the joined turn content and stages a state field.
type echoPipeline struct {
	expectsMore bool
	runs        atomic.Int32
}

func (p *echoPipeline) Run(ctx context.Context, tc *TurnContext) (*PipelineResult, error) {
	p.runs.Add(1)
	parts := make([]string, 0, len(tc.Turn().RawMessages))
	for _, m := range tc.Turn().RawMessages {
		parts = append(parts, m.Content)
	}
	return &PipelineResult{
		ResponseSegments: []string{"echo: " + strings.Join(parts, " ")},
		StagedMutations:  map[string]any{"last_turn": tc.Turn().ID},
		ExpectsMoreInput: p.expectsMore,
	}, nil
}

func TestSubmit_SingleMessageCompletes(t *testing.T) {
	pipeline := &echoPipeline{}
	h := newHarness(t, testConfig(), pipeline)
	ctx := context.Background()

	capture := &testutil.EventCapture{}
	h.router.Subscribe("turn.*", "capture", capture.Handler())

	res, err := h.orch.Submit(ctx, testutil.Message("what is my order status?"), "")
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{"echo: what is my order status?"}, res.Segments)
	assert.Equal(t, res.Segments, h.responder.segments(res.TurnID))
	assert.Equal(t, int32(1), pipeline.runs.Load())

	// Session is idle again and the committed state mutation landed.
	active, err := h.store.ActiveTurn(ctx, testutil.SessionKey())
	require.NoError(t, err)
	assert.Nil(t, active)

	state, err := h.state.Get(ctx, testutil.SessionKey())
	require.NoError(t, err)
	assert.Equal(t, res.TurnID, state["last_turn"])

	require.NoError(t, h.router.Drain(ctx))
	assert.Equal(t,
		[]string{types.EventTurnStarted, types.EventTurnAccumulated, types.EventTurnProcessing, types.EventTurnCompleted},
		capture.Types())
}

func TestSubmit_RejectsInvalidMessage(t *testing.T) {
	h := newHarness(t, testConfig(), &echoPipeline{})

	msg := testutil.Message("hello")
	msg.TenantID = ""
	_, err := h.orch.Submit(context.Background(), msg, "")
	require.Error(t, err)
}

func TestSubmit_DuplicateIdempotencyKey(t *testing.T) {
	h := newHarness(t, testConfig(), &echoPipeline{})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, testutil.Message("first"), "client-key-1")
	require.NoError(t, err)

	_, err = h.orch.Submit(ctx, testutil.Message("retry of first"), "client-key-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateRequest, types.CodeOf(err))
}

func TestSubmit_BurstJoinsAccumulatingTurn(t *testing.T) {
	cfg := testConfig()
	cfg.Accumulate.DefaultWindow = 150 * time.Millisecond
	pipeline := &echoPipeline{}
	h := newHarness(t, cfg, pipeline)
	ctx := context.Background()

	type outcome struct {
		res *SubmitResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Submit(ctx, testutil.Message("I want to"), "")
		first <- outcome{res, err}
	}()

	// Wait for the turn to open, then land the rest of the burst.
	testutil.Eventually(t, func() bool {
		snap, err := h.store.ActiveTurn(ctx, testutil.SessionKey())
		return err == nil && snap != nil && snap.Turn.Status == types.TurnAccumulating
	}, time.Second, "first message never opened a turn")

	second, err := h.orch.Submit(ctx, testutil.Message("cancel my order"), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeJoined, second.Outcome)

	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, OutcomeCompleted, got.res.Outcome)
	assert.Equal(t, second.TurnID, got.res.TurnID, "burst merged into one turn")
	assert.Equal(t, []string{"echo: I want to cancel my order"}, got.res.Segments)
	assert.Equal(t, int32(1), pipeline.runs.Load(), "one pipeline run for the whole burst")
}

// interruptiblePipeline blocks on its first run until canceled, then echoes
// on later runs.
type interruptiblePipeline struct {
	echoPipeline
	started chan struct{}
	blocked atomic.Bool
}

func newInterruptiblePipeline() *interruptiblePipeline {
	return &interruptiblePipeline{started: make(chan struct{})}
}

func (p *interruptiblePipeline) Run(ctx context.Context, tc *TurnContext) (*PipelineResult, error) {
	if p.blocked.CompareAndSwap(false, true) {
		close(p.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.echoPipeline.Run(ctx, tc)
}

func TestSubmit_MidPipelineInterruptSupersedes(t *testing.T) {
	pipeline := newInterruptiblePipeline()
	h := newHarness(t, testConfig(), pipeline)
	ctx := context.Background()

	capture := &testutil.EventCapture{}
	h.router.Subscribe(types.EventTurnSuperseded, "capture", capture.Handler())

	type outcome struct {
		res *SubmitResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Submit(ctx, testutil.Message("book a flight to Berlin"), "")
		first <- outcome{res, err}
	}()
	<-pipeline.started

	// A correction lands while the pipeline is mid-run with no side effects:
	// the fresh input wins.
	second, err := h.orch.Submit(ctx, testutil.Message("actually, Munich"), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, second.Outcome)

	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, OutcomeCompleted, got.res.Outcome)
	assert.NotEqual(t, second.TurnID, got.res.TurnID, "a successor turn completed")
	assert.Equal(t, []string{"echo: book a flight to Berlin actually, Munich"}, got.res.Segments)

	require.NoError(t, h.router.Drain(ctx))
	require.Len(t, capture.Events(), 1)
	assert.Equal(t, second.TurnID, capture.Events()[0].LogicalTurnID)

	// The successor inherited the interrupted turn's group.
	successor, err := h.store.Load(ctx, got.res.TurnID)
	require.NoError(t, err)
	superseded, err := h.store.Load(ctx, second.TurnID)
	require.NoError(t, err)
	assert.Equal(t, superseded.Turn.TurnGroupID, successor.Turn.TurnGroupID)
	assert.Equal(t, superseded.Turn.ID, successor.Turn.ParentTurnID)
	assert.Equal(t, types.TurnSuperseded, superseded.Turn.Status)
}

// effectPipeline executes one compensatable tool before pausing, so the
// commit point is already reached when new input arrives.
type effectPipeline struct {
	echoPipeline
	started  chan struct{}
	release  chan struct{}
	toolRuns atomic.Int32
	paused   atomic.Bool
}

func newEffectPipeline() *effectPipeline {
	return &effectPipeline{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *effectPipeline) Run(ctx context.Context, tc *TurnContext) (*PipelineResult, error) {
	_, err := tc.ExecuteTool(ctx, commitgate.ToolRequest{
		ToolName:    "cancel_order",
		BusinessKey: "order-42",
		Class:       types.SideEffectCompensatable,
	}, func(ctx context.Context) (any, error) {
		p.toolRuns.Add(1)
		return "canceled", nil
	})
	if err != nil {
		return nil, err
	}
	if p.paused.CompareAndSwap(false, true) {
		close(p.started)
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.echoPipeline.Run(ctx, tc)
}

func TestSubmit_PendingAfterCommitPointQueues(t *testing.T) {
	pipeline := newEffectPipeline()
	h := newHarness(t, testConfig(), pipeline)
	ctx := context.Background()

	type outcome struct {
		res *SubmitResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Submit(ctx, testutil.Message("cancel order 42"), "")
		first <- outcome{res, err}
	}()
	<-pipeline.started

	second, err := h.orch.Submit(ctx, testutil.Message("and what is my balance?"), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, second.Outcome)

	close(pipeline.release)
	got := <-first
	require.NoError(t, got.err)

	// The first turn's work was not discarded: its tool ran exactly once and
	// its response was delivered, then the queued successor completed too.
	assert.Equal(t, OutcomeCompleted, got.res.Outcome)
	assert.Equal(t, int32(2), pipeline.toolRuns.Load(),
		"queued successor has a fresh turn group, so the tool runs again")
	assert.Equal(t, []string{"echo: cancel order 42"}, h.responder.segments(second.TurnID))
	assert.Equal(t, []string{"echo: and what is my balance?"}, got.res.Segments)

	original, err := h.store.Load(ctx, second.TurnID)
	require.NoError(t, err)
	successor, err := h.store.Load(ctx, got.res.TurnID)
	require.NoError(t, err)
	assert.Equal(t, types.TurnComplete, original.Turn.Status)
	assert.NotEqual(t, original.Turn.TurnGroupID, successor.Turn.TurnGroupID)
	assert.Equal(t, original.Turn.ID, successor.Turn.ParentTurnID)
}

func TestSubmit_AwaitingFieldHintRoundTrip(t *testing.T) {
	pipeline := &echoPipeline{expectsMore: true}
	h := newHarness(t, testConfig(), pipeline)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, testutil.Message("I want to return an item"), "")
	require.NoError(t, err)

	state, err := h.state.Get(ctx, testutil.SessionKey())
	require.NoError(t, err)
	assert.Equal(t, true, state[awaitingFieldStateKey])

	// The next turn satisfies the pipeline; the hint clears at its commit.
	pipeline.expectsMore = false
	_, err = h.orch.Submit(ctx, testutil.Message("order 55, the blue one"), "")
	require.NoError(t, err)

	state, err = h.state.Get(ctx, testutil.SessionKey())
	require.NoError(t, err)
	_, present := state[awaitingFieldStateKey]
	assert.False(t, present)
}

func TestRecoverOnce_ResumesFromPipelineDone(t *testing.T) {
	h := newHarness(t, testConfig(), &echoPipeline{})
	ctx := context.Background()

	// A dead worker left a staged result that never committed.
	turn := types.NewLogicalTurn(testutil.Message("refund order 7"))
	require.NoError(t, turn.Transition(types.TurnProcessing))
	snap := &persistence.TurnSnapshot{
		Turn:         *turn,
		Checkpoint:   persistence.CheckpointPipelineDone,
		StagedResult: []byte(`{"response_segments":["your refund is on its way"],"staged_mutations":{"refund":"r-7"}}`),
	}
	require.NoError(t, h.store.Save(ctx, snap))

	resumed, err := h.orch.RecoverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	assert.Equal(t, []string{"your refund is on its way"}, h.responder.segments(turn.ID))

	final, err := h.store.Load(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TurnComplete, final.Turn.Status)
	assert.Equal(t, persistence.CheckpointCommitted, final.Checkpoint)

	state, err := h.state.Get(ctx, testutil.SessionKey())
	require.NoError(t, err)
	assert.Equal(t, "r-7", state["refund"])

	// Nothing left to resume.
	resumed, err = h.orch.RecoverOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, resumed)
}

func TestRecoverOnce_SkipsHeldSessions(t *testing.T) {
	h := newHarness(t, testConfig(), &echoPipeline{})
	ctx := context.Background()

	turn := types.NewLogicalTurn(testutil.Message("in flight elsewhere"))
	snap := &persistence.TurnSnapshot{Turn: *turn, Checkpoint: persistence.CheckpointMutexAcquired}
	require.NoError(t, h.store.Save(ctx, snap))

	// Another worker holds the session.
	held, err := h.orch.mutex.Acquire(ctx, testutil.SessionKey(), time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, held)
	defer func() { _ = h.orch.mutex.Release(ctx, testutil.SessionKey()) }()

	resumed, err := h.orch.RecoverOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, resumed)
}

// failingPipeline always fails with a non-retryable error.
type failingPipeline struct{}

func (failingPipeline) Run(ctx context.Context, tc *TurnContext) (*PipelineResult, error) {
	return nil, types.NewError(types.ErrPipelineError, "prompt rendering broke")
}

func TestSubmit_NonRetryableFailureAbandonsTurn(t *testing.T) {
	h := newHarness(t, testConfig(), failingPipeline{})
	ctx := context.Background()

	capture := &testutil.EventCapture{}
	h.router.Subscribe(types.EventWorkflowFailed, "capture", capture.Handler())

	_, err := h.orch.Submit(ctx, testutil.Message("hello"), "")
	require.Error(t, err)
	assert.Equal(t, types.ErrPipelineError, types.CodeOf(err))

	require.NoError(t, h.router.Drain(ctx))
	require.Len(t, capture.Events(), 1)

	// The turn is terminal, so recovery will not retry it forever.
	resumable, err := h.store.ListResumable(ctx)
	require.NoError(t, err)
	assert.Empty(t, resumable)

	// And the session mutex was released despite the failure.
	free, err := h.orch.mutex.Acquire(ctx, testutil.SessionKey(), time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, free)
}

// followUpResponder submits a fresh message the moment the first response
// goes out, mimicking a client that replies before the turn finishes
// committing.
type followUpResponder struct {
	capture *captureResponder
	submit  func(context.Context, types.RawMessage) (*SubmitResult, error)
	message types.RawMessage
	fired   atomic.Bool
	result  *SubmitResult
	err     error
}

func (r *followUpResponder) Deliver(ctx context.Context, key types.SessionKey, turnID string, segments []string) error {
	if r.fired.CompareAndSwap(false, true) {
		r.result, r.err = r.submit(ctx, r.message)
	}
	return r.capture.Deliver(ctx, key, turnID, segments)
}

func TestSubmit_FollowUpDuringDeliveryQueues(t *testing.T) {
	pipeline := &echoPipeline{}
	h := newHarness(t, testConfig(), pipeline)
	ctx := context.Background()

	followUp := testutil.Message("actually one more thing")
	responder := &followUpResponder{
		capture: h.responder,
		message: followUp,
		submit: func(ctx context.Context, msg types.RawMessage) (*SubmitResult, error) {
			return h.orch.Submit(ctx, msg, "")
		},
	}
	h.orch.responder = responder

	res, err := h.orch.Submit(ctx, testutil.Message("first question"), "")
	require.NoError(t, err)

	// The follow-up hit the turn mid-commit and parked on the pending list.
	require.NoError(t, responder.err)
	require.NotNil(t, responder.result)
	assert.Equal(t, OutcomePending, responder.result.Outcome)

	// It must not vanish there: a queued successor picks it up and answers.
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.NotEqual(t, responder.result.TurnID, res.TurnID)
	assert.Equal(t, []string{"echo: actually one more thing"}, h.responder.segments(res.TurnID))
	assert.Equal(t, int32(2), pipeline.runs.Load())

	successor, err := h.store.Load(ctx, res.TurnID)
	require.NoError(t, err)
	assert.Equal(t, responder.result.TurnID, successor.Turn.ParentTurnID)
	require.Len(t, successor.Turn.RawMessages, 1)
	assert.Equal(t, followUp.ID, successor.Turn.RawMessages[0].ID)

	// Both turns finished cleanly: nothing to recover, session idle.
	resumable, err := h.store.ListResumable(ctx)
	require.NoError(t, err)
	assert.Empty(t, resumable)
	active, err := h.store.ActiveTurn(ctx, testutil.SessionKey())
	require.NoError(t, err)
	assert.Nil(t, active)
}
