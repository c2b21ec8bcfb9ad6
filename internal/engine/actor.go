package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/message"
	"github.com/kode4food/caravan/topic"

	"github.com/kode4food/cascade/internal/metrics"
	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/log"
	"github.com/kode4food/cascade/pkg/workflow"
)

type (
	// actor is the single writer of one active instance. Everything that
	// changes the instance arrives through its mailbox
	actor struct {
		*Engine
		def         *workflow.Definition
		inst        *api.Instance
		handle      *Handle
		records     map[api.StepID]*api.StepRecord
		order       []api.StepID
		current     atomic.Pointer[api.Instance]
		mailbox     topic.Topic[mail]
		prod        topic.Producer[mail]
		cons        topic.Consumer[mail]
		runCtx      context.Context
		runCancel   context.CancelFunc
		inFlight    map[api.StepID]int
		retries     map[api.StepID]func() bool
		stopTimeout func() bool
		fatal       error
		mu          sync.RWMutex
		seq         int64
		pausing     bool
		compensate  bool
		closed      bool
	}

	mail any

	control struct {
		reply chan error
	}

	startRequest      struct{}
	resumeRequest     struct{}
	compensateRequest struct{}
	workflowTimeout   struct{}

	pauseRequest  control
	cancelRequest control

	retryDue struct {
		stepID  api.StepID
		attempt int
	}
)

func (e *Engine) newActor(def *workflow.Definition, inst *api.Instance) *actor {
	mailbox := caravan.NewTopic[mail]()
	runCtx, runCancel := context.WithCancel(e.ctx)
	a := &actor{
		Engine:    e,
		def:       def,
		inst:      inst,
		handle:    newHandle(inst.ID),
		records:   map[api.StepID]*api.StepRecord{},
		order:     def.ExecutionOrder(),
		mailbox:   mailbox,
		prod:      mailbox.NewProducer(),
		cons:      mailbox.NewConsumer(),
		runCtx:    runCtx,
		runCancel: runCancel,
		inFlight:  map[api.StepID]int{},
		retries:   map[api.StepID]func() bool{},
	}
	if inst.Context == nil {
		inst.Context = api.NewContext()
	}
	for _, rec := range inst.Steps {
		a.records[rec.StepID] = rec
		a.seq = max(a.seq, rec.CompletionSeq)
	}
	for _, id := range def.StepIDs() {
		if _, ok := a.records[id]; !ok {
			rec := &api.StepRecord{StepID: id, Status: api.StepPending}
			inst.Steps = append(inst.Steps, rec)
			a.records[id] = rec
		}
	}
	a.current.Store(inst.Clone())
	return a
}

// launch registers the actor as owner of its instance, queues the first
// message, and starts the actor's goroutine
func (a *actor) launch(first mail) *Handle {
	a.activate(a)
	a.post(first)
	go a.run()
	return a.handle
}

func (a *actor) run() {
	defer a.exit()
	for {
		msg, ok := <-a.cons.Receive()
		if !ok {
			return
		}
		a.receive(msg)
		if a.finished() {
			return
		}
	}
}

func (a *actor) receive(msg mail) {
	switch m := msg.(type) {
	case *startRequest:
		a.start()
	case *resumeRequest:
		a.resume()
	case *compensateRequest:
		a.compensateInstance()
	case *stepResult:
		a.stepFinished(m)
	case *retryDue:
		a.retryStep(m)
	case *pauseRequest:
		a.pause((*control)(m))
	case *cancelRequest:
		a.cancelInstance((*control)(m))
	case *workflowTimeout:
		a.timedOut()
	default:
		panic(fmt.Sprintf("unexpected actor message: %T", msg))
	}
}

func (a *actor) finished() bool {
	switch {
	case a.fatal != nil, a.inst.Status.IsTerminal():
		return true
	case len(a.inFlight) > 0:
		return false
	case a.inst.Status == api.InstanceFailed:
		return !a.compensate
	default:
		return a.inst.Status.IsSettled()
	}
}

func (a *actor) exit() {
	a.stopTimers()
	a.runCancel()

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.prod.Close()
	a.cons.Close()

	a.deactivate(a)
	a.handle.resolve(a.snapshot(), a.fatal)
}

// post queues msg for the actor, reporting false once the actor has exited
func (a *actor) post(msg mail) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	message.Send(a.prod, msg)
	return true
}

// request posts a control message and waits for the actor's answer
func (a *actor) request(ctx context.Context, msg mail, c *control) error {
	if !a.post(msg) {
		return ErrInstanceNotActive
	}
	select {
	case err := <-c.reply:
		return err
	case <-a.handle.Done():
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrInstanceNotActive
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) snapshot() *api.Instance {
	return a.current.Load().Clone()
}

func (c *control) respond(err error) {
	if c == nil || c.reply == nil {
		return
	}
	select {
	case c.reply <- err:
	default:
	}
}

func (a *actor) start() {
	a.inst.StartedAt = a.clock()
	if !a.transition(api.InstanceRunning) {
		return
	}
	a.armTimeout()
	a.advance()
}

func (a *actor) resume() {
	switch a.inst.Status {
	case api.InstancePaused:
		if !a.transition(api.InstanceRunning) {
			return
		}
		a.metrics.Inc(metrics.WorkflowsResumed)
		slog.Info("Workflow resumed", logInstance(a.inst)...)
	case api.InstancePending:
		a.inst.StartedAt = a.clock()
		if !a.transition(api.InstanceRunning) {
			return
		}
	default:
		if err := a.persist(); err != nil {
			a.halt(err)
			return
		}
		slog.Info("Workflow recovered", logInstance(a.inst)...)
	}
	if a.reconcileFailed() {
		a.armTimeout()
	}
	a.advance()
}

func (a *actor) pause(c *control) {
	if a.inst.Status != api.InstanceRunning {
		c.respond(a.invalidTransition(api.InstancePaused))
		return
	}
	if !a.pausing {
		a.pausing = true
		a.stopTimers()
		slog.Info("Workflow pausing",
			append(logInstance(a.inst), slog.Int("in_flight", len(a.inFlight)))...)
	}
	c.respond(nil)
	a.settle()
}

func (a *actor) cancelInstance(c *control) {
	if !api.InstanceTransitions.CanTransition(
		a.inst.Status, api.InstanceCancelled,
	) {
		c.respond(a.invalidTransition(api.InstanceCancelled))
		return
	}
	a.stopTimers()
	a.runCancel()
	a.inst.CompletedAt = a.clock()
	if !a.transition(api.InstanceCancelled) {
		c.respond(a.fatal)
		return
	}
	a.metrics.Inc(metrics.WorkflowsCancelled)
	a.observeDuration()
	slog.Info("Workflow cancelled",
		append(logInstance(a.inst), slog.Int("abandoned", len(a.inFlight)))...)
	c.respond(nil)
}

func (a *actor) timedOut() {
	a.stopTimeout = nil
	if a.inst.Status != api.InstanceRunning {
		return
	}
	a.runCancel()
	a.failInstance(api.WithKind(api.KindWorkflowTimeout,
		fmt.Errorf("%w after %s", api.ErrWorkflowTimeout, a.def.Timeout()),
	))
	a.advance()
}

func (a *actor) armTimeout() {
	timeout := a.def.Timeout()
	if timeout <= 0 || a.stopTimeout != nil {
		return
	}
	remaining := max(timeout-a.clock().Sub(a.inst.StartedAt), 0)
	a.stopTimeout = a.afterFunc(remaining, func() {
		a.post(&workflowTimeout{})
	})
}

func (a *actor) stopTimers() {
	for id, stop := range a.retries {
		stop()
		delete(a.retries, id)
	}
	if a.stopTimeout != nil {
		a.stopTimeout()
		a.stopTimeout = nil
	}
}

func (a *actor) observeDuration() {
	if a.inst.StartedAt.IsZero() {
		return
	}
	a.metrics.Observe(metrics.WorkflowDuration,
		a.clock().Sub(a.inst.StartedAt),
	)
}

func (a *actor) stepLog(rec *api.StepRecord) []any {
	return append(logInstance(a.inst),
		log.StepID(rec.StepID),
		log.Attempt(rec.AttemptCount),
	)
}

func elapsed(from, to time.Time) time.Duration {
	if from.IsZero() {
		return 0
	}
	return to.Sub(from)
}
