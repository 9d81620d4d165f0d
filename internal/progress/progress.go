package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// subscriberBuffer is the number of snapshots a subscriber may lag behind
// before the oldest one is dropped.
const subscriberBuffer = 8

var (
	// ErrClosed is returned once the publisher has been closed.
	ErrClosed = errors.New("progress publisher closed")
	// ErrNoRun is returned when subscribing to a repository that has no run.
	ErrNoRun = errors.New("no run tracked for repository")
)

// Update moves a run forward. Processed and Total refer to the phase of
// State; Message and Error are attached to that phase.
type Update struct {
	RepoID    string
	RunID     int64
	State     types.RunState
	Processed int
	Total     int
	Message   string
	Error     string
}

type subscriber struct {
	id     uint64
	repoID string
	ch     chan types.Progress
	gone   chan struct{} // closed together with ch
}

type beginReq struct {
	repoID string
	runID  int64
}

type getReq struct {
	repoID string
	reply  chan *types.Progress
}

type subscribeReq struct {
	repoID string
	reply  chan subscribeResult
}

type subscribeResult struct {
	sub *subscriber
	err error
}

// Publisher tracks live progress of every repository's current run and fans
// changes out to subscribers. One goroutine owns all state; the exported
// methods talk to it over channels.
type Publisher struct {
	begin       chan beginReq
	update      chan Update
	get         chan getReq
	subscribe   chan subscribeReq
	unsubscribe chan *subscriber
	clear       chan string

	done   chan struct{}
	closed chan struct{}
	logger *slog.Logger
}

// New starts a publisher. Call Close to stop it.
func New() *Publisher {
	p := &Publisher{
		begin:       make(chan beginReq),
		update:      make(chan Update),
		get:         make(chan getReq),
		subscribe:   make(chan subscribeReq),
		unsubscribe: make(chan *subscriber),
		clear:       make(chan string),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
		logger:      logging.NewModuleLogger("progress", "publisher"),
	}
	go p.run()
	return p
}

// Begin starts tracking runID for repoID, replacing any earlier run.
// Existing subscribers stay attached and receive the queued state.
func (p *Publisher) Begin(repoID string, runID int64) {
	select {
	case p.begin <- beginReq{repoID: repoID, runID: runID}:
	case <-p.done:
	}
}

// Update applies u. Updates for a run other than the tracked one, or for a
// state behind the current one, are ignored; a lower Processed is clamped.
func (p *Publisher) Update(u Update) {
	select {
	case p.update <- u:
	case <-p.done:
	}
}

// Get returns a copy of the latest progress of repoID.
func (p *Publisher) Get(repoID string) (*types.Progress, bool) {
	reply := make(chan *types.Progress, 1)
	select {
	case p.get <- getReq{repoID: repoID, reply: reply}:
	case <-p.done:
		return nil, false
	}
	select {
	case prog := <-reply:
		return prog, prog != nil
	case <-p.done:
		return nil, false
	}
}

// Subscribe returns a channel that receives the current progress of repoID
// and then every change. The channel is closed after the terminal state is
// delivered, when ctx ends, on Clear, or on Close.
func (p *Publisher) Subscribe(ctx context.Context, repoID string) (<-chan types.Progress, error) {
	reply := make(chan subscribeResult, 1)
	select {
	case p.subscribe <- subscribeReq{repoID: repoID, reply: reply}:
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var res subscribeResult
	select {
	case res = <-reply:
	case <-p.done:
		return nil, ErrClosed
	}
	if res.err != nil {
		return nil, res.err
	}

	go func() {
		select {
		case <-ctx.Done():
			select {
			case p.unsubscribe <- res.sub:
			case <-p.done:
			}
		case <-res.sub.gone:
		case <-p.done:
		}
	}()
	return res.sub.ch, nil
}

// Clear forgets repoID and closes its subscribers.
func (p *Publisher) Clear(repoID string) {
	select {
	case p.clear <- repoID:
	case <-p.done:
	}
}

// Close stops the publisher and closes every subscriber channel.
func (p *Publisher) Close() {
	select {
	case <-p.done:
		return
	default:
	}
	close(p.done)
	<-p.closed
}

func (p *Publisher) run() {
	defer close(p.closed)

	states := make(map[string]*types.Progress)
	subs := make(map[string]map[uint64]*subscriber)
	var nextID uint64

	drop := func(repoID string, id uint64) {
		set := subs[repoID]
		if sub, ok := set[id]; ok {
			delete(set, id)
			close(sub.ch)
			close(sub.gone)
		}
		if len(set) == 0 {
			delete(subs, repoID)
		}
	}

	publish := func(prog *types.Progress) {
		for id, sub := range subs[prog.RepoID] {
			deliver(sub.ch, *prog.Clone())
			if prog.State.Terminal() {
				drop(prog.RepoID, id)
			}
		}
	}

	for {
		select {
		case req := <-p.begin:
			prog := types.NewProgress(req.repoID, req.runID)
			states[req.repoID] = prog
			p.logger.Debug("run tracked", "repo_id", req.repoID, "run_id", req.runID)
			publish(prog)

		case u := <-p.update:
			prog, ok := states[u.RepoID]
			if !ok || prog.RunID != u.RunID {
				continue
			}
			if !apply(prog, u, time.Now()) {
				continue
			}
			publish(prog)

		case req := <-p.get:
			if prog, ok := states[req.repoID]; ok {
				req.reply <- prog.Clone()
			} else {
				req.reply <- nil
			}

		case req := <-p.subscribe:
			prog, ok := states[req.repoID]
			if !ok {
				req.reply <- subscribeResult{err: ErrNoRun}
				continue
			}
			nextID++
			sub := &subscriber{
				id:     nextID,
				repoID: req.repoID,
				ch:     make(chan types.Progress, subscriberBuffer),
				gone:   make(chan struct{}),
			}
			sub.ch <- *prog.Clone()
			if prog.State.Terminal() {
				close(sub.ch)
				close(sub.gone)
			} else {
				if subs[req.repoID] == nil {
					subs[req.repoID] = make(map[uint64]*subscriber)
				}
				subs[req.repoID][sub.id] = sub
			}
			req.reply <- subscribeResult{sub: sub}

		case sub := <-p.unsubscribe:
			drop(sub.repoID, sub.id)

		case repoID := <-p.clear:
			delete(states, repoID)
			for id := range subs[repoID] {
				drop(repoID, id)
			}

		case <-p.done:
			for repoID, set := range subs {
				for id := range set {
					drop(repoID, id)
				}
			}
			return
		}
	}
}

// deliver sends snap without blocking, discarding the oldest buffered
// snapshot when the subscriber is full. Only the owning goroutine sends,
// so the second send always finds room.
func deliver(ch chan types.Progress, snap types.Progress) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// apply folds u into prog and reports whether anything changed.
func apply(prog *types.Progress, u Update, now time.Time) bool {
	if prog.State.Terminal() {
		return false
	}
	if u.State.Before(prog.State) {
		return false
	}

	switch u.State {
	case types.RunDone:
		for _, ph := range types.Phases {
			completePhase(prog.Phases[ph], now)
		}
		if u.Message != "" {
			prog.Phases[types.PhaseIndexing].Message = u.Message
		}
		prog.State = types.RunDone
		prog.UpdatedAt = now
		return true

	case types.RunError:
		ph, ok := types.PhaseFor(prog.State)
		if !ok {
			ph = types.PhaseUpload
		}
		pp := prog.Phases[ph]
		pp.Status = types.PhaseFailed
		pp.Error = u.Error
		pp.FinishedAt = &now
		prog.State = types.RunError
		prog.Error = u.Error
		prog.UpdatedAt = now
		return true
	}

	phase, ok := types.PhaseFor(u.State)
	if !ok {
		return false
	}

	// Entering a later phase completes every phase before it.
	if prog.State != u.State {
		for _, ph := range types.Phases {
			if ph == phase {
				break
			}
			completePhase(prog.Phases[ph], now)
		}
		prog.State = u.State
	}

	pp := prog.Phases[phase]
	if pp.Status != types.PhaseRunning {
		pp.Status = types.PhaseRunning
		pp.StartedAt = &now
	}
	if u.Total > pp.Total {
		pp.Total = u.Total
	}
	if u.Processed > pp.Processed {
		pp.Processed = u.Processed
	}
	if pp.Processed > pp.Total {
		pp.Processed = pp.Total
	}
	if u.Message != "" {
		pp.Message = u.Message
	}
	prog.UpdatedAt = now
	return true
}

func completePhase(pp *types.PhaseProgress, now time.Time) {
	if pp.Status == types.PhaseComplete {
		return
	}
	if pp.StartedAt == nil {
		pp.StartedAt = &now
	}
	pp.Status = types.PhaseComplete
	pp.Processed = pp.Total
	pp.FinishedAt = &now
}
