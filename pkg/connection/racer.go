package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tlink-protocol/tlink-go/pkg/log"
	"github.com/tlink-protocol/tlink-go/pkg/transport"
)

// Outcome is one result of a race: the decision, or with KeepOthers a
// further connection that completed after it.
type Outcome struct {
	// Conn is nil when the race failed.
	Conn *transport.Conn

	// Winner is the attempt index of Conn, -1 when the race failed.
	Winner int

	Stats []Stats

	// Kind is the representative failure, KindNone on success.
	Kind ErrorKind

	// Extra marks a connection reported after the decision.
	Extra bool
}

// Connected reports whether the outcome carries a connection.
func (o Outcome) Connected() bool { return o.Conn != nil }

// RaceObserver receives the decision of a race exactly once.
type RaceObserver interface {
	OnRaceWon(conn *transport.Conn, stats []Stats, winner int)
	OnRaceFailed(stats []Stats, kind ErrorKind)
}

// ExtraObserver is implemented by observers that take connections kept
// with KeepOthers. Without it such connections are closed.
type ExtraObserver interface {
	OnRaceExtra(conn *transport.Conn, stats Stats)
}

// Racer runs one attempt per candidate path and hands out the first
// connection that completes.
type Racer struct {
	config     Config
	candidates []candidate

	group errgroup.Group

	mu            sync.Mutex
	attempts      []*attempt
	ended         []bool
	started       bool
	closed        bool
	decided       bool
	customSpawned bool
	held          *heldWin
	result        Outcome
	outbox        []Outcome
	startTime     time.Time
	customTimer   *time.Timer
	stopExpire    func() bool

	ctx    context.Context
	cancel context.CancelFunc

	notify    chan struct{}
	decidedCh chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
}

// heldWin is a custom-SNI success waiting for the primaries to end.
type heldWin struct {
	attempt *attempt
	conn    *transport.Conn
}

// NewRacer validates config and prepares the candidates. It fails with
// ErrNoCandidates when the flags leave no path.
func NewRacer(config Config) (*Racer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()
	candidates := config.candidates()
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	return &Racer{
		config:     config,
		candidates: candidates,
		notify:     make(chan struct{}, 1),
		decidedCh:  make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Config returns the effective configuration.
func (r *Racer) Config() Config { return r.config }

// Start launches the attempts. The race is bounded by the configured
// Timeout and by ctx.
func (r *Racer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrStarted
	}
	r.started = true
	r.startTime = time.Now()
	r.ctx, r.cancel = context.WithTimeout(ctx, r.config.Timeout)

	for _, c := range r.candidates {
		r.spawnLocked(c)
	}
	if r.config.Flags.TryCustomSNI {
		r.customTimer = time.AfterFunc(r.config.CustomSNIDelay, r.spawnCustom)
	}
	r.stopExpire = context.AfterFunc(r.ctx, r.expire)
	return nil
}

func (r *Racer) spawnLocked(c candidate) {
	a := newAttempt(r.ctx, c, &r.config)
	a.claim = r.claim
	r.attempts = append(r.attempts, a)
	r.ended = append(r.ended, false)
	// The group only supervises the goroutines; outcomes travel through
	// report and the outbox.
	r.group.Go(func() error {
		a.run()
		r.report(a)
		return nil
	})
}

func (r *Racer) spawnCustom() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawnCustomLocked()
}

func (r *Racer) spawnCustomLocked() {
	if r.decided || r.closed || r.customSpawned || r.ctx.Err() != nil {
		return
	}
	r.customSpawned = true
	first := r.candidates[0]
	r.spawnLocked(candidate{
		index:      len(r.attempts),
		proxyIndex: first.proxyIndex,
		proxy:      first.proxy,
		customSNI:  true,
	})
}

// claim arbitrates a completed handshake. The attempt enters
// StateConnected only here, under r.mu, so a race never shows two
// connected attempts unless KeepOthers keeps the later ones.
func (r *Racer) claim(a *attempt, conn *transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || (r.decided && !r.config.Flags.KeepOthers) {
		return false
	}
	if !a.finish(StateConnected, KindNone, nil) {
		return false
	}
	switch {
	case !r.decided && a.cand.customSNI &&
		r.config.CustomSNIPolicy == CustomSNISubordinate && !r.primariesEndedLocked():
		r.held = &heldWin{attempt: a, conn: conn}
	case !r.decided:
		r.winLocked(a, conn)
	default:
		r.extraLocked(a, conn)
	}
	return true
}

// report is called once by every attempt goroutine when it returns.
func (r *Racer) report(a *attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[a.cand.index] = true
	r.evaluateLocked()
}

func (r *Racer) winLocked(a *attempt, conn *transport.Conn) {
	r.decided = true
	if r.customTimer != nil {
		r.customTimer.Stop()
	}
	if !r.config.Flags.KeepOthers {
		for i, other := range r.attempts {
			if other != a && other.finish(StateCancelled, KindNone, ErrCancelled) {
				r.ended[i] = true
			}
		}
	}
	if r.held != nil && r.held.attempt != a {
		if !r.config.Flags.KeepOthers {
			r.held.attempt.revoke()
		}
		r.extraLocked(r.held.attempt, r.held.conn)
	}
	r.held = nil

	r.result = Outcome{Conn: conn, Winner: a.cand.index, Stats: r.snapshotLocked()}
	r.pushLocked(r.result)
	close(r.decidedCh)
	r.logRace(r.result, a.cand.customSNI)
}

func (r *Racer) extraLocked(a *attempt, conn *transport.Conn) {
	if !r.config.Flags.KeepOthers || r.closed {
		conn.ForceClose()
		return
	}
	r.pushLocked(Outcome{Conn: conn, Winner: a.cand.index, Stats: r.snapshotLocked(), Extra: true})
}

// evaluateLocked settles the race once enough attempts have ended.
func (r *Racer) evaluateLocked() {
	if !r.decided {
		primariesEnded := r.primariesEndedLocked()
		if r.held != nil && primariesEnded {
			held := r.held
			r.winLocked(held.attempt, held.conn)
		} else if primariesEnded && r.config.Flags.TryCustomSNI && !r.customSpawned {
			r.spawnCustomLocked()
		}
	}
	if !r.allEndedLocked() {
		return
	}
	if !r.decided {
		r.decided = true
		stats := r.snapshotLocked()
		r.result = Outcome{Winner: -1, Stats: stats, Kind: Representative(stats)}
		r.pushLocked(r.result)
		close(r.decidedCh)
		r.logRace(r.result, false)
	}
	r.doneOnce.Do(func() {
		if r.customTimer != nil {
			r.customTimer.Stop()
		}
		r.stopExpire()
		r.cancel()
		close(r.done)
	})
}

// expire runs when the race context ends: on Timeout every running attempt
// fails with KindTimeout, on cancellation it is cancelled.
func (r *Racer) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, kind := StateCancelled, KindNone
	var err error = ErrCancelled
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		state, kind = StateFailed, KindTimeout
	}
	for i, a := range r.attempts {
		if kind == KindTimeout {
			err = &AttemptError{Kind: KindTimeout, Stage: a.Stats().State, Err: context.DeadlineExceeded}
		}
		if a.finish(state, kind, err) {
			r.ended[i] = true
		}
	}
	r.evaluateLocked()
}

func (r *Racer) primariesEndedLocked() bool {
	for i, a := range r.attempts {
		if !a.cand.customSNI && !r.ended[i] {
			return false
		}
	}
	return true
}

func (r *Racer) allEndedLocked() bool {
	for _, e := range r.ended {
		if !e {
			return false
		}
	}
	return true
}

func (r *Racer) snapshotLocked() []Stats {
	stats := make([]Stats, len(r.attempts))
	for i, a := range r.attempts {
		stats[i] = a.Stats()
	}
	return stats
}

func (r *Racer) pushLocked(o Outcome) {
	r.outbox = append(r.outbox, o)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Racer) pop() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outbox) == 0 {
		return Outcome{}, false
	}
	o := r.outbox[0]
	r.outbox = r.outbox[1:]
	return o, true
}

// Service starts the race if needed and returns the next undelivered
// outcome, waiting at most budget. It is safe to call repeatedly and from
// several goroutines; each outcome is returned once.
func (r *Racer) Service(budget time.Duration) (Outcome, bool) {
	_ = r.Start(context.Background())

	timer := time.NewTimer(budget)
	defer timer.Stop()
	for {
		if o, ok := r.pop(); ok {
			return o, true
		}
		select {
		case <-r.notify:
		case <-timer.C:
			return r.pop()
		}
	}
}

// Run starts the race if needed and delivers outcomes to observer until
// every attempt has ended or ctx is done.
func (r *Racer) Run(ctx context.Context, observer RaceObserver) error {
	_ = r.Start(ctx)
	for {
		for {
			o, ok := r.pop()
			if !ok {
				break
			}
			deliver(o, observer)
		}
		select {
		case <-r.notify:
		case <-r.done:
			for o, ok := r.pop(); ok; o, ok = r.pop() {
				deliver(o, observer)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func deliver(o Outcome, observer RaceObserver) {
	switch {
	case o.Extra:
		if eo, ok := observer.(ExtraObserver); ok {
			eo.OnRaceExtra(o.Conn, o.Stats[o.Winner])
		} else {
			o.Conn.ForceClose()
		}
	case o.Connected():
		observer.OnRaceWon(o.Conn, o.Stats, o.Winner)
	default:
		observer.OnRaceFailed(o.Stats, o.Kind)
	}
}

// Wait starts the race if needed and blocks until it is decided. A failed
// race returns a *RaceError. The decision is not returned again by Service.
func (r *Racer) Wait(ctx context.Context) (Outcome, error) {
	_ = r.Start(ctx)
	select {
	case <-r.decidedCh:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	r.mu.Lock()
	for i, o := range r.outbox {
		if !o.Extra {
			r.outbox = append(r.outbox[:i], r.outbox[i+1:]...)
			break
		}
	}
	result := r.result
	r.mu.Unlock()

	if !result.Connected() {
		return result, &RaceError{Kind: result.Kind, Stats: result.Stats}
	}
	return result, nil
}

// Decided is closed once the race has a winner or has failed.
func (r *Racer) Decided() <-chan struct{} { return r.decidedCh }

// Done is closed once every attempt has ended.
func (r *Racer) Done() <-chan struct{} { return r.done }

// Stats returns a snapshot of every attempt.
func (r *Racer) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Close cancels every running attempt and closes connections that were
// never handed out. It waits up to CancelGrace for attempts to unwind.
func (r *Racer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if !r.started {
		r.started = true
		r.decided = true
		r.result = Outcome{Winner: -1, Kind: KindTimeout}
		close(r.decidedCh)
		close(r.done)
		r.mu.Unlock()
		return nil
	}
	for i, a := range r.attempts {
		if a.finish(StateCancelled, KindNone, ErrCancelled) {
			r.ended[i] = true
		}
	}
	if r.held != nil {
		r.held.attempt.revoke()
		r.held.conn.ForceClose()
		r.held = nil
	}
	pending := r.outbox
	r.outbox = nil
	r.evaluateLocked()
	r.mu.Unlock()

	for _, o := range pending {
		if o.Conn != nil {
			o.Conn.ForceClose()
		}
	}
	r.waitAttempts(r.config.CancelGrace)
	return nil
}

// waitAttempts waits for the attempt goroutines, at most grace.
func (r *Racer) waitAttempts(grace time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		_ = r.group.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(grace):
		return false
	}
}

func (r *Racer) logRace(o Outcome, customSNI bool) {
	ev := &log.RaceEvent{
		Candidates: len(o.Stats),
		Winner:     o.Winner,
		Duration:   time.Since(r.startTime),
		CustomSNI:  customSNI,
	}
	if o.Kind != KindNone {
		ev.Kind = o.Kind.String()
	}
	if r.config.Flags.KeepOthers {
		for _, s := range o.Stats {
			if s.Index != o.Winner && !s.State.Terminal() {
				ev.KeptOthers++
			}
		}
	}
	r.config.Logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerRacer,
		Category:  log.CategoryRace,
		LocalRole: log.RoleClient,
		Target:    r.config.Target(),
		Race:      ev,
	})
}

// Dial races config and returns the winning connection. Losing attempts
// are cancelled; Dial does not wait for them to unwind.
func Dial(ctx context.Context, config Config) (*transport.Conn, []Stats, error) {
	r, err := NewRacer(config)
	if err != nil {
		return nil, nil, err
	}
	o, err := r.Wait(ctx)
	if err != nil {
		r.Close()
		return nil, o.Stats, err
	}
	// Losers unwind in the background; the winner is usable now.
	go r.Close()
	return o.Conn, o.Stats, nil
}
