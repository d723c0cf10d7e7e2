package goodjob

import (
	"context"
	"sync"
	"time"
)

// Wakeup is a minimal poke channel: buffered to 1 so multiple wakeups
// before the scheduler drains it coalesce into a single iteration.
type Wakeup chan struct{}

// NewWakeup allocates a ready-to-subscribe Wakeup channel.
func NewWakeup() Wakeup { return make(Wakeup, 1) }

// send is a non-blocking poke.
func (w Wakeup) send() {
	select {
	case w <- struct{}{}:
	default:
	}
}

// Poller is the periodic waker for the Scheduler (spec.md §4.5). The
// core invariant it must uphold: polling occurs ONLY in response to (a)
// the scheduled timer or (b) a matching notification — never on any
// other trigger.
type Poller struct {
	filter   QueueFilter
	interval time.Duration
	notifier *Notifier
	log      *Logger

	mu         sync.Mutex
	recipients map[Wakeup]struct{}

	notifierRecv Recipient
}

// NewPoller compiles queuesExpr (spec.md §4.5 grammar) and wires interval
// as the timer period. notifier may be nil, in which case the Poller
// only ticks on the timer.
func NewPoller(queuesExpr string, interval time.Duration, notifier *Notifier, log *Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		filter:     ParseQueueFilter(queuesExpr),
		interval:   interval,
		notifier:   notifier,
		log:        log,
		recipients: make(map[Wakeup]struct{}),
	}
}

// Filter exposes the compiled queue filter, e.g. for FetchCandidates.
func (p *Poller) Filter() QueueFilter { return p.filter }

// Subscribe registers a scheduler wakeup channel.
func (p *Poller) Subscribe(w Wakeup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recipients[w] = struct{}{}
}

// Unsubscribe removes a previously subscribed wakeup channel.
func (p *Poller) Unsubscribe(w Wakeup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.recipients, w)
}

// Run drives the timer (first tick after one full interval, not
// immediately — spec.md §4.5) and, if a Notifier was supplied,
// subscribes to it and forwards matching job-available payloads as
// wakeups. It returns when ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.notifier != nil {
		p.notifierRecv = make(Recipient, 16)
		p.notifier.Subscribe(p.notifierRecv)
		defer p.notifier.Unsubscribe(p.notifierRecv)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.wakeAll()
		case payload := <-p.notifierRecv:
			if p.filter.Match(payload.QueueName) {
				p.wakeAll()
			}
			// Unmatched payloads are dropped, per spec.md §4.5.
		}
	}
}

func (p *Poller) wakeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for w := range p.recipients {
		w.send()
	}
}
