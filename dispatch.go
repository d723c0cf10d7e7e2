package goodjob

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Handler performs the work for one job class.
type Handler interface {
	Perform(ctx context.Context, job *Job, args []any) Outcome
}

// HandlerFunc adapts a plain function to the Handler interface, the way
// the teacher's WorkMap stored bare funcs instead of an interface.
type HandlerFunc func(ctx context.Context, job *Job, args []any) Outcome

func (f HandlerFunc) Perform(ctx context.Context, job *Job, args []any) Outcome { return f(ctx, job, args) }

// ConcurrencyKeyFunc derives a job's concurrency_key from its decoded
// arguments, for handlers that key capacity dynamically instead of
// statically.
type ConcurrencyKeyFunc func(args []any) string

// HandlerOptions is the per-handler registration struct built by the
// operator at startup — the language-neutral translation of the
// metaprogrammatic "use Job" DSL (spec.md §9).
type HandlerOptions struct {
	Queue          string
	Priority       *int16
	MaxAttempts    int32
	Timeout        time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	ConcurrencyKey string
	KeyFunc        ConcurrencyKeyFunc
	TotalLimit     int

	// ExternalOnly marks a descriptor handler: it declares a queue owned
	// by a peer runtime. Enqueuing it is allowed; performing it locally
	// fails fast with ErrExternalJobMisrouted.
	ExternalOnly bool

	BeforePerform func(ctx context.Context, job *Job)
	AfterPerform  func(ctx context.Context, job *Job, outcome Outcome)
}

func (o HandlerOptions) backoffBase() time.Duration {
	if o.BackoffBase <= 0 {
		return time.Second
	}
	return o.BackoffBase
}

func (o HandlerOptions) backoffCap() time.Duration {
	if o.BackoffCap <= 0 {
		return 24 * time.Hour
	}
	return o.BackoffCap
}

func (o HandlerOptions) maxAttempts() int32 {
	if o.MaxAttempts <= 0 {
		return 25
	}
	return o.MaxAttempts
}

// registration is a resolved handler plus its external class name.
type registration struct {
	externalClassName string
	handler           Handler
	opts              HandlerOptions
}

// Registry maps external class names (job_class) to local handlers and
// back, per spec.md §4.3. It is populated at startup and is safe for
// concurrent read/write via a reader-writer discipline, matching the
// "guarded by a reader-writer discipline if operators mutate it at
// runtime" note in spec.md §5.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*registration
}

// NewRegistry creates an empty dispatch registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*registration)}
}

// Register adds a local handler under externalClassName, the name
// written into job_class so peer runtimes can recognize the record.
func (r *Registry) Register(externalClassName string, handler Handler, opts HandlerOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[externalClassName] = &registration{
		externalClassName: externalClassName,
		handler:           handler,
		opts:              opts,
	}
}

// RegisterExternal registers a descriptor handler: routing metadata only,
// no local execution. Enqueuing is permitted; performing fails fast with
// ErrExternalJobMisrouted.
func (r *Registry) RegisterExternal(externalClassName string, opts HandlerOptions) {
	opts.ExternalOnly = true
	r.Register(externalClassName, nil, opts)
}

// Options returns the HandlerOptions registered for externalClassName,
// and whether anything was registered for it at all. Used by Enqueue to
// pick up queue/priority/concurrency defaults for a known job class.
func (r *Registry) Options(externalClassName string) (HandlerOptions, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[externalClassName]
	if !ok {
		return HandlerOptions{}, false
	}
	return reg.opts, true
}

// limitFor returns the total_limit configured for jobClass's handler, or
// 0 (no limit) if unregistered, used by the scheduler's perform-time
// concurrency re-check.
func (r *Registry) limitFor(jobClass string) int {
	opts, ok := r.Options(jobClass)
	if !ok {
		return 0
	}
	return opts.TotalLimit
}

// Resolve implements the perform-time resolution order from spec.md
// §4.3:
//  1. Exact match in the external-jobs table.
//  2. Fallback: interpret job_class as a native handler identifier
//     (after converting any "::" to ".").
//  3. Otherwise fails with UnknownHandlerError.
func (r *Registry) Resolve(jobClass string) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.byID[jobClass]; ok {
		return reg, nil
	}

	native := strings.ReplaceAll(jobClass, "::", ".")
	if native != jobClass {
		if reg, ok := r.byID[native]; ok {
			return reg, nil
		}
	}

	return nil, &UnknownHandlerError{JobClass: jobClass}
}

// Perform dispatches to reg's handler, failing fast for external-only
// descriptors per spec.md §4.3.
func (reg *registration) Perform(ctx context.Context, job *Job, args []any) Outcome {
	if reg.opts.ExternalOnly || reg.handler == nil {
		return Outcome{Kind: OutcomeDiscard, DiscardReason: ErrExternalJobMisrouted.Error()}
	}
	return reg.handler.Perform(ctx, job, args)
}
