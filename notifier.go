package goodjob

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotificationPayload is the wire shape of a job-available hint
// published over the notification channel (spec.md §4.4, §6.3). Only
// QueueName is required; other fields are carried for UI consumers and
// ignored by the core.
type NotificationPayload struct {
	QueueName   string     `json:"queue_name"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Recipient receives notifier payloads over a buffered channel. The
// Notifier never blocks on a slow recipient: sends are non-blocking, so
// a full channel simply drops that message for that recipient.
type Recipient chan NotificationPayload

// Notifier owns a dedicated database connection on which it issues
// LISTEN <channel>. It is the only component that uses this connection
// (spec.md §5). Reconnection after a dropped connection re-establishes
// LISTEN automatically.
type Notifier struct {
	connString        string
	channel           string
	keepaliveInterval time.Duration
	log               *Logger

	mu         sync.Mutex
	recipients map[Recipient]struct{}
	conn       *pgx.Conn

	stop chan struct{}
	done chan struct{}
}

// NewNotifier creates a Notifier. connString is a standalone DSN (not
// drawn from the worker pool) since the connection must be held for the
// Notifier's entire lifetime, never returned in between LISTENs.
func NewNotifier(connString, channel string, keepaliveInterval time.Duration, log *Logger) *Notifier {
	if channel == "" {
		channel = "good_job"
	}
	if keepaliveInterval <= 0 {
		keepaliveInterval = 10 * time.Second
	}
	return &Notifier{
		connString:        connString,
		channel:           channel,
		keepaliveInterval: keepaliveInterval,
		log:               log,
		recipients:        make(map[Recipient]struct{}),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Subscribe registers a recipient channel. The caller owns ch and should
// Unsubscribe before closing it.
func (n *Notifier) Subscribe(ch Recipient) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recipients[ch] = struct{}{}
}

// Unsubscribe removes a previously subscribed recipient.
func (n *Notifier) Unsubscribe(ch Recipient) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.recipients, ch)
}

// Run connects, LISTENs, and fans out notifications until ctx is
// cancelled or Stop is called. It reconnects with exponential backoff on
// any connection error, matching spec.md §4.4/§4.1's "Connection loss by
// the Notifier triggers automatic reconnect with backoff; lost LISTEN
// state is re-established on reconnect."
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stop:
			return
		default:
		}

		if err := n.runOnce(ctx); err != nil {
			if n.log != nil {
				n.log.Warn("notifier disconnected, reconnecting", "error", err, "backoff", backoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-n.stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return
	}
}

// runOnce holds one connection's lifetime: connect, LISTEN, keepalive +
// WaitForNotification loop. It returns nil only on a clean shutdown
// (ctx cancelled or Stop called); any connection error returns non-nil
// so Run can back off and retry.
func (n *Notifier) runOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, n.connString)
	if err != nil {
		return &NotifierDisconnectError{Cause: err}
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, sqlListen+quoteIdent(n.channel)); err != nil {
		return &NotifierDisconnectError{Cause: err}
	}

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.conn = nil
		n.mu.Unlock()
	}()

	keepalive := time.NewTicker(n.keepaliveInterval)
	defer keepalive.Stop()

	notifications := make(chan *pgx.Notification, 16)
	errs := make(chan error, 1)
	go func() {
		for {
			note, err := conn.WaitForNotification(ctx)
			if err != nil {
				errs <- err
				return
			}
			notifications <- note
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.stop:
			return nil
		case err := <-errs:
			return &NotifierDisconnectError{Cause: err}
		case <-keepalive.C:
			if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
				return &NotifierDisconnectError{Cause: err}
			}
		case note := <-notifications:
			n.dispatch(note)
		}
	}
}

func (n *Notifier) dispatch(note *pgx.Notification) {
	var payload NotificationPayload
	if err := json.Unmarshal([]byte(note.Payload), &payload); err != nil {
		// Unknown or malformed payload shapes (e.g. UI lifecycle events)
		// are ignored by the core, per spec.md §4.4.
		return
	}
	if payload.QueueName == "" {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.recipients {
		select {
		case ch <- payload:
		default:
			// Non-blocking: a slow recipient never blocks the notifier.
		}
	}
}

// Stop halts the Notifier and waits for Run to return.
func (n *Notifier) Stop() {
	close(n.stop)
	<-n.done
}

// Publish issues NOTIFY <channel>, <payload> over db. When db is a
// transaction, the notify happens in the same transaction as the
// triggering insert (spec.md §4.4 "in the same transaction that inserts
// the job"); publishing through a raw pgxpool.Pool instead issues it
// immediately, used for the "enqueue_after_transaction_commit" variant
// where the caller calls Publish after committing.
func (n *Notifier) Publish(ctx context.Context, db queryable, payload NotificationPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, sqlNotify, n.channel, string(raw))
	return err
}

// quoteIdent double-quotes an identifier for use in LISTEN/UNLISTEN,
// which don't accept bind parameters.
func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
