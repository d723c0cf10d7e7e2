package goodjob

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Process represents this worker's row in good_job_processes: a
// heartbeat registry used by the Cleanup Loop to detect crashed owners
// for orphan-lock recovery (spec.md §3, §4.9, SPEC_FULL.md §4.11).
type Process struct {
	ID   uuid.UUID
	pool *pgxpool.Pool
	log  *Logger

	stop chan struct{}
	done chan struct{}
}

// ProcessState is the small descriptive payload stored in
// good_job_processes.state, useful to an operator inspecting the table.
type ProcessState struct {
	Hostname     string `json:"hostname"`
	PID          int    `json:"pid"`
	MaxProcesses int    `json:"max_processes"`
	Queues       string `json:"queues"`
}

// RegisterProcess inserts this process's row and starts a heartbeat
// goroutine updating updated_at every interval. Call Deregister on clean
// shutdown.
func RegisterProcess(ctx context.Context, pool *pgxpool.Pool, state ProcessState, interval time.Duration, log *Logger) (*Process, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if state.Hostname == "" {
		state.Hostname, _ = os.Hostname()
	}
	if state.PID == 0 {
		state.PID = os.Getpid()
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}

	p := &Process{
		ID:   uuid.New(),
		pool: pool,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if _, err := pool.Exec(ctx, sqlUpsertProcess, p.ID, raw); err != nil {
		return nil, &StorageError{Op: "register_process", Cause: err}
	}

	go p.heartbeatLoop(interval)
	return p, nil
}

func (p *Process) heartbeatLoop(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := p.pool.Exec(ctx, sqlHeartbeatProcess, p.ID); err != nil && p.log != nil {
				p.log.Warn("process heartbeat failed", "process_id", p.ID, "error", err)
			}
			cancel()
		}
	}
}

// Deregister stops the heartbeat and removes this process's row.
func (p *Process) Deregister(ctx context.Context) error {
	close(p.stop)
	<-p.done
	_, err := p.pool.Exec(ctx, sqlDeleteProcess, p.ID)
	if err != nil {
		return &StorageError{Op: "deregister_process", Cause: err}
	}
	return nil
}
