// Package runner executes bulk membership jobs on a worker pool. The
// request path only creates the job row and submits it here; the throttled
// write loop, progress broadcasting, cancellation polling, and finalization
// all happen on the workers.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/rollcall/internal/hub"
	"github.com/user/rollcall/internal/store"
)

// DefaultPace is the pause between chunked batches, capping the write rate
// against the membership store.
const DefaultPace = 100 * time.Millisecond

// Notifier receives terminal job notifications. Delivery is fire-and-forget:
// implementations must never fail the job they report on.
type Notifier interface {
	JobFinished(job *store.Job)
}

// Config holds runner configuration.
type Config struct {
	Workers    int
	Pace       time.Duration
	QueueDepth int
}

type submission struct {
	jobID  string
	params *Params
	handle *Handle
}

// Handle tracks one submitted job run.
type Handle struct {
	jobID string
	done  chan struct{}
}

// JobID returns the job this handle tracks.
func (h *Handle) JobID() string { return h.jobID }

// Done is closed when the worker finishes executing the job, whatever the
// outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Manager owns the worker pool and the per-job execution lifecycle.
type Manager struct {
	store       *store.Store
	hub         *hub.Hub
	notifier    Notifier
	pace        time.Duration
	submissions chan submission
	wg          sync.WaitGroup
	tracer      trace.Tracer
}

// New creates a Manager. A nil notifier disables notifications.
func New(st *store.Store, h *hub.Hub, notifier Notifier, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.Pace < 0 {
		cfg.Pace = 0
	}
	m := &Manager{
		store:       st,
		hub:         h,
		notifier:    notifier,
		pace:        cfg.Pace,
		submissions: make(chan submission, cfg.QueueDepth),
		tracer:      otel.Tracer("github.com/user/rollcall/internal/runner"),
	}
	m.startWorkers(cfg.Workers)
	return m
}

func (m *Manager) startWorkers(n int) {
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for sub := range m.submissions {
				m.execute(context.Background(), sub)
			}
		}()
	}
}

// Close stops accepting submissions and waits for in-flight jobs to drain.
func (m *Manager) Close() {
	close(m.submissions)
	m.wg.Wait()
}

// CreateJob validates params, creates the job row (honoring the
// idempotency key), and dispatches execution. When the key matches an
// existing job no new row is written and nothing is dispatched.
func (m *Manager) CreateJob(name string, p *Params, idempotencyKey string) (string, bool, error) {
	raw, err := p.Encode()
	if err != nil {
		return "", false, err
	}
	jobID, existing, err := m.store.CreateJob(name, raw, idempotencyKey)
	if err != nil {
		return "", false, err
	}
	if existing {
		return jobID, true, nil
	}
	if _, err := m.Submit(jobID, p); err != nil {
		return "", false, err
	}
	return jobID, false, nil
}

// Submit dispatches an already-created job for execution. It never blocks
// on the throttled loop; a full dispatch queue fails the job immediately.
func (m *Manager) Submit(jobID string, p *Params) (*Handle, error) {
	h := &Handle{jobID: jobID, done: make(chan struct{})}
	select {
	case m.submissions <- submission{jobID: jobID, params: p, handle: h}:
		return h, nil
	default:
		err := fmt.Errorf("dispatch queue full")
		m.finalize(jobID, false, err.Error())
		return nil, err
	}
}

// Cancel marks a queued or running job as cancelled and broadcasts a
// terminal event with the last known counters. The worker observes the new
// state at its next batch boundary, so cancellation latency is bounded by
// one chunk's write plus pacing delay.
func (m *Manager) Cancel(jobID string) (bool, error) {
	job, ok, err := m.store.CancelJob(jobID)
	if err != nil || !ok {
		return false, err
	}
	m.publishProgress(job)
	return true, nil
}

func (m *Manager) execute(ctx context.Context, sub submission) {
	defer close(sub.handle.done)

	ctx, span := m.tracer.Start(ctx, "bulk.run", trace.WithAttributes(
		attribute.String("job.id", sub.jobID),
		attribute.String("job.op", sub.params.Op),
	))
	defer span.End()

	var err error
	switch sub.params.Op {
	case store.OpBulkAddSelected:
		err = m.runChunkedAdd(ctx, sub.jobID, sub.params)
	case store.OpBulkAddAll:
		err = m.runSetBasedAdd(ctx, sub.jobID, sub.params)
	case store.OpBulkRemoveSelected:
		err = m.runChunkedRemove(ctx, sub.jobID, sub.params)
	case store.OpBulkMove:
		err = m.runMove(ctx, sub.jobID, sub.params)
	default:
		err = m.failJob(sub.jobID, fmt.Errorf("unknown operation type %q", sub.params.Op))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("bulk job failed", "job_id", sub.jobID, "op", sub.params.Op, "error", err)
	}
}

// runChunkedAdd inserts an explicit ID list in advised-size batches with a
// pacing delay between batches.
func (m *Manager) runChunkedAdd(ctx context.Context, jobID string, p *Params) error {
	start := time.Now()
	total := len(p.CompanyIDs)
	chunkSize := m.store.OptimalChunkSize(store.OpBulkAddSelected, total)

	if err := m.setProgress(jobID, 0, total); err != nil {
		return m.failJob(jobID, err)
	}
	m.activity(jobID, "bulk_add", fmt.Sprintf("Started adding %d companies", total))

	done, cancelled, err := m.processChunks(ctx, jobID, p.CompanyIDs, chunkSize, func(chunk []int64) error {
		_, err := m.store.InsertMembers(p.DestCollectionID, chunk)
		return err
	})
	if err != nil {
		return m.failJob(jobID, err)
	}
	if cancelled {
		m.cancelExit(jobID, store.EventAddCompanies, p.DestCollectionID, p.SourceCollectionID, p.CompanyIDs, done, total)
		return nil
	}

	m.recordEvent(jobID, store.EventAddCompanies, p.DestCollectionID, p.SourceCollectionID, p.CompanyIDs[:done])
	duration := time.Since(start)
	m.activity(jobID, "bulk_add", fmt.Sprintf("Completed adding %d companies in %.1fs", done, duration.Seconds()))
	m.recordSample(store.OpBulkAddSelected, done, duration, chunkSize)
	m.finalize(jobID, true, "")
	return nil
}

// runSetBasedAdd copies an entire source collection in one statement. The
// post-operation destination size is reported as done/total; that is a
// whole-destination count, not the inserted delta.
func (m *Manager) runSetBasedAdd(ctx context.Context, jobID string, p *Params) error {
	start := time.Now()
	srcIDs, err := m.store.MemberIDs(p.SourceCollectionID)
	if err != nil {
		return m.failJob(jobID, err)
	}
	if err := m.setProgress(jobID, 0, len(srcIDs)); err != nil {
		return m.failJob(jobID, err)
	}
	m.activity(jobID, "bulk_add", fmt.Sprintf("Started Select All from collection %s (%d companies)", p.SourceCollectionID, len(srcIDs)))

	if cancelled, err := m.isCancelled(jobID); err != nil {
		return m.failJob(jobID, err)
	} else if cancelled {
		m.cancelExit(jobID, store.EventAddCompanies, p.DestCollectionID, p.SourceCollectionID, srcIDs, 0, len(srcIDs))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return m.failJob(jobID, err)
	}

	if _, err := m.store.CopyMembers(p.DestCollectionID, p.SourceCollectionID); err != nil {
		return m.failJob(jobID, err)
	}
	destCount, err := m.store.CountMembers(p.DestCollectionID)
	if err != nil {
		return m.failJob(jobID, err)
	}
	if err := m.setProgress(jobID, destCount, destCount); err != nil {
		return m.failJob(jobID, err)
	}

	m.recordEvent(jobID, store.EventAddCompanies, p.DestCollectionID, p.SourceCollectionID, srcIDs)
	duration := time.Since(start)
	m.activity(jobID, "bulk_add", fmt.Sprintf("Completed Select All: %d companies in %.1fs", destCount, duration.Seconds()))
	m.recordSample(store.OpBulkAddAll, destCount, duration, store.DefaultChunkSetBased)
	m.finalize(jobID, true, "")
	return nil
}

// runChunkedRemove deletes an explicit ID list in advised-size batches.
func (m *Manager) runChunkedRemove(ctx context.Context, jobID string, p *Params) error {
	start := time.Now()
	total := len(p.CompanyIDs)
	chunkSize := m.store.OptimalChunkSize(store.OpBulkRemoveSelected, total)

	if err := m.setProgress(jobID, 0, total); err != nil {
		return m.failJob(jobID, err)
	}
	m.activity(jobID, "bulk_remove", fmt.Sprintf("Started removing %d companies", total))

	done, cancelled, err := m.processChunks(ctx, jobID, p.CompanyIDs, chunkSize, func(chunk []int64) error {
		_, err := m.store.DeleteMembers(p.DestCollectionID, chunk)
		return err
	})
	if err != nil {
		return m.failJob(jobID, err)
	}
	if cancelled {
		m.cancelExit(jobID, store.EventRemoveCompanies, p.DestCollectionID, "", p.CompanyIDs, done, total)
		return nil
	}

	m.recordEvent(jobID, store.EventRemoveCompanies, p.DestCollectionID, "", p.CompanyIDs[:done])
	duration := time.Since(start)
	m.activity(jobID, "bulk_remove", fmt.Sprintf("Completed removing %d companies in %.1fs", done, duration.Seconds()))
	m.recordSample(store.OpBulkRemoveSelected, done, duration, chunkSize)
	m.finalize(jobID, true, "")
	return nil
}

// runMove moves each batch from the source to the destination in one
// transaction per batch. An empty ID list moves the whole source.
func (m *Manager) runMove(ctx context.Context, jobID string, p *Params) error {
	start := time.Now()
	ids := p.CompanyIDs
	if len(ids) == 0 {
		var err error
		ids, err = m.store.MemberIDs(p.SourceCollectionID)
		if err != nil {
			return m.failJob(jobID, err)
		}
	}
	total := len(ids)
	chunkSize := m.store.OptimalChunkSize(store.OpBulkMove, total)

	if err := m.setProgress(jobID, 0, total); err != nil {
		return m.failJob(jobID, err)
	}
	m.activity(jobID, "bulk_move", fmt.Sprintf("Started moving %d companies from collection %s", total, p.SourceCollectionID))

	done, cancelled, err := m.processChunks(ctx, jobID, ids, chunkSize, func(chunk []int64) error {
		_, err := m.store.MoveMembers(p.DestCollectionID, p.SourceCollectionID, chunk)
		return err
	})
	if err != nil {
		return m.failJob(jobID, err)
	}
	if cancelled {
		m.cancelExit(jobID, store.EventMoveCompanies, p.DestCollectionID, p.SourceCollectionID, ids, done, total)
		return nil
	}

	m.recordEvent(jobID, store.EventMoveCompanies, p.DestCollectionID, p.SourceCollectionID, ids[:done])
	duration := time.Since(start)
	m.activity(jobID, "bulk_move", fmt.Sprintf("Completed moving %d companies in %.1fs", done, duration.Seconds()))
	m.recordSample(store.OpBulkMove, done, duration, chunkSize)
	m.finalize(jobID, true, "")
	return nil
}

type chunkFn func(chunk []int64) error

// processChunks runs the throttled loop: apply fn to each batch, persist
// and broadcast progress, then sleep the pacing delay. Cancellation is
// polled at batch boundaries only, so an in-flight batch always completes
// before cancellation takes effect.
func (m *Manager) processChunks(ctx context.Context, jobID string, ids []int64, chunkSize int, fn chunkFn) (int, bool, error) {
	total := len(ids)
	done := 0
	for i := 0; i < total; i += chunkSize {
		if cancelled, err := m.isCancelled(jobID); err != nil {
			return done, false, err
		} else if cancelled {
			return done, true, nil
		}
		if err := ctx.Err(); err != nil {
			return done, false, err
		}

		end := min(i+chunkSize, total)
		if err := fn(ids[i:end]); err != nil {
			return done, false, err
		}
		done = end
		if err := m.setProgress(jobID, done, total); err != nil {
			return done, false, err
		}

		if end < total && m.pace > 0 {
			select {
			case <-ctx.Done():
				return done, false, ctx.Err()
			case <-time.After(m.pace):
			}
		}
	}
	return done, false, nil
}

func (m *Manager) isCancelled(jobID string) (bool, error) {
	state, err := m.store.JobState(jobID)
	if err != nil {
		return false, err
	}
	return state == store.StateCancelled, nil
}

func (m *Manager) setProgress(jobID string, done, total int) error {
	job, err := m.store.UpdateJobProgress(jobID, done, total, store.StateRunning)
	if err != nil {
		return err
	}
	if job != nil {
		m.publishProgress(job)
	}
	return nil
}

func (m *Manager) publishProgress(job *store.Job) {
	m.hub.Publish(job.ID, hub.Payload{
		Done:     job.Done,
		Total:    job.Total,
		State:    job.State,
		Progress: job.Progress(),
	})
}

// finalize transitions the job to its terminal state exactly once and
// broadcasts the terminal payload. Losing the transition race (e.g. to a
// concurrent cancel) suppresses the broadcast and notification.
func (m *Manager) finalize(jobID string, success bool, errMsg string) {
	job, won, err := m.store.FinishJob(jobID, success, errMsg)
	if err != nil {
		slog.Error("finalize job", "job_id", jobID, "error", err)
		return
	}
	if !won {
		return
	}
	p := hub.Payload{Done: job.Done, Total: job.Total, State: job.State, Progress: 100}
	if !success {
		p.Progress = 0
		p.Error = errMsg
	}
	m.hub.Publish(jobID, p)
	if m.notifier != nil {
		m.notifier.JobFinished(job)
	}
}

// failJob captures the error on the job row before re-surfacing it to the
// worker supervisor.
func (m *Manager) failJob(jobID string, cause error) error {
	m.finalize(jobID, false, cause.Error())
	m.activity(jobID, "error", fmt.Sprintf("Failed: %v", cause))
	return cause
}

// cancelExit records the audit trail for a cooperatively cancelled run.
// The cancel request already made the terminal transition and broadcast.
// ids is the resolved list the run iterated, so the written prefix gets an
// Event even when the job was created without an explicit ID list.
func (m *Manager) cancelExit(jobID, eventType, destID, sourceID string, ids []int64, done, total int) {
	m.activity(jobID, "cancel", fmt.Sprintf("Cancelled at %d/%d companies", done, total))
	if done > 0 && len(ids) >= done {
		m.recordEvent(jobID, eventType, destID, sourceID, ids[:done])
	}
}

func (m *Manager) activity(jobID, eventType, description string) {
	if err := m.store.AppendActivity(jobID, eventType, "system", description, nil); err != nil {
		slog.Warn("append activity", "job_id", jobID, "error", err)
	}
}

func (m *Manager) recordEvent(jobID, eventType, destID, sourceID string, companyIDs []int64) {
	if _, err := m.store.CreateEvent(eventType, destID, sourceID, companyIDs); err != nil {
		slog.Warn("record event", "job_id", jobID, "error", err)
	}
}

func (m *Manager) recordSample(opType string, records int, duration time.Duration, chunkSize int) {
	if err := m.store.RecordSLOSample(opType, records, duration, chunkSize); err != nil {
		slog.Warn("record slo sample", "operation_type", opType, "error", err)
	}
}
