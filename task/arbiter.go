package task

import (
	"context"
	"fmt"

	"gigflow/events"
	"gigflow/fault"
)

// AcceptApplication assigns the task to one applicant. It executes as a
// single atomic unit under the task row lock: the task and application
// statuses are re-read inside the lock, the winner is accepted, and every
// other pending application is rejected in the same commit. Exactly one
// application per task ever becomes accepted.
//
// A duplicate accept of the already-accepted application returns the current
// state. Accepting a different application after one is accepted, or losing
// the race to a concurrent accept, is a ConflictError so callers can tell
// "someone else got this job" from other failures.
func (s *Service) AcceptApplication(ctx context.Context, taskID, appID, actorID string) (Task, Application, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, Application{}, fmt.Errorf("task: begin accept: %w", err)
	}
	defer tx.Rollback(ctx)

	t, app, err := s.lockPair(ctx, tx, taskID, appID)
	if err != nil {
		return Task{}, Application{}, err
	}
	if t.CreatorID != actorID {
		return Task{}, Application{}, fault.New(fault.KindAuthorization, "only the task creator can accept an application")
	}

	// Idempotent duplicate of an already-applied accept.
	if app.Status == ApplicationAccepted && t.AssignedTo != nil && *t.AssignedTo == app.ApplicantID {
		return t, app, nil
	}

	if t.Status != StatusOpen {
		if t.Status == StatusAssigned {
			return Task{}, Application{}, fault.New(fault.KindConflict, "task already assigned to another applicant")
		}
		return Task{}, Application{}, fault.New(fault.KindState, "task is %s, applications cannot be accepted", t.Status)
	}
	if app.Status != ApplicationPending {
		return Task{}, Application{}, fault.New(fault.KindConflict, "application is %s, no longer acceptable", app.Status)
	}

	ok, err := s.repo.markAssigned(ctx, tx, t.ID, app.ApplicantID)
	if err != nil {
		return Task{}, Application{}, err
	}
	if !ok {
		return Task{}, Application{}, fault.New(fault.KindConflict, "task already assigned to another applicant")
	}
	if ok, err := s.repo.markApplicationAccepted(ctx, tx, app.ID); err != nil {
		return Task{}, Application{}, err
	} else if !ok {
		return Task{}, Application{}, fault.New(fault.KindConflict, "application is no longer pending")
	}
	if err := s.repo.rejectOtherPending(ctx, tx, t.ID, app.ID); err != nil {
		return Task{}, Application{}, err
	}

	payload := map[string]any{"application_id": app.ID, "worker_id": app.ApplicantID}
	if err := events.Append(ctx, tx, t.ID, events.TypeApplicationAccepted, &actorID, payload); err != nil {
		return Task{}, Application{}, err
	}
	if err := events.Enqueue(ctx, tx, events.TopicTaskAssigned, map[string]any{"task_id": t.ID, "worker_id": app.ApplicantID}); err != nil {
		return Task{}, Application{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, Application{}, fmt.Errorf("task: commit accept: %w", err)
	}
	s.recorder.RecordTaskTransition(string(StatusOpen), string(StatusAssigned))

	outT, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return Task{}, Application{}, err
	}
	outA, err := s.repo.GetApplication(ctx, appID)
	if err != nil {
		return Task{}, Application{}, err
	}
	return outT, outA, nil
}
