// Package store defines the persistence contract consumed by the workflow
// engine, plus an in-memory implementation used by tests and single-process
// deployments. The Mongo-backed implementation lives under features/store.
//
// Entities are stored per tenant: every read and write is scoped by user ID
// and a mismatched owner behaves exactly like a missing row. Beyond plain
// entity CRUD the contract carries the atomic primitives the engine depends
// on: duplicate-suppressing append/remove on the workflow steps list,
// terminal-once instance status transitions, and atomic balance decrements.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pipevine/pipevine/runtime/workflow"
)

// ErrNotFound indicates the entity does not exist or is owned by another
// user.
var ErrNotFound = errors.New("store: not found")

// ErrTerminal indicates an instance status write was rejected because the
// instance already reached a terminal state.
var ErrTerminal = errors.New("store: instance already terminal")

type (
	// User carries the per-tenant billing state read by the balance gate.
	User struct {
		// ID is the tenant identifier.
		ID string `json:"id"`
		// BalanceUSD is the remaining prepaid balance.
		BalanceUSD float64 `json:"balance_usd"`
		// Enforced marks accounts subject to balance enforcement. Unenforced
		// accounts are never checked and never deducted.
		Enforced bool `json:"enforced"`

		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Store is the transactional persistence contract.
	Store interface {
		// PutWorkflow creates or replaces a workflow definition.
		PutWorkflow(ctx context.Context, wf *workflow.Workflow) error

		// Workflow returns the workflow owned by userID, or ErrNotFound.
		Workflow(ctx context.Context, userID, uuid string) (*workflow.Workflow, error)

		// DeleteWorkflow removes the workflow and its trigger. Step definitions
		// are shared and survive.
		DeleteWorkflow(ctx context.Context, userID, uuid string) error

		// AppendWorkflowStep appends stepUUID to the workflow's steps list if
		// not already present. Idempotent: appending a present UUID is a no-op.
		AppendWorkflowStep(ctx context.Context, userID, workflowUUID, stepUUID string) error

		// RemoveWorkflowStep removes stepUUID from the workflow's steps list.
		// Idempotent: removing an absent UUID is a no-op.
		RemoveWorkflowStep(ctx context.Context, userID, workflowUUID, stepUUID string) error

		// PutStep creates or replaces a step definition.
		PutStep(ctx context.Context, s *workflow.Step) error

		// Step returns the step owned by userID, or ErrNotFound.
		Step(ctx context.Context, userID, uuid string) (*workflow.Step, error)

		// DeleteStep removes a step definition. It fails when any workflow
		// owned by the same user still references the step.
		DeleteStep(ctx context.Context, userID, uuid string) error

		// PutTrigger creates or replaces a trigger. Triggers are replaced as a
		// whole on change.
		PutTrigger(ctx context.Context, t *workflow.Trigger) error

		// Trigger returns the trigger owned by userID, or ErrNotFound.
		Trigger(ctx context.Context, userID, uuid string) (*workflow.Trigger, error)

		// PutInstance creates or replaces a workflow instance document.
		PutInstance(ctx context.Context, inst *workflow.Instance) error

		// Instance returns the instance owned by userID, or ErrNotFound.
		Instance(ctx context.Context, userID, uuid string) (*workflow.Instance, error)

		// SetInstanceStatus transitions the instance to the given status and
		// records errorMessage. Terminal-once: the write succeeds only when the
		// stored status is still running; otherwise ErrTerminal.
		SetInstanceStatus(ctx context.Context, userID, uuid string, status workflow.InstanceStatus, errorMessage string) error

		// PutStepInstance upserts one step instance within its parent instance,
		// matched by step instance UUID.
		PutStepInstance(ctx context.Context, userID string, si *workflow.StepInstance) error

		// SweepRunning transitions every instance still in running status to
		// failed with the given reason and returns the number of instances
		// rewritten. Open step instances of swept instances are failed too.
		SweepRunning(ctx context.Context, reason string) (int, error)

		// PutUser creates or replaces a user record.
		PutUser(ctx context.Context, u *User) error

		// User returns the user record, or ErrNotFound.
		User(ctx context.Context, id string) (*User, error)

		// DeductBalance atomically subtracts amountUSD from the user's balance.
		// The subtraction is unconditional; callers gate on balance before the
		// spend, not after.
		DeductBalance(ctx context.Context, userID string, amountUSD float64) error
	}
)
