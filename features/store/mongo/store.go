// Package mongo implements the engine persistence contract on MongoDB.
//
// Every entity lives in its own collection scoped by user id. Polymorphic
// entities (steps, step instances, triggers) keep their promoted columns as
// document fields and the full entity as a JSON details string, so the
// document schema stays stable while the Go types evolve. The engine's
// atomic primitives map onto single update commands: $addToSet/$pull for the
// workflow steps list, a status-guarded $set for terminal-once instance
// transitions, and $inc for balance decrements.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pipevine/pipevine/runtime/store"
	"github.com/pipevine/pipevine/runtime/workflow"
)

const defaultTimeout = 5 * time.Second

// Collection names within the configured database.
const (
	CollWorkflows = "workflows"
	CollSteps     = "steps"
	CollTriggers  = "triggers"
	CollInstances = "workflow_instances"
	CollUsers     = "users"
)

type (
	// Options configures the Mongo-backed store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Timeout bounds each operation; defaults to 5s.
		Timeout time.Duration
	}

	// Store implements store.Store on MongoDB.
	Store struct {
		workflows collection
		steps     collection
		triggers  collection
		instances collection
		users     collection
		timeout   time.Duration
	}
)

// New builds a Store from a connected client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	db := opts.Client.Database(opts.Database)
	return newWithCollections(collections{
		workflows: mongoCollection{coll: db.Collection(CollWorkflows)},
		steps:     mongoCollection{coll: db.Collection(CollSteps)},
		triggers:  mongoCollection{coll: db.Collection(CollTriggers)},
		instances: mongoCollection{coll: db.Collection(CollInstances)},
		users:     mongoCollection{coll: db.Collection(CollUsers)},
	}, opts.Timeout)
}

type collections struct {
	workflows, steps, triggers, instances, users collection
}

func newWithCollections(c collections, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		workflows: c.workflows,
		steps:     c.steps,
		triggers:  c.triggers,
		instances: c.instances,
		users:     c.users,
		timeout:   timeout,
	}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Document shapes. Promoted columns only; polymorphic payloads ride in
// details as JSON text.
type (
	workflowDoc struct {
		UUID        string    `bson:"_id"`
		UserID      string    `bson:"user_id"`
		Name        string    `bson:"name"`
		Description string    `bson:"description,omitempty"`
		IsActive    bool      `bson:"is_active"`
		TriggerUUID string    `bson:"trigger_uuid,omitempty"`
		Steps       []string  `bson:"steps"`
		CreatedAt   time.Time `bson:"created_at"`
		UpdatedAt   time.Time `bson:"updated_at"`
	}

	stepDoc struct {
		UUID      string            `bson:"_id"`
		UserID    string            `bson:"user_id"`
		Name      string            `bson:"name"`
		Type      workflow.StepType `bson:"type"`
		Details   string            `bson:"details"`
		CreatedAt time.Time         `bson:"created_at"`
		UpdatedAt time.Time         `bson:"updated_at"`
	}

	triggerDoc struct {
		UUID         string    `bson:"_id"`
		UserID       string    `bson:"user_id"`
		WorkflowUUID string    `bson:"workflow_uuid"`
		Details      string    `bson:"details"`
		CreatedAt    time.Time `bson:"created_at"`
		UpdatedAt    time.Time `bson:"updated_at"`
	}

	instanceDoc struct {
		UUID          string                  `bson:"_id"`
		UserID        string                  `bson:"user_id"`
		WorkflowUUID  string                  `bson:"workflow_uuid"`
		Status        workflow.InstanceStatus `bson:"status"`
		TriggerOutput string                  `bson:"trigger_output,omitempty"`
		StepInstances []stepInstanceDoc       `bson:"step_instances"`
		ErrorMessage  string                  `bson:"error_message,omitempty"`
		CreatedAt     time.Time               `bson:"created_at"`
		UpdatedAt     time.Time               `bson:"updated_at"`
	}

	stepInstanceDoc struct {
		UUID    string              `bson:"uuid"`
		Status  workflow.StepStatus `bson:"status"`
		Details string              `bson:"details"`
	}

	userDoc struct {
		ID         string    `bson:"_id"`
		BalanceUSD float64   `bson:"balance_usd"`
		Enforced   bool      `bson:"enforced"`
		CreatedAt  time.Time `bson:"created_at"`
		UpdatedAt  time.Time `bson:"updated_at"`
	}
)

// PutWorkflow implements store.Store.
func (s *Store) PutWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	created := wf.CreatedAt
	if created.IsZero() {
		created = now
	}
	doc := workflowDoc{
		UUID:        wf.UUID,
		UserID:      wf.UserID,
		Name:        wf.Name,
		Description: wf.Description,
		IsActive:    wf.IsActive,
		TriggerUUID: wf.TriggerUUID,
		Steps:       append([]string{}, wf.Steps...),
		CreatedAt:   created,
		UpdatedAt:   now,
	}
	_, err := s.workflows.ReplaceOne(ctx, bson.M{"_id": wf.UUID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Workflow implements store.Store.
func (s *Store) Workflow(ctx context.Context, userID, uuid string) (*workflow.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workflowDoc
	err := s.workflows.FindOne(ctx, bson.M{"_id": uuid, "user_id": userID}).Decode(&doc)
	if err != nil {
		return nil, translateErr(err)
	}
	return &workflow.Workflow{
		UUID:        doc.UUID,
		UserID:      doc.UserID,
		Name:        doc.Name,
		Description: doc.Description,
		IsActive:    doc.IsActive,
		TriggerUUID: doc.TriggerUUID,
		Steps:       doc.Steps,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

// DeleteWorkflow implements store.Store. The owned trigger goes with it.
func (s *Store) DeleteWorkflow(ctx context.Context, userID, uuid string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workflowDoc
	if err := s.workflows.FindOne(ctx, bson.M{"_id": uuid, "user_id": userID}).Decode(&doc); err != nil {
		return translateErr(err)
	}
	if doc.TriggerUUID != "" {
		if _, err := s.triggers.DeleteOne(ctx, bson.M{"_id": doc.TriggerUUID, "user_id": userID}); err != nil {
			return fmt.Errorf("delete trigger %s: %w", doc.TriggerUUID, err)
		}
	}
	res, err := s.workflows.DeleteOne(ctx, bson.M{"_id": uuid, "user_id": userID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendWorkflowStep implements store.Store. $addToSet gives the
// duplicate-suppressing append in one command.
func (s *Store) AppendWorkflowStep(ctx context.Context, userID, workflowUUID, stepUUID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.workflows.UpdateOne(ctx,
		bson.M{"_id": workflowUUID, "user_id": userID},
		bson.M{
			"$addToSet": bson.M{"steps": stepUUID},
			"$set":      bson.M{"updated_at": time.Now().UTC()},
		})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RemoveWorkflowStep implements store.Store. $pull is a no-op for absent
// values.
func (s *Store) RemoveWorkflowStep(ctx context.Context, userID, workflowUUID, stepUUID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.workflows.UpdateOne(ctx,
		bson.M{"_id": workflowUUID, "user_id": userID},
		bson.M{
			"$pull": bson.M{"steps": stepUUID},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PutStep implements store.Store.
func (s *Store) PutStep(ctx context.Context, st *workflow.Step) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	details, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal step %s: %w", st.UUID, err)
	}
	now := time.Now().UTC()
	created := st.CreatedAt
	if created.IsZero() {
		created = now
	}
	doc := stepDoc{
		UUID:      st.UUID,
		UserID:    st.UserID,
		Name:      st.Name,
		Type:      st.Type,
		Details:   string(details),
		CreatedAt: created,
		UpdatedAt: now,
	}
	_, err = s.steps.ReplaceOne(ctx, bson.M{"_id": st.UUID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Step implements store.Store.
func (s *Store) Step(ctx context.Context, userID, uuid string) (*workflow.Step, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc stepDoc
	if err := s.steps.FindOne(ctx, bson.M{"_id": uuid, "user_id": userID}).Decode(&doc); err != nil {
		return nil, translateErr(err)
	}
	var st workflow.Step
	if err := json.Unmarshal([]byte(doc.Details), &st); err != nil {
		return nil, fmt.Errorf("decode step %s details: %w", uuid, err)
	}
	st.CreatedAt = doc.CreatedAt
	st.UpdatedAt = doc.UpdatedAt
	return &st, nil
}

// DeleteStep implements store.Store. Steps still referenced by a workflow are
// protected.
func (s *Store) DeleteStep(ctx context.Context, userID, uuid string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.workflows.CountDocuments(ctx, bson.M{"user_id": userID, "steps": uuid})
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("step %s is referenced by %d workflow(s)", uuid, n)
	}
	res, err := s.steps.DeleteOne(ctx, bson.M{"_id": uuid, "user_id": userID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PutTrigger implements store.Store.
func (s *Store) PutTrigger(ctx context.Context, t *workflow.Trigger) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	details, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger %s: %w", t.UUID, err)
	}
	now := time.Now().UTC()
	created := t.CreatedAt
	if created.IsZero() {
		created = now
	}
	doc := triggerDoc{
		UUID:         t.UUID,
		UserID:       t.UserID,
		WorkflowUUID: t.WorkflowUUID,
		Details:      string(details),
		CreatedAt:    created,
		UpdatedAt:    now,
	}
	_, err = s.triggers.ReplaceOne(ctx, bson.M{"_id": t.UUID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Trigger implements store.Store.
func (s *Store) Trigger(ctx context.Context, userID, uuid string) (*workflow.Trigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc triggerDoc
	if err := s.triggers.FindOne(ctx, bson.M{"_id": uuid, "user_id": userID}).Decode(&doc); err != nil {
		return nil, translateErr(err)
	}
	var t workflow.Trigger
	if err := json.Unmarshal([]byte(doc.Details), &t); err != nil {
		return nil, fmt.Errorf("decode trigger %s details: %w", uuid, err)
	}
	t.CreatedAt = doc.CreatedAt
	t.UpdatedAt = doc.UpdatedAt
	return &t, nil
}

// PutInstance implements store.Store.
func (s *Store) PutInstance(ctx context.Context, inst *workflow.Instance) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	_, err = s.instances.ReplaceOne(ctx, bson.M{"_id": inst.UUID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Instance implements store.Store.
func (s *Store) Instance(ctx context.Context, userID, uuid string) (*workflow.Instance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc instanceDoc
	if err := s.instances.FindOne(ctx, bson.M{"_id": uuid, "user_id": userID}).Decode(&doc); err != nil {
		return nil, translateErr(err)
	}
	return decodeInstance(&doc)
}

// SetInstanceStatus implements store.Store. The running-status guard in the
// filter makes the transition terminal-once without a transaction.
func (s *Store) SetInstanceStatus(ctx context.Context, userID, uuid string, status workflow.InstanceStatus, errorMessage string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": uuid, "user_id": userID, "status": workflow.InstanceRunning},
		bson.M{"$set": bson.M{
			"status":        status,
			"error_message": errorMessage,
			"updated_at":    time.Now().UTC(),
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := s.instances.CountDocuments(ctx, bson.M{"_id": uuid, "user_id": userID})
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return store.ErrTerminal
	}
	return nil
}

// PutStepInstance implements store.Store. The positional update replaces an
// existing element; a guarded $push appends a new one.
func (s *Store) PutStepInstance(ctx context.Context, userID string, si *workflow.StepInstance) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	elem, err := encodeStepInstance(si)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": si.InstanceUUID, "user_id": userID, "step_instances.uuid": si.UUID},
		bson.M{"$set": bson.M{"step_instances.$": elem, "updated_at": now}})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	res, err = s.instances.UpdateOne(ctx,
		bson.M{"_id": si.InstanceUUID, "user_id": userID, "step_instances.uuid": bson.M{"$ne": si.UUID}},
		bson.M{
			"$push": bson.M{"step_instances": elem},
			"$set":  bson.M{"updated_at": now},
		})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SweepRunning implements store.Store. One UpdateMany fails every running
// instance and, via an array filter, every open step instance inside them.
func (s *Store) SweepRunning(ctx context.Context, reason string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	res, err := s.instances.UpdateMany(ctx,
		bson.M{"status": workflow.InstanceRunning},
		bson.M{"$set": bson.M{
			"status":        workflow.InstanceFailed,
			"error_message": reason,
			"updated_at":    now,
			"step_instances.$[open].status": workflow.StepFailed,
		}},
		options.UpdateMany().SetArrayFilters([]any{
			bson.M{"open.status": bson.M{"$in": []workflow.StepStatus{workflow.StepPending, workflow.StepRunning}}},
		}))
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

// PutUser implements store.Store.
func (s *Store) PutUser(ctx context.Context, u *store.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	created := u.CreatedAt
	if created.IsZero() {
		created = now
	}
	doc := userDoc{
		ID:         u.ID,
		BalanceUSD: u.BalanceUSD,
		Enforced:   u.Enforced,
		CreatedAt:  created,
		UpdatedAt:  now,
	}
	_, err := s.users.ReplaceOne(ctx, bson.M{"_id": u.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// User implements store.Store.
func (s *Store) User(ctx context.Context, id string) (*store.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc userDoc
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, translateErr(err)
	}
	return &store.User{
		ID:         doc.ID,
		BalanceUSD: doc.BalanceUSD,
		Enforced:   doc.Enforced,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}

// DeductBalance implements store.Store with a single $inc, so concurrent
// deductions never lose updates.
func (s *Store) DeductBalance(ctx context.Context, userID string, amountUSD float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{
			"$inc": bson.M{"balance_usd": -amountUSD},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func encodeInstance(inst *workflow.Instance) (*instanceDoc, error) {
	now := time.Now().UTC()
	created := inst.CreatedAt
	if created.IsZero() {
		created = now
	}
	doc := &instanceDoc{
		UUID:          inst.UUID,
		UserID:        inst.UserID,
		WorkflowUUID:  inst.WorkflowUUID,
		Status:        inst.Status,
		ErrorMessage:  inst.ErrorMessage,
		StepInstances: make([]stepInstanceDoc, 0, len(inst.StepInstances)),
		CreatedAt:     created,
		UpdatedAt:     now,
	}
	if inst.TriggerOutput != nil {
		data, err := json.Marshal(inst.TriggerOutput)
		if err != nil {
			return nil, fmt.Errorf("marshal trigger output: %w", err)
		}
		doc.TriggerOutput = string(data)
	}
	for i := range inst.StepInstances {
		elem, err := encodeStepInstance(&inst.StepInstances[i])
		if err != nil {
			return nil, err
		}
		doc.StepInstances = append(doc.StepInstances, *elem)
	}
	return doc, nil
}

func encodeStepInstance(si *workflow.StepInstance) (*stepInstanceDoc, error) {
	details, err := json.Marshal(si)
	if err != nil {
		return nil, fmt.Errorf("marshal step instance %s: %w", si.UUID, err)
	}
	return &stepInstanceDoc{UUID: si.UUID, Status: si.Status, Details: string(details)}, nil
}

func decodeInstance(doc *instanceDoc) (*workflow.Instance, error) {
	inst := &workflow.Instance{
		UUID:          doc.UUID,
		UserID:        doc.UserID,
		WorkflowUUID:  doc.WorkflowUUID,
		Status:        doc.Status,
		ErrorMessage:  doc.ErrorMessage,
		StepInstances: make([]workflow.StepInstance, 0, len(doc.StepInstances)),
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	if doc.TriggerOutput != "" {
		var out workflow.StepOutput
		if err := json.Unmarshal([]byte(doc.TriggerOutput), &out); err != nil {
			return nil, fmt.Errorf("decode trigger output: %w", err)
		}
		inst.TriggerOutput = &out
	}
	for _, elem := range doc.StepInstances {
		var si workflow.StepInstance
		if err := json.Unmarshal([]byte(elem.Details), &si); err != nil {
			return nil, fmt.Errorf("decode step instance %s: %w", elem.UUID, err)
		}
		// The promoted status column wins: the sweep rewrites it without
		// touching the details payload. A swept step (failed column over a
		// still-open payload) picks up the instance's failure reason and
		// finish time, matching the shape the in-memory sweep produces.
		si.Status = elem.Status
		if elem.Status == workflow.StepFailed && si.FinishedAt == nil {
			if si.ErrorMessage == "" {
				si.ErrorMessage = doc.ErrorMessage
			}
			finished := doc.UpdatedAt
			si.FinishedAt = &finished
		}
		inst.StepInstances = append(inst.StepInstances, si)
	}
	return inst, nil
}

func translateErr(err error) error {
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}
