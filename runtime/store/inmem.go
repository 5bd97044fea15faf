package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pipevine/pipevine/runtime/workflow"
)

// InMem is a Store backed by process memory. Safe for concurrent use. All
// reads and writes copy, so callers never share memory with the store.
type InMem struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	steps     map[string]*workflow.Step
	triggers  map[string]*workflow.Trigger
	instances map[string]*workflow.Instance
	users     map[string]*User
	now       func() time.Time
}

// NewInMem builds an empty in-memory store.
func NewInMem() *InMem {
	return &InMem{
		workflows: make(map[string]*workflow.Workflow),
		steps:     make(map[string]*workflow.Step),
		triggers:  make(map[string]*workflow.Trigger),
		instances: make(map[string]*workflow.Instance),
		users:     make(map[string]*User),
		now:       time.Now,
	}
}

// PutWorkflow implements Store.
func (s *InMem) PutWorkflow(_ context.Context, wf *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneWorkflow(wf)
	cp.UpdatedAt = s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.workflows[wf.UUID] = cp
	return nil
}

// Workflow implements Store.
func (s *InMem) Workflow(_ context.Context, userID, uuid string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[uuid]
	if !ok || wf.UserID != userID {
		return nil, ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

// DeleteWorkflow implements Store.
func (s *InMem) DeleteWorkflow(_ context.Context, userID, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[uuid]
	if !ok || wf.UserID != userID {
		return ErrNotFound
	}
	if wf.TriggerUUID != "" {
		delete(s.triggers, wf.TriggerUUID)
	}
	delete(s.workflows, uuid)
	return nil
}

// AppendWorkflowStep implements Store.
func (s *InMem) AppendWorkflowStep(_ context.Context, userID, workflowUUID, stepUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowUUID]
	if !ok || wf.UserID != userID {
		return ErrNotFound
	}
	for _, id := range wf.Steps {
		if id == stepUUID {
			return nil
		}
	}
	wf.Steps = append(wf.Steps, stepUUID)
	wf.UpdatedAt = s.now()
	return nil
}

// RemoveWorkflowStep implements Store.
func (s *InMem) RemoveWorkflowStep(_ context.Context, userID, workflowUUID, stepUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowUUID]
	if !ok || wf.UserID != userID {
		return ErrNotFound
	}
	for i, id := range wf.Steps {
		if id == stepUUID {
			wf.Steps = append(wf.Steps[:i], wf.Steps[i+1:]...)
			wf.UpdatedAt = s.now()
			return nil
		}
	}
	return nil
}

// PutStep implements Store.
func (s *InMem) PutStep(_ context.Context, st *workflow.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneStep(st)
	cp.UpdatedAt = s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.steps[st.UUID] = cp
	return nil
}

// Step implements Store.
func (s *InMem) Step(_ context.Context, userID, uuid string) (*workflow.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.steps[uuid]
	if !ok || st.UserID != userID {
		return nil, ErrNotFound
	}
	return cloneStep(st), nil
}

// DeleteStep implements Store.
func (s *InMem) DeleteStep(_ context.Context, userID, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[uuid]
	if !ok || st.UserID != userID {
		return ErrNotFound
	}
	for _, wf := range s.workflows {
		if wf.UserID != userID {
			continue
		}
		for _, id := range wf.Steps {
			if id == uuid {
				return fmt.Errorf("step %s is referenced by workflow %s", uuid, wf.UUID)
			}
		}
	}
	delete(s.steps, uuid)
	return nil
}

// PutTrigger implements Store.
func (s *InMem) PutTrigger(_ context.Context, t *workflow.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.UpdatedAt = s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.triggers[t.UUID] = &cp
	return nil
}

// Trigger implements Store.
func (s *InMem) Trigger(_ context.Context, userID, uuid string) (*workflow.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[uuid]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// PutInstance implements Store.
func (s *InMem) PutInstance(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneInstance(inst)
	cp.UpdatedAt = s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.instances[inst.UUID] = cp
	return nil
}

// Instance implements Store.
func (s *InMem) Instance(_ context.Context, userID, uuid string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[uuid]
	if !ok || inst.UserID != userID {
		return nil, ErrNotFound
	}
	return cloneInstance(inst), nil
}

// SetInstanceStatus implements Store.
func (s *InMem) SetInstanceStatus(_ context.Context, userID, uuid string, status workflow.InstanceStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[uuid]
	if !ok || inst.UserID != userID {
		return ErrNotFound
	}
	if !inst.Status.CanTransition(status) {
		return ErrTerminal
	}
	inst.Status = status
	inst.ErrorMessage = errorMessage
	inst.UpdatedAt = s.now()
	return nil
}

// PutStepInstance implements Store.
func (s *InMem) PutStepInstance(_ context.Context, userID string, si *workflow.StepInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[si.InstanceUUID]
	if !ok || inst.UserID != userID {
		return ErrNotFound
	}
	cp := cloneStepInstance(si)
	for i := range inst.StepInstances {
		if inst.StepInstances[i].UUID == si.UUID {
			inst.StepInstances[i] = *cp
			inst.UpdatedAt = s.now()
			return nil
		}
	}
	inst.StepInstances = append(inst.StepInstances, *cp)
	inst.UpdatedAt = s.now()
	return nil
}

// SweepRunning implements Store.
func (s *InMem) SweepRunning(_ context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var swept int
	for _, inst := range s.instances {
		if inst.Status != workflow.InstanceRunning {
			continue
		}
		inst.Status = workflow.InstanceFailed
		inst.ErrorMessage = reason
		inst.UpdatedAt = now
		for i := range inst.StepInstances {
			si := &inst.StepInstances[i]
			if !si.Status.Terminal() {
				si.ErrorMessage = reason
				si.Finish(workflow.StepFailed, now)
			}
		}
		swept++
	}
	return swept, nil
}

// PutUser implements Store.
func (s *InMem) PutUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	cp.UpdatedAt = s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.users[u.ID] = &cp
	return nil
}

// User implements Store.
func (s *InMem) User(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// DeductBalance implements Store.
func (s *InMem) DeductBalance(_ context.Context, userID string, amountUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.BalanceUSD -= amountUSD
	u.UpdatedAt = s.now()
	return nil
}

func cloneWorkflow(wf *workflow.Workflow) *workflow.Workflow {
	cp := *wf
	cp.Steps = append([]string(nil), wf.Steps...)
	return &cp
}

func cloneStep(st *workflow.Step) *workflow.Step {
	cp := *st
	if st.LLM != nil {
		v := *st.LLM
		cp.LLM = &v
	}
	if st.Agent != nil {
		v := *st.Agent
		v.Tools = make(map[string]workflow.ToolSetting, len(st.Agent.Tools))
		for k, t := range st.Agent.Tools {
			v.Tools[k] = t
		}
		cp.Agent = &v
	}
	if st.StopChecker != nil {
		v := *st.StopChecker
		v.MatchValues = append([]string(nil), st.StopChecker.MatchValues...)
		cp.StopChecker = &v
	}
	if st.RAG != nil {
		v := *st.RAG
		cp.RAG = &v
	}
	return &cp
}

func cloneInstance(inst *workflow.Instance) *workflow.Instance {
	cp := *inst
	if inst.TriggerOutput != nil {
		v := *inst.TriggerOutput
		cp.TriggerOutput = &v
	}
	cp.StepInstances = make([]workflow.StepInstance, len(inst.StepInstances))
	for i := range inst.StepInstances {
		cp.StepInstances[i] = *cloneStepInstance(&inst.StepInstances[i])
	}
	return &cp
}

func cloneStepInstance(si *workflow.StepInstance) *workflow.StepInstance {
	cp := *si
	if si.FinishedAt != nil {
		t := *si.FinishedAt
		cp.FinishedAt = &t
	}
	if si.Output != nil {
		v := *si.Output
		cp.Output = &v
	}
	cp.Messages = make([]workflow.Message, len(si.Messages))
	for i, m := range si.Messages {
		mc := m
		mc.ToolCalls = append([]workflow.ToolCall(nil), m.ToolCalls...)
		cp.Messages[i] = mc
	}
	return &cp
}
