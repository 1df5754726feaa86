package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/datasource"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/models"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/rules"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/storage"
)

type WorkflowAction string

const (
	StartWorkflowAction    WorkflowAction = "StartWorkflow"
	StartStepAction        WorkflowAction = "StartStep"
	CompleteStepAction     WorkflowAction = "CompleteStep"
	CompleteWorkflowAction WorkflowAction = "CompleteWorkflow"
)

type BranchStatus string

const (
	TrueBranchStatus          BranchStatus = "TRUE"
	NotEnoughDataBranchStatus BranchStatus = "NOT_ENOUGH_DATA"
	NoMatchBranchStatus       BranchStatus = "NO_MATCH"
)

// branchSelection is the outcome of scanning a step's branches in declared
// order: the first TRUE branch wins, the first NOT_ENOUGH_DATA stops the scan
// without a winner, and FALSE across the board is NO_MATCH.
type branchSelection struct {
	Status           BranchStatus
	Branch           *models.WorkflowTemplateStepBranch
	MissingVariables []string
}

// BranchEvaluation is the per-branch result exposed by EvaluateWorkflowStep.
type BranchEvaluation struct {
	BranchID         string           `json:"branch_id"`
	TargetStepID     *string          `json:"target_step_id,omitempty"`
	RuleStatus       rules.RuleStatus `json:"rule_status"`
	MissingVariables []string         `json:"missing_variables,omitempty"`
}

// StepEvaluation is the full evaluation of one instance step's outgoing
// branches. SelectedBranchID is nil on NOT_ENOUGH_DATA and NO_MATCH.
type StepEvaluation struct {
	InstanceStepID    string             `json:"instance_step_id"`
	TemplateStepID    string             `json:"template_step_id"`
	BranchEvaluations []BranchEvaluation `json:"branch_evaluations"`
	SelectedBranchID  *string            `json:"selected_branch_id,omitempty"`
	MissingVariables  []string           `json:"missing_variables,omitempty"`
}

// AvailableActions returns the legal actions for the view's current state.
// It is a pure function of the view.
func AvailableActions(view *WorkflowView) []WorkflowAction {
	switch view.Instance.Status {
	case models.PendingInstanceStatus:
		return []WorkflowAction{StartWorkflowAction}
	case models.ActiveInstanceStatus:
		if view.Instance.CurrentStepID == nil {
			return nil
		}
		current := view.CurrentInstanceStep()
		if current == nil {
			return []WorkflowAction{StartStepAction}
		}
		switch current.Status {
		case models.ActiveStepStatus:
			return []WorkflowAction{CompleteStepAction}
		case models.CompletedStepStatus:
			if isLastReachableStep(view, current) || tookTerminalBranch(view, current) {
				return []WorkflowAction{CompleteWorkflowAction}
			}
			// The step completed but its branches were undecided (missing
			// data or no match). CompleteStep stays available so the caller
			// can supply the data out of band and retry the advance.
			return []WorkflowAction{CompleteStepAction}
		}
	}
	return nil
}

// tookTerminalBranch reports whether the advance selected one of the step's
// own targetless branches, ending the workflow at a step that also has
// non-terminal branches.
func tookTerminalBranch(view *WorkflowView, step *models.WorkflowInstanceStep) bool {
	if view.Instance.CurrentBranchID == nil {
		return false
	}
	tstep := view.TemplateStep(step.TemplateStepID)
	if tstep == nil {
		return false
	}
	for i := range tstep.Branches {
		b := &tstep.Branches[i]
		if b.ID == *view.Instance.CurrentBranchID {
			return b.TargetStepID == nil
		}
	}
	return false
}

// isLastReachableStep reports whether a completed step has no outgoing branch
// that could materialize a further step.
func isLastReachableStep(view *WorkflowView, step *models.WorkflowInstanceStep) bool {
	tstep := view.TemplateStep(step.TemplateStepID)
	if tstep == nil {
		return false
	}
	for i := range tstep.Branches {
		if tstep.Branches[i].TargetStepID != nil {
			return false
		}
	}
	return true
}

// ApplyAction validates and applies one state-machine action inside a single
// transaction. base is the instance's last_edited as the caller last read it;
// a zero base skips the optimistic-concurrency check. StartWorkflow and
// CompleteStep advance the workflow as part of the same transaction.
func (s *WorkflowService) ApplyAction(action WorkflowAction, base time.Time, view *WorkflowView) (err error) {
	if !base.IsZero() && !base.Equal(view.Instance.LastEdited) {
		return errors.Wrapf(ErrEditConflict, "instance %s", view.Instance.ID)
	}
	if !actionAvailable(action, view) {
		return errors.Wrapf(ErrInvalidWorkflowAction, "action '%s' on instance %s", action, view.Instance.ID)
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	now := time.Now()
	switch action {
	case StartWorkflowAction:
		view.Instance.Status = models.ActiveInstanceStatus
		view.Instance.StartedAt = &now
		if _, err = s.advance(view); err != nil {
			return err
		}
	case StartStepAction:
		if err = s.startCurrentStep(txStore, view, now); err != nil {
			return err
		}
	case CompleteStepAction:
		step := view.CurrentInstanceStep()
		step.Status = models.CompletedStepStatus
		if step.CompletedAt == nil { // Retried advances keep the original completion time
			step.CompletedAt = &now
		}
		if err = txStore.UpdateInstanceStep(*step); err != nil {
			return errors.Wrap(err, "update instance step")
		}
		if _, err = s.advance(view); err != nil {
			return err
		}
	case CompleteWorkflowAction:
		view.Instance.Status = models.CompletedInstanceStatus
		view.Instance.CompletedAt = &now
	}

	view.Instance.LastEdited = now
	if err = txStore.UpdateInstance(view.Instance); err != nil {
		return errors.Wrap(err, "update instance")
	}
	s.logger.Infof("Applied action '%s' to workflow instance %s", action, view.Instance.ID)
	return nil
}

func actionAvailable(action WorkflowAction, view *WorkflowView) bool {
	for _, a := range AvailableActions(view) {
		if a == action {
			return true
		}
	}
	return false
}

// startCurrentStep materializes the instance step for current_step_id as
// Active. The triggering branch is the one the advance algorithm recorded on
// the instance when it selected it; nil for the starting step.
func (s *WorkflowService) startCurrentStep(txStore storage.Store, view *WorkflowView, now time.Time) error {
	var triggeredBy *string
	if id := view.Instance.CurrentBranchID; id != nil {
		cp := *id
		triggeredBy = &cp
	}
	step := models.WorkflowInstanceStep{
		ID:             uuid.NewString(),
		InstanceID:     view.Instance.ID,
		TemplateStepID: *view.Instance.CurrentStepID,
		Status:         models.ActiveStepStatus,
		TriggeredBy:    triggeredBy,
		StartedAt:      now,
	}
	if err := txStore.SaveInstanceStep(step); err != nil {
		return errors.Wrap(err, "save instance step")
	}
	view.Instance.Steps = append(view.Instance.Steps, step)
	return nil
}

// advance computes the next step to materialize. With no steps yet the next
// step is the template's starting step. Otherwise the just-completed step's
// branches are evaluated against freshly resolved clinical data; the selected
// branch's target becomes the new current step. On NOT_ENOUGH_DATA or
// NO_MATCH the workflow does not move; on a terminal selection (nil target,
// or no branches at all) no new step is produced and the workflow becomes
// eligible for CompleteWorkflow.
func (s *WorkflowService) advance(view *WorkflowView) (*branchSelection, error) {
	if len(view.Instance.Steps) == 0 {
		next := view.Template.StartingStepID
		view.Instance.CurrentStepID = &next
		view.Instance.CurrentBranchID = nil
		return nil, nil
	}

	last := view.lastCompletedStep()
	if last == nil {
		return nil, nil
	}
	tstep := view.TemplateStep(last.TemplateStepID)
	if tstep == nil {
		return nil, errors.Wrapf(storage.ErrNotFound, "template step %s", last.TemplateStepID)
	}
	if len(tstep.Branches) == 0 {
		return nil, nil
	}

	data, err := s.resolveStepData(view, tstep.Branches)
	if err != nil {
		return nil, err
	}
	selection, err := evaluateBranches(tstep.Branches, data)
	if err != nil {
		return nil, err
	}

	switch selection.Status {
	case TrueBranchStatus:
		branchID := selection.Branch.ID
		if selection.Branch.TargetStepID == nil {
			// Record the terminal selection so the view can offer
			// CompleteWorkflow even though the step has other targets.
			view.Instance.CurrentBranchID = &branchID
			s.logger.Infof("Instance %s took terminal branch %s", view.Instance.ID, selection.Branch.ID)
			return &selection, nil
		}
		next := *selection.Branch.TargetStepID
		view.Instance.CurrentStepID = &next
		view.Instance.CurrentBranchID = &branchID
		s.logger.Infof("Instance %s advanced to step %s via branch %s", view.Instance.ID, next, selection.Branch.ID)
	case NotEnoughDataBranchStatus:
		s.logger.Infof("Instance %s cannot advance: missing %v", view.Instance.ID, selection.MissingVariables)
	case NoMatchBranchStatus:
		s.logger.Infof("Instance %s: no branch matched at step %s", view.Instance.ID, tstep.ID)
	}
	return &selection, nil
}

// evaluateBranches scans branches in declared order with short-circuit
// semantics: the first TRUE wins, and the first NOT_ENOUGH_DATA stops the
// scan without evaluating subsequent branches. An unconditional branch (no
// rule group) always matches.
func evaluateBranches(branches []models.WorkflowTemplateStepBranch, data map[string]any) (branchSelection, error) {
	for i := range branches {
		b := &branches[i]
		if b.RuleGroup == nil {
			return branchSelection{Status: TrueBranchStatus, Branch: b}, nil
		}
		res, err := rules.Evaluate(b.RuleGroup.Rule, nil, data)
		if err != nil {
			return branchSelection{}, errors.Wrapf(err, "evaluate branch %s", b.ID)
		}
		switch res.Status {
		case rules.TrueRuleStatus:
			return branchSelection{Status: TrueBranchStatus, Branch: b}, nil
		case rules.NotEnoughDataRuleStatus:
			return branchSelection{Status: NotEnoughDataBranchStatus, MissingVariables: res.MissingVariables}, nil
		}
	}
	return branchSelection{Status: NoMatchBranchStatus}, nil
}

// resolveStepData resolves the union of all datasource variables declared by
// the branches' rule groups, once per advance.
func (s *WorkflowService) resolveStepData(view *WorkflowView, branches []models.WorkflowTemplateStepBranch) (map[string]any, error) {
	seen := make(map[string]struct{})
	var vars []string
	for i := range branches {
		if branches[i].RuleGroup == nil {
			continue
		}
		for _, v := range branches[i].RuleGroup.DataSources {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			vars = append(vars, v)
		}
	}
	ids := datasource.Context{}
	if view.Instance.PatientID != nil {
		ids["patient_id"] = *view.Instance.PatientID
	}
	return s.resolver.Resolve(ids, vars)
}

// EvaluateWorkflowStep evaluates every outgoing branch of an instance step
// and reports the per-branch statuses together with the branch the selection
// policy would take. Unlike the advance path it does not short-circuit, so
// callers see the status of all branches.
func (s *WorkflowService) EvaluateWorkflowStep(view *WorkflowView, instanceStepID string) (*StepEvaluation, error) {
	step := view.InstanceStep(instanceStepID)
	if step == nil {
		return nil, errors.Wrapf(storage.ErrNotFound, "instance step %s", instanceStepID)
	}
	tstep := view.TemplateStep(step.TemplateStepID)
	if tstep == nil {
		return nil, errors.Wrapf(storage.ErrNotFound, "template step %s", step.TemplateStepID)
	}

	eval := &StepEvaluation{InstanceStepID: step.ID, TemplateStepID: tstep.ID}
	if len(tstep.Branches) == 0 {
		return eval, nil
	}

	data, err := s.resolveStepData(view, tstep.Branches)
	if err != nil {
		return nil, err
	}

	for i := range tstep.Branches {
		b := &tstep.Branches[i]
		be := BranchEvaluation{BranchID: b.ID, TargetStepID: b.TargetStepID, RuleStatus: rules.TrueRuleStatus}
		if b.RuleGroup != nil {
			res, err := rules.Evaluate(b.RuleGroup.Rule, nil, data)
			if err != nil {
				return nil, errors.Wrapf(err, "evaluate branch %s", b.ID)
			}
			be.RuleStatus = res.Status
			be.MissingVariables = res.MissingVariables
		}
		eval.BranchEvaluations = append(eval.BranchEvaluations, be)
	}

	// Selection follows the same ordered policy the advance path uses.
	for i := range eval.BranchEvaluations {
		be := &eval.BranchEvaluations[i]
		if be.RuleStatus == rules.NotEnoughDataRuleStatus {
			eval.MissingVariables = be.MissingVariables
			return eval, nil
		}
		if be.RuleStatus == rules.TrueRuleStatus {
			id := be.BranchID
			eval.SelectedBranchID = &id
			return eval, nil
		}
	}
	return eval, nil
}
