package service

import "github.com/drbfraser/CRADLE-Platform-sub000/pkg/models"

// WorkflowView is a read-oriented composite of one template and one instance
// of it. The state machine and external callers use it for all lookups; it
// never mutates anything itself.
type WorkflowView struct {
	Template models.WorkflowTemplate `json:"template"`
	Instance models.WorkflowInstance `json:"instance"`
}

// TemplateStep returns the template step with the given id, or nil.
func (v *WorkflowView) TemplateStep(id string) *models.WorkflowTemplateStep {
	return v.Template.Step(id)
}

// CurrentTemplateStep returns the template step named by the instance's
// current_step_id, or nil when the instance has not been advanced yet.
func (v *WorkflowView) CurrentTemplateStep() *models.WorkflowTemplateStep {
	if v.Instance.CurrentStepID == nil {
		return nil
	}
	return v.Template.Step(*v.Instance.CurrentStepID)
}

// CurrentInstanceStep returns the materialized instance step for the current
// template step, or nil when the step has not been started.
func (v *WorkflowView) CurrentInstanceStep() *models.WorkflowInstanceStep {
	if v.Instance.CurrentStepID == nil {
		return nil
	}
	return v.InstanceStepByTemplateStep(*v.Instance.CurrentStepID)
}

// InstanceStepByTemplateStep returns the most recently activated instance
// step for a template step, or nil.
func (v *WorkflowView) InstanceStepByTemplateStep(templateStepID string) *models.WorkflowInstanceStep {
	for i := len(v.Instance.Steps) - 1; i >= 0; i-- {
		if v.Instance.Steps[i].TemplateStepID == templateStepID {
			return &v.Instance.Steps[i]
		}
	}
	return nil
}

// InstanceStep returns the instance step with the given id, or nil.
func (v *WorkflowView) InstanceStep(id string) *models.WorkflowInstanceStep {
	for i := range v.Instance.Steps {
		if v.Instance.Steps[i].ID == id {
			return &v.Instance.Steps[i]
		}
	}
	return nil
}

// lastCompletedStep returns the most recently completed instance step, or
// nil. Advancing evaluates this step's branches.
func (v *WorkflowView) lastCompletedStep() *models.WorkflowInstanceStep {
	for i := len(v.Instance.Steps) - 1; i >= 0; i-- {
		if v.Instance.Steps[i].Status == models.CompletedStepStatus {
			return &v.Instance.Steps[i]
		}
	}
	return nil
}
