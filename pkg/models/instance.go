package models

import "time"

type InstanceStatus string

const (
	PendingInstanceStatus   InstanceStatus = "Pending"
	ActiveInstanceStatus    InstanceStatus = "Active"
	CompletedInstanceStatus InstanceStatus = "Completed"
)

type InstanceStepStatus string

const (
	ActiveStepStatus    InstanceStepStatus = "Active"
	CompletedStepStatus InstanceStepStatus = "Completed"
)

// WorkflowInstance is one execution of a template for one patient.
// CurrentBranchID records the branch the advance algorithm last selected:
// either the branch that reached the current step, which the next
// materialized step takes as triggered_by, or a terminal branch taken at it.
type WorkflowInstance struct {
	ID              string         `json:"id" db:"id"`
	Status          InstanceStatus `json:"status" db:"status"`
	CurrentStepID   *string        `json:"current_step_id,omitempty" db:"current_step_id"` // Template step the instance is on
	CurrentBranchID *string        `json:"current_branch_id,omitempty" db:"current_branch_id"`
	TemplateID      string         `json:"template_id" db:"template_id"`
	PatientID       *string        `json:"patient_id,omitempty" db:"patient_id"`
	StartedAt       *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	LastEdited      time.Time      `json:"last_edited" db:"last_edited"`

	Steps []WorkflowInstanceStep `json:"steps,omitempty"` // Populated at runtime, in activation order
}

// WorkflowInstanceStep is one executed or executing node of an instance.
// TriggeredBy records the branch that activated it; nil for the first step.
type WorkflowInstanceStep struct {
	ID             string             `json:"id" db:"id"`
	InstanceID     string             `json:"instance_id" db:"instance_id"`
	TemplateStepID string             `json:"template_step_id" db:"template_step_id"`
	Status         InstanceStepStatus `json:"status" db:"status"`
	TriggeredBy    *string            `json:"triggered_by,omitempty" db:"triggered_by"`
	StartedAt      time.Time          `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty" db:"completed_at"`
	FormData       *string            `json:"form_data,omitempty" db:"form_data"` // Serialized form answers, if any
}
