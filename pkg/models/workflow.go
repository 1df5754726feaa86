package models

import "time"

// WorkflowCollection groups related classifications (e.g. all maternal-care
// pathways). Purely organisational; nothing in the engine depends on it.
type WorkflowCollection struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// WorkflowClassification names a kind of workflow spanning all its versions.
type WorkflowClassification struct {
	ID           string  `json:"id" db:"id"`
	Name         string  `json:"name" db:"name"`
	CollectionID *string `json:"collection_id,omitempty" db:"collection_id"` // Optional parent collection
}

// WorkflowTemplate is one immutable version of a classification's blueprint.
// Templates are archived in place when a newer version is uploaded; they are
// never deleted while instances reference them.
type WorkflowTemplate struct {
	ID               string    `json:"id" db:"id"`
	Name             string    `json:"name" db:"name"`
	Description      string    `json:"description" db:"description"`
	Version          string    `json:"version" db:"version"`
	Archived         bool      `json:"archived" db:"archived"`
	StartingStepID   string    `json:"starting_step_id" db:"starting_step_id"`
	ClassificationID string    `json:"classification_id" db:"classification_id"`
	DateCreated      time.Time `json:"date_created" db:"date_created"`
	LastEdited       time.Time `json:"last_edited" db:"last_edited"`

	Steps []WorkflowTemplateStep `json:"steps,omitempty"` // Populated at runtime
}

// Step returns the template step with the given ID, or nil.
func (t *WorkflowTemplate) Step(id string) *WorkflowTemplateStep {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// WorkflowTemplateStep is a node in the template graph.
type WorkflowTemplateStep struct {
	ID         string  `json:"id" db:"id"`
	Name       string  `json:"name" db:"name"`
	FormID     *string `json:"form_id,omitempty" db:"form_id"` // Optional form filled at this step
	TemplateID string  `json:"template_id" db:"template_id"`

	Branches []WorkflowTemplateStepBranch `json:"branches,omitempty"` // Populated at runtime, in declared order
}

// WorkflowTemplateStepBranch is a directed, conditionally taken edge out of a
// step. A nil TargetStepID marks a terminal edge; a nil RuleGroup makes the
// branch unconditional.
type WorkflowTemplateStepBranch struct {
	ID           string  `json:"id" db:"id"`
	StepID       string  `json:"step_id" db:"step_id"`
	TargetStepID *string `json:"target_step_id,omitempty" db:"target_step_id"`
	RuleGroupID  *string `json:"rule_group_id,omitempty" db:"rule_group_id"`

	RuleGroup *RuleGroup `json:"rule_group,omitempty"` // Populated at runtime
}

// RuleGroup holds a boolean expression tree (serialized JSON) together with
// the datasource variables it declares it needs.
type RuleGroup struct {
	ID          string   `json:"id" db:"id"`
	Rule        string   `json:"rule" db:"rule"`
	DataSources []string `json:"data_sources" db:"-"`
}
