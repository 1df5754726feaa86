// Package service hosts the workflow engine: template versioning, instance
// lifecycle, the action state machine, and branch evaluation.
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

// Logger defines the logging interface for WorkflowService.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	// ErrInvalidWorkflowAction means the requested action is not in the
	// legal-action set for the instance's current state.
	ErrInvalidWorkflowAction = errors.New("workflow action is not available in the current state")
	// ErrVersionConflict means a template with the same version already
	// exists under the classification, archived or not.
	ErrVersionConflict = errors.New("template version already exists for this classification")
	// ErrEditConflict means the instance changed since the caller last read
	// it; the caller must re-read and retry.
	ErrEditConflict = errors.New("workflow instance was edited since it was last read")
	// ErrInvalidTemplate means an uploaded template failed structural
	// validation before any write happened.
	ErrInvalidTemplate = errors.New("workflow template is invalid")
)

// WorkflowService orchestrates workflow templates and instances over a Store
// and resolves clinical data through the datasource resolver.
type WorkflowService struct {
	store    storage.Store
	resolver *datasource.Resolver
	logger   Logger
}

func NewWorkflowService(store storage.Store, resolver *datasource.Resolver, logger Logger) *WorkflowService {
	return &WorkflowService{store: store, resolver: resolver, logger: logger}
}

// UploadWorkflowTemplate validates and persists a new template version. If an
// unarchived template already exists under the same classification it is
// archived in place; uploading a version that already exists (archived or
// not) fails with ErrVersionConflict.
func (s *WorkflowService) UploadWorkflowTemplate(t models.WorkflowTemplate) (tpl models.WorkflowTemplate, err error) {
	if err := validateTemplate(&t); err != nil {
		return models.WorkflowTemplate{}, errors.Wrap(ErrInvalidTemplate, err.Error())
	}
	assignTemplateIDs(&t)
	now := time.Now()
	t.Archived = false
	t.DateCreated = now
	t.LastEdited = now

	txStore, err := s.store.Begin()
	if err != nil {
		return models.WorkflowTemplate{}, err
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

	// templates carry a NOT NULL reference to their classification, so the
	// first upload under a new classification creates it on the fly.
	if _, err = txStore.GetClassification(t.ClassificationID); errors.Is(err, storage.ErrNotFound) {
		if err = txStore.SaveClassification(models.WorkflowClassification{ID: t.ClassificationID, Name: t.ClassificationID}); err != nil {
			return models.WorkflowTemplate{}, errors.Wrapf(err, "create classification %s", t.ClassificationID)
		}
		s.logger.Infof("Created classification %s for first upload", t.ClassificationID)
	} else if err != nil {
		return models.WorkflowTemplate{}, err
	}

	versions, err := txStore.ListTemplateVersions(t.ClassificationID)
	if err != nil {
		return models.WorkflowTemplate{}, err
	}
	for _, v := range versions {
		if v == t.Version {
			return models.WorkflowTemplate{}, errors.Wrapf(ErrVersionConflict, "version '%s'", t.Version)
		}
	}

	prior, err := txStore.GetActiveTemplateForClassification(t.ClassificationID)
	switch {
	case err == nil:
		if err = txStore.ArchiveTemplate(prior.ID); err != nil {
			return models.WorkflowTemplate{}, errors.Wrapf(err, "archive template %s", prior.ID)
		}
		s.logger.Infof("Archived template %s (version '%s') in favour of version '%s'", prior.ID, prior.Version, t.Version)
	case errors.Is(err, storage.ErrNotFound):
		// First version under this classification.
	default:
		return models.WorkflowTemplate{}, err
	}

	if err = txStore.SaveTemplate(t); err != nil {
		return models.WorkflowTemplate{}, errors.Wrap(err, "save template")
	}
	s.logger.Infof("Uploaded template '%s' version '%s' with ID %s", t.Name, t.Version, t.ID)
	return t, nil
}

// PatchWorkflowTemplate applies field changes as a new template version: the
// existing unarchived template is archived and a fresh row (same
// classification, new version) is inserted, so in-flight instances keep a
// stable reference to the version they were created from.
func (s *WorkflowService) PatchWorkflowTemplate(id string, updated models.WorkflowTemplate) (models.WorkflowTemplate, error) {
	prior, err := s.store.GetTemplate(id)
	if err != nil {
		return models.WorkflowTemplate{}, errors.Wrapf(err, "template %s", id)
	}

	successor := updated
	successor.ID = ""
	successor.ClassificationID = prior.ClassificationID
	if successor.Name == "" {
		successor.Name = prior.Name
	}
	if successor.Description == "" {
		successor.Description = prior.Description
	}
	if len(successor.Steps) == 0 {
		successor.Steps = copySteps(prior.Steps)
		successor.StartingStepID = prior.StartingStepID
	}
	if successor.Version == "" || successor.Version == prior.Version {
		return models.WorkflowTemplate{}, errors.Wrapf(ErrVersionConflict, "patch must carry a new version, got '%s'", successor.Version)
	}
	return s.UploadWorkflowTemplate(successor)
}

// GetWorkflowTemplate loads a template with its steps, branches, and rule
// groups.
func (s *WorkflowService) GetWorkflowTemplate(id string) (models.WorkflowTemplate, error) {
	t, err := s.store.GetTemplate(id)
	if err != nil {
		return models.WorkflowTemplate{}, errors.Wrapf(err, "template %s", id)
	}
	return t, nil
}

// ListWorkflowTemplates lists all template versions.
func (s *WorkflowService) ListWorkflowTemplates() ([]models.WorkflowTemplate, error) {
	return s.store.ListTemplates()
}

// GenerateWorkflowInstance produces a fresh Pending instance of a template
// with no steps and no patient bound.
func (s *WorkflowService) GenerateWorkflowInstance(templateID string) (models.WorkflowInstance, error) {
	if _, err := s.store.GetTemplate(templateID); err != nil {
		return models.WorkflowInstance{}, errors.Wrapf(err, "template %s", templateID)
	}
	inst := models.WorkflowInstance{
		ID:         uuid.NewString(),
		Status:     models.PendingInstanceStatus,
		TemplateID: templateID,
		LastEdited: time.Now(),
	}
	if err := s.store.SaveInstance(inst); err != nil {
		return models.WorkflowInstance{}, errors.Wrap(err, "save instance")
	}
	s.logger.Infof("Generated workflow instance %s from template %s", inst.ID, templateID)
	return inst, nil
}

// AssignPatient binds a patient to a Pending instance, failing fast when the
// patient does not exist.
func (s *WorkflowService) AssignPatient(instanceID, patientID string) error {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return errors.Wrapf(err, "instance %s", instanceID)
	}
	if inst.Status != models.PendingInstanceStatus {
		return errors.Wrapf(ErrInvalidWorkflowAction, "cannot assign patient to %s instance", inst.Status)
	}
	patient, err := s.store.GetPatient(patientID)
	if err != nil {
		return errors.Wrapf(err, "look up patient %s", patientID)
	}
	if patient == nil {
		return errors.Wrapf(storage.ErrNotFound, "patient %s", patientID)
	}
	inst.PatientID = &patientID
	inst.LastEdited = time.Now()
	if err := s.store.UpdateInstance(inst); err != nil {
		return errors.Wrap(err, "update instance")
	}
	s.logger.Infof("Assigned patient %s to workflow instance %s", patientID, instanceID)
	return nil
}

// GetWorkflowInstance loads an instance with its steps.
func (s *WorkflowService) GetWorkflowInstance(id string) (models.WorkflowInstance, error) {
	inst, err := s.store.GetInstance(id)
	if err != nil {
		return models.WorkflowInstance{}, errors.Wrapf(err, "instance %s", id)
	}
	return inst, nil
}

// UpsertWorkflowInstance creates the instance when it is unknown and updates
// it otherwise, refreshing last_edited.
func (s *WorkflowService) UpsertWorkflowInstance(inst models.WorkflowInstance) (models.WorkflowInstance, error) {
	if _, err := s.store.GetTemplate(inst.TemplateID); err != nil {
		return models.WorkflowInstance{}, errors.Wrapf(err, "template %s", inst.TemplateID)
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	inst.LastEdited = time.Now()

	_, err := s.store.GetInstance(inst.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if inst.Status == "" {
			inst.Status = models.PendingInstanceStatus
		}
		if err := s.store.SaveInstance(inst); err != nil {
			return models.WorkflowInstance{}, errors.Wrap(err, "save instance")
		}
	case err != nil:
		return models.WorkflowInstance{}, err
	default:
		if err := s.store.UpdateInstance(inst); err != nil {
			return models.WorkflowInstance{}, errors.Wrap(err, "update instance")
		}
	}
	return s.store.GetInstance(inst.ID)
}

// GetWorkflowView composes an instance with its template.
func (s *WorkflowService) GetWorkflowView(instanceID string) (*WorkflowView, error) {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "instance %s", instanceID)
	}
	tpl, err := s.store.GetTemplate(inst.TemplateID)
	if err != nil {
		return nil, errors.Wrapf(err, "template %s", inst.TemplateID)
	}
	return &WorkflowView{Template: tpl, Instance: inst}, nil
}

// validateTemplate checks the template graph: the starting step and every
// branch target must belong to the template, and every rule must parse.
func validateTemplate(t *models.WorkflowTemplate) error {
	if t.Name == "" {
		return errors.New("template name cannot be empty")
	}
	if t.Version == "" {
		return errors.New("template version cannot be empty")
	}
	if t.ClassificationID == "" {
		return errors.New("template classification cannot be empty")
	}
	if len(t.Steps) == 0 {
		return errors.New("template must have at least one step")
	}

	names := make(map[string]struct{}, len(t.Steps))
	for i := range t.Steps {
		names[t.Steps[i].ID] = struct{}{}
	}
	if _, ok := names[t.StartingStepID]; !ok {
		return errors.Errorf("starting step '%s' is not a step of this template", t.StartingStepID)
	}
	for i := range t.Steps {
		for j := range t.Steps[i].Branches {
			b := &t.Steps[i].Branches[j]
			if b.TargetStepID != nil {
				if _, ok := names[*b.TargetStepID]; !ok {
					return errors.Errorf("branch target '%s' of step '%s' is not a step of this template", *b.TargetStepID, t.Steps[i].ID)
				}
			}
			if b.RuleGroup != nil {
				if _, err := rules.ExtractVariables(b.RuleGroup.Rule); err != nil {
					return errors.Wrapf(err, "rule of branch %d on step '%s'", j, t.Steps[i].ID)
				}
			}
		}
	}
	return nil
}

// assignTemplateIDs reissues every id in the template graph. Uploads may
// carry symbolic step ids ("age-check"); those are remapped to fresh uuids
// and starting_step_id and branch targets are rewritten to match, so step ids
// never collide across versions. The step slice is deep-copied first so the
// caller's template is left untouched.
func assignTemplateIDs(t *models.WorkflowTemplate) {
	t.ID = uuid.NewString()
	t.Steps = copySteps(t.Steps)
	remap := make(map[string]string, len(t.Steps))
	for i := range t.Steps {
		remap[t.Steps[i].ID] = uuid.NewString()
	}
	t.StartingStepID = remap[t.StartingStepID]
	for i := range t.Steps {
		step := &t.Steps[i]
		step.ID = remap[step.ID]
		step.TemplateID = t.ID
		for j := range step.Branches {
			b := &step.Branches[j]
			b.ID = uuid.NewString()
			b.StepID = step.ID
			if b.TargetStepID != nil {
				target := remap[*b.TargetStepID]
				b.TargetStepID = &target
			}
			if b.RuleGroup != nil {
				rg := *b.RuleGroup
				rg.ID = uuid.NewString()
				b.RuleGroup = &rg
				id := rg.ID
				b.RuleGroupID = &id
			}
		}
	}
}

// copySteps deep-copies template steps so a patched successor never aliases
// the prior version's branches or rule groups.
func copySteps(steps []models.WorkflowTemplateStep) []models.WorkflowTemplateStep {
	out := make([]models.WorkflowTemplateStep, len(steps))
	for i, step := range steps {
		cp := step
		cp.Branches = make([]models.WorkflowTemplateStepBranch, len(step.Branches))
		for j, b := range step.Branches {
			bc := b
			if b.RuleGroup != nil {
				rg := *b.RuleGroup
				rg.DataSources = append([]string(nil), b.RuleGroup.DataSources...)
				bc.RuleGroup = &rg
			}
			cp.Branches[j] = bc
		}
		out[i] = cp
	}
	return out
}
