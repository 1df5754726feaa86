package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/models"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/service"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/storage"
)

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

// startInstance uploads the template, generates an instance, and binds the
// patient. The patient must already be in the store.
func startInstance(t *testing.T, svc *service.WorkflowService, tpl models.WorkflowTemplate, patientID string) (models.WorkflowTemplate, models.WorkflowInstance) {
	t.Helper()
	saved, err := svc.UploadWorkflowTemplate(tpl)
	assert.NoError(t, err)
	inst, err := svc.GenerateWorkflowInstance(saved.ID)
	assert.NoError(t, err)
	assert.NoError(t, svc.AssignPatient(inst.ID, patientID))
	return saved, inst
}

func apply(t *testing.T, svc *service.WorkflowService, instanceID string, action service.WorkflowAction) *service.WorkflowView {
	t.Helper()
	view, err := svc.GetWorkflowView(instanceID)
	assert.NoError(t, err)
	assert.NoError(t, svc.ApplyAction(action, time.Time{}, view))
	return view
}

func currentStepName(t *testing.T, svc *service.WorkflowService, instanceID string) string {
	t.Helper()
	view, err := svc.GetWorkflowView(instanceID)
	assert.NoError(t, err)
	step := view.CurrentTemplateStep()
	if step == nil {
		return ""
	}
	return step.Name
}

func TestAvailableActions(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(store)
	store.AddPatient(models.Patient{ID: "p1"})
	_, inst := startInstance(t, svc, triageTemplate(), "p1")

	t.Run("PendingOffersOnlyStartWorkflow", func(t *testing.T) {
		view, err := svc.GetWorkflowView(inst.ID)
		assert.NoError(t, err)
		assert.Equal(t, []service.WorkflowAction{service.StartWorkflowAction}, service.AvailableActions(view))
	})

	t.Run("IllegalActionRejected", func(t *testing.T) {
		view, err := svc.GetWorkflowView(inst.ID)
		assert.NoError(t, err)
		err = svc.ApplyAction(service.CompleteStepAction, time.Time{}, view)
		assert.ErrorIs(t, err, service.ErrInvalidWorkflowAction)
	})

	t.Run("ActiveWithoutMaterializedStepOffersStartStep", func(t *testing.T) {
		apply(t, svc, inst.ID, service.StartWorkflowAction)
		view, err := svc.GetWorkflowView(inst.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.ActiveInstanceStatus, view.Instance.Status)
		assert.Equal(t, []service.WorkflowAction{service.StartStepAction}, service.AvailableActions(view))
	})

	t.Run("ActiveStepOffersCompleteStep", func(t *testing.T) {
		apply(t, svc, inst.ID, service.StartStepAction)
		view, err := svc.GetWorkflowView(inst.ID)
		assert.NoError(t, err)
		assert.Equal(t, []service.WorkflowAction{service.CompleteStepAction}, service.AvailableActions(view))
	})
}

func TestOptimisticConcurrency(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(store)
	store.AddPatient(models.Patient{ID: "p1"})
	_, inst := startInstance(t, svc, triageTemplate(), "p1")

	view, err := svc.GetWorkflowView(inst.ID)
	assert.NoError(t, err)

	stale := view.Instance.LastEdited.Add(-time.Minute)
	err = svc.ApplyAction(service.StartWorkflowAction, stale, view)
	assert.ErrorIs(t, err, service.ErrEditConflict)

	// The base the caller actually read is accepted.
	assert.NoError(t, svc.ApplyAction(service.StartWorkflowAction, view.Instance.LastEdited, view))
}

func TestWorkflowExecution(t *testing.T) {
	t.Run("SeniorHighBPPath", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := newService(store)
		dob := date(1949, 1, 2)
		store.AddPatient(models.Patient{ID: "p1", DateOfBirth: &dob})
		store.AddReading(models.Reading{ID: "r1", PatientID: "p1", SystolicBloodPressure: 150, DateTaken: date(2024, 5, 1)})

		_, inst := startInstance(t, svc, triageTemplate(), "p1")

		apply(t, svc, inst.ID, service.StartWorkflowAction)
		assert.Equal(t, "Age check", currentStepName(t, svc, inst.ID))

		apply(t, svc, inst.ID, service.StartStepAction)
		apply(t, svc, inst.ID, service.CompleteStepAction)
		assert.Equal(t, "Senior care", currentStepName(t, svc, inst.ID))

		apply(t, svc, inst.ID, service.StartStepAction)
		apply(t, svc, inst.ID, service.CompleteStepAction)
		assert.Equal(t, "High BP treatment", currentStepName(t, svc, inst.ID))

		apply(t, svc, inst.ID, service.StartStepAction)
		view := apply(t, svc, inst.ID, service.CompleteStepAction)
		assert.Equal(t, []service.WorkflowAction{service.CompleteWorkflowAction}, service.AvailableActions(view))

		view = apply(t, svc, inst.ID, service.CompleteWorkflowAction)
		assert.Equal(t, models.CompletedInstanceStatus, view.Instance.Status)
		assert.NotNil(t, view.Instance.CompletedAt)

		// Three materialized steps, each recording its triggering branch.
		got, err := svc.GetWorkflowInstance(inst.ID)
		assert.NoError(t, err)
		assert.Len(t, got.Steps, 3)
		assert.Nil(t, got.Steps[0].TriggeredBy)
		assert.NotNil(t, got.Steps[1].TriggeredBy)
		assert.NotNil(t, got.Steps[2].TriggeredBy)
	})

	t.Run("AdultNormalBPPath", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := newService(store)
		dob := date(1989, 1, 2)
		store.AddPatient(models.Patient{ID: "p1", DateOfBirth: &dob})
		store.AddReading(models.Reading{ID: "r1", PatientID: "p1", SystolicBloodPressure: 120, DateTaken: date(2024, 5, 1)})

		_, inst := startInstance(t, svc, triageTemplate(), "p1")

		apply(t, svc, inst.ID, service.StartWorkflowAction)
		apply(t, svc, inst.ID, service.StartStepAction)
		apply(t, svc, inst.ID, service.CompleteStepAction)
		assert.Equal(t, "Adult care", currentStepName(t, svc, inst.ID))

		apply(t, svc, inst.ID, service.StartStepAction)
		apply(t, svc, inst.ID, service.CompleteStepAction)
		assert.Equal(t, "Normal BP treatment", currentStepName(t, svc, inst.ID))
	})

	t.Run("NotEnoughDataBeforeLaterTrueBranchBlocksAdvance", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := newService(store)
		store.AddPatient(models.Patient{ID: "p1"}) // no readings

		tpl := models.WorkflowTemplate{
			Name:             "Order sensitivity",
			Version:          "1",
			ClassificationID: "order",
			StartingStepID:   "gate",
			Steps: []models.WorkflowTemplateStep{
				{
					ID:   "gate",
					Name: "Gate",
					Branches: []models.WorkflowTemplateStepBranch{
						{
							ID:           "b-bp",
							TargetStepID: strPtr("next"),
							RuleGroupID:  strPtr("rg-bp"),
							RuleGroup: &models.RuleGroup{
								ID:          "rg-bp",
								Rule:        `{">": [{"var": "reading.systolic_blood_pressure"}, 140]}`,
								DataSources: []string{"reading.systolic_blood_pressure"},
							},
						},
						{ID: "b-default", TargetStepID: strPtr("next")}, // would match, but must not be reached
					},
				},
				{ID: "next", Name: "Next"},
			},
		}
		_, inst := startInstance(t, svc, tpl, "p1")

		apply(t, svc, inst.ID, service.StartWorkflowAction)
		apply(t, svc, inst.ID, service.StartStepAction)
		apply(t, svc, inst.ID, service.CompleteStepAction)

		// The missing reading stops the scan before the unconditional branch.
		assert.Equal(t, "Gate", currentStepName(t, svc, inst.ID))
	})
}

func TestCompleteStepRetriesAfterMissingData(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(store)
	store.AddPatient(models.Patient{ID: "p1"}) // no readings yet

	tpl := models.WorkflowTemplate{
		Name:             "Reading gate",
		Version:          "1",
		ClassificationID: "reading-gate",
		StartingStepID:   "gate",
		Steps: []models.WorkflowTemplateStep{
			{
				ID:   "gate",
				Name: "Gate",
				Branches: []models.WorkflowTemplateStepBranch{
					{
						ID:           "b-bp",
						TargetStepID: strPtr("next"),
						RuleGroupID:  strPtr("rg-bp"),
						RuleGroup: &models.RuleGroup{
							ID:          "rg-bp",
							Rule:        `{">": [{"var": "reading.systolic_blood_pressure"}, 140]}`,
							DataSources: []string{"reading.systolic_blood_pressure"},
						},
					},
				},
			},
			{ID: "next", Name: "Next"},
		},
	}
	_, inst := startInstance(t, svc, tpl, "p1")

	apply(t, svc, inst.ID, service.StartWorkflowAction)
	apply(t, svc, inst.ID, service.StartStepAction)
	view := apply(t, svc, inst.ID, service.CompleteStepAction)

	// The step completed but the advance had no reading to evaluate, so the
	// instance stays on the gate and CompleteStep remains available.
	assert.Equal(t, "Gate", currentStepName(t, svc, inst.ID))
	assert.Equal(t, []service.WorkflowAction{service.CompleteStepAction}, service.AvailableActions(view))

	got, err := svc.GetWorkflowInstance(inst.ID)
	assert.NoError(t, err)
	assert.Len(t, got.Steps, 1)
	firstCompletedAt := got.Steps[0].CompletedAt
	assert.NotNil(t, firstCompletedAt)

	// Once the reading exists the retried completion advances the workflow.
	store.AddReading(models.Reading{ID: "r1", PatientID: "p1", SystolicBloodPressure: 150, DateTaken: date(2024, 5, 1)})
	apply(t, svc, inst.ID, service.CompleteStepAction)
	assert.Equal(t, "Next", currentStepName(t, svc, inst.ID))

	got, err = svc.GetWorkflowInstance(inst.ID)
	assert.NoError(t, err)
	assert.Equal(t, firstCompletedAt, got.Steps[0].CompletedAt)
}

func TestTerminalBranchOnMixedStepAllowsCompletion(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(store)
	store.AddPatient(models.Patient{ID: "p1"})
	store.AddReading(models.Reading{ID: "r1", PatientID: "p1", SystolicBloodPressure: 120, DateTaken: date(2024, 5, 1)})

	// The gate either escalates or ends the workflow on a targetless branch.
	tpl := models.WorkflowTemplate{
		Name:             "Discharge gate",
		Version:          "1",
		ClassificationID: "discharge-gate",
		StartingStepID:   "gate",
		Steps: []models.WorkflowTemplateStep{
			{
				ID:   "gate",
				Name: "Gate",
				Branches: []models.WorkflowTemplateStepBranch{
					{
						ID:           "b-escalate",
						TargetStepID: strPtr("urgent"),
						RuleGroupID:  strPtr("rg-high"),
						RuleGroup: &models.RuleGroup{
							ID:          "rg-high",
							Rule:        `{">": [{"var": "reading.systolic_blood_pressure"}, 140]}`,
							DataSources: []string{"reading.systolic_blood_pressure"},
						},
					},
					{ID: "b-discharge"}, // terminal: no target, no rule
				},
			},
			{ID: "urgent", Name: "Urgent"},
		},
	}
	_, inst := startInstance(t, svc, tpl, "p1")

	apply(t, svc, inst.ID, service.StartWorkflowAction)
	apply(t, svc, inst.ID, service.StartStepAction)
	view := apply(t, svc, inst.ID, service.CompleteStepAction)

	// The terminal branch was taken, so the instance stays on the gate and
	// is eligible for completion despite the step's escalation target.
	assert.Equal(t, "Gate", currentStepName(t, svc, inst.ID))
	assert.Equal(t, []service.WorkflowAction{service.CompleteWorkflowAction}, service.AvailableActions(view))

	view = apply(t, svc, inst.ID, service.CompleteWorkflowAction)
	assert.Equal(t, models.CompletedInstanceStatus, view.Instance.Status)
}

func TestTriggeredByRecordsSelectedBranch(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(store)
	store.AddPatient(models.Patient{ID: "p1"})
	store.AddReading(models.Reading{ID: "r1", PatientID: "p1", SystolicBloodPressure: 150, DateTaken: date(2024, 5, 1)})

	// Two branches share the same target; triggered_by must name the branch
	// the selection actually took, not just any branch pointing at the step.
	tpl := models.WorkflowTemplate{
		Name:             "Shared target",
		Version:          "1",
		ClassificationID: "shared-target",
		StartingStepID:   "vitals-check",
		Steps: []models.WorkflowTemplateStep{
			{
				ID:   "vitals-check",
				Name: "Vitals check",
				Branches: []models.WorkflowTemplateStepBranch{
					{
						ID:           "b-low",
						TargetStepID: strPtr("urgent"),
						RuleGroupID:  strPtr("rg-low"),
						RuleGroup: &models.RuleGroup{
							ID:          "rg-low",
							Rule:        `{"<": [{"var": "reading.systolic_blood_pressure"}, 100]}`,
							DataSources: []string{"reading.systolic_blood_pressure"},
						},
					},
					{
						ID:           "b-high",
						TargetStepID: strPtr("urgent"),
						RuleGroupID:  strPtr("rg-high"),
						RuleGroup: &models.RuleGroup{
							ID:          "rg-high",
							Rule:        `{">": [{"var": "reading.systolic_blood_pressure"}, 140]}`,
							DataSources: []string{"reading.systolic_blood_pressure"},
						},
					},
				},
			},
			{ID: "urgent", Name: "Urgent"},
		},
	}
	saved, inst := startInstance(t, svc, tpl, "p1")

	apply(t, svc, inst.ID, service.StartWorkflowAction)
	apply(t, svc, inst.ID, service.StartStepAction)
	apply(t, svc, inst.ID, service.CompleteStepAction)
	assert.Equal(t, "Urgent", currentStepName(t, svc, inst.ID))
	apply(t, svc, inst.ID, service.StartStepAction)

	got, err := svc.GetWorkflowInstance(inst.ID)
	assert.NoError(t, err)
	assert.Len(t, got.Steps, 2)

	high := stepByName(t, saved, "Vitals check").Branches[1]
	assert.NotNil(t, got.Steps[1].TriggeredBy)
	assert.Equal(t, high.ID, *got.Steps[1].TriggeredBy)
}

func TestEvaluateWorkflowStep(t *testing.T) {
	tpl := models.WorkflowTemplate{
		Name:             "Vitals routing",
		Version:          "1",
		ClassificationID: "vitals",
		StartingStepID:   "vitals-check",
		Steps: []models.WorkflowTemplateStep{
			{
				ID:   "vitals-check",
				Name: "Vitals check",
				Branches: []models.WorkflowTemplateStepBranch{
					{
						ID:           "b-bp",
						TargetStepID: strPtr("urgent"),
						RuleGroupID:  strPtr("rg-bp"),
						RuleGroup: &models.RuleGroup{
							ID:          "rg-bp",
							Rule:        `{">": [{"var": "reading.systolic_blood_pressure"}, 140]}`,
							DataSources: []string{"reading.systolic_blood_pressure"},
						},
					},
					{
						ID:           "b-hr",
						TargetStepID: strPtr("urgent"),
						RuleGroupID:  strPtr("rg-hr"),
						RuleGroup: &models.RuleGroup{
							ID:          "rg-hr",
							Rule:        `{">": [{"var": "reading.heart_rate"}, 120]}`,
							DataSources: []string{"reading.heart_rate"},
						},
					},
				},
			},
			{ID: "urgent", Name: "Urgent"},
		},
	}

	t.Run("NoReadingReportsEveryBranchNotEnoughData", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := newService(store)
		store.AddPatient(models.Patient{ID: "p1"})

		_, inst := startInstance(t, svc, tpl, "p1")
		apply(t, svc, inst.ID, service.StartWorkflowAction)
		apply(t, svc, inst.ID, service.StartStepAction)

		view, err := svc.GetWorkflowView(inst.ID)
		assert.NoError(t, err)
		assert.Len(t, view.Instance.Steps, 1)

		eval, err := svc.EvaluateWorkflowStep(view, view.Instance.Steps[0].ID)
		assert.NoError(t, err)
		assert.Len(t, eval.BranchEvaluations, 2)
		for _, be := range eval.BranchEvaluations {
			assert.Equal(t, "NOT_ENOUGH_DATA", string(be.RuleStatus))
			assert.NotEmpty(t, be.MissingVariables)
		}
		assert.Nil(t, eval.SelectedBranchID)
		assert.Equal(t, []string{"reading.systolic_blood_pressure"}, eval.MissingVariables)
	})

	t.Run("SelectsFirstTrueBranch", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := newService(store)
		store.AddPatient(models.Patient{ID: "p1"})
		store.AddReading(models.Reading{ID: "r1", PatientID: "p1", SystolicBloodPressure: 160, HeartRate: 130, DateTaken: date(2024, 5, 1)})

		saved, inst := startInstance(t, svc, tpl, "p1")
		apply(t, svc, inst.ID, service.StartWorkflowAction)
		apply(t, svc, inst.ID, service.StartStepAction)

		view, err := svc.GetWorkflowView(inst.ID)
		assert.NoError(t, err)
		eval, err := svc.EvaluateWorkflowStep(view, view.Instance.Steps[0].ID)
		assert.NoError(t, err)

		// Both branches are TRUE; the first in declared order is selected.
		first := stepByName(t, saved, "Vitals check").Branches[0]
		assert.NotNil(t, eval.SelectedBranchID)
		assert.Equal(t, first.ID, *eval.SelectedBranchID)
	})

	t.Run("UnknownInstanceStep", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := newService(store)
		store.AddPatient(models.Patient{ID: "p1"})
		_, inst := startInstance(t, svc, tpl, "p1")

		view, err := svc.GetWorkflowView(inst.ID)
		assert.NoError(t, err)
		_, err = svc.EvaluateWorkflowStep(view, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
