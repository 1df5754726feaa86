package storage

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/models"
)

// mockStore implements Store with in-memory storage. Begin returns the same
// instance, so "transactions" are not isolated; good enough for service tests.
type mockStore struct {
	collections     map[string]models.WorkflowCollection
	classifications map[string]models.WorkflowClassification
	templates       map[string]models.WorkflowTemplate
	instances       map[string]models.WorkflowInstance
	instanceSteps   map[string]models.WorkflowInstanceStep
	stepOrder       []string // Instance step ids in activation order

	patients    map[string]models.Patient
	readings    []models.Reading
	assessments []models.Assessment
	pregnancies []models.Pregnancy
	urineTests  []models.UrineTest
}

// MockStore is the in-memory Store handed to tests; it embeds seeding helpers
// for clinical records.
type MockStore struct {
	*mockStore
}

func NewMockStore() *MockStore {
	return &MockStore{mockStore: &mockStore{
		collections:     make(map[string]models.WorkflowCollection),
		classifications: make(map[string]models.WorkflowClassification),
		templates:       make(map[string]models.WorkflowTemplate),
		instances:       make(map[string]models.WorkflowInstance),
		instanceSteps:   make(map[string]models.WorkflowInstanceStep),
		patients:        make(map[string]models.Patient),
	}}
}

// Seeding helpers for tests.

func (m *MockStore) AddPatient(p models.Patient)       { m.patients[p.ID] = p }
func (m *MockStore) AddReading(r models.Reading)       { m.readings = append(m.readings, r) }
func (m *MockStore) AddAssessment(a models.Assessment) { m.assessments = append(m.assessments, a) }
func (m *MockStore) AddPregnancy(p models.Pregnancy)   { m.pregnancies = append(m.pregnancies, p) }
func (m *MockStore) AddUrineTest(u models.UrineTest)   { m.urineTests = append(m.urineTests, u) }

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveCollection(c models.WorkflowCollection) error {
	m.collections[c.ID] = c
	return nil
}

func (m *mockStore) GetCollection(id string) (models.WorkflowCollection, error) {
	c, ok := m.collections[id]
	if !ok {
		return models.WorkflowCollection{}, ErrNotFound
	}
	return c, nil
}

func (m *mockStore) SaveClassification(c models.WorkflowClassification) error {
	m.classifications[c.ID] = c
	return nil
}

func (m *mockStore) GetClassification(id string) (models.WorkflowClassification, error) {
	c, ok := m.classifications[id]
	if !ok {
		return models.WorkflowClassification{}, ErrNotFound
	}
	return c, nil
}

func (m *mockStore) SaveTemplate(t models.WorkflowTemplate) error {
	if _, exists := m.templates[t.ID]; exists {
		return errors.New("template already exists")
	}
	m.templates[t.ID] = t
	return nil
}

func (m *mockStore) GetTemplate(id string) (models.WorkflowTemplate, error) {
	t, ok := m.templates[id]
	if !ok {
		return models.WorkflowTemplate{}, ErrNotFound
	}
	return t, nil
}

func (m *mockStore) GetActiveTemplateForClassification(classificationID string) (models.WorkflowTemplate, error) {
	for _, t := range m.templates {
		if t.ClassificationID == classificationID && !t.Archived {
			return t, nil
		}
	}
	return models.WorkflowTemplate{}, ErrNotFound
}

func (m *mockStore) ListTemplateVersions(classificationID string) ([]string, error) {
	var versions []string
	for _, t := range m.templates {
		if t.ClassificationID == classificationID {
			versions = append(versions, t.Version)
		}
	}
	sort.Strings(versions)
	return versions, nil
}

func (m *mockStore) ListTemplates() ([]models.WorkflowTemplate, error) {
	out := make([]models.WorkflowTemplate, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateCreated.Before(out[j].DateCreated) })
	return out, nil
}

func (m *mockStore) ArchiveTemplate(id string) error {
	t, ok := m.templates[id]
	if !ok {
		return ErrNotFound
	}
	t.Archived = true
	t.LastEdited = time.Now()
	m.templates[id] = t
	return nil
}

func (m *mockStore) DeleteTemplate(id string) error {
	if _, ok := m.templates[id]; !ok {
		return ErrNotFound
	}
	delete(m.templates, id)
	return nil
}

func (m *mockStore) SaveInstance(i models.WorkflowInstance) error {
	if _, exists := m.instances[i.ID]; exists {
		return errors.New("instance already exists")
	}
	i.Steps = nil
	m.instances[i.ID] = i
	return nil
}

func (m *mockStore) UpdateInstance(i models.WorkflowInstance) error {
	if _, ok := m.instances[i.ID]; !ok {
		return ErrNotFound
	}
	i.Steps = nil
	m.instances[i.ID] = i
	return nil
}

func (m *mockStore) GetInstance(id string) (models.WorkflowInstance, error) {
	inst, ok := m.instances[id]
	if !ok {
		return models.WorkflowInstance{}, ErrNotFound
	}
	inst.Steps = nil
	for _, stepID := range m.stepOrder {
		step := m.instanceSteps[stepID]
		if step.InstanceID == id {
			inst.Steps = append(inst.Steps, step)
		}
	}
	return inst, nil
}

func (m *mockStore) ListInstancesForPatient(patientID string) ([]models.WorkflowInstance, error) {
	var out []models.WorkflowInstance
	for id, inst := range m.instances {
		if inst.PatientID != nil && *inst.PatientID == patientID {
			full, err := m.GetInstance(id)
			if err != nil {
				return nil, err
			}
			out = append(out, full)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) DeleteInstance(id string) error {
	if _, ok := m.instances[id]; !ok {
		return ErrNotFound
	}
	delete(m.instances, id)
	kept := m.stepOrder[:0]
	for _, stepID := range m.stepOrder {
		if m.instanceSteps[stepID].InstanceID == id {
			delete(m.instanceSteps, stepID)
			continue
		}
		kept = append(kept, stepID)
	}
	m.stepOrder = kept
	return nil
}

func (m *mockStore) SaveInstanceStep(s models.WorkflowInstanceStep) error {
	if _, exists := m.instanceSteps[s.ID]; exists {
		return errors.New("instance step already exists")
	}
	m.instanceSteps[s.ID] = s
	m.stepOrder = append(m.stepOrder, s.ID)
	return nil
}

func (m *mockStore) UpdateInstanceStep(s models.WorkflowInstanceStep) error {
	if _, ok := m.instanceSteps[s.ID]; !ok {
		return ErrNotFound
	}
	m.instanceSteps[s.ID] = s
	return nil
}

func (m *mockStore) GetPatient(id string) (*models.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockStore) GetReading(id string) (*models.Reading, error) {
	for i := range m.readings {
		if m.readings[i].ID == id {
			r := m.readings[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetLatestReadingForPatient(patientID string) (*models.Reading, error) {
	var latest *models.Reading
	for i := range m.readings {
		r := m.readings[i]
		if r.PatientID != patientID {
			continue
		}
		if latest == nil || r.DateTaken.After(latest.DateTaken) {
			latest = &r
		}
	}
	return latest, nil
}

func (m *mockStore) GetAssessment(id string) (*models.Assessment, error) {
	for i := range m.assessments {
		if m.assessments[i].ID == id {
			a := m.assessments[i]
			return &a, nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetLatestAssessmentForPatient(patientID string) (*models.Assessment, error) {
	var latest *models.Assessment
	for i := range m.assessments {
		a := m.assessments[i]
		if a.PatientID != patientID {
			continue
		}
		if latest == nil || a.DateAssessed.After(latest.DateAssessed) {
			latest = &a
		}
	}
	return latest, nil
}

func (m *mockStore) GetPregnancy(id string) (*models.Pregnancy, error) {
	for i := range m.pregnancies {
		if m.pregnancies[i].ID == id {
			p := m.pregnancies[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetLatestPregnancyForPatient(patientID string) (*models.Pregnancy, error) {
	var latest *models.Pregnancy
	for i := range m.pregnancies {
		p := m.pregnancies[i]
		if p.PatientID != patientID {
			continue
		}
		if latest == nil || p.StartDate.After(latest.StartDate) {
			latest = &p
		}
	}
	return latest, nil
}

func (m *mockStore) GetUrineTest(id string) (*models.UrineTest, error) {
	for i := range m.urineTests {
		if m.urineTests[i].ID == id {
			u := m.urineTests[i]
			return &u, nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetLatestUrineTestForPatient(patientID string) (*models.UrineTest, error) {
	for i := len(m.urineTests) - 1; i >= 0; i-- {
		if m.urineTests[i].PatientID == patientID {
			u := m.urineTests[i]
			return &u, nil
		}
	}
	return nil, nil
}
