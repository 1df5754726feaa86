// Package storage defines the persistence surface of the workflow engine and
// an in-memory implementation for tests.
package storage

import (
	"github.com/pkg/errors"

	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/models"
)

// ErrNotFound is returned by workflow getters for a missing row. Clinical
// getters instead return (nil, nil) so absent records resolve to null during
// rule evaluation.
var ErrNotFound = errors.New("not found")

// Store defines the storage operations of the workflow engine. Begin returns
// a transaction-scoped Store; all writes of one workflow action are expected
// to go through a single transaction.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Collections and classifications
	SaveCollection(c models.WorkflowCollection) error
	GetCollection(id string) (models.WorkflowCollection, error)
	SaveClassification(c models.WorkflowClassification) error
	GetClassification(id string) (models.WorkflowClassification, error)

	// Templates. SaveTemplate persists the template together with its steps,
	// branches, and rule groups; GetTemplate loads them back. DeleteTemplate
	// cascades over everything the template owns.
	SaveTemplate(t models.WorkflowTemplate) error
	GetTemplate(id string) (models.WorkflowTemplate, error)
	GetActiveTemplateForClassification(classificationID string) (models.WorkflowTemplate, error)
	ListTemplateVersions(classificationID string) ([]string, error)
	ListTemplates() ([]models.WorkflowTemplate, error)
	ArchiveTemplate(id string) error
	DeleteTemplate(id string) error

	// Instances. GetInstance loads the instance with its steps in activation
	// order. DeleteInstance cascades over the instance's steps.
	SaveInstance(i models.WorkflowInstance) error
	UpdateInstance(i models.WorkflowInstance) error
	GetInstance(id string) (models.WorkflowInstance, error)
	ListInstancesForPatient(patientID string) ([]models.WorkflowInstance, error)
	DeleteInstance(id string) error
	SaveInstanceStep(s models.WorkflowInstanceStep) error
	UpdateInstanceStep(s models.WorkflowInstanceStep) error

	// Clinical reads (external collaborator surface, nil when missing).
	GetPatient(id string) (*models.Patient, error)
	GetReading(id string) (*models.Reading, error)
	GetLatestReadingForPatient(patientID string) (*models.Reading, error)
	GetAssessment(id string) (*models.Assessment, error)
	GetLatestAssessmentForPatient(patientID string) (*models.Assessment, error)
	GetPregnancy(id string) (*models.Pregnancy, error)
	GetLatestPregnancyForPatient(patientID string) (*models.Pregnancy, error)
	GetUrineTest(id string) (*models.UrineTest, error)
	GetLatestUrineTestForPatient(patientID string) (*models.UrineTest, error)
}
