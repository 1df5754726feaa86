// Package datasource maps symbolic object names ("patient", "reading") onto
// live clinical records and resolves datasource variables against them for
// rule evaluation.
package datasource

import (
	"time"

	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/models"
)

// Context is the bag of known ids a resolution call runs under, keyed by
// "{object}_id" ("patient_id", "reading_id", ...).
type Context map[string]string

// Record exposes a clinical record's attributes as a field map.
type Record interface {
	Fields() map[string]any
}

// QueryFunc fetches the record for one object given the id context. It
// returns (nil, nil) when no id is available or the record does not exist;
// an error means the lookup itself failed.
type QueryFunc func(ids Context) (Record, error)

// ComputedFunc derives an attribute not present verbatim on the record.
type ComputedFunc func(fields map[string]any) any

// Source couples an object's query function with its computed attributes.
type Source struct {
	Query    QueryFunc
	Computed map[string]ComputedFunc
}

// Catalogue is a registry of object sources. It is constructed once and
// passed into the resolver; nothing here is ambient state.
type Catalogue struct {
	sources map[string]Source
}

func NewCatalogue() *Catalogue {
	return &Catalogue{sources: make(map[string]Source)}
}

func (c *Catalogue) Register(object string, src Source) {
	c.sources[object] = src
}

func (c *Catalogue) Source(object string) (Source, bool) {
	src, ok := c.sources[object]
	return src, ok
}

// ClinicalStore is the read-only clinical record lookup the catalogue is
// built over. Every method returns (nil, nil) for a missing record.
type ClinicalStore interface {
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

// NewClinicalCatalogue registers the standard clinical objects. Queries
// prefer the object's own id and fall back to patient_id, in which case the
// most recent record for the patient is used. The clock is injected so age
// derivation is testable.
func NewClinicalCatalogue(store ClinicalStore, now func() time.Time) *Catalogue {
	c := NewCatalogue()

	c.Register("patient", Source{
		Query: func(ids Context) (Record, error) {
			id, ok := ids["patient_id"]
			if !ok || id == "" {
				return nil, nil
			}
			return record(store.GetPatient(id))
		},
		Computed: map[string]ComputedFunc{
			"age": ageFromDateOfBirth(now),
		},
	})

	c.Register("reading", Source{
		Query: func(ids Context) (Record, error) {
			if id := ids["reading_id"]; id != "" {
				return record(store.GetReading(id))
			}
			if pid := ids["patient_id"]; pid != "" {
				return record(store.GetLatestReadingForPatient(pid))
			}
			return nil, nil
		},
	})

	c.Register("assessment", Source{
		Query: func(ids Context) (Record, error) {
			if id := ids["assessment_id"]; id != "" {
				return record(store.GetAssessment(id))
			}
			if pid := ids["patient_id"]; pid != "" {
				return record(store.GetLatestAssessmentForPatient(pid))
			}
			return nil, nil
		},
	})

	c.Register("pregnancy", Source{
		Query: func(ids Context) (Record, error) {
			if id := ids["pregnancy_id"]; id != "" {
				return record(store.GetPregnancy(id))
			}
			if pid := ids["patient_id"]; pid != "" {
				return record(store.GetLatestPregnancyForPatient(pid))
			}
			return nil, nil
		},
	})

	c.Register("urine_test", Source{
		Query: func(ids Context) (Record, error) {
			if id := ids["urine_test_id"]; id != "" {
				return record(store.GetUrineTest(id))
			}
			if pid := ids["patient_id"]; pid != "" {
				return record(store.GetLatestUrineTestForPatient(pid))
			}
			return nil, nil
		},
	})

	return c
}

// record narrows a typed (*T, error) pair into (Record, error), keeping a nil
// pointer as an untyped nil so callers can compare against nil directly.
func record[T any, PT interface {
	*T
	Record
}](rec PT, err error) (Record, error) {
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec, nil
}

// ageFromDateOfBirth derives whole years between date_of_birth and now.
func ageFromDateOfBirth(now func() time.Time) ComputedFunc {
	return func(fields map[string]any) any {
		dob, ok := fields["date_of_birth"].(time.Time)
		if !ok {
			return nil
		}
		ref := now()
		years := ref.Year() - dob.Year()
		// Compare month/day rather than YearDay: day-of-year shifts across
		// leap years and miscounts birthdays after February.
		if ref.Month() < dob.Month() || (ref.Month() == dob.Month() && ref.Day() < dob.Day()) {
			years--
		}
		if years < 0 {
			return nil
		}
		return years
	}
}
