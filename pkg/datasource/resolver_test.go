package datasource_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/datasource"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/models"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func newResolver(store *storage.MockStore, now time.Time) *datasource.Resolver {
	catalogue := datasource.NewClinicalCatalogue(store, func() time.Time { return now })
	return datasource.NewResolver(catalogue, logger{})
}

func TestResolver(t *testing.T) {
	now := date(2024, 6, 1)

	t.Run("SchemaFields", func(t *testing.T) {
		store := storage.NewMockStore()
		dob := date(1990, 3, 15)
		store.AddPatient(models.Patient{ID: "p1", Name: "AA", Sex: "FEMALE", DateOfBirth: &dob})
		store.AddReading(models.Reading{
			ID: "r1", PatientID: "p1",
			SystolicBloodPressure: 120, DiastolicBloodPressure: 80, HeartRate: 70,
			DateTaken: date(2024, 5, 1),
		})

		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"patient.name", "reading.systolic_blood_pressure"},
		)
		assert.NoError(t, err)
		assert.Equal(t, "AA", resolved["patient.name"])
		assert.Equal(t, 120, resolved["reading.systolic_blood_pressure"])
	})

	t.Run("ComputedAge", func(t *testing.T) {
		store := storage.NewMockStore()
		dob := date(1949, 1, 2)
		store.AddPatient(models.Patient{ID: "p1", DateOfBirth: &dob})

		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"patient.age"},
		)
		assert.NoError(t, err)
		assert.Equal(t, 75, resolved["patient.age"])
	})

	t.Run("ComputedAgeBeforeBirthday", func(t *testing.T) {
		store := storage.NewMockStore()
		dob := date(1949, 11, 20)
		store.AddPatient(models.Patient{ID: "p1", DateOfBirth: &dob})

		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"patient.age"},
		)
		assert.NoError(t, err)
		assert.Equal(t, 74, resolved["patient.age"])
	})

	t.Run("ComputedAgeOnBirthdayAcrossLeapYears", func(t *testing.T) {
		store := storage.NewMockStore()
		// 2000 is a leap year and 2023 is not, so day-of-year arithmetic
		// would undercount this birthday by one.
		dob := date(2000, 3, 1)
		store.AddPatient(models.Patient{ID: "p1", DateOfBirth: &dob})

		resolved, err := newResolver(store, date(2023, 3, 1)).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"patient.age"},
		)
		assert.NoError(t, err)
		assert.Equal(t, 23, resolved["patient.age"])
	})

	t.Run("AgeWithoutDateOfBirthIsNull", func(t *testing.T) {
		store := storage.NewMockStore()
		store.AddPatient(models.Patient{ID: "p1"})

		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"patient.age"},
		)
		assert.NoError(t, err)
		assert.Nil(t, resolved["patient.age"])
	})

	t.Run("LatestReadingForPatient", func(t *testing.T) {
		store := storage.NewMockStore()
		store.AddPatient(models.Patient{ID: "p1"})
		store.AddReading(models.Reading{ID: "r1", PatientID: "p1", SystolicBloodPressure: 110, DateTaken: date(2024, 1, 1)})
		store.AddReading(models.Reading{ID: "r2", PatientID: "p1", SystolicBloodPressure: 150, DateTaken: date(2024, 5, 1)})
		store.AddReading(models.Reading{ID: "r3", PatientID: "p2", SystolicBloodPressure: 200, DateTaken: date(2024, 5, 20)})

		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"reading.systolic_blood_pressure"},
		)
		assert.NoError(t, err)
		assert.Equal(t, 150, resolved["reading.systolic_blood_pressure"])
	})

	t.Run("OwnIdPreferredOverPatientFallback", func(t *testing.T) {
		store := storage.NewMockStore()
		store.AddReading(models.Reading{ID: "r1", PatientID: "p1", SystolicBloodPressure: 110, DateTaken: date(2024, 1, 1)})
		store.AddReading(models.Reading{ID: "r2", PatientID: "p1", SystolicBloodPressure: 150, DateTaken: date(2024, 5, 1)})

		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1", "reading_id": "r1"},
			[]string{"reading.systolic_blood_pressure"},
		)
		assert.NoError(t, err)
		assert.Equal(t, 110, resolved["reading.systolic_blood_pressure"])
	})

	t.Run("MissingRecordResolvesAllAttributesToNull", func(t *testing.T) {
		store := storage.NewMockStore()
		store.AddPatient(models.Patient{ID: "p1"})

		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"reading.systolic_blood_pressure", "reading.heart_rate"},
		)
		assert.NoError(t, err)
		assert.Len(t, resolved, 2)
		assert.Nil(t, resolved["reading.systolic_blood_pressure"])
		assert.Nil(t, resolved["reading.heart_rate"])
	})

	t.Run("UnknownObjectAndUnparseableVariable", func(t *testing.T) {
		store := storage.NewMockStore()
		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"hospital.ward", "justanamespace"},
		)
		assert.NoError(t, err)
		assert.Len(t, resolved, 2)
		assert.Nil(t, resolved["hospital.ward"])
		assert.Nil(t, resolved["justanamespace"])
	})

	t.Run("DeclaredNamesKeepSigil", func(t *testing.T) {
		store := storage.NewMockStore()
		store.AddPatient(models.Patient{ID: "p1", Name: "BB"})

		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"$patient.name"},
		)
		assert.NoError(t, err)
		assert.Equal(t, "BB", resolved["$patient.name"])
	})

	t.Run("OngoingPregnancy", func(t *testing.T) {
		store := storage.NewMockStore()
		store.AddPregnancy(models.Pregnancy{ID: "pr1", PatientID: "p1", StartDate: date(2024, 2, 1)})

		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"pregnancy.is_ongoing"},
		)
		assert.NoError(t, err)
		assert.Equal(t, true, resolved["pregnancy.is_ongoing"])
	})

	t.Run("NullOptionalField", func(t *testing.T) {
		store := storage.NewMockStore()
		store.AddPatient(models.Patient{ID: "p1", Name: "CC"})

		resolved, err := newResolver(store, now).Resolve(
			datasource.Context{"patient_id": "p1"},
			[]string{"patient.allergy"},
		)
		assert.NoError(t, err)
		assert.Nil(t, resolved["patient.allergy"])
	})
}
