package models

import "time"

// Clinical records are read-only collaborators of the workflow engine: rule
// evaluation resolves datasource variables ("patient.age",
// "reading.systolic_blood_pressure") against them. Each record exposes its
// attributes through Fields so the datasource resolver never type-switches on
// the concrete kind.

// Patient is the canonical patient record.
type Patient struct {
	ID              string     `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	Sex             string     `json:"sex" db:"sex"`
	DateOfBirth     *time.Time `json:"date_of_birth,omitempty" db:"date_of_birth"`
	IsExactDOB      bool       `json:"is_exact_dob" db:"is_exact_dob"`
	VillageNumber   *string    `json:"village_number,omitempty" db:"village_number"`
	Zone            *string    `json:"zone,omitempty" db:"zone"`
	HouseholdNumber *string    `json:"household_number,omitempty" db:"household_number"`
	Allergy         *string    `json:"allergy,omitempty" db:"allergy"`
	LastEdited      time.Time  `json:"last_edited" db:"last_edited"`
}

func (p *Patient) Fields() map[string]any {
	return map[string]any{
		"id":               p.ID,
		"name":             p.Name,
		"sex":              p.Sex,
		"date_of_birth":    timeOrNil(p.DateOfBirth),
		"is_exact_dob":     p.IsExactDOB,
		"village_number":   strOrNil(p.VillageNumber),
		"zone":             strOrNil(p.Zone),
		"household_number": strOrNil(p.HouseholdNumber),
		"allergy":          strOrNil(p.Allergy),
	}
}

// Reading is one vital-sign reading taken for a patient.
type Reading struct {
	ID                     string    `json:"id" db:"id"`
	PatientID              string    `json:"patient_id" db:"patient_id"`
	SystolicBloodPressure  int       `json:"systolic_blood_pressure" db:"systolic_blood_pressure"`
	DiastolicBloodPressure int       `json:"diastolic_blood_pressure" db:"diastolic_blood_pressure"`
	HeartRate              int       `json:"heart_rate" db:"heart_rate"`
	Symptoms               *string   `json:"symptoms,omitempty" db:"symptoms"`
	DateTaken              time.Time `json:"date_taken" db:"date_taken"`
}

func (r *Reading) Fields() map[string]any {
	return map[string]any{
		"id":                       r.ID,
		"patient_id":               r.PatientID,
		"systolic_blood_pressure":  r.SystolicBloodPressure,
		"diastolic_blood_pressure": r.DiastolicBloodPressure,
		"heart_rate":               r.HeartRate,
		"symptoms":                 strOrNil(r.Symptoms),
		"date_taken":               r.DateTaken,
	}
}

// Assessment is a health-care worker's follow-up assessment of a patient.
type Assessment struct {
	ID                   string    `json:"id" db:"id"`
	PatientID            string    `json:"patient_id" db:"patient_id"`
	Diagnosis            *string   `json:"diagnosis,omitempty" db:"diagnosis"`
	Treatment            *string   `json:"treatment,omitempty" db:"treatment"`
	MedicationPrescribed *string   `json:"medication_prescribed,omitempty" db:"medication_prescribed"`
	FollowUpNeeded       bool      `json:"follow_up_needed" db:"follow_up_needed"`
	DateAssessed         time.Time `json:"date_assessed" db:"date_assessed"`
}

func (a *Assessment) Fields() map[string]any {
	return map[string]any{
		"id":                    a.ID,
		"patient_id":            a.PatientID,
		"diagnosis":             strOrNil(a.Diagnosis),
		"treatment":             strOrNil(a.Treatment),
		"medication_prescribed": strOrNil(a.MedicationPrescribed),
		"follow_up_needed":      a.FollowUpNeeded,
		"date_assessed":         a.DateAssessed,
	}
}

// Pregnancy tracks one pregnancy of a patient; EndDate is nil while ongoing.
type Pregnancy struct {
	ID        string     `json:"id" db:"id"`
	PatientID string     `json:"patient_id" db:"patient_id"`
	StartDate time.Time  `json:"start_date" db:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty" db:"end_date"`
	Outcome   *string    `json:"outcome,omitempty" db:"outcome"`
}

func (p *Pregnancy) Fields() map[string]any {
	return map[string]any{
		"id":         p.ID,
		"patient_id": p.PatientID,
		"start_date": p.StartDate,
		"end_date":   timeOrNil(p.EndDate),
		"outcome":    strOrNil(p.Outcome),
		"is_ongoing": p.EndDate == nil,
	}
}

// UrineTest holds dipstick results attached to a reading.
type UrineTest struct {
	ID         string `json:"id" db:"id"`
	ReadingID  string `json:"reading_id" db:"reading_id"`
	PatientID  string `json:"patient_id" db:"patient_id"`
	Leukocytes string `json:"leukocytes" db:"leukocytes"`
	Nitrites   string `json:"nitrites" db:"nitrites"`
	Glucose    string `json:"glucose" db:"glucose"`
	Protein    string `json:"protein" db:"protein"`
	Blood      string `json:"blood" db:"blood"`
}

func (u *UrineTest) Fields() map[string]any {
	return map[string]any{
		"id":         u.ID,
		"reading_id": u.ReadingID,
		"patient_id": u.PatientID,
		"leukocytes": u.Leukocytes,
		"nitrites":   u.Nitrites,
		"glucose":    u.Glucose,
		"protein":    u.Protein,
		"blood":      u.Blood,
	}
}

// strOrNil and timeOrNil keep optional columns out of rule evaluation: a nil
// pointer resolves to null, never to a zero value.
func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
