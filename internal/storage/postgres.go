package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/models"
	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store over postgres via sqlx. Begin
// returns a store wrapping a transaction; Commit and Rollback only work on a
// transaction, Close only on the root connection.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle; integration tests use it to seed
// clinical records, which have no write path through the Store.
func (s *PostgresStore) DB() DBInterface {
	return s.db
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *PostgresStore) SaveCollection(c models.WorkflowCollection) error {
	_, err := s.db.Exec("INSERT INTO workflow_collections (id, name) VALUES ($1, $2)", c.ID, c.Name)
	return err
}

func (s *PostgresStore) GetCollection(id string) (models.WorkflowCollection, error) {
	var c models.WorkflowCollection
	err := s.db.Get(&c, "SELECT * FROM workflow_collections WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowCollection{}, storage.ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) SaveClassification(c models.WorkflowClassification) error {
	_, err := s.db.Exec("INSERT INTO workflow_classifications (id, name, collection_id) VALUES ($1, $2, $3)",
		c.ID, c.Name, c.CollectionID)
	return err
}

func (s *PostgresStore) GetClassification(id string) (models.WorkflowClassification, error) {
	var c models.WorkflowClassification
	err := s.db.Get(&c, "SELECT * FROM workflow_classifications WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowClassification{}, storage.ErrNotFound
	}
	return c, err
}

// SaveTemplate persists the template together with its steps, branches, and
// rule groups in declared order.
func (s *PostgresStore) SaveTemplate(t models.WorkflowTemplate) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_templates (id, name, description, version, archived, starting_step_id, classification_id, date_created, last_edited)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, t.Description, t.Version, t.Archived, t.StartingStepID, t.ClassificationID, t.DateCreated, t.LastEdited)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	for i, step := range t.Steps {
		_, err = s.db.Exec(`
			INSERT INTO workflow_template_steps (id, name, form_id, template_id, position)
			VALUES ($1, $2, $3, $4, $5)`,
			step.ID, step.Name, step.FormID, t.ID, i)
		if err != nil {
			return fmt.Errorf("save template step %s: %w", step.ID, err)
		}
		for j, branch := range step.Branches {
			if branch.RuleGroup != nil {
				_, err = s.db.Exec(`
					INSERT INTO rule_groups (id, rule, data_sources)
					VALUES ($1, $2, $3)`,
					branch.RuleGroup.ID, branch.RuleGroup.Rule, pq.Array(branch.RuleGroup.DataSources))
				if err != nil {
					return fmt.Errorf("save rule group %s: %w", branch.RuleGroup.ID, err)
				}
			}
			_, err = s.db.Exec(`
				INSERT INTO workflow_template_step_branches (id, step_id, target_step_id, rule_group_id, position)
				VALUES ($1, $2, $3, $4, $5)`,
				branch.ID, step.ID, branch.TargetStepID, branch.RuleGroupID, j)
			if err != nil {
				return fmt.Errorf("save branch %s: %w", branch.ID, err)
			}
		}
	}
	return nil
}

// GetTemplate retrieves a template with its steps, branches, and rule groups.
func (s *PostgresStore) GetTemplate(id string) (models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	err := s.db.Get(&t, `
		SELECT id, name, description, version, archived, starting_step_id, classification_id, date_created, last_edited
		FROM workflow_templates WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.WorkflowTemplate{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowTemplate{}, err
	}
	if err := s.loadTemplateGraph(&t); err != nil {
		return models.WorkflowTemplate{}, fmt.Errorf("get template %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) loadTemplateGraph(t *models.WorkflowTemplate) error {
	err := s.db.Select(&t.Steps, `
		SELECT id, name, form_id, template_id
		FROM workflow_template_steps WHERE template_id = $1 ORDER BY position`, t.ID)
	if err != nil {
		return err
	}
	for i := range t.Steps {
		step := &t.Steps[i]
		err = s.db.Select(&step.Branches, `
			SELECT id, step_id, target_step_id, rule_group_id
			FROM workflow_template_step_branches WHERE step_id = $1 ORDER BY position`, step.ID)
		if err != nil {
			return err
		}
		for j := range step.Branches {
			branch := &step.Branches[j]
			if branch.RuleGroupID == nil {
				continue
			}
			var rg models.RuleGroup
			var sources pq.StringArray
			row := s.db.QueryRowx("SELECT id, rule, data_sources FROM rule_groups WHERE id = $1", *branch.RuleGroupID)
			if err := row.Scan(&rg.ID, &rg.Rule, &sources); err != nil {
				return err
			}
			rg.DataSources = []string(sources)
			branch.RuleGroup = &rg
		}
	}
	return nil
}

func (s *PostgresStore) GetActiveTemplateForClassification(classificationID string) (models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	err := s.db.Get(&t, `
		SELECT id, name, description, version, archived, starting_step_id, classification_id, date_created, last_edited
		FROM workflow_templates WHERE classification_id = $1 AND NOT archived`, classificationID)
	if err == sql.ErrNoRows {
		return models.WorkflowTemplate{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowTemplate{}, err
	}
	if err := s.loadTemplateGraph(&t); err != nil {
		return models.WorkflowTemplate{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTemplateVersions(classificationID string) ([]string, error) {
	versions := []string{}
	err := s.db.Select(&versions, "SELECT version FROM workflow_templates WHERE classification_id = $1 ORDER BY version", classificationID)
	return versions, err
}

func (s *PostgresStore) ListTemplates() ([]models.WorkflowTemplate, error) {
	templates := []models.WorkflowTemplate{}
	err := s.db.Select(&templates, `
		SELECT id, name, description, version, archived, starting_step_id, classification_id, date_created, last_edited
		FROM workflow_templates ORDER BY date_created`)
	return templates, err
}

func (s *PostgresStore) ArchiveTemplate(id string) error {
	res, err := s.db.Exec("UPDATE workflow_templates SET archived = TRUE, last_edited = CURRENT_TIMESTAMP WHERE id = $1", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteTemplate removes the template; steps, branches, and rule groups
// cascade at the schema level.
func (s *PostgresStore) DeleteTemplate(id string) error {
	res, err := s.db.Exec("DELETE FROM workflow_templates WHERE id = $1", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveInstance(i models.WorkflowInstance) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_instances (id, status, current_step_id, current_branch_id, template_id, patient_id, started_at, completed_at, last_edited)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		i.ID, i.Status, i.CurrentStepID, i.CurrentBranchID, i.TemplateID, i.PatientID, i.StartedAt, i.CompletedAt, i.LastEdited)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateInstance(i models.WorkflowInstance) error {
	res, err := s.db.Exec(`
		UPDATE workflow_instances
		SET status = $1, current_step_id = $2, current_branch_id = $3, patient_id = $4, started_at = $5, completed_at = $6, last_edited = $7
		WHERE id = $8`,
		i.Status, i.CurrentStepID, i.CurrentBranchID, i.PatientID, i.StartedAt, i.CompletedAt, i.LastEdited, i.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) GetInstance(id string) (models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	err := s.db.Get(&inst, `
		SELECT id, status, current_step_id, current_branch_id, template_id, patient_id, started_at, completed_at, last_edited
		FROM workflow_instances WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.WorkflowInstance{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	err = s.db.Select(&inst.Steps, `
		SELECT id, instance_id, template_step_id, status, triggered_by, started_at, completed_at, form_data
		FROM workflow_instance_steps WHERE instance_id = $1 ORDER BY started_at, id`, id)
	if err != nil {
		return models.WorkflowInstance{}, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstancesForPatient(patientID string) ([]models.WorkflowInstance, error) {
	instances := []models.WorkflowInstance{}
	err := s.db.Select(&instances, `
		SELECT id, status, current_step_id, current_branch_id, template_id, patient_id, started_at, completed_at, last_edited
		FROM workflow_instances WHERE patient_id = $1 ORDER BY last_edited DESC`, patientID)
	return instances, err
}

// DeleteInstance removes the instance; its steps cascade.
func (s *PostgresStore) DeleteInstance(id string) error {
	res, err := s.db.Exec("DELETE FROM workflow_instances WHERE id = $1", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveInstanceStep(st models.WorkflowInstanceStep) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_instance_steps (id, instance_id, template_step_id, status, triggered_by, started_at, completed_at, form_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.ID, st.InstanceID, st.TemplateStepID, st.Status, st.TriggeredBy, st.StartedAt, st.CompletedAt, st.FormData)
	return err
}

func (s *PostgresStore) UpdateInstanceStep(st models.WorkflowInstanceStep) error {
	res, err := s.db.Exec(`
		UPDATE workflow_instance_steps
		SET status = $1, completed_at = $2, form_data = $3
		WHERE id = $4`,
		st.Status, st.CompletedAt, st.FormData, st.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) GetPatient(id string) (*models.Patient, error) {
	var p models.Patient
	err := s.db.Get(&p, "SELECT * FROM patients WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetReading(id string) (*models.Reading, error) {
	var r models.Reading
	err := s.db.Get(&r, "SELECT * FROM readings WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetLatestReadingForPatient(patientID string) (*models.Reading, error) {
	var r models.Reading
	err := s.db.Get(&r, "SELECT * FROM readings WHERE patient_id = $1 ORDER BY date_taken DESC LIMIT 1", patientID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetAssessment(id string) (*models.Assessment, error) {
	var a models.Assessment
	err := s.db.Get(&a, "SELECT * FROM assessments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetLatestAssessmentForPatient(patientID string) (*models.Assessment, error) {
	var a models.Assessment
	err := s.db.Get(&a, "SELECT * FROM assessments WHERE patient_id = $1 ORDER BY date_assessed DESC LIMIT 1", patientID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetPregnancy(id string) (*models.Pregnancy, error) {
	var p models.Pregnancy
	err := s.db.Get(&p, "SELECT * FROM pregnancies WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetLatestPregnancyForPatient(patientID string) (*models.Pregnancy, error) {
	var p models.Pregnancy
	err := s.db.Get(&p, "SELECT * FROM pregnancies WHERE patient_id = $1 ORDER BY start_date DESC LIMIT 1", patientID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetUrineTest(id string) (*models.UrineTest, error) {
	var u models.UrineTest
	err := s.db.Get(&u, "SELECT * FROM urine_tests WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetLatestUrineTestForPatient(patientID string) (*models.UrineTest, error) {
	var u models.UrineTest
	err := s.db.Get(&u, `
		SELECT u.* FROM urine_tests u
		JOIN readings r ON r.id = u.reading_id
		WHERE u.patient_id = $1 ORDER BY r.date_taken DESC LIMIT 1`, patientID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
