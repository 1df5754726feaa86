package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/rules"
)

func TestParseVariablePath(t *testing.T) {
	t.Run("DottedForm", func(t *testing.T) {
		p := rules.ParseVariablePath("patient.age")
		assert.NotNil(t, p)
		assert.Equal(t, "patient", p.Namespace)
		assert.Nil(t, p.Index)
		assert.Equal(t, []string{"age"}, p.FieldPath)
	})

	t.Run("DeepFieldPath", func(t *testing.T) {
		p := rules.ParseVariablePath("patient.medical_history.allergy")
		assert.NotNil(t, p)
		assert.Equal(t, []string{"medical_history", "allergy"}, p.FieldPath)
	})

	t.Run("LatestIndex", func(t *testing.T) {
		p := rules.ParseVariablePath("vitals[latest].systolic_blood_pressure")
		assert.NotNil(t, p)
		assert.Equal(t, "vitals", p.Namespace)
		assert.NotNil(t, p.Index)
		assert.True(t, p.Index.Latest)
		assert.Equal(t, []string{"systolic_blood_pressure"}, p.FieldPath)
	})

	t.Run("NumericIndex", func(t *testing.T) {
		p := rules.ParseVariablePath("vitals[2].heart_rate")
		assert.NotNil(t, p)
		assert.False(t, p.Index.Latest)
		assert.Equal(t, 2, p.Index.N)
	})

	t.Run("IndexWithoutFieldPath", func(t *testing.T) {
		p := rules.ParseVariablePath("vitals[latest]")
		assert.NotNil(t, p)
		assert.Empty(t, p.FieldPath)
	})

	t.Run("NoMatch", func(t *testing.T) {
		for _, s := range []string{
			"patient",               // bare namespace
			"",                      // empty
			"patient..age",          // empty segment
			"vitals[].age",          // empty index
			"vitals[newest].age",    // unknown index token
			"vitals[-1].age",        // negative index
			"[latest].age",          // missing namespace
			"vitals[latest]age",     // missing dot after index
			"vitals[latest].a[0].b", // index in field path
		} {
			assert.Nil(t, rules.ParseVariablePath(s), "expected no match for %q", s)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		for _, s := range []string{
			"patient.age",
			"vitals[latest].systolic_blood_pressure",
			"vitals[0].heart_rate",
			"pregnancy[latest]",
		} {
			p := rules.ParseVariablePath(s)
			assert.NotNil(t, p)
			assert.Equal(t, s, p.String())
		}
	})
}

func TestParseDatasourceVariable(t *testing.T) {
	d := rules.ParseDatasourceVariable("reading.systolic_blood_pressure")
	assert.NotNil(t, d)
	assert.Equal(t, "reading", d.Object)
	assert.Equal(t, "systolic_blood_pressure", d.Attribute)
	assert.Equal(t, "reading.systolic_blood_pressure", d.String())

	// Attribute keeps any further dots.
	d = rules.ParseDatasourceVariable("patient.history.allergy")
	assert.NotNil(t, d)
	assert.Equal(t, "history.allergy", d.Attribute)

	assert.Nil(t, rules.ParseDatasourceVariable("patient"))
	assert.Nil(t, rules.ParseDatasourceVariable("patient."))
	assert.Nil(t, rules.ParseDatasourceVariable(".age"))
	assert.Nil(t, rules.ParseDatasourceVariable("vitals[latest].heart_rate"))
}
