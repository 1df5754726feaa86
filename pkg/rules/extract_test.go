package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/rules"
)

func TestExtractVariables(t *testing.T) {
	t.Run("NestedAndDeduplicated", func(t *testing.T) {
		rule := `{"and": [
			{">": [{"var": "patient.age"}, 65]},
			{"or": [
				{">": [{"var": "reading.systolic_blood_pressure"}, 140]},
				{">": [{"var": "patient.age"}, 80]}
			]}
		]}`
		vars, err := rules.ExtractVariables(rule)
		assert.NoError(t, err)
		assert.Len(t, vars, 2)
		assert.Contains(t, vars, "patient.age")
		assert.Contains(t, vars, "reading.systolic_blood_pressure")
	})

	t.Run("VarWithDefault", func(t *testing.T) {
		vars, err := rules.ExtractVariables(`{"==": [{"var": ["patient.zone", "unknown"]}, "unknown"]}`)
		assert.NoError(t, err)
		assert.Len(t, vars, 1)
		assert.Contains(t, vars, "patient.zone")
	})

	t.Run("NoVariables", func(t *testing.T) {
		vars, err := rules.ExtractVariables(`{"==": [1, 1]}`)
		assert.NoError(t, err)
		assert.Empty(t, vars)
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, rule := range []string{
			`{"var": "patient.age"`, // truncated JSON
			`42`,                    // scalar
			`"patient.age"`,         // bare string
			``,                      // empty
		} {
			_, err := rules.ExtractVariables(rule)
			assert.Error(t, err, "expected error for %q", rule)
			var malformed *rules.MalformedRuleError
			assert.ErrorAs(t, err, &malformed)
		}
	})
}

func TestValidateRuleSyntax(t *testing.T) {
	assert.True(t, rules.ValidateRuleSyntax(`{"<": [{"var": "patient.age"}, 18]}`))
	assert.True(t, rules.ValidateRuleSyntax(`[{"var": "a.b"}]`))
	assert.False(t, rules.ValidateRuleSyntax(`not json`))
	assert.False(t, rules.ValidateRuleSyntax(`true`))
}
