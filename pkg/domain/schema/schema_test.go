package schema

import (
	"log/slog"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type selfAssessment struct {
	Level string `json:"level" description:"Self-reported proficiency" required:"true"`
}

func (selfAssessment) SchemaName() string { return "SelfAssessment" }

type assessmentResult struct {
	SelfAssessmentLevel string  `json:"selfAssessmentLevel"`
	DeterminedLevel     string  `json:"determinedLevel"`
	CorrectAnswers      int     `json:"correctAnswers"`
	TotalQuestions      int     `json:"totalQuestions"`
	Score               float64 `json:"score"`
	Passed              bool    `json:"passed"`
	Tags                []string `json:"tags"`
}

func testService(t *testing.T) *Service {
	t.Helper()
	return NewService(slog.Default())
}

func TestSchemaForStruct(t *testing.T) {
	svc := testService(t)

	sch := svc.SchemaFor(reflect.TypeOf(selfAssessment{}))
	require.NotNil(t, sch)
	assert.Equal(t, "SelfAssessment", sch.Name)
	require.Len(t, sch.Properties, 1)
	assert.Equal(t, "level", sch.Properties[0].Name)
	assert.Equal(t, "string", sch.Properties[0].Type)
	assert.True(t, sch.Properties[0].Required)
	assert.Equal(t, "Self-reported proficiency", sch.Properties[0].Description)

	// Cached: same pointer on second call.
	assert.Same(t, sch, svc.SchemaFor(reflect.TypeOf(&selfAssessment{})))
}

func TestSchemaForNonStruct(t *testing.T) {
	svc := testService(t)

	sch := svc.SchemaFor(reflect.TypeOf("hello"))
	require.Len(t, sch.Properties, 1)
	assert.Equal(t, ResultKey, sch.Properties[0].Name)
	assert.Equal(t, "string", sch.Properties[0].Type)
}

func TestPropertiesRoundTrip(t *testing.T) {
	svc := testService(t)

	original := assessmentResult{
		SelfAssessmentLevel: "INTERMEDIATE",
		DeterminedLevel:     "B1",
		CorrectAnswers:      2,
		TotalQuestions:      3,
		Score:               0.67,
		Passed:              true,
		Tags:                []string{"english", "placement"},
	}

	props := svc.ToPropertiesMap(original)
	assert.Equal(t, "INTERMEDIATE", props["selfAssessmentLevel"])
	assert.Equal(t, "2", props["correctAnswers"])
	assert.Equal(t, "true", props["passed"])
	assert.Equal(t, `["english","placement"]`, props["tags"])

	back, err := svc.FromPropertiesMap(reflect.TypeOf(assessmentResult{}), props)
	require.NoError(t, err)
	assert.Equal(t, original, back)
}

func TestNonStructPayloadUsesResultKey(t *testing.T) {
	svc := testService(t)

	props := svc.ToPropertiesMap(map[string]any{"status": "Initializing", "progressPercent": 0})
	assert.Contains(t, props[ResultKey], `"status":"Initializing"`)

	back, err := svc.FromPropertiesMap(reflect.TypeOf(map[string]any{}), props)
	require.NoError(t, err)
	assert.Equal(t, "Initializing", back.(map[string]any)["status"])
}

func TestStringMapPassesThrough(t *testing.T) {
	svc := testService(t)

	in := map[string]string{"a": "1", "b": "two"}
	assert.Equal(t, in, svc.ToPropertiesMap(in))
}

func TestFromPropertiesMapMissingRequired(t *testing.T) {
	svc := testService(t)

	_, err := svc.FromPropertiesMap(reflect.TypeOf(selfAssessment{}), map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TYPE_CONVERSION_FAILED")
}

func TestFromPropertiesMapBadScalar(t *testing.T) {
	svc := testService(t)

	_, err := svc.FromPropertiesMap(reflect.TypeOf(assessmentResult{}), map[string]string{
		"correctAnswers": "not-a-number",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "correctAnswers")
}

func TestNamedRegistry(t *testing.T) {
	svc := testService(t)

	svc.RegisterNamed("SelfAssessment", selfAssessment{})
	typ, err := svc.Lookup("SelfAssessment")
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(selfAssessment{}), typ)

	_, err = svc.Lookup("Nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEMA_UNKNOWN")
}
