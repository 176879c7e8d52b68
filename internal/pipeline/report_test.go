package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/sis-migrate/internal/validate"
)

func TestFormatReport(t *testing.T) {
	var tally validate.Tally
	tally.Add(nil, 1)
	tally.Add([]validate.FieldError{{Field: "legacy_id", Kind: validate.KindRequired}}, 0.4)

	res := &Result{
		Table:          "students",
		StartStage:     StageImport,
		EndStage:       StageSplit,
		StageCompleted: 4,
		TotalRecords:   2,
		ValidRecords:   1,
		InvalidRecords: 1,
		Stages: []StageResult{
			{Stage: StageImport, Name: StageImport.String(), Status: StageComplete, Duration: 12},
			{Stage: StageTransform, Name: StageTransform.String(), Status: StageFailed, Error: "boom"},
		},
		Outputs: Outputs{
			Import: &ImportOutput{RawTable: "students_raw", Rows: 2, MissingColumns: []string{"KName"}},
			Profile: &ProfileOutput{Columns: []ColumnProfile{{
				Column: "ID", InferredType: "int", Completeness: 50, Distinct: 1, MinLength: 5, MaxLength: 5,
				TopValues: []ValueCount{{Value: "18001", Count: 1}},
			}}},
			Clean:    &CleanOutput{Rows: 2, Issues: 1, IssueCounts: map[string]int{"birth_date": 1}},
			Validate: &ValidateOutput{Tally: tally, ThresholdsMissed: []string{"min_completeness"}},
		},
		Errors: []string{"pipeline: 5_transform: boom"},
	}

	report := FormatReport(res)

	assert.Contains(t, report, "# Pipeline Report: students")
	assert.Contains(t, report, "1_import .. 6_split")
	assert.Contains(t, report, "Status: failed")
	assert.Contains(t, report, "Last completed stage: 4")
	assert.Contains(t, report, "5_transform: failed")
	assert.Contains(t, report, "Error: boom")
	assert.Contains(t, report, "Missing columns: KName")
	assert.Contains(t, report, "| ID | int | 50.0% | 1 | 5-5 | 18001 (1) |")
	assert.Contains(t, report, "birth_date: 1")
	assert.Contains(t, report, "Pass rate: 50.0%")
	assert.Contains(t, report, "Thresholds missed: min_completeness")
	assert.Contains(t, report, "legacy_id: 1")
	assert.NotContains(t, report, "## Split")
}

func TestFormatReportDryRun(t *testing.T) {
	report := FormatReport(&Result{Table: "terms", StartStage: StageClean, EndStage: StageClean, Success: true, DryRun: true})
	assert.Contains(t, report, "dry run")
	assert.Contains(t, report, "Status: success")
}
