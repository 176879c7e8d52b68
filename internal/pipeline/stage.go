package pipeline

import (
	"fmt"
	"time"

	"github.com/sells-group/sis-migrate/internal/validate"
)

// Stage is one of the six ordered ETL phases.
type Stage int

// Stages in execution order.
const (
	StageImport    Stage = 1
	StageProfile   Stage = 2
	StageClean     Stage = 3
	StageValidate  Stage = 4
	StageTransform Stage = 5
	StageSplit     Stage = 6
)

var stageNames = map[Stage]string{
	StageImport:    "import",
	StageProfile:   "profile",
	StageClean:     "clean",
	StageValidate:  "validate",
	StageTransform: "transform",
	StageSplit:     "split",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return fmt.Sprintf("%d_%s", int(s), n)
	}
	return fmt.Sprintf("stage_%d", int(s))
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s >= StageImport && s <= StageSplit }

// StageStatus is the outcome of one stage.
type StageStatus string

// Stage outcomes.
const (
	StageComplete StageStatus = "complete"
	StageSkipped  StageStatus = "skipped"
	StageFailed   StageStatus = "failed"
)

// StageResult records one stage of a run.
type StageResult struct {
	Stage    Stage          `json:"stage"`
	Name     string         `json:"name"`
	Status   StageStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Outputs holds the typed output of each stage that ran.
type Outputs struct {
	Import    *ImportOutput    `json:"import,omitempty"`
	Profile   *ProfileOutput   `json:"profile,omitempty"`
	Clean     *CleanOutput     `json:"clean,omitempty"`
	Validate  *ValidateOutput  `json:"validate,omitempty"`
	Transform *TransformOutput `json:"transform,omitempty"`
	Split     *SplitOutput     `json:"split,omitempty"`
}

// Result is the report of one Execute call.
type Result struct {
	Table          string        `json:"table"`
	StartStage     Stage         `json:"start_stage"`
	EndStage       Stage         `json:"end_stage"`
	StageCompleted int           `json:"stage_completed"`
	Success        bool          `json:"success"`
	DryRun         bool          `json:"dry_run"`
	TotalRecords   int           `json:"total_records"`
	ValidRecords   int           `json:"valid_records"`
	InvalidRecords int           `json:"invalid_records"`
	Stages         []StageResult `json:"stages"`
	Outputs        Outputs       `json:"outputs"`
	Duration       time.Duration `json:"duration"`
	Errors         []string      `json:"errors,omitempty"`
}

// ImportOutput is the result of stage 1.
type ImportOutput struct {
	RawTable       string   `json:"raw_table"`
	Rows           int      `json:"rows"`
	SourceColumns  []string `json:"source_columns"`
	MissingColumns []string `json:"missing_columns,omitempty"`
	ExtraColumns   []string `json:"extra_columns,omitempty"`
}

// ValueCount is a value and how often it occurs.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// ColumnProfile summarizes one raw column.
type ColumnProfile struct {
	Column         string       `json:"column"`
	Total          int          `json:"total"`
	Nulls          int          `json:"nulls"`
	Distinct       int          `json:"distinct"`
	DistinctCapped bool         `json:"distinct_capped,omitempty"`
	MinLength      int          `json:"min_length"`
	MaxLength      int          `json:"max_length"`
	TopValues      []ValueCount `json:"top_values"`
	InferredType   string       `json:"inferred_type"`
	Completeness   float64      `json:"completeness"`
}

// ProfileOutput is the result of stage 2.
type ProfileOutput struct {
	RawTable string          `json:"raw_table"`
	Rows     int             `json:"rows"`
	Columns  []ColumnProfile `json:"columns"`
}

// CleanOutput is the result of stage 3.
type CleanOutput struct {
	CleanedTable string         `json:"cleaned_table"`
	Rows         int            `json:"rows"`
	Issues       int            `json:"issues"`
	IssueCounts  map[string]int `json:"issue_counts,omitempty"`
	CacheHits    int            `json:"cache_hits,omitempty"`
	CacheMisses  int            `json:"cache_misses,omitempty"`
	CachedFields []CachedField  `json:"cached_fields,omitempty"`
}

// CachedField reports cache use for one shared column of a detail table.
type CachedField struct {
	Column       string `json:"column"`
	HeaderTable  string `json:"header_table"`
	HeaderColumn string `json:"header_column"`
	Hits         int    `json:"hits"`
	Misses       int    `json:"misses"`
	// RulesAvoided counts rule applications skipped through hits.
	RulesAvoided int `json:"rules_avoided"`
}

// ValidateOutput is the result of stage 4.
type ValidateOutput struct {
	ValidatedTable   string         `json:"validated_table"`
	Tally            validate.Tally `json:"tally"`
	ThresholdsMissed []string       `json:"thresholds_missed,omitempty"`
	MeetsThresholds  bool           `json:"meets_thresholds"`
}

// TransformOutput is the result of stage 5.
type TransformOutput struct {
	TargetTable string `json:"target_table"`
	Rows        int    `json:"rows"`
	Skipped     int    `json:"skipped_invalid"`
	CodeMapped  int    `json:"code_mapped"`
}

// SplitOutput is the result of stage 6.
type SplitOutput struct {
	SplitTable string `json:"split_table"`
	InputRows  int    `json:"input_rows"`
	OutputRows int    `json:"output_rows"`
}
