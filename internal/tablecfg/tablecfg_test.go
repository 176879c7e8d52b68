package tablecfg

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classesTable() *TableConfig {
	return &TableConfig{
		Name: "academic_classes",
		Columns: []ColumnMapping{
			{Source: "ClassID", Target: "class_code", Rules: []string{"trim"}, Priority: PriorityCritical},
			{Source: "Credit", Target: "credit_hours", DataType: TypeDecimal},
		},
	}
}

func TestApplyDefaults(t *testing.T) {
	tc := &TableConfig{
		Name:    "students",
		Columns: []ColumnMapping{{Source: "Name"}},
	}
	tc.ApplyDefaults()

	assert.Equal(t, "students_raw", tc.RawTable)
	assert.Equal(t, "students_cleaned", tc.CleanedTable)
	assert.Equal(t, "students_validated", tc.ValidatedTable)
	assert.Equal(t, "students", tc.TargetModel)
	assert.Equal(t, DefaultChunkSize, tc.ChunkSize)
	assert.Equal(t, ";", tc.Split.Delimiter)
	assert.Equal(t, "name", tc.Columns[0].Target)
	assert.Equal(t, TypeString, tc.Columns[0].DataType)
	assert.Equal(t, "students_split", tc.SplitTable())
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	tc := &TableConfig{Name: "t", RawTable: "legacy_t", ChunkSize: 50, TargetModel: "people"}
	tc.ApplyDefaults()
	assert.Equal(t, "legacy_t", tc.RawTable)
	assert.Equal(t, 50, tc.ChunkSize)
	assert.Equal(t, "people_split", tc.SplitTable())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TableConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*TableConfig) {}},
		{name: "missing name", mutate: func(tc *TableConfig) { tc.Name = "" }, wantErr: "name is required"},
		{name: "no columns", mutate: func(tc *TableConfig) { tc.Columns = nil }, wantErr: "at least one column"},
		{
			name: "duplicate target",
			mutate: func(tc *TableConfig) {
				tc.Columns = append(tc.Columns, ColumnMapping{Source: "Code", Target: "class_code", DataType: TypeString})
			},
			wantErr: `duplicate target column "class_code"`,
		},
		{
			name: "duplicate source",
			mutate: func(tc *TableConfig) {
				tc.Columns = append(tc.Columns, ColumnMapping{Source: "ClassID", Target: "other", DataType: TypeString})
			},
			wantErr: `duplicate source column "ClassID"`,
		},
		{name: "unknown type", mutate: func(tc *TableConfig) { tc.Columns[1].DataType = "money" }, wantErr: `unknown type "money"`},
		{name: "bad priority", mutate: func(tc *TableConfig) { tc.Columns[0].Priority = 3 }, wantErr: "priority must be 0, 1 or 2"},
		{
			name:    "shared field unknown column",
			mutate:  func(tc *TableConfig) { tc.SharedFields = []SharedField{{Column: "nope", HeaderTable: "h", HeaderColumn: "c"}} },
			wantErr: `shared field "nope" is not a target column`,
		},
		{
			name:    "transform unknown column",
			mutate:  func(tc *TableConfig) { tc.Transforms = map[string][]string{"ghost": {"trim"}} },
			wantErr: `transform on unknown column "ghost"`,
		},
		{
			name:    "split without column",
			mutate:  func(tc *TableConfig) { tc.SupportsRecordSplitting = true },
			wantErr: "requires split.column",
		},
		{
			name: "split unknown column",
			mutate: func(tc *TableConfig) {
				tc.SupportsRecordSplitting = true
				tc.Split.Column = "ghost"
			},
			wantErr: `split column "ghost"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := classesTable()
			tc.ApplyDefaults()
			tt.mutate(tc)
			err := tc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestColumnLookups(t *testing.T) {
	tc := classesTable()
	tc.SharedFields = []SharedField{{Column: "class_code", HeaderTable: "h", HeaderColumn: "code"}}
	tc.ApplyDefaults()

	c, ok := tc.Column("credit_hours")
	require.True(t, ok)
	assert.Equal(t, "Credit", c.Source)

	_, ok = tc.Column("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"ClassID", "Credit"}, tc.SourceColumns())
	assert.Equal(t, []string{"class_code", "credit_hours"}, tc.TargetColumns())

	sf, ok := tc.SharedField("class_code")
	require.True(t, ok)
	assert.Equal(t, "h", sf.HeaderTable)
	_, ok = tc.SharedField("credit_hours")
	assert.False(t, ok)
}
