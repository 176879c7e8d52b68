package tablecfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
defaults:
  null_tokens: ["NULL", ""]
  chunk_size: 250
tables:
  - name: academic_classes
    columns:
      - source: ClassID
        target: class_code
        rules: [trim, normalize_code]
  - name: class_enrollments
    shared_fields:
      - column: class_code
        header_table: academic_classes
        header_column: class_code
    cleaning:
      null_tokens: ["-1"]
    columns:
      - source: ClassID
        target: class_code
      - source: Grade
        target: grade
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"academic_classes", "class_enrollments"}, c.Names())

	classes, err := c.Get("academic_classes")
	require.NoError(t, err)
	assert.Equal(t, 250, classes.ChunkSize)
	assert.Equal(t, []string{"NULL", ""}, classes.Cleaning.NullTokens)

	enr, err := c.Get("class_enrollments")
	require.NoError(t, err)
	assert.Equal(t, []string{"-1"}, enr.Cleaning.NullTokens, "table tokens win over defaults")
	assert.Equal(t, []string{"academic_classes"}, enr.Dependencies, "shared header becomes a dependency")

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "class_enrollments_raw", all[1].RawTable)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			yaml:    "tables: [",
			wantErr: "parse yaml",
		},
		{
			name: "duplicate table",
			yaml: `
tables:
  - name: a
    columns: [{source: X}]
  - name: a
    columns: [{source: Y}]
`,
			wantErr: `duplicate table "a"`,
		},
		{
			name: "unresolvable dependency",
			yaml: `
tables:
  - name: a
    dependencies: [missing]
    columns: [{source: X}]
`,
			wantErr: "unresolvable dependency missing",
		},
		{
			name: "self dependency",
			yaml: `
tables:
  - name: a
    dependencies: [a]
    columns: [{source: X}]
`,
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			yaml: `
tables:
  - name: a
    dependencies: [b]
    columns: [{source: X}]
  - name: b
    dependencies: [c]
    columns: [{source: X}]
  - name: c
    dependencies: [a]
    columns: [{source: X}]
`,
			wantErr: "dependency cycle a -> b -> c -> a",
		},
		{
			name: "unknown header column",
			yaml: `
tables:
  - name: h
    columns: [{source: Code}]
  - name: d
    shared_fields: [{column: code, header_table: h, header_column: class_code}]
    columns: [{source: Code}]
`,
			wantErr: "header column h.class_code not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCatalogErrorsAreInvalidConfig(t *testing.T) {
	_, err := Parse([]byte(`
tables:
  - name: a
    dependencies: [b]
    columns: [{source: X}]
  - name: b
    dependencies: [a]
    columns: [{source: X}]
`))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidConfig))
}

func TestSelect(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)

	got, err := c.Select(nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = c.Select([]string{"class_enrollments"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "class_enrollments", got[0].Name)

	_, err = c.Select([]string{"nope"})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Names(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadShippedCatalog(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "configs", "tables.yaml"))
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"students", "terms", "academic_classes", "class_enrollments", "receipts"},
		c.Names())

	students, err := c.Get("students")
	require.NoError(t, err)
	assert.True(t, students.SupportsRecordSplitting)
	assert.Equal(t, "phone", students.Split.Column)
}
