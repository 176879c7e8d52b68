package pipeline

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sis-migrate/internal/staging"
	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

func classTables() []*tablecfg.TableConfig {
	classes := &tablecfg.TableConfig{
		Name: "academic_classes",
		Columns: []tablecfg.ColumnMapping{
			{Source: "ClassID", Target: "class_code", Rules: []string{"trim", "null_standardize", "normalize_code"}},
			{Source: "Title", Target: "course_title", Nullable: true, Rules: []string{"trim"}},
		},
	}
	// The detail column deliberately runs a weaker chain so that a cache hit
	// is observable in its output.
	enrollments := &tablecfg.TableConfig{
		Name:         "class_enrollments",
		Dependencies: []string{"academic_classes"},
		SharedFields: []tablecfg.SharedField{{Column: "class_code", HeaderTable: "academic_classes", HeaderColumn: "class_code"}},
		Columns: []tablecfg.ColumnMapping{
			{Source: "ID", Target: "student_legacy_id", Rules: []string{"trim"}},
			{Source: "ClassID", Target: "class_code", Rules: []string{"trim"}},
		},
	}
	for _, t := range []*tablecfg.TableConfig{classes, enrollments} {
		t.ApplyDefaults()
	}
	// Declared detail-first to show the resolver reorders them.
	return []*tablecfg.TableConfig{enrollments, classes}
}

func importRaw(t *testing.T, st *staging.Store, table *tablecfg.TableConfig, csv string) {
	t.Helper()
	path := writeFile(t, table.Name+".csv", csv)
	_, err := newOrchestrator(t, table, st, Options{}).Execute(context.Background(), path, StageImport, StageImport, false)
	require.NoError(t, err)
}

func TestMultiTableCleanerCacheConsistency(t *testing.T) {
	st := newTestStore(t)
	tables := classTables()
	enrollments, classes := tables[0], tables[1]
	importRaw(t, st, classes, "ClassID,Title\nehss 7a,History\n IR_101 ,Relations\n")
	importRaw(t, st, enrollments, "ID,ClassID\n18001,ehss 7a\n18002, IR_101 \n18003,ehss 7a\n18004,unknown x\n")

	m := NewMultiTableCleaner(tables, st, Options{})
	sum, err := m.Run(context.Background(), nil, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"academic_classes", "class_enrollments"}, sum.Order)
	require.Len(t, sum.Tables, 2)
	assert.True(t, sum.Tables[0].Header)
	assert.Equal(t, 2, sum.Tables[0].CacheLoaded)
	assert.False(t, sum.Tables[1].Header)
	assert.Equal(t, 6, sum.TotalRows)

	header := map[string]string{}
	raw := readAll(t, st, classes.RawTable)
	for i, r := range readAll(t, st, classes.CleanedTable) {
		header[val(raw[i], "ClassID")] = val(r, "class_code")
	}

	detailRaw := readAll(t, st, enrollments.RawTable)
	detail := readAll(t, st, enrollments.CleanedTable)
	require.Len(t, detail, 4)
	for i, r := range detail {
		rawCode := val(detailRaw[i], "ClassID")
		if want, ok := header[rawCode]; ok {
			assert.Equal(t, want, val(r, "class_code"), "row %d reuses the header value", i)
		}
	}
	assert.Equal(t, "EHSS-7A", val(detail[0], "class_code"))
	assert.Equal(t, "IR-101", val(detail[1], "class_code"))
	assert.Equal(t, "unknown x", val(detail[3], "class_code"), "a miss falls back to the column rules")

	clean := sum.Tables[1].Result.Outputs.Clean
	require.NotNil(t, clean)
	assert.Equal(t, 3, clean.CacheHits)
	assert.Equal(t, 1, clean.CacheMisses)

	stats := sum.CacheStats["academic_classes.class_code"]
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 3, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 0.001)

	require.Len(t, sum.Optimization, 1)
	opt := sum.Optimization[0]
	assert.Equal(t, "academic_classes.class_code", opt.Key)
	assert.Equal(t, []string{"class_enrollments.class_code"}, opt.DetailColumns)
	assert.Equal(t, 3, opt.OperationsAvoided)

	report := FormatMultiTableReport(sum)
	assert.Contains(t, report, "academic_classes -> class_enrollments")
	assert.Contains(t, report, "3 cleaning operations avoided")
}

func TestMultiTableCleanerSubsetIgnoresOtherTables(t *testing.T) {
	st := newTestStore(t)
	tables := classTables()
	importRaw(t, st, tables[0], "ID,ClassID\n18001,ehss 7a\n")

	sum, err := NewMultiTableCleaner(tables, st, Options{}).Run(context.Background(), []string{"class_enrollments"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"class_enrollments"}, sum.Order)
	assert.Equal(t, 1, sum.Tables[0].Result.Outputs.Clean.CacheMisses)
	assert.Equal(t, "ehss 7a", val(readAll(t, st, tables[0].CleanedTable)[0], "class_code"))
}

func TestMultiTableCleanerAbortsOnFailure(t *testing.T) {
	st := newTestStore(t)
	tables := classTables()
	// Only the detail table has a raw slot; the header fails first.
	importRaw(t, st, tables[0], "ID,ClassID\n18001,ehss 7a\n")

	sum, err := NewMultiTableCleaner(tables, st, Options{}).Run(context.Background(), nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "academic_classes")
	require.Len(t, sum.Tables, 1)
	assert.False(t, sum.Tables[0].Result.Success)

	ok, err := st.TableExists(context.Background(), tables[0].CleanedTable)
	require.NoError(t, err)
	assert.False(t, ok, "detail table is never cleaned")
}

func TestMultiTableCleanerDryRun(t *testing.T) {
	st := newTestStore(t)
	tables := classTables()
	importRaw(t, st, tables[1], "ClassID,Title\nehss 7a,History\n")
	importRaw(t, st, tables[0], "ID,ClassID\n18001,ehss 7a\n")

	sum, err := NewMultiTableCleaner(tables, st, Options{}).Run(context.Background(), nil, true)
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, 1, sum.CacheTotals.Hits)

	for _, tbl := range tables {
		ok, err := st.TableExists(context.Background(), tbl.CleanedTable)
		require.NoError(t, err)
		assert.False(t, ok, tbl.CleanedTable)
	}
}

func TestMultiTableCleanerCycle(t *testing.T) {
	tables := classTables()
	tables[1].Dependencies = []string{"class_enrollments"}
	_, err := NewMultiTableCleaner(tables, newTestStore(t), Options{}).Order(nil)
	require.Error(t, err)
	assert.True(t, eris.Is(err, tablecfg.ErrInvalidConfig))
}
