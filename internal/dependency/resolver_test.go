package dependency

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

func table(name string, deps ...string) *tablecfg.TableConfig {
	return &tablecfg.TableConfig{Name: name, Dependencies: deps}
}

func sisTables() []*tablecfg.TableConfig {
	enr := table("class_enrollments", "students")
	enr.SharedFields = []tablecfg.SharedField{
		{Column: "class_code", HeaderTable: "academic_classes", HeaderColumn: "class_code"},
	}
	return []*tablecfg.TableConfig{
		enr,
		table("receipts", "students", "terms"),
		table("students"),
		table("terms"),
		table("academic_classes", "terms"),
	}
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestProcessingOrder(t *testing.T) {
	r := NewResolver(sisTables())
	order, err := r.ProcessingOrder(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"students", "terms", "receipts", "academic_classes", "class_enrollments"}, order)
}

func TestProcessingOrder_EveryTableAfterItsDependencies(t *testing.T) {
	tables := sisTables()
	r := NewResolver(tables)
	order, err := r.ProcessingOrder(nil)
	require.NoError(t, err)
	require.Len(t, order, len(tables))

	for _, tc := range tables {
		for _, dep := range r.Dependencies(tc.Name) {
			assert.Less(t, indexOf(order, dep), indexOf(order, tc.Name), "%s before %s", dep, tc.Name)
		}
	}
}

func TestProcessingOrder_TiesKeepDeclarationOrder(t *testing.T) {
	r := NewResolver([]*tablecfg.TableConfig{table("c"), table("a"), table("b")})
	order, err := r.ProcessingOrder(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestProcessingOrder_Subset(t *testing.T) {
	r := NewResolver(sisTables())
	order, err := r.ProcessingOrder([]string{"receipts", "class_enrollments", "academic_classes"})
	require.NoError(t, err)
	assert.Equal(t, []string{"receipts", "academic_classes", "class_enrollments"}, order)

	_, err = r.ProcessingOrder([]string{"ghost"})
	assert.Error(t, err)
}

func TestProcessingOrder_Cycle(t *testing.T) {
	r := NewResolver([]*tablecfg.TableConfig{
		table("root"),
		table("a", "c"),
		table("b", "a"),
		table("c", "b"),
	})
	order, err := r.ProcessingOrder(nil)
	require.Error(t, err)
	assert.Nil(t, order, "no partial order on a cycle")
	assert.True(t, eris.Is(err, ErrCycle))
	assert.Contains(t, err.Error(), "a, b, c")
}

func TestLookups(t *testing.T) {
	r := NewResolver(sisTables())

	assert.True(t, r.IsHeaderTable("academic_classes"))
	assert.False(t, r.IsHeaderTable("students"))
	assert.False(t, r.IsHeaderTable("class_enrollments"))

	assert.Equal(t, []string{"class_enrollments", "receipts"}, r.DependentTables("students"))
	assert.Equal(t, []string{"class_enrollments"}, r.DependentTables("academic_classes"))
	assert.Empty(t, r.DependentTables("receipts"))

	assert.Equal(t, []string{"students", "academic_classes"}, r.Dependencies("class_enrollments"))

	sf, ok := r.SharedFieldMapping("class_enrollments", "class_code")
	require.True(t, ok)
	assert.Equal(t, "academic_classes", sf.HeaderTable)
	_, ok = r.SharedFieldMapping("class_enrollments", "grade")
	assert.False(t, ok)

	assert.Len(t, r.SharedFields("class_enrollments"), 1)
	assert.Equal(t, []string{"class_code"}, r.HeaderColumns("academic_classes"))
	assert.Empty(t, r.HeaderColumns("students"))
}
