package reconstruct

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sis-migrate/internal/config"
	"github.com/sells-group/sis-migrate/internal/staging"
)

func ptr(s string) *string { return &s }

func newStagingDirectory(t *testing.T, withEnrollments bool) *StagingDirectory {
	t.Helper()
	ctx := context.Background()
	st, err := staging.Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	require.NoError(t, st.ResetTable(ctx, "students", []string{"legacy_id", "full_name", "is_monk"}))
	require.NoError(t, st.InsertRows(ctx, "students", []string{"legacy_id", "full_name", "is_monk"}, []staging.Row{
		{Fields: map[string]*string{"legacy_id": ptr("18001"), "full_name": ptr("Sok Dara"), "is_monk": ptr("true")}},
	}))
	require.NoError(t, st.ResetTable(ctx, "terms", []string{"term_code", "start_date", "end_date"}))
	require.NoError(t, st.InsertRows(ctx, "terms", []string{"term_code", "start_date", "end_date"}, []staging.Row{
		{Fields: map[string]*string{"term_code": ptr("2024T1"), "start_date": ptr("2024-02-01 00:00:00"), "end_date": nil}},
	}))
	if withEnrollments {
		cols := []string{"student_legacy_id", "term_code", "class_code", "credit_hours"}
		require.NoError(t, st.ResetTable(ctx, "class_enrollments", cols))
		require.NoError(t, st.InsertRows(ctx, "class_enrollments", cols, []staging.Row{
			{Fields: map[string]*string{"student_legacy_id": ptr("18001"), "term_code": ptr("2024T1"), "class_code": ptr("EHSS-7A"), "credit_hours": ptr("3")}},
			{Fields: map[string]*string{"student_legacy_id": ptr("18001"), "term_code": ptr("2024T1"), "class_code": ptr("EHSS-7B"), "credit_hours": nil}},
			{Fields: map[string]*string{"student_legacy_id": ptr("18002"), "term_code": ptr("2024T1"), "class_code": ptr("EHSS-7A"), "credit_hours": ptr("3")}},
		}))
	}

	return NewStagingDirectory(st, config.DirectoryConfig{
		StudentTable: "students", StudentKey: "legacy_id",
		TermTable: "terms", TermKey: "term_code",
		EnrollmentTable: "class_enrollments", EnrollmentStudent: "student_legacy_id", EnrollmentTerm: "term_code",
	})
}

func TestStagingDirectory_Lookups(t *testing.T) {
	d := newStagingDirectory(t, true)
	ctx := context.Background()

	s, err := d.FindStudentByLegacyID(ctx, "18001")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "Sok Dara", s.Name)
	assert.True(t, s.IsMonk)

	missing, err := d.FindStudentByLegacyID(ctx, "99999")
	require.NoError(t, err)
	assert.Nil(t, missing)

	term, err := d.FindTermByCode(ctx, "2024T1")
	require.NoError(t, err)
	require.NotNil(t, term)
	require.NotNil(t, term.StartDate)
	assert.Equal(t, 2024, term.StartDate.Year())
	assert.Nil(t, term.EndDate)

	noTerm, err := d.FindTermByCode(ctx, "1999T9")
	require.NoError(t, err)
	assert.Nil(t, noTerm)

	enrollments, err := d.FindEnrollments(ctx, s, term)
	require.NoError(t, err)
	require.Len(t, enrollments, 2)
	assert.Equal(t, "3", enrollments[0].CreditHours.String())
	assert.True(t, enrollments[1].CreditHours.IsZero())
}

func TestStagingDirectory_NoEnrollmentTable(t *testing.T) {
	d := newStagingDirectory(t, false)
	ctx := context.Background()

	s, err := d.FindStudentByLegacyID(ctx, "18001")
	require.NoError(t, err)
	term, err := d.FindTermByCode(ctx, "2024T1")
	require.NoError(t, err)

	enrollments, err := d.FindEnrollments(ctx, s, term)
	require.NoError(t, err)
	assert.Empty(t, enrollments)
}
