package reconstruct

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/sis-migrate/internal/clean"
	"github.com/sells-group/sis-migrate/internal/config"
	"github.com/sells-group/sis-migrate/internal/staging"
	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

// Student is a migrated student.
type Student struct {
	LegacyID string
	Name     string
	IsMonk   bool
}

// Term is a migrated academic term.
type Term struct {
	Code      string
	StartDate *time.Time
	EndDate   *time.Time
}

// Enrollment is one class a student took in a term.
type Enrollment struct {
	ClassCode   string
	CreditHours decimal.Decimal
}

// Directory looks up migrated records. Lookups return nil, nil on a miss.
type Directory interface {
	FindStudentByLegacyID(ctx context.Context, legacyID string) (*Student, error)
	FindTermByCode(ctx context.Context, code string) (*Term, error)
	FindEnrollments(ctx context.Context, student *Student, term *Term) ([]Enrollment, error)
}

// StagingDirectory answers lookups from the target tables the pipeline
// wrote into the staging workspace.
type StagingDirectory struct {
	store *staging.Store
	cfg   config.DirectoryConfig

	students map[string]*Student
	terms    map[string]*Term
}

// NewStagingDirectory returns a directory reading the tables named in cfg.
func NewStagingDirectory(st *staging.Store, cfg config.DirectoryConfig) *StagingDirectory {
	return &StagingDirectory{
		store:    st,
		cfg:      cfg,
		students: make(map[string]*Student),
		terms:    make(map[string]*Term),
	}
}

// FindStudentByLegacyID returns the student with the given legacy number.
func (d *StagingDirectory) FindStudentByLegacyID(ctx context.Context, legacyID string) (*Student, error) {
	if s, ok := d.students[legacyID]; ok {
		return s, nil
	}
	rows, err := d.store.FindRows(ctx, d.cfg.StudentTable, map[string]string{d.cfg.StudentKey: legacyID}, 1)
	if err != nil {
		return nil, eris.Wrapf(err, "reconstruct: find student %s", legacyID)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	s := &Student{LegacyID: legacyID, Name: text(rows[0].Get("full_name"))}
	if v, err := clean.FromCanonical(rows[0].Get("is_monk"), tablecfg.TypeBool); err == nil && !v.IsNull() {
		s.IsMonk, _ = v.Interface().(bool)
	}
	d.students[legacyID] = s
	return s, nil
}

// FindTermByCode returns the term with the given code.
func (d *StagingDirectory) FindTermByCode(ctx context.Context, code string) (*Term, error) {
	if t, ok := d.terms[code]; ok {
		return t, nil
	}
	rows, err := d.store.FindRows(ctx, d.cfg.TermTable, map[string]string{d.cfg.TermKey: code}, 1)
	if err != nil {
		return nil, eris.Wrapf(err, "reconstruct: find term %s", code)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	t := &Term{Code: code, StartDate: timeField(rows[0], "start_date"), EndDate: timeField(rows[0], "end_date")}
	d.terms[code] = t
	return t, nil
}

// FindEnrollments returns the student's classes in the term. A missing
// enrollment table yields no enrollments.
func (d *StagingDirectory) FindEnrollments(ctx context.Context, student *Student, term *Term) ([]Enrollment, error) {
	ok, err := d.store.TableExists(ctx, d.cfg.EnrollmentTable)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := d.store.FindRows(ctx, d.cfg.EnrollmentTable, map[string]string{
		d.cfg.EnrollmentStudent: student.LegacyID,
		d.cfg.EnrollmentTerm:    term.Code,
	}, 0)
	if err != nil {
		return nil, eris.Wrapf(err, "reconstruct: find enrollments %s/%s", student.LegacyID, term.Code)
	}
	out := make([]Enrollment, 0, len(rows))
	for _, r := range rows {
		e := Enrollment{ClassCode: text(r.Get("class_code"))}
		if v, err := clean.FromCanonical(r.Get("credit_hours"), tablecfg.TypeDecimal); err == nil && !v.IsNull() {
			e.CreditHours, _ = v.Interface().(decimal.Decimal)
		}
		out = append(out, e)
	}
	return out, nil
}

func text(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeField(r staging.Row, col string) *time.Time {
	v, err := clean.FromCanonical(r.Get(col), tablecfg.TypeDateTime)
	if err != nil || v.IsNull() {
		return nil
	}
	t, ok := v.Interface().(time.Time)
	if !ok {
		return nil
	}
	return &t
}
