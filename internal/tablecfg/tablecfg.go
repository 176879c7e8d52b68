// Package tablecfg declares how each legacy table is imported, cleaned,
// validated and transformed.
package tablecfg

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidConfig marks configuration errors. They are fatal for a run.
var ErrInvalidConfig = eris.New("invalid table configuration")

// Validation priorities for ColumnMapping.Priority.
const (
	PriorityOptional  = 0
	PriorityCritical  = 1
	PriorityImportant = 2
)

// Data type tags understood by the cleaning and validation layers.
const (
	TypeString   = "string"
	TypeInt      = "int"
	TypeFloat    = "float"
	TypeDecimal  = "decimal"
	TypeBool     = "bool"
	TypeDate     = "date"
	TypeDateTime = "datetime"
)

var knownTypes = map[string]bool{
	TypeString: true, TypeInt: true, TypeFloat: true, TypeDecimal: true,
	TypeBool: true, TypeDate: true, TypeDateTime: true,
}

// DefaultChunkSize is the batch size used when a table does not set one.
const DefaultChunkSize = 1000

// ColumnMapping maps one legacy source column to a cleaned target column.
type ColumnMapping struct {
	Source      string   `yaml:"source"`
	Target      string   `yaml:"target"`
	DataType    string   `yaml:"type"`
	Nullable    bool     `yaml:"nullable"`
	Rules       []string `yaml:"rules"`
	Priority    int      `yaml:"priority"`
	Description string   `yaml:"description"`
	Examples    []string `yaml:"examples"`
}

// CleaningOptions is the per-table options bag read by cleaning rules.
type CleaningOptions struct {
	DateFormats []string        `yaml:"date_formats"`
	NullTokens  []string        `yaml:"null_tokens"`
	FixEncoding bool            `yaml:"fix_encoding"`
	Flags       map[string]bool `yaml:"flags"`
}

// Thresholds are the quality targets Stage 4 reports against (percentages).
type Thresholds struct {
	MinCompleteness float64 `yaml:"min_completeness"`
	MinConsistency  float64 `yaml:"min_consistency"`
	MaxErrorRate    float64 `yaml:"max_error_rate"`
}

// SharedField declares that Column of a detail table holds the same logical
// value as HeaderColumn of HeaderTable, so its cleaned value can be reused.
type SharedField struct {
	Column       string `yaml:"column"`
	HeaderTable  string `yaml:"header_table"`
	HeaderColumn string `yaml:"header_column"`
}

// SplitSpec describes how Stage 6 fans a record out into several rows.
type SplitSpec struct {
	Column    string `yaml:"column"`
	Delimiter string `yaml:"delimiter"`
}

// TableConfig describes one legacy table end to end.
type TableConfig struct {
	Name                    string                       `yaml:"name"`
	SourcePattern           string                       `yaml:"source_pattern"`
	RawTable                string                       `yaml:"raw_table"`
	CleanedTable            string                       `yaml:"cleaned_table"`
	ValidatedTable          string                       `yaml:"validated_table"`
	Columns                 []ColumnMapping              `yaml:"columns"`
	Cleaning                CleaningOptions              `yaml:"cleaning"`
	ChunkSize               int                          `yaml:"chunk_size"`
	Thresholds              Thresholds                   `yaml:"thresholds"`
	Dependencies            []string                     `yaml:"dependencies"`
	SharedFields            []SharedField                `yaml:"shared_fields"`
	TargetModel             string                       `yaml:"target_model"`
	Validator               string                       `yaml:"validator"`
	Transforms              map[string][]string          `yaml:"transforms"`
	CodeMaps                map[string]map[string]string `yaml:"code_maps"`
	SupportsRecordSplitting bool                         `yaml:"supports_record_splitting"`
	Split                   SplitSpec                    `yaml:"split"`
}

// ApplyDefaults fills slot names, target model and chunk size.
func (t *TableConfig) ApplyDefaults() {
	if t.RawTable == "" {
		t.RawTable = t.Name + "_raw"
	}
	if t.CleanedTable == "" {
		t.CleanedTable = t.Name + "_cleaned"
	}
	if t.ValidatedTable == "" {
		t.ValidatedTable = t.Name + "_validated"
	}
	if t.TargetModel == "" {
		t.TargetModel = t.Name
	}
	if t.ChunkSize <= 0 {
		t.ChunkSize = DefaultChunkSize
	}
	if t.Split.Delimiter == "" {
		t.Split.Delimiter = ";"
	}
	for i := range t.Columns {
		if t.Columns[i].Target == "" {
			t.Columns[i].Target = strings.ToLower(t.Columns[i].Source)
		}
		if t.Columns[i].DataType == "" {
			t.Columns[i].DataType = TypeString
		}
	}
}

// SplitTable is the table Stage 6 writes to.
func (t *TableConfig) SplitTable() string {
	return t.TargetModel + "_split"
}

// Validate checks the table on its own. Cross-table checks live in
// Catalog.Validate.
func (t *TableConfig) Validate() error {
	var errs []string
	if t.Name == "" {
		errs = append(errs, "name is required")
	}
	if len(t.Columns) == 0 {
		errs = append(errs, "at least one column mapping is required")
	}

	sources := make(map[string]bool, len(t.Columns))
	targets := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Source == "" {
			errs = append(errs, "column mapping without source")
			continue
		}
		if sources[c.Source] {
			errs = append(errs, fmt.Sprintf("duplicate source column %q", c.Source))
		}
		sources[c.Source] = true
		if targets[c.Target] {
			errs = append(errs, fmt.Sprintf("duplicate target column %q", c.Target))
		}
		targets[c.Target] = true
		if !knownTypes[c.DataType] {
			errs = append(errs, fmt.Sprintf("column %q: unknown type %q", c.Source, c.DataType))
		}
		if c.Priority < PriorityOptional || c.Priority > PriorityImportant {
			errs = append(errs, fmt.Sprintf("column %q: priority must be 0, 1 or 2", c.Source))
		}
	}

	for _, sf := range t.SharedFields {
		if !targets[sf.Column] {
			errs = append(errs, fmt.Sprintf("shared field %q is not a target column", sf.Column))
		}
		if sf.HeaderTable == "" || sf.HeaderColumn == "" {
			errs = append(errs, fmt.Sprintf("shared field %q needs header_table and header_column", sf.Column))
		}
	}

	for col := range t.Transforms {
		if !targets[col] {
			errs = append(errs, fmt.Sprintf("transform on unknown column %q", col))
		}
	}
	for col := range t.CodeMaps {
		if !targets[col] {
			errs = append(errs, fmt.Sprintf("code map on unknown column %q", col))
		}
	}

	if t.SupportsRecordSplitting {
		if t.Split.Column == "" {
			errs = append(errs, "supports_record_splitting requires split.column")
		} else if !targets[t.Split.Column] {
			errs = append(errs, fmt.Sprintf("split column %q is not a target column", t.Split.Column))
		}
	}

	if len(errs) > 0 {
		return eris.Wrapf(ErrInvalidConfig, "tablecfg: table %q: %s", t.Name, strings.Join(errs, "; "))
	}
	return nil
}

// Column returns the mapping with the given target name.
func (t *TableConfig) Column(target string) (ColumnMapping, bool) {
	for _, c := range t.Columns {
		if c.Target == target {
			return c, true
		}
	}
	return ColumnMapping{}, false
}

// SourceColumns returns source names in declaration order.
func (t *TableConfig) SourceColumns() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Source
	}
	return out
}

// TargetColumns returns target names in declaration order.
func (t *TableConfig) TargetColumns() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Target
	}
	return out
}

// SharedField returns the shared-field declaration for a target column.
func (t *TableConfig) SharedField(column string) (SharedField, bool) {
	for _, sf := range t.SharedFields {
		if sf.Column == column {
			return sf, true
		}
	}
	return SharedField{}, false
}
