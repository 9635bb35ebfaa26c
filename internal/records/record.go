// internal/records/record.go
package records

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Delimiter separates fields once a line has been normalized.
	Delimiter = "|"
	// AltDelimiter is accepted on input and rewritten to Delimiter.
	AltDelimiter = ";"
)

// SchemaFields lists the positional layout of every record line.
var SchemaFields = []string{
	"first_name",
	"last_name",
	"birthday",
	"gender",
	"phone",
	"password",
	"token1",
	"token2",
	"token3",
	"token4",
}

// SchemaLen is the number of fields a well-formed line carries.
var SchemaLen = len(SchemaFields)

// ErrEndOfFile is returned when the record file has no lines left.
var ErrEndOfFile = errors.New("records: record file exhausted")

// ErrSchemaMismatch is matched by every *SchemaMismatchError via errors.Is.
var ErrSchemaMismatch = errors.New("records: schema mismatch")

// SchemaMismatchError reports a line whose field count does not fit the schema.
type SchemaMismatchError struct {
	Got  int
	Want int
	// Line is the raw, normalized line that failed to parse.
	Line string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("records: schema mismatch: got %d fields, want %d", e.Got, e.Want)
}

// Is lets errors.Is(err, ErrSchemaMismatch) succeed.
func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// Record is one decoded account line.
type Record struct {
	FirstName string
	LastName  string
	Birthday  string
	Gender    string
	Phone     string
	Password  string
	Token1    string
	Token2    string
	Token3    string
	Token4    string
}

// Fields returns the values in schema order.
func (r Record) Fields() []string {
	return []string{
		r.FirstName, r.LastName, r.Birthday, r.Gender, r.Phone,
		r.Password, r.Token1, r.Token2, r.Token3, r.Token4,
	}
}

// Map returns the record keyed by schema field name.
func (r Record) Map() map[string]string {
	values := r.Fields()
	m := make(map[string]string, len(values))
	for i, name := range SchemaFields {
		m[name] = values[i]
	}
	return m
}

// Line renders the record back into its normalized file form.
func (r Record) Line() string {
	return strings.Join(r.Fields(), Delimiter)
}

// ParseLine decodes a single line. Both delimiters are accepted.
func ParseLine(line string) (Record, error) {
	line = normalizeLine(line)
	return parseFields(strings.Split(line, Delimiter), line)
}

func parseFields(parts []string, line string) (Record, error) {
	if len(parts) != SchemaLen {
		return Record{}, &SchemaMismatchError{Got: len(parts), Want: SchemaLen, Line: line}
	}
	return Record{
		FirstName: parts[0],
		LastName:  parts[1],
		Birthday:  parts[2],
		Gender:    parts[3],
		Phone:     parts[4],
		Password:  parts[5],
		Token1:    parts[6],
		Token2:    parts[7],
		Token3:    parts[8],
		Token4:    parts[9],
	}, nil
}

func normalizeLine(line string) string {
	return strings.ReplaceAll(strings.TrimSuffix(line, "\r"), AltDelimiter, Delimiter)
}
