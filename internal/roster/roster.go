// Package roster loads the family/child list volunteers prepare in a spreadsheet.
package roster

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/db"
	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

// Columns understood in the header row. Only family_number, child_letter and age are required.
var Columns = []string{
	"family_number", "child_letter", "age", "gender", "grade", "interests",
	"wishes", "needs", "pants", "shirt", "shoes", "special_needs",
}

var required = []string{"family_number", "child_letter", "age"}

const maxAgeMonths = 18 * 12

type LineError struct {
	Line int    `json:"line"`
	Msg  string `json:"message"`
}

func (e LineError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Msg) }

type Row struct {
	Line  int
	Child models.Child
}

type Report struct {
	Created int         `json:"created"`
	Skipped int         `json:"skipped"`
	Errors  []LineError `json:"errors,omitempty"`
}

// Parse reads the whole file. Rows with problems are reported, not returned.
func Parse(r io.Reader) ([]Row, []LineError, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errors.New("empty file")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, nil, fmt.Errorf("missing column %q", col)
		}
	}

	var (
		rows []Row
		bad  []LineError
		seen = make(map[string]int)
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				bad = append(bad, LineError{Line: pe.Line, Msg: pe.Err.Error()})
				continue
			}
			return nil, nil, err
		}
		line, _ := cr.FieldPos(0)
		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		if isBlank(rec) {
			continue
		}

		c, msg := childFrom(get)
		if msg != "" {
			bad = append(bad, LineError{Line: line, Msg: msg})
			continue
		}
		key := c.DisplayID()
		if first, dup := seen[key]; dup {
			bad = append(bad, LineError{Line: line, Msg: fmt.Sprintf("child %s already listed on line %d", key, first)})
			continue
		}
		seen[key] = line
		rows = append(rows, Row{Line: line, Child: c})
	}
	return rows, bad, nil
}

func childFrom(get func(string) string) (models.Child, string) {
	family := get("family_number")
	if family == "" {
		return models.Child{}, "family_number is empty"
	}
	letter := strings.ToUpper(get("child_letter"))
	if len(letter) != 1 || letter[0] < 'A' || letter[0] > 'Z' {
		return models.Child{}, fmt.Sprintf("child_letter %q must be a single letter", get("child_letter"))
	}
	age, err := ParseAge(get("age"))
	if err != nil {
		return models.Child{}, err.Error()
	}
	gender, err := parseGender(get("gender"))
	if err != nil {
		return models.Child{}, err.Error()
	}
	return models.Child{
		FamilyNumber:  family,
		Letter:        letter,
		AgeMonths:     age,
		Gender:        gender,
		Grade:         get("grade"),
		Interests:     get("interests"),
		WishList:      get("wishes"),
		Needs:         get("needs"),
		ClothingPants: get("pants"),
		ClothingShirt: get("shirt"),
		ShoeSize:      get("shoes"),
		SpecialNeeds:  get("special_needs"),
		Status:        models.ChildAvailable,
	}, ""
}

// ParseAge accepts whole years ("7") or months ("18m", "18 months").
func ParseAge(s string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, errors.New("age is empty")
	}
	months := false
	for _, suf := range []string{"months", "month", "mo", "m"} {
		if strings.HasSuffix(v, suf) {
			v = strings.TrimSpace(strings.TrimSuffix(v, suf))
			months = true
			break
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("age %q is not a number of years or months", s)
	}
	if !months {
		n *= 12
	}
	if n > maxAgeMonths {
		return 0, fmt.Errorf("age %q is over 18 years", s)
	}
	return n, nil
}

func parseGender(s string) (string, error) {
	switch strings.ToLower(s) {
	case "m", "male", "boy":
		return "M", nil
	case "f", "female", "girl":
		return "F", nil
	case "":
		return "", nil
	}
	return "", fmt.Errorf("gender %q must be M or F", s)
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// Importer writes parsed rows in a single transaction.
type Importer struct {
	db  *sql.DB
	log *zap.Logger
}

func NewImporter(database *sql.DB, log *zap.Logger) *Importer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Importer{db: database, log: log}
}

// Import is all or nothing: a file with any bad row writes nothing and the
// report lists every problem. Children already on file are skipped.
func (im *Importer) Import(ctx context.Context, r io.Reader) (*Report, error) {
	rows, bad, err := Parse(r)
	if err != nil {
		return nil, err
	}
	rep := &Report{Errors: bad}
	if len(bad) > 0 {
		return rep, nil
	}

	tx, err := im.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	families := make(map[string]int64)
	for _, row := range rows {
		c := row.Child
		fid, ok := families[c.FamilyNumber]
		if !ok {
			fid, err = db.EnsureFamily(ctx, tx, c.FamilyNumber)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", row.Line, err)
			}
			families[c.FamilyNumber] = fid
		}
		c.FamilyID = fid
		if _, err := db.CreateChild(ctx, tx, &c); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				rep.Skipped++
				continue
			}
			return nil, fmt.Errorf("line %d: %w", row.Line, err)
		}
		rep.Created++
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	im.log.Info("roster imported",
		zap.Int("created", rep.Created),
		zap.Int("skipped", rep.Skipped),
		zap.Int("families", len(families)))
	return rep, nil
}
