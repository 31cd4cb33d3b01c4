// Package formulary checks a prescribed medicine against the medications
// accepted for a diagnosis.
package formulary

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Verdict is the outcome of a verification.
type Verdict string

const (
	Verified         Verdict = "verified"
	WrongMedication  Verdict = "wrong_medication"
	UnknownDiagnosis Verdict = "unknown_diagnosis"
)

// Formulary maps a normalized diagnosis to its accepted medicines.
type Formulary struct {
	entries map[string]map[string]struct{}
}

// Load reads rows of the form `diagnosis,medicine[,medicine...]`. When a
// diagnosis appears on several rows only the first is used.
func Load(r io.Reader) (*Formulary, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	f := &Formulary{entries: make(map[string]map[string]struct{})}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read formulary: %w", err)
		}
		if len(row) == 0 {
			continue
		}
		diagnosis := normalize(row[0])
		if diagnosis == "" {
			continue
		}
		if _, seen := f.entries[diagnosis]; seen {
			continue
		}
		meds := make(map[string]struct{}, len(row)-1)
		for _, m := range row[1:] {
			if m = normalize(m); m != "" {
				meds[m] = struct{}{}
			}
		}
		f.entries[diagnosis] = meds
	}
	return f, nil
}

// LoadFile opens path and calls Load.
func LoadFile(path string) (*Formulary, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open formulary: %w", err)
	}
	defer file.Close()
	return Load(file)
}

// Verify compares case-insensitively after trimming.
func (f *Formulary) Verify(diagnosis, medicine string) Verdict {
	meds, ok := f.entries[normalize(diagnosis)]
	if !ok {
		return UnknownDiagnosis
	}
	if _, ok := meds[normalize(medicine)]; ok {
		return Verified
	}
	return WrongMedication
}

// Len returns the number of diagnoses.
func (f *Formulary) Len() int { return len(f.entries) }

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
