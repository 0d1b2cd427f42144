package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
)

// #region dataset-struct
// Dataset holds personas and their observations in source-table order.
type Dataset struct {
	personas     []Persona
	observations []Observation
	byPersona    map[string][]int
	duplicates   []*DataIntegrityError
}

// New builds a dataset. Repeated persona ids keep their first row; the later
// rows are reported by Duplicates. Observations for unknown personas are
// dropped, as are exact duplicates (same derived id).
func New(personas []Persona, observations []Observation) *Dataset {
	d := &Dataset{
		personas:  make([]Persona, 0, len(personas)),
		byPersona: make(map[string][]int),
	}
	known := make(map[string]bool, len(personas))
	for i, p := range personas {
		if known[p.ID] {
			d.duplicates = append(d.duplicates, &DataIntegrityError{
				PersonaID: p.ID,
				Reason:    fmt.Sprintf("duplicate persona row %d ignored, keeping the first", i+1),
			})
			continue
		}
		known[p.ID] = true
		d.personas = append(d.personas, p)
	}

	seen := make(map[string]bool, len(observations))
	for _, o := range observations {
		if !known[o.PersonaID] {
			continue
		}
		if o.ID == "" {
			o.ID = ObservationID(o.PersonaID, o.Text, o.Polarity)
		}
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		d.byPersona[o.PersonaID] = append(d.byPersona[o.PersonaID], len(d.observations))
		d.observations = append(d.observations, o)
	}
	return d
}
// #endregion dataset-struct

// #region accessors
// Personas returns the personas in dataset order.
func (d *Dataset) Personas() []Persona {
	return append([]Persona(nil), d.personas...)
}

// Observations returns one persona's observations in source order.
func (d *Dataset) Observations(personaID string) []Observation {
	idx := d.byPersona[personaID]
	out := make([]Observation, len(idx))
	for i, j := range idx {
		out[i] = d.observations[j]
	}
	return out
}

// Duplicates reports the persona rows New dropped because their id repeated.
func (d *Dataset) Duplicates() []*DataIntegrityError {
	return append([]*DataIntegrityError(nil), d.duplicates...)
}
// #endregion accessors

// #region sample
// Sample shuffles personas with a PRNG seeded by seed and keeps the first limit
// (0 = all). The sampled order becomes the matrix order.
func (d *Dataset) Sample(seed int64, limit int) *Dataset {
	personas := d.Personas()
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	rng.Shuffle(len(personas), func(i, j int) {
		personas[i], personas[j] = personas[j], personas[i]
	})
	if limit > 0 && limit < len(personas) {
		personas = personas[:limit]
	}
	sampled := New(personas, d.observations)
	sampled.duplicates = d.duplicates
	return sampled
}
// #endregion sample

// #region load-csv
// LoadCSV reads the persona and observation tables produced by the dataset pipeline.
//
// Personas: persona_id, framework (or framework_name), label (or persona_description).
// Observations: persona_id, text (or statement), polarity (or is_agree).
func LoadCSV(personasPath, observationsPath string) (*Dataset, error) {
	personaRows, err := readTable(personasPath)
	if err != nil {
		return nil, fmt.Errorf("read personas: %w", err)
	}
	obsRows, err := readTable(observationsPath)
	if err != nil {
		return nil, fmt.Errorf("read observations: %w", err)
	}

	personas := make([]Persona, 0, len(personaRows))
	for i, row := range personaRows {
		p := Persona{
			ID:        row.get("persona_id"),
			Framework: row.get("framework", "framework_name"),
			Label:     row.get("label", "persona_description"),
		}
		if p.ID == "" {
			return nil, fmt.Errorf("personas row %d: missing persona_id", i+2)
		}
		personas = append(personas, p)
	}

	observations := make([]Observation, 0, len(obsRows))
	for i, row := range obsRows {
		pol, err := ParsePolarity(row.get("polarity", "is_agree"))
		if err != nil {
			return nil, fmt.Errorf("observations row %d: %w", i+2, err)
		}
		o := Observation{
			PersonaID: row.get("persona_id"),
			Text:      row.get("text", "statement"),
			Polarity:  pol,
		}
		if o.PersonaID == "" || o.Text == "" {
			return nil, fmt.Errorf("observations row %d: missing persona_id or text", i+2)
		}
		o.ID = ObservationID(o.PersonaID, o.Text, o.Polarity)
		observations = append(observations, o)
	}

	return New(personas, observations), nil
}

type tableRow struct {
	header map[string]int
	values []string
}

// get returns the first non-empty value among the candidate column names.
func (r tableRow) get(names ...string) string {
	for _, n := range names {
		if i, ok := r.header[n]; ok && i < len(r.values) {
			if v := strings.TrimSpace(r.values[i]); v != "" {
				return v
			}
		}
	}
	return ""
}

func readTable(path string) ([]tableRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseTable(f)
}

func parseTable(r io.Reader) ([]tableRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	head, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty table")
		}
		return nil, err
	}
	header := make(map[string]int, len(head))
	for i, h := range head {
		header[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var rows []tableRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, tableRow{header: header, values: rec})
	}
	return rows, nil
}
// #endregion load-csv
