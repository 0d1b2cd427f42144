package dataset

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// #region polarity
// Polarity is a persona's stance on a statement.
type Polarity bool

const (
	Agree    Polarity = true
	Disagree Polarity = false
)

func (p Polarity) String() string {
	if p == Agree {
		return "agree"
	}
	return "disagree"
}

// Short returns the Y/N form used in prompts and observation ids.
func (p Polarity) Short() string {
	if p == Agree {
		return "Y"
	}
	return "N"
}

// ParsePolarity accepts agree/disagree, Y/N, true/false and 1/0.
func ParsePolarity(s string) (Polarity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agree", "y", "yes", "true", "1":
		return Agree, nil
	case "disagree", "n", "no", "false", "0":
		return Disagree, nil
	}
	return Disagree, fmt.Errorf("invalid polarity %q", s)
}
// #endregion polarity

// #region persona
// Persona is a modeled personality profile. Immutable for a run.
type Persona struct {
	ID        string `json:"persona_id"`
	Framework string `json:"framework"`
	Label     string `json:"label"`
}

// Description is the human-readable label, falling back to the id.
func (p Persona) Description() string {
	if p.Label != "" {
		return p.Label
	}
	return p.ID
}
// #endregion persona

// #region observation
// Observation is one agree/disagree statement owned by a persona.
type Observation struct {
	ID        string   `json:"observation_id"`
	PersonaID string   `json:"persona_id"`
	Text      string   `json:"text"`
	Polarity  Polarity `json:"polarity"`
}

// ObservationID derives the stable short id for a statement.
func ObservationID(personaID, text string, p Polarity) string {
	sum := md5.Sum([]byte(personaID + "_" + text + "_" + p.Short()))
	return hex.EncodeToString(sum[:])[:8]
}
// #endregion observation

// #region errors
// DataIntegrityError marks a persona that cannot satisfy the configured split,
// or a repeated persona row. The offending row is skipped; the run continues.
type DataIntegrityError struct {
	PersonaID string
	Reason    string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("persona %s: %s", e.PersonaID, e.Reason)
}
// #endregion errors
