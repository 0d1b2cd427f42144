package dataset

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
)

// #region split-struct
// Split partitions each persona's observations into k steer observations
// (half agree, half disagree) and held-out test observations.
type Split struct {
	k        int
	personas []Persona
	steer    map[string][]Observation
	test     map[string][]Observation
}

// K returns the steer observation count per persona.
func (s *Split) K() int {
	return s.k
}

// Personas returns the personas that satisfied the split, in dataset order.
func (s *Split) Personas() []Persona {
	return append([]Persona(nil), s.personas...)
}

// Steer returns the steer observations for a persona in source order.
func (s *Split) Steer(personaID string) []Observation {
	return s.steer[personaID]
}

// Test returns the held-out observations for a persona in source order.
func (s *Split) Test(personaID string) []Observation {
	return s.test[personaID]
}
// #endregion split-struct

// #region split
// Split draws k steer observations per persona. Each persona's draw is seeded by
// (seed, persona id), so it does not depend on which other personas were sampled.
// Personas that cannot satisfy the split are skipped and reported, after any
// duplicate persona rows the dataset dropped.
func (d *Dataset) Split(k int, seed int64) (*Split, []*DataIntegrityError, error) {
	if k <= 0 || k%2 != 0 {
		return nil, nil, fmt.Errorf("steer observation count must be a positive even number, got %d", k)
	}
	half := k / 2

	s := &Split{
		k:     k,
		steer: make(map[string][]Observation),
		test:  make(map[string][]Observation),
	}
	skipped := d.Duplicates()

	for _, p := range d.personas {
		obs := d.Observations(p.ID)

		var agree, disagree []int
		for i, o := range obs {
			if o.Polarity == Agree {
				agree = append(agree, i)
			} else {
				disagree = append(disagree, i)
			}
		}

		if len(agree) < half || len(disagree) < half {
			skipped = append(skipped, &DataIntegrityError{
				PersonaID: p.ID,
				Reason: fmt.Sprintf("need %d agree and %d disagree observations, have %d and %d",
					half, half, len(agree), len(disagree)),
			})
			continue
		}
		if len(obs) <= k {
			skipped = append(skipped, &DataIntegrityError{
				PersonaID: p.ID,
				Reason:    fmt.Sprintf("%d observations leave no held-out statements for k=%d", len(obs), k),
			})
			continue
		}

		rng := personaRand(seed, p.ID)
		chosen := make(map[int]bool, k)
		for _, group := range [][]int{agree, disagree} {
			rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
			for _, idx := range group[:half] {
				chosen[idx] = true
			}
		}

		for i, o := range obs {
			if chosen[i] {
				s.steer[p.ID] = append(s.steer[p.ID], o)
			} else {
				s.test[p.ID] = append(s.test[p.ID], o)
			}
		}
		s.personas = append(s.personas, p)
	}

	return s, skipped, nil
}

func personaRand(seed int64, personaID string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(personaID))
	return rand.New(rand.NewPCG(uint64(seed), h.Sum64()))
}
// #endregion split
