package steerable

import (
	"context"
	"hash/fnv"
	"math/rand/v2"

	"github.com/plastic-labs/steerability-eval/internal/config"
	"github.com/plastic-labs/steerability-eval/internal/dataset"
)

const DummyName = "dummy"

// DummyOptions configures the offline variant.
type DummyOptions struct {
	AgreeProbability float64 `yaml:"agree_probability"`
}

// Dummy answers pseudo-randomly without any provider. The answer for a
// (seed, persona, statement) triple is fixed, so reruns and resumes agree.
type Dummy struct {
	seed  uint64
	agree float64
}

// NewDummy is the dummy Factory.
func NewDummy(_ context.Context, raw map[string]any, deps Deps) (System, error) {
	opts := DummyOptions{AgreeProbability: 0.5}
	if err := config.DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	return &Dummy{seed: uint64(deps.Seed), agree: opts.AgreeProbability}, nil
}

func (d *Dummy) Name() string { return DummyName }

func (d *Dummy) Steer(_ context.Context, persona dataset.Persona, _ []dataset.Observation) (Instance, error) {
	return &dummyInstance{seed: d.seed, persona: persona.ID, agree: d.agree}, nil
}

type dummyInstance struct {
	seed    uint64
	persona string
	agree   float64
}

func (i *dummyInstance) Predict(ctx context.Context, statement string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h := fnv.New64a()
	h.Write([]byte(i.persona))
	h.Write([]byte{0})
	h.Write([]byte(statement))
	r := rand.New(rand.NewPCG(i.seed, h.Sum64()))
	return r.Float64() < i.agree, nil
}

func (i *dummyInstance) Close(context.Context) error { return nil }
