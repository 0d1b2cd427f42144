package steerable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/plastic-labs/steerability-eval/internal/config"
	"github.com/plastic-labs/steerability-eval/internal/dataset"
	"github.com/plastic-labs/steerability-eval/internal/llm"
)

const FewShotName = "few_shot"

// #region options
// FewShotOptions configures the prompt-based variant.
type FewShotOptions struct {
	llm.Options `yaml:",inline"`
	// HideDescription leaves the persona label out of the prompt so only
	// the steer statements identify the persona.
	HideDescription bool `yaml:"hide_persona_description"`
}
// #endregion options

// #region system
// FewShot steers by embedding the steer statements in a prompt.
type FewShot struct {
	client llm.Client
	opts   FewShotOptions
	logger *zap.Logger
}

// NewFewShot is the few_shot Factory.
func NewFewShot(ctx context.Context, raw map[string]any, deps Deps) (System, error) {
	var opts FewShotOptions
	if err := config.DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	newLLM := deps.NewLLM
	if newLLM == nil {
		newLLM = llm.New
	}
	client, err := newLLM(ctx, opts.Options)
	if err != nil {
		return nil, fmt.Errorf("few_shot: %w", err)
	}
	return &FewShot{client: client, opts: opts, logger: deps.logger().Named(FewShotName)}, nil
}

func (f *FewShot) Name() string { return FewShotName }

// Steer builds the persona prompt. No provider call is made.
func (f *FewShot) Steer(_ context.Context, persona dataset.Persona, observations []dataset.Observation) (Instance, error) {
	if len(observations) == 0 {
		return nil, Permanent(&ProviderError{Op: "steer", Err: errors.New("no steer observations")})
	}
	return &fewShotInstance{
		client: f.client,
		prefix: buildPrefix(persona, observations, f.opts.HideDescription),
	}, nil
}
// #endregion system

// #region prompt
func buildPrefix(persona dataset.Persona, observations []dataset.Observation, hideDescription bool) string {
	var b strings.Builder
	if hideDescription {
		b.WriteString("You are role playing as a persona.\n\n")
	} else {
		fmt.Fprintf(&b, "You are role playing as a persona described as follows:\n%s\n\n", persona.Description())
	}
	b.WriteString("The following are statements this persona was asked about, with whether they agreed:\n")
	for i, o := range observations {
		fmt.Fprintf(&b, "%d. Statement: %s\nResponse: %s\n", i+1, o.Text, o.Polarity)
	}
	b.WriteString(`
You will now be given a new statement.
Your job is to determine, based on your understanding of the persona, whether the persona would agree with it.

Respond in valid JSON format with the following keys:
- "agree": true if the persona would agree with the statement, false otherwise
Respond in valid JSON and nothing else.

`)
	return b.String()
}
// #endregion prompt

// #region instance
type fewShotInstance struct {
	client llm.Client
	prefix string
}

func (i *fewShotInstance) Predict(ctx context.Context, statement string) (bool, error) {
	out, err := i.client.Complete(ctx, i.prefix+"Statement: "+statement+"\n")
	if err != nil {
		pe := &ProviderError{Op: "predict", Err: err}
		if llm.Permanent(err) {
			return false, Permanent(pe)
		}
		return false, pe
	}
	agree, err := parseAgree(out)
	if err != nil {
		return false, &ProviderError{Op: "predict", Err: err}
	}
	return agree, nil
}

func (i *fewShotInstance) Close(context.Context) error { return nil }

// parseAgree reads {"agree": bool} from a model reply, tolerating code
// fences and surrounding prose, then falls back to a bare Y/N answer.
func parseAgree(out string) (bool, error) {
	s := strings.TrimSpace(out)
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		var v struct {
			Agree *bool `json:"agree"`
		}
		if err := json.Unmarshal([]byte(s[start:end+1]), &v); err == nil && v.Agree != nil {
			return *v.Agree, nil
		}
	}
	if p, err := parseYN(s); err == nil {
		return p, nil
	}
	return false, fmt.Errorf("unparseable answer %q", truncate(out, 80))
}

func parseYN(out string) (bool, error) {
	s := strings.Trim(strings.TrimSpace(out), "\"'`.!")
	if i := strings.IndexAny(s, " \n\t,."); i > 0 {
		s = s[:i]
	}
	p, err := dataset.ParsePolarity(s)
	if err != nil {
		return false, err
	}
	return bool(p), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
// #endregion instance
