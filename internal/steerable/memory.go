package steerable

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plastic-labs/steerability-eval/internal/config"
	"github.com/plastic-labs/steerability-eval/internal/dataset"
	"github.com/plastic-labs/steerability-eval/internal/memory"
)

const (
	MemoryName = "memory"

	defaultMemoryApp = "steerability-eval"
)

// MemoryBackend is the session API of the user-memory service.
type MemoryBackend interface {
	CreateSession(ctx context.Context, appID, userName string) (memory.Session, error)
	AddMessages(ctx context.Context, s memory.Session, msgs []memory.Message) error
	Chat(ctx context.Context, s memory.Session, query string) (string, error)
	DeleteSession(ctx context.Context, s memory.Session) error
}

// #region options
// MemoryOptions configures the memory variant.
type MemoryOptions struct {
	Addr  string `yaml:"addr"`
	AppID string `yaml:"app_id"`
}
// #endregion options

// #region system
// Memory steers by replaying the steer statements as a conversation into a
// fresh user session; predictions are questions about that user.
type Memory struct {
	backend MemoryBackend
	client  *memory.Client // owned connection, nil when injected
	appID   string
	logger  *zap.Logger
}

// NewMemory is the memory Factory.
func NewMemory(_ context.Context, raw map[string]any, deps Deps) (System, error) {
	var opts MemoryOptions
	if err := config.DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	if opts.AppID == "" {
		opts.AppID = defaultMemoryApp
	}
	m := &Memory{backend: deps.Memory, appID: opts.AppID, logger: deps.logger().Named(MemoryName)}
	if m.backend == nil {
		if opts.Addr == "" {
			return nil, errors.New("memory: addr is required")
		}
		c, err := memory.NewClient(opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
		m.backend, m.client = c, c
	}
	return m, nil
}

func (m *Memory) Name() string { return MemoryName }

// Close releases the service connection if this system opened it.
func (m *Memory) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Steer creates a new user and session and writes one question/answer
// pair per steer observation.
func (m *Memory) Steer(ctx context.Context, persona dataset.Persona, observations []dataset.Observation) (Instance, error) {
	userName := fmt.Sprintf("%s-%s", persona.ID, uuid.NewString())
	sess, err := m.backend.CreateSession(ctx, m.appID, userName)
	if err != nil {
		return nil, wrapMemoryErr("steer", err)
	}

	msgs := make([]memory.Message, 0, 2*len(observations))
	for _, o := range observations {
		msgs = append(msgs,
			memory.Message{Content: fmt.Sprintf(`Do you agree with this statement? "%s". Respond with "Y" or "N" and nothing else.`, o.Text)},
			memory.Message{Content: o.Polarity.Short(), IsUser: true},
		)
	}
	if err := m.backend.AddMessages(ctx, sess, msgs); err != nil {
		// best effort: the retry will open a new session
		if derr := m.backend.DeleteSession(context.WithoutCancel(ctx), sess); derr != nil {
			m.logger.Debug("delete session after failed steer", zap.String("session", sess.SessionID), zap.Error(derr))
		}
		return nil, wrapMemoryErr("steer", err)
	}
	m.logger.Debug("steered", zap.String("persona", persona.ID), zap.String("session", sess.SessionID), zap.Int("messages", len(msgs)))
	return &memoryInstance{backend: m.backend, session: sess}, nil
}
// #endregion system

// #region instance
type memoryInstance struct {
	backend MemoryBackend
	session memory.Session
}

func (i *memoryInstance) Predict(ctx context.Context, statement string) (bool, error) {
	query := fmt.Sprintf(`If you had to make your best guess based on your knowledge of the user, would they agree with the statement: "%s"?
Respond with "Y" or "N" and nothing else.`, statement)
	out, err := i.backend.Chat(ctx, i.session, query)
	if err != nil {
		return false, wrapMemoryErr("predict", err)
	}
	agree, err := parseYN(out)
	if err != nil {
		return false, &ProviderError{Op: "predict", Err: fmt.Errorf("unparseable answer %q", truncate(out, 80))}
	}
	return agree, nil
}

func (i *memoryInstance) Close(ctx context.Context) error {
	return i.backend.DeleteSession(ctx, i.session)
}

func wrapMemoryErr(op string, err error) error {
	pe := &ProviderError{Op: op, Err: err}
	if memory.Permanent(err) {
		return Permanent(pe)
	}
	return pe
}
// #endregion instance
