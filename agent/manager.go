package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/repairplanner/retry"
	"github.com/c360studio/repairplanner/storage"
)

// DefaultMaxAttempts bounds the reconcile passes of EnsureVersion.
const DefaultMaxAttempts = 5

// maxVersionProbe bounds how far publish walks past versions written by
// writers that never moved the alias.
const maxVersionProbe = 16

// Provisioner ensures an agent definition is registered.
type Provisioner interface {
	EnsureVersion(ctx context.Context, spec Spec) (*Result, error)
}

// Manager reconciles agent definitions in a storage.Bucket.
type Manager struct {
	bucket storage.Bucket
	retry  retry.Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryConfig sets the attempt budget and backoff between reconcile passes.
func WithRetryConfig(cfg retry.Config) Option {
	return func(m *Manager) {
		m.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager over the agent registry bucket.
func NewManager(bucket storage.Bucket, opts ...Option) *Manager {
	m := &Manager{
		bucket: bucket,
		retry: retry.Config{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   50 * time.Millisecond,
			Multiplier:  2.0,
			MaxDelay:    time.Second,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureVersion makes the alias for spec.Name point at a definition whose
// hash and deployment equal the spec's. It is idempotent and safe to call
// from several processes at once.
func (m *Manager) EnsureVersion(ctx context.Context, spec Spec) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, &ProvisioningError{Name: spec.Name, Err: err}
	}

	maxAttempts := m.retry.Attempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &ProvisioningError{Name: spec.Name, Attempts: attempt - 1, Err: err}
		}

		res, err := m.reconcile(ctx, spec)
		if err == nil {
			res.Attempts = attempt
			m.logger.Info("Agent definition ensured",
				"agent", spec.Name,
				"version", res.Definition.Version,
				"action", res.Action,
				"deployment", res.Definition.ModelDeployment,
				"attempts", attempt)
			return res, nil
		}

		lastErr = err
		if !retryable(err) {
			return nil, &ProvisioningError{Name: spec.Name, Attempts: attempt, Err: err}
		}
		if attempt == maxAttempts {
			break
		}

		m.logger.Warn("Agent reconcile retry",
			"agent", spec.Name,
			"attempt", attempt,
			"error", err)
		if err := retry.Sleep(ctx, m.retry.Backoff(attempt)); err != nil {
			return nil, &ProvisioningError{Name: spec.Name, Attempts: attempt, Err: err}
		}
	}

	return nil, &ProvisioningError{Name: spec.Name, Attempts: maxAttempts, Err: lastErr}
}

// retryable reports whether a reconcile pass should be repeated: lost races
// re-read, unavailability waits.
func retryable(err error) bool {
	return errors.Is(err, storage.ErrConflict) || storage.IsTransient(err)
}

// Active returns the definition the alias currently points at.
func (m *Manager) Active(ctx context.Context, name string) (*Definition, error) {
	a, _, err := m.getAlias(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.getDefinition(ctx, name, a.ActiveVersion)
}

func (m *Manager) reconcile(ctx context.Context, spec Spec) (*Result, error) {
	a, rev, err := m.getAlias(ctx, spec.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return m.create(ctx, spec)
	}
	if err != nil {
		return nil, err
	}

	if a.matches(spec) {
		def, err := m.getDefinition(ctx, spec.Name, a.ActiveVersion)
		if err != nil {
			return nil, err
		}
		return &Result{Definition: def, Action: ActionUnchanged}, nil
	}
	return m.update(ctx, spec, a, rev)
}

func (m *Manager) create(ctx context.Context, spec Spec) (*Result, error) {
	def, err := m.publish(ctx, spec, 1)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(m.aliasFor(def))
	if err != nil {
		return nil, fmt.Errorf("marshal alias: %w", err)
	}
	if _, err := m.bucket.Create(ctx, aliasKey(spec.Name), data); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.logger.Debug("Agent alias created concurrently, re-reading", "agent", spec.Name)
		}
		return nil, fmt.Errorf("create alias: %w", err)
	}

	return &Result{Definition: def, Action: ActionCreated}, nil
}

func (m *Manager) update(ctx context.Context, spec Spec, current *alias, revision uint64) (*Result, error) {
	def, err := m.publish(ctx, spec, current.ActiveVersion+1)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(m.aliasFor(def))
	if err != nil {
		return nil, fmt.Errorf("marshal alias: %w", err)
	}
	if _, err := m.bucket.Update(ctx, aliasKey(spec.Name), data, revision); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.logger.Debug("Agent alias moved concurrently, re-reading", "agent", spec.Name)
		}
		return nil, fmt.Errorf("move alias: %w", err)
	}

	m.logger.Info("Agent definition updated",
		"agent", spec.Name,
		"from_version", current.ActiveVersion,
		"to_version", def.Version)
	return &Result{Definition: def, Action: ActionUpdated}, nil
}

// publish writes an immutable definition at the first free version from
// version onward. An existing record with identical content is reused.
func (m *Manager) publish(ctx context.Context, spec Spec, version int) (*Definition, error) {
	for probe := 0; probe < maxVersionProbe; probe++ {
		def := &Definition{
			Name:               spec.Name,
			Version:            version + probe,
			PromptTemplateHash: spec.PromptTemplateHash,
			ModelDeployment:    spec.ModelDeploymentName,
			Instructions:       spec.Instructions,
			Tools:              spec.Tools,
			CreatedAt:          m.now().UTC(),
		}
		data, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("marshal definition: %w", err)
		}

		_, err = m.bucket.Create(ctx, definitionKey(spec.Name, def.Version), data)
		if err == nil {
			return def, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("publish version %d: %w", def.Version, err)
		}

		existing, err := m.getDefinition(ctx, spec.Name, def.Version)
		if err != nil {
			return nil, err
		}
		if existing.Matches(spec) {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("publish: no free version in %d..%d: %w", version, version+maxVersionProbe-1, storage.ErrConflict)
}

func (m *Manager) aliasFor(def *Definition) *alias {
	return &alias{
		Name:               def.Name,
		ActiveVersion:      def.Version,
		PromptTemplateHash: def.PromptTemplateHash,
		ModelDeployment:    def.ModelDeployment,
		UpdatedAt:          m.now().UTC(),
	}
}

func (m *Manager) getAlias(ctx context.Context, name string) (*alias, uint64, error) {
	entry, err := m.bucket.Get(ctx, aliasKey(name))
	if err != nil {
		return nil, 0, fmt.Errorf("get alias: %w", err)
	}
	var a alias
	if err := json.Unmarshal(entry.Value, &a); err != nil {
		return nil, 0, fmt.Errorf("decode alias %s: %w", entry.Key, err)
	}
	return &a, entry.Revision, nil
}

func (m *Manager) getDefinition(ctx context.Context, name string, version int) (*Definition, error) {
	entry, err := m.bucket.Get(ctx, definitionKey(name, version))
	if err != nil {
		return nil, fmt.Errorf("get definition v%d: %w", version, err)
	}
	var def Definition
	if err := json.Unmarshal(entry.Value, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", entry.Key, err)
	}
	return &def, nil
}
