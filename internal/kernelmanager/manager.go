// Package kernelmanager implements the Kernel Manager (spec component C4):
// it owns every live Kernel Runtime, assigns opaque ids, resolves a kernel
// type to an internal/kernel.Interpreter factory, and reconciles
// Docker-backed kernels against the Docker daemon on an interval.
//
// Grounded on the teacher's internal/agent/registry (DefaultAgents: a small
// static table of named configs) for the kernel-type registry, and on
// internal/agent/lifecycle.Manager's cleanupLoop for the periodic
// reconciliation goroutine shape.
package kernelmanager

import (
	"context"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/apperrors"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/config"
	"github.com/kandev/agentkernel/internal/kernel"
	"github.com/kandev/agentkernel/internal/kernel/dockerexec"
	"github.com/kandev/agentkernel/internal/kernel/gojaexec"
	"github.com/kandev/agentkernel/internal/kernel/pyexec"
)

// KernelType names a supported interpreter backend.
const (
	TypeTypeScript = "typescript"
	TypeJavaScript = "javascript"
	TypePython     = "python"
	TypeDocker     = "docker"
)

// TypeConfig describes one entry of the kernel-type registry, analogous to
// the teacher's AgentTypeConfig but naming an interpreter factory instead of
// a container image.
type TypeConfig struct {
	ID          string
	Description string
	Factory     func() kernel.Interpreter
}

// defaultTypes returns the built-in kernel-type registry. Grounded on
// internal/agent/registry.DefaultAgents's static-table shape.
func defaultTypes(dockerCli *client.Client, dockerCfg config.DockerConfig, log *logger.Logger) []*TypeConfig {
	types := []*TypeConfig{
		{
			ID:          TypeTypeScript,
			Description: "In-process TypeScript/JavaScript execution via goja",
			Factory:     func() kernel.Interpreter { return gojaexec.New() },
		},
		{
			ID:          TypeJavaScript,
			Description: "In-process JavaScript execution via goja",
			Factory:     func() kernel.Interpreter { return gojaexec.New() },
		},
		{
			ID:          TypePython,
			Description: "Subprocess Python execution via python3",
			Factory:     func() kernel.Interpreter { return pyexec.New() },
		},
	}
	if dockerCfg.Enabled && dockerCli != nil {
		types = append(types, &TypeConfig{
			ID:          TypeDocker,
			Description: "Isolated Python execution inside a Docker container",
			Factory:     func() kernel.Interpreter { return dockerexec.New(dockerCli, dockerCfg, log) },
		})
	}
	return types
}

// Options configures the Kernel Manager.
type Options struct {
	DefaultKernelType string
	ListenerCap       int
	InterruptWait     time.Duration
	DockerClient      *client.Client
	DockerConfig      config.DockerConfig
	CleanupInterval   time.Duration
}

// Manager is the Kernel Manager control plane (spec component C4).
type Manager struct {
	opts   Options
	logger *logger.Logger
	types  map[string]*TypeConfig

	mu      sync.RWMutex
	kernels map[string]*kernel.Kernel

	stopCleanup chan struct{}
	wg          sync.WaitGroup
}

// New constructs a Kernel Manager and starts its cleanup loop if
// DockerClient is set.
func New(opts Options, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if opts.DefaultKernelType == "" {
		opts.DefaultKernelType = TypeTypeScript
	}
	if opts.ListenerCap <= 0 {
		opts.ListenerCap = 20
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}

	m := &Manager{
		opts:        opts,
		logger:      log.WithFields(zap.String("component", "kernel-manager")),
		kernels:     make(map[string]*kernel.Kernel),
		stopCleanup: make(chan struct{}),
	}

	registry := defaultTypes(opts.DockerClient, opts.DockerConfig, log)
	m.types = make(map[string]*TypeConfig, len(registry))
	for _, t := range registry {
		m.types[t.ID] = t
	}

	if opts.DockerClient != nil {
		m.wg.Add(1)
		go m.cleanupLoop()
	}

	return m
}

// HasType reports whether kernelType names a registered backend.
func (m *Manager) HasType(kernelType string) bool {
	_, ok := m.types[kernelType]
	return ok
}

// CreateKernel allocates a new opaque kernel id and constructs its
// Interpreter from the kernel-type registry (spec §4.4 createKernel).
func (m *Manager) CreateKernel(ctx context.Context, kernelType string) (*kernel.Kernel, error) {
	if kernelType == "" {
		kernelType = m.opts.DefaultKernelType
	}
	typeCfg, ok := m.types[kernelType]
	if !ok {
		return nil, apperrors.Validation("unsupported kernel type: " + kernelType)
	}

	id := uuid.NewString()
	interp := typeCfg.Factory()
	k := kernel.New(id, kernelType, interp, m.logger, m.opts.ListenerCap, m.opts.InterruptWait)

	m.mu.Lock()
	m.kernels[id] = k
	m.mu.Unlock()

	m.logger.Info("kernel created", zap.String("kernel_id", id), zap.String("kernel_type", kernelType))
	return k, nil
}

// GetKernel looks a kernel up by id (spec §4.4 getKernel).
func (m *Manager) GetKernel(id string) (*kernel.Kernel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kernels[id]
	return k, ok
}

// DestroyKernel terminates and forgets a kernel (spec §4.4 destroyKernel).
// A missing id is not an error: destroying an already-gone kernel is a
// no-op, matching destroyAgent's idempotent-by-design pairing in the Agent
// Manager.
func (m *Manager) DestroyKernel(id string) error {
	m.mu.Lock()
	k, ok := m.kernels[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.kernels, id)
	m.mu.Unlock()

	err := k.Terminate()
	m.logger.Info("kernel destroyed", zap.String("kernel_id", id))
	return err
}

// KernelIDs returns every live kernel id, for the Agent Manager's
// cross-references and for shutdown.
func (m *Manager) KernelIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.kernels))
	for id := range m.kernels {
		ids = append(ids, id)
	}
	return ids
}

// DestroyAll terminates every live kernel, used during graceful shutdown.
func (m *Manager) DestroyAll() {
	for _, id := range m.KernelIDs() {
		if err := m.DestroyKernel(id); err != nil {
			m.logger.Warn("failed to destroy kernel during shutdown", zap.String("kernel_id", id), zap.Error(err))
		}
	}
}

// Shutdown stops the cleanup loop and destroys every kernel.
func (m *Manager) Shutdown() {
	close(m.stopCleanup)
	m.wg.Wait()
	m.DestroyAll()
}

// cleanupLoop periodically reconciles Docker-backed kernels against the
// Docker daemon: a kernel whose container has died out-of-band (OOM-killed,
// manually removed) is terminated on the Go side too, rather than lingering
// as a Kernel struct nothing can ever execute against again. Grounded on
// internal/agent/lifecycle.Manager.cleanupLoop's ticker-plus-stop-channel
// shape.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reconcileDockerKernels()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) reconcileDockerKernels() {
	if m.opts.DockerClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := m.opts.DockerClient.Ping(ctx); err != nil {
		m.logger.Warn("docker daemon unreachable during kernel reconciliation", zap.Error(err))
		return
	}

	for _, id := range m.KernelIDs() {
		k, ok := m.GetKernel(id)
		if !ok {
			continue
		}
		dockerInterp, ok := k.Interpreter().(*dockerexec.Interpreter)
		if !ok {
			continue
		}
		if dockerInterp.ContainerID() == "" || dockerInterp.Alive(ctx) {
			continue
		}
		m.logger.Warn("docker-backed kernel's container is no longer running, destroying kernel",
			zap.String("kernel_id", id), zap.String("container_id", dockerInterp.ContainerID()))
		if err := m.DestroyKernel(id); err != nil {
			m.logger.Warn("failed to destroy stale kernel", zap.String("kernel_id", id), zap.Error(err))
		}
	}
}
