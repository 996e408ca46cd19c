// Package dockerexec implements internal/kernel.Interpreter by running guest
// code inside a long-lived Docker container, one per kernel, using `docker
// exec` for each individual execute() call. It is the isolated alternative
// to pyexec/gojaexec: appropriate when the host config enables Docker
// (internal/config.DockerConfig.Enabled) and a kernel's optional filesystem
// mount needs a real bind mount rather than in-process access.
//
// Adapted directly from the teacher's internal/agent/docker.Client: the
// container lifecycle calls (ContainerCreate/Start/Remove, mount building,
// structured logging per call) are carried over unchanged in idiom; the
// session-oriented attach-stdin/stdout pairing is replaced with
// ContainerExecCreate/ContainerExecAttach per call, since each Eval is a
// discrete one-shot command rather than a persistent JSON-RPC session.
package dockerexec

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/config"
	"github.com/kandev/agentkernel/internal/kernel"
)

// Interpreter runs one Docker container per kernel instance and execs guest
// code into it for each Eval call.
type Interpreter struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger

	mu          sync.Mutex
	containerID string
}

// New constructs an Interpreter bound to a shared Docker client. cli is
// typically created once per process (see cmd/agent-manager) and handed to
// every dockerexec.Interpreter the kernel manager creates.
func New(cli *client.Client, cfg config.DockerConfig, log *logger.Logger) *Interpreter {
	if log == nil {
		log = logger.Default()
	}
	return &Interpreter{cli: cli, cfg: cfg, logger: log.WithFields(zap.String("backend", "dockerexec"))}
}

func (i *Interpreter) Init(ctx context.Context, opts kernel.InitOptions) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	reader, err := i.cli.ImagePull(ctx, i.cfg.Image, image.PullOptions{})
	if err == nil {
		_, _ = bytes.NewBuffer(nil).ReadFrom(reader)
		reader.Close()
	}

	env := make([]string, 0, len(opts.Env))
	for name, val := range opts.Env {
		if val == nil {
			i.logger.Warn("skipping nil environment variable", zap.String("name", name))
			continue
		}
		env = append(env, name+"="+*val)
	}

	var mounts []mount.Mount
	if opts.Filesystem != nil && opts.Filesystem.Enabled {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: opts.Filesystem.HostRoot,
			Target: opts.Filesystem.GuestMount,
		})
	}

	containerCfg := &container.Config{
		Image:      i.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		Tty:        false,
		OpenStdin:  false,
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		AutoRemove:  false,
		NetworkMode: "none",
	}

	resp, err := i.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return fmt.Errorf("dockerexec: create container: %w", err)
	}
	if err := i.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("dockerexec: start container: %w", err)
	}

	i.containerID = resp.ID
	i.logger.Info("kernel container ready", zap.String("container_id", resp.ID))
	return nil
}

func (i *Interpreter) Eval(ctx context.Context, code string, emit kernel.Emit) (kernel.EvalResult, error) {
	i.mu.Lock()
	containerID := i.containerID
	i.mu.Unlock()

	if containerID == "" {
		return kernel.EvalResult{}, fmt.Errorf("dockerexec: interpreter not initialized")
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"python3", "-c", code},
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := i.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return kernel.EvalResult{}, fmt.Errorf("dockerexec: exec create: %w", err)
	}

	attach, err := i.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return kernel.EvalResult{}, fmt.Errorf("dockerexec: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return kernel.EvalResult{}, fmt.Errorf("dockerexec: read exec output: %w", err)
	}

	if stdout.Len() > 0 {
		emit(kernel.EventStream, kernel.StreamData{Name: "stdout", Text: stdout.String()})
	}
	if stderr.Len() > 0 {
		emit(kernel.EventStream, kernel.StreamData{Name: "stderr", Text: stderr.String()})
	}

	inspect, err := i.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return kernel.EvalResult{}, fmt.Errorf("dockerexec: exec inspect: %w", err)
	}

	if inspect.ExitCode != 0 {
		return kernel.EvalResult{
			Status:    kernel.EvalError,
			Ename:     "RuntimeError",
			Evalue:    "process exited with code " + strconv.Itoa(inspect.ExitCode),
			Traceback: []string{stderr.String()},
		}, nil
	}
	return kernel.EvalResult{Status: kernel.EvalOK, IsUnit: true}, nil
}

// ContainerID returns the backing container id, or "" before Init.
func (i *Interpreter) ContainerID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.containerID
}

// Alive reports whether the backing container is still running. A kernel
// manager's reconciliation loop uses this to detect containers that died
// out-of-band (OOM-killed, manually removed).
func (i *Interpreter) Alive(ctx context.Context) bool {
	i.mu.Lock()
	containerID := i.containerID
	cli := i.cli
	i.mu.Unlock()

	if containerID == "" {
		return false
	}
	inspect, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// InterruptHook is nil: dockerexec has no single in-flight exec handle to
// cancel cooperatively once ContainerExecAttach has returned. Interrupt()
// falls back to the synthesized KeyboardInterrupt path in that case.
func (i *Interpreter) InterruptHook() func() { return nil }

func (i *Interpreter) Complete(code string, cursorPos int) kernel.CompletionResult {
	return kernel.CompletionResult{CursorStart: cursorPos, CursorEnd: cursorPos}
}

func (i *Interpreter) Inspect(code string, cursorPos int) kernel.InspectResult {
	return kernel.InspectResult{Found: false}
}

func (i *Interpreter) IsComplete(code string) bool { return true }

func (i *Interpreter) Close() error {
	i.mu.Lock()
	containerID := i.containerID
	i.containerID = ""
	i.mu.Unlock()

	if containerID == "" {
		return nil
	}
	ctx := context.Background()
	if err := i.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		i.logger.Warn("failed to stop kernel container", zap.String("container_id", containerID), zap.Error(err))
	}
	if err := i.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		i.logger.Warn("failed to remove kernel container", zap.String("container_id", containerID), zap.Error(err))
		return err
	}
	return nil
}
