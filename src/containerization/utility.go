// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel/attribute"

	"docagent/src/logging"
)

// maxOutputBytes caps the converted document copied out of the container.
const maxOutputBytes = 64 << 20

const workRoot = "/tmp/docagent"

// dockerAPI is the part of *client.Client the converter uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
}

type PandocOptions struct {
	Image    string
	MemoryMB int64
	CPULimit float64
	// PDFEngine is passed to pandoc --pdf-engine when set.
	PDFEngine string
}

// Pandoc converts markdown to PDF with pandoc inside one warm, network-less
// container. The container is created on first use and removed by the
// reaper after it has been idle.
type Pandoc struct {
	cli  dockerAPI
	opts PandocOptions

	mu          sync.Mutex
	containerID string
	lastUsedAt  time.Time
	now         func() time.Time
}

func NewPandoc(cli dockerAPI, opts PandocOptions) *Pandoc {
	if opts.Image == "" {
		opts.Image = "pandoc/latex"
	}
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = 512
	}
	if opts.CPULimit <= 0 {
		opts.CPULimit = 0.5
	}
	return &Pandoc{cli: cli, opts: opts, now: time.Now}
}

// PullImage makes sure the image is present locally. Failure is not fatal;
// the image may already be there.
func (p *Pandoc) PullImage(ctx context.Context) {
	logging.Log(fmt.Sprintf("Ensuring Docker image %s is available...", p.opts.Image), slog.LevelInfo)
	reader, err := p.cli.ImagePull(ctx, p.opts.Image, image.PullOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to pull image %s: %v. Conversion might fail if image is not present locally.", p.opts.Image, err), slog.LevelWarn)
		return
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	logging.Log("Docker image is ready.", slog.LevelInfo)
}

func (p *Pandoc) getOrCreateContainer(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.containerID != "" {
		inspect, err := p.cli.ContainerInspect(ctx, p.containerID)
		if err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.Running {
			p.lastUsedAt = p.now()
			return p.containerID, nil
		}
		p.containerID = ""
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:      p.opts.Image,
		Entrypoint: []string{"sleep", "infinity"}, // keep it alive between conversions
		Tty:        false,
		WorkingDir: "/tmp",
	}, &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   p.opts.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(p.opts.CPULimit * math.Pow10(9)),
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	p.containerID = resp.ID
	p.lastUsedAt = p.now()
	logging.Log(fmt.Sprintf("New persistent container created: %s", shortID(resp.ID)), slog.LevelInfo)
	return resp.ID, nil
}

// Convert runs pandoc on text and returns the PDF bytes.
func (p *Pandoc) Convert(ctx context.Context, text string) ([]byte, error) {
	ctx, span := logging.StartSpan(ctx, "containerization.pandoc", attribute.String("container.image", p.opts.Image))
	defer span.End()

	containerID, err := p.getOrCreateContainer(ctx)
	if err != nil {
		return nil, err
	}

	jobDir := path.Join(workRoot, uuid.NewString())
	archive, err := inputArchive(path.Base(jobDir), text)
	if err != nil {
		return nil, err
	}
	if _, _, err := p.exec(ctx, containerID, []string{"mkdir", "-p", workRoot}); err != nil {
		return nil, err
	}
	if err := p.cli.CopyToContainer(ctx, containerID, workRoot, archive, container.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("copy input to container: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, _, err := p.exec(cleanupCtx, containerID, []string{"rm", "-rf", jobDir}); err != nil {
			logging.Log(fmt.Sprintf("failed to clean %s: %v", jobDir, err), slog.LevelWarn)
		}
	}()

	cmd := []string{"pandoc", path.Join(jobDir, "input.md"), "--from", "markdown", "-o", path.Join(jobDir, "output.pdf")}
	if p.opts.PDFEngine != "" {
		cmd = append(cmd, "--pdf-engine", p.opts.PDFEngine)
	}
	exitCode, stderr, err := p.exec(ctx, containerID, cmd)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("pandoc exited %d: %s", exitCode, stderr)
	}

	data, err := p.copyOut(ctx, containerID, path.Join(jobDir, "output.pdf"))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.lastUsedAt = p.now()
	p.mu.Unlock()

	span.SetAttributes(attribute.Int("render.output_bytes", len(data)))
	return data, nil
}

// exec runs cmd and waits for it, returning its exit code and stderr.
func (p *Pandoc) exec(ctx context.Context, containerID string, cmd []string) (int, string, error) {
	created, err := p.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return 0, "", fmt.Errorf("create exec: %w", err)
	}

	resp, err := p.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("attach to exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return 0, "", ctx.Err()
	case err := <-done:
		if err != nil {
			return 0, "", fmt.Errorf("read exec output: %w", err)
		}
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, stderr.String(), fmt.Errorf("inspect exec: %w", err)
	}
	return inspect.ExitCode, stderr.String(), nil
}

func (p *Pandoc) copyOut(ctx context.Context, containerID, src string) ([]byte, error) {
	rc, _, err := p.cli.CopyFromContainer(ctx, containerID, src)
	if err != nil {
		return nil, fmt.Errorf("copy output from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("output %s missing from archive", src)
		}
		if err != nil {
			return nil, fmt.Errorf("read output archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxOutputBytes {
			return nil, fmt.Errorf("output is %d bytes, limit is %d", hdr.Size, maxOutputBytes)
		}
		return io.ReadAll(io.LimitReader(tr, maxOutputBytes))
	}
}

// inputArchive packs text as <dir>/input.md for CopyToContainer.
func inputArchive(dir, text string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := tw.WriteHeader(&tar.Header{Name: dir + "/", Mode: 0o777, Typeflag: tar.TypeDir}); err != nil {
		return nil, err
	}
	data := []byte(text)
	if err := tw.WriteHeader(&tar.Header{Name: dir + "/input.md", Mode: 0o644, Size: int64(len(data))}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	return &buf, nil
}

// RunReaper removes the warm container once it has been idle for timeout.
// It returns when ctx ends.
func (p *Pandoc) RunReaper(ctx context.Context, timeout, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle(timeout)
		}
	}
}

func (p *Pandoc) reapIdle(timeout time.Duration) bool {
	p.mu.Lock()
	if p.containerID == "" || p.now().Sub(p.lastUsedAt) <= timeout {
		p.mu.Unlock()
		return false
	}
	id := p.containerID
	p.containerID = ""
	p.mu.Unlock()

	logging.Log(fmt.Sprintf("Idle timeout reached for container %s. Removing...", shortID(id)), slog.LevelInfo)
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.cli.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true}); err != nil {
		logging.Log(fmt.Sprintf("failed to remove container %s: %v", shortID(id), err), slog.LevelWarn)
	}
	return true
}

// Cleanup removes the warm container, if any.
func (p *Pandoc) Cleanup(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.containerID != "" {
		logging.Log(fmt.Sprintf("Cleaning up active container %s...", shortID(p.containerID)), slog.LevelInfo)
		if err := p.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true}); err != nil {
			logging.Log(fmt.Sprintf("failed to remove container: %v", err), slog.LevelWarn)
		}
		p.containerID = ""
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
