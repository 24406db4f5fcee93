package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DockerDriver runs sandboxes as local containers. It exists so development and tests work
// without provider credentials; semantics mirror RemoteDriver.
type DockerDriver struct {
	cl          client.APIClient
	image       string
	previewPort int
	log         *log.Entry
}

// NewDockerDriver connects to the local docker daemon.
func NewDockerDriver(image string, previewPort int) (*DockerDriver, error) {
	cl, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "connecting to docker daemon")
	}
	return &DockerDriver{
		cl:          cl,
		image:       image,
		previewPort: previewPort,
		log:         log.WithField("component", "sandbox-docker"),
	}, nil
}

// Create starts a container from the configured image with the preview port published on a
// random host port.
func (d *DockerDriver) Create(ctx context.Context, spec Spec) (Ref, error) {
	port := nat.Port(fmt.Sprintf("%d/tcp", d.previewPort))
	name := "zerobuild-" + petname.Generate(2, "-")

	created, err := d.cl.ContainerCreate(ctx,
		&container.Config{
			Image:        d.image,
			Cmd:          []string{"sleep", "infinity"},
			Env:          flattenEnv(spec.Env),
			ExposedPorts: nat.PortSet{port: struct{}{}},
			Labels:       map[string]string{"zerobuild.template": spec.Template},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1"}}},
			AutoRemove:   false,
		},
		nil, nil, name)
	if err != nil {
		return "", errors.Wrap(err, "creating container")
	}
	if err := d.cl.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		_ = d.cl.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
		return "", errors.Wrap(err, "starting container")
	}
	d.log.WithField("container", name).Info("started sandbox container")
	return Ref(created.ID), nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Exec runs cmd through `sh -c` in the container.
func (d *DockerDriver) Exec(
	ctx context.Context, ref Ref, cwd string, cmd string,
) (CommandResult, error) {
	exec, err := d.cl.ContainerExecCreate(ctx, string(ref), types.ExecConfig{
		Cmd:          []string{"sh", "-c", cmd},
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return CommandResult{}, errors.Wrap(err, "creating exec")
	}

	attach, err := d.cl.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return CommandResult{}, errors.Wrap(err, "attaching to exec")
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return CommandResult{}, errors.Wrap(err, "reading exec output")
	}

	inspect, err := d.cl.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return CommandResult{}, errors.Wrap(err, "inspecting exec")
	}
	return CommandResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// WriteFile copies content into the container as a single-file tar stream.
func (d *DockerDriver) WriteFile(ctx context.Context, ref Ref, p string, content []byte) error {
	dir, base := path.Split(p)
	if dir == "" {
		dir = "/"
	}
	if res, err := d.Exec(ctx, ref, "/", "mkdir -p "+shellQuote(dir)); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return errors.Errorf("mkdir %s exited %d: %s", dir, res.ExitCode, res.Stderr)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    base,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrap(err, "writing tar header")
	}
	if _, err := tw.Write(content); err != nil {
		return errors.Wrap(err, "writing tar body")
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "closing tar stream")
	}

	err := d.cl.CopyToContainer(ctx, string(ref), dir, &buf, types.CopyToContainerOptions{})
	return errors.Wrapf(err, "copying %s into container", p)
}

// ReadFile copies the file out of the container and unpacks the tar stream docker wraps it in.
func (d *DockerDriver) ReadFile(ctx context.Context, ref Ref, p string) ([]byte, error) {
	rc, _, err := d.cl.CopyFromContainer(ctx, string(ref), p)
	if err != nil {
		return nil, errors.Wrapf(err, "copying %s out of container", p)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, errors.Errorf("%s not found in archive", p)
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading tar stream")
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

// List mirrors RemoteDriver.List using find inside the container.
func (d *DockerDriver) List(ctx context.Context, ref Ref, root string) ([]FileEntry, error) {
	cmd := fmt.Sprintf(`find %s -type f -printf '%%s\t%%P\n'`, shellQuote(root))
	res, err := d.Exec(ctx, ref, "/", cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errors.Errorf("listing %s: find exited %d: %s",
			root, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseFindOutput(res.Stdout), nil
}

// PreviewURL resolves the host port docker bound for the preview port.
func (d *DockerDriver) PreviewURL(ctx context.Context, ref Ref, port int) (string, error) {
	inspect, err := d.cl.ContainerInspect(ctx, string(ref))
	if err != nil {
		return "", errors.Wrap(err, "inspecting container")
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
	if len(bindings) == 0 {
		return "", errors.Errorf("port %d is not published", port)
	}
	return fmt.Sprintf("http://127.0.0.1:%s", bindings[0].HostPort), nil
}

// Destroy force-removes the container. A missing container counts as success.
func (d *DockerDriver) Destroy(ctx context.Context, ref Ref) error {
	err := d.cl.ContainerRemove(ctx, string(ref), types.ContainerRemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		d.log.WithField("container", ref).Debug("container already gone")
		return nil
	}
	return errors.Wrap(err, "removing container")
}

var _ Driver = (*DockerDriver)(nil)
