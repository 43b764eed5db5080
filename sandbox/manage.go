package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Labels carried by every container and image this package creates.
const (
	LabelManaged     = "io.saferun.managed"
	LabelEngine      = "io.saferun.engine"
	LabelProject     = "io.saferun.project"
	LabelEnvHash     = "io.saferun.env-hash"
	ManagedValue     = "true"
	ProjectValue     = "saferun"
	managedFilter    = "label=" + LabelManaged + "=" + ManagedValue
	containerFormat  = "{{.ID}}|{{.Names}}|{{.Image}}|{{.State}}|{{.Status}}"
	imageFormat      = "{{.ID}}|{{.Repository}}|{{.Tag}}|{{.CreatedSince}}|{{.Size}}"
	defaultStopGrace = 10
)

// ErrNotManaged is returned when a management call targets a resource
// without the managed label.
var ErrNotManaged = errors.New("resource is not managed by saferun")

// ManagedLabels returns the base label set for a CLI flavour.
func ManagedLabels(f Flavour) map[string]string {
	return map[string]string{
		LabelManaged: ManagedValue,
		LabelEngine:  f.Name,
		LabelProject: ProjectValue,
	}
}

// ContainerInfo is one row of ListContainers.
type ContainerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	State  string `json:"state"`
	Status string `json:"status"`
}

// ImageInfo is one row of ListImages.
type ImageInfo struct {
	ID           string `json:"id"`
	Repository   string `json:"repository"`
	Tag          string `json:"tag"`
	CreatedSince string `json:"created_since"`
	Size         string `json:"size"`
}

// Ref returns repository:tag.
func (i ImageInfo) Ref() string {
	return i.Repository + ":" + i.Tag
}

// CleanupSummary reports what CleanupStale removed.
type CleanupSummary struct {
	RemovedContainers int `json:"removed_containers"`
	RemovedImages     int `json:"removed_images"`
}

// ListContainers lists managed containers, including stopped ones when all is set.
func (e *ContainerEngine) ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error) {
	args := []string{"ps"}
	if all {
		args = append(args, "-a")
	}
	args = append(args, "--filter", managedFilter, "--format", containerFormat)
	stdout, stderr, code, err := e.cli.Run(ctx, args...)
	if err := cliFailure("list containers", stderr, code, err); err != nil {
		return nil, err
	}

	var items []ContainerInfo
	for _, fields := range splitRows(stdout) {
		items = append(items, ContainerInfo{ID: fields[0], Name: fields[1], Image: fields[2], State: fields[3], Status: fields[4]})
	}
	return items, nil
}

// ListImages lists managed images.
func (e *ContainerEngine) ListImages(ctx context.Context) ([]ImageInfo, error) {
	stdout, stderr, code, err := e.cli.Run(ctx, "image", "ls", "--filter", managedFilter, "--format", imageFormat)
	if err := cliFailure("list images", stderr, code, err); err != nil {
		return nil, err
	}

	var items []ImageInfo
	for _, fields := range splitRows(stdout) {
		items = append(items, ImageInfo{ID: fields[0], Repository: fields[1], Tag: fields[2], CreatedSince: fields[3], Size: fields[4]})
	}
	return items, nil
}

// StopContainer stops a managed container, waiting up to graceSeconds.
func (e *ContainerEngine) StopContainer(ctx context.Context, id string, graceSeconds int) error {
	if err := e.ensureManaged(ctx, "container", id); err != nil {
		return err
	}
	if graceSeconds <= 0 {
		graceSeconds = defaultStopGrace
	}
	_, stderr, code, err := e.cli.Run(ctx, "stop", "-t", strconv.Itoa(graceSeconds), id)
	return cliFailure("stop container", stderr, code, err)
}

// KillContainer kills a managed container.
func (e *ContainerEngine) KillContainer(ctx context.Context, id string) error {
	if err := e.ensureManaged(ctx, "container", id); err != nil {
		return err
	}
	_, stderr, code, err := e.cli.Run(ctx, "kill", id)
	return cliFailure("kill container", stderr, code, err)
}

// RemoveImage removes a managed image.
func (e *ContainerEngine) RemoveImage(ctx context.Context, ref string) error {
	if err := e.ensureManaged(ctx, "image", ref); err != nil {
		return err
	}
	_, stderr, code, err := e.cli.Run(ctx, "image", "rm", ref)
	return cliFailure("remove image", stderr, code, err)
}

// CleanupStale removes managed containers that are not running and every
// managed image not in use.
func (e *ContainerEngine) CleanupStale(ctx context.Context) (CleanupSummary, error) {
	var summary CleanupSummary
	containers, err := e.ListContainers(ctx, true)
	if err != nil {
		return summary, err
	}
	for _, c := range containers {
		if c.State == "running" {
			continue
		}
		if _, _, code, err := e.cli.Run(ctx, "rm", "-f", c.ID); err == nil && code == 0 {
			summary.RemovedContainers++
		}
	}

	images, err := e.ListImages(ctx)
	if err != nil {
		return summary, err
	}
	for _, img := range images {
		if _, _, code, err := e.cli.Run(ctx, "image", "rm", img.Ref()); err == nil && code == 0 {
			summary.RemovedImages++
		}
	}
	return summary, nil
}

func (e *ContainerEngine) ensureManaged(ctx context.Context, kind, id string) error {
	format := fmt.Sprintf(`{{ index .Config.Labels %q }}`, LabelManaged)
	stdout, _, code, err := e.cli.Run(ctx, kind, "inspect", "-f", format, id)
	if err != nil || code != 0 || strings.TrimSpace(stdout) != ManagedValue {
		return fmt.Errorf("%w: %s '%s' cannot be modified", ErrNotManaged, kind, id)
	}
	return nil
}

func cliFailure(action, stderr string, code int, err error) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	if code != 0 {
		return fmt.Errorf("failed to %s: %s", action, strings.TrimSpace(stderr))
	}
	return nil
}

func splitRows(out string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 5)
		for len(fields) < 5 {
			fields = append(fields, "")
		}
		rows = append(rows, fields)
	}
	return rows
}
