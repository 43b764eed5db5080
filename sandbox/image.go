package sandbox

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/isdmx/saferun/protocol"
)

// Image defaults.
const (
	DefaultImage        = "ghcr.io/isdmx/saferun-runtime:lua5.1"
	DefaultLocalImage   = "saferun-runtime:local"
	PackageImageRepo    = "saferun-env"
	containerScratchDir = "/tmp/saferun"
	containerRocksTree  = "/opt/saferun/rocks"
	fallbackBaseImage   = "alpine:3.20"
)

// ImageConfig selects which image a ContainerEngine runs.
type ImageConfig struct {
	// Image, when set, is used as is.
	Image string
	// DefaultImage is the published runtime image.
	DefaultImage string
	// LocalImage is the tag of the locally built fallback image.
	LocalImage string
	// WorkerPath is the worker binary copied into the fallback image.
	WorkerPath string
	// Namespace is mixed into the environment hash.
	Namespace string
	// Packages are pinned LuaRocks packages baked into a package image.
	Packages []string
}

func (c *ImageConfig) withDefaults() ImageConfig {
	out := *c
	if out.DefaultImage == "" {
		out.DefaultImage = DefaultImage
	}
	if out.LocalImage == "" {
		out.LocalImage = DefaultLocalImage
	}
	return out
}

// imageResolver picks, pulls or builds the runtime image once per engine.
type imageResolver struct {
	logger  *zap.Logger
	cli     *CLI
	fs      FileSystem
	cfg     ImageConfig
	envHash string
	group   singleflight.Group

	mu     sync.Mutex
	cached string
}

func newImageResolver(logger *zap.Logger, cli *CLI, fs FileSystem, cfg ImageConfig) (*imageResolver, error) {
	packages, err := ValidatePinnedPackages(cfg.Packages)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	cfg.Packages = packages
	return &imageResolver{
		logger:  logger.Named("image"),
		cli:     cli,
		fs:      fs,
		cfg:     cfg,
		envHash: EnvHash(cfg.Namespace, packages),
	}, nil
}

// Resolve returns the image to run. The first success is cached and
// concurrent callers share one resolution; failures are not cached.
func (r *imageResolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	cached := r.cached
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	v, err, _ := r.group.Do(r.envHash, func() (any, error) {
		image, err := r.resolve(ctx)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cached = image
		r.mu.Unlock()
		return image, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *imageResolver) resolve(ctx context.Context) (string, error) {
	if r.cfg.Image != "" {
		if !r.ensureAvailable(ctx, r.cfg.Image) {
			r.logger.Warn("explicit image is not available locally and could not be pulled", zap.String("image", r.cfg.Image))
		}
		return r.cfg.Image, nil
	}

	if len(r.cfg.Packages) > 0 {
		tag := PackageImageRepo + ":" + r.envHash
		if r.exists(ctx, tag) {
			return tag, nil
		}
		base, err := r.baseImage(ctx)
		if err != nil {
			return "", err
		}
		if err := r.build(ctx, tag, r.packageDockerfile(base), ""); err != nil {
			return "", fmt.Errorf("failed to build package image: %w", err)
		}
		return tag, nil
	}

	return r.baseImage(ctx)
}

// baseImage returns the default image, pulling it if needed, or builds the
// local fallback.
func (r *imageResolver) baseImage(ctx context.Context) (string, error) {
	if r.ensureAvailable(ctx, r.cfg.DefaultImage) {
		return r.cfg.DefaultImage, nil
	}
	if r.exists(ctx, r.cfg.LocalImage) {
		return r.cfg.LocalImage, nil
	}
	if r.cfg.WorkerPath == "" {
		return "", fmt.Errorf("default image %s is unavailable and no worker_path is configured for a local build", r.cfg.DefaultImage)
	}
	r.logger.Info("building local runtime image", zap.String("tag", r.cfg.LocalImage))
	if err := r.build(ctx, r.cfg.LocalImage, r.runtimeDockerfile(), r.cfg.WorkerPath); err != nil {
		return "", fmt.Errorf("failed to build local runtime image: %w", err)
	}
	return r.cfg.LocalImage, nil
}

func (r *imageResolver) exists(ctx context.Context, image string) bool {
	_, _, code, err := r.cli.Run(ctx, "image", "inspect", image)
	return err == nil && code == 0
}

func (r *imageResolver) ensureAvailable(ctx context.Context, image string) bool {
	if r.exists(ctx, image) {
		return true
	}
	_, _, code, err := r.cli.Run(ctx, "pull", image)
	return err == nil && code == 0
}

// build streams a build context holding the Dockerfile and, optionally,
// the worker binary to "<cli> build -t tag -".
func (r *imageResolver) build(ctx context.Context, tag, dockerfile, workerPath string) error {
	dir, err := r.fs.MkdirTemp("", "saferun-build-*")
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer func() {
		if rmErr := r.fs.RemoveAll(dir); rmErr != nil {
			r.logger.Error("failed to remove build context", zap.String("path", dir), zap.Error(rmErr))
		}
	}()

	if err := r.fs.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), FilePermission); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	if workerPath != "" {
		data, err := r.fs.ReadFile(workerPath)
		if err != nil {
			return fmt.Errorf("failed to read worker binary: %w", err)
		}
		if err := r.fs.WriteFile(filepath.Join(dir, WorkerBinary), data, ExecPermission); err != nil {
			return fmt.Errorf("failed to stage worker binary: %w", err)
		}
	}

	archive, err := CreateTarFromDir(dir)
	if err != nil {
		return fmt.Errorf("failed to archive build context: %w", err)
	}
	_, stderr, code, err := r.cli.RunWithInput(ctx, archive, "build", "-t", tag, "-")
	return cliFailure("build "+tag, stderr, code, err)
}

func (r *imageResolver) labelLines(withHash bool) string {
	labels := ManagedLabels(r.cli.Flavour())
	if withHash {
		labels[LabelEnvHash] = r.envHash
	}
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		fmt.Fprintf(&b, "LABEL %s=%q\n", k, labels[k])
	}
	return b.String()
}

func (r *imageResolver) runtimeDockerfile() string {
	return "FROM " + fallbackBaseImage + "\n" +
		r.labelLines(false) +
		"COPY " + WorkerBinary + " /usr/local/bin/" + WorkerBinary + "\n" +
		"USER " + containerUser + "\n"
}

func (r *imageResolver) packageDockerfile(base string) string {
	var install []string
	for _, pkg := range r.cfg.Packages {
		name, version := splitPackage(pkg)
		install = append(install, fmt.Sprintf("luarocks-5.1 --tree %s install %s %s", containerRocksTree, name, version))
	}
	return "FROM " + base + "\n" +
		r.labelLines(true) +
		"USER root\n" +
		"RUN apk add --no-cache luarocks5.1 && " + strings.Join(install, " && ") + "\n" +
		"ENV " + protocol.LuaPathEnv + "=" + luaPathFor(containerRocksTree) + "\n" +
		"USER " + containerUser + "\n"
}

// luaPathFor returns the module search templates of a LuaRocks tree.
func luaPathFor(tree string) string {
	share := tree + "/share/lua/" + LuaVersion
	return share + "/?.lua;" + share + "/?/init.lua"
}
