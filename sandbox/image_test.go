package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestResolver(t *testing.T, runner *MockCommandRunner, fs FileSystem, cfg ImageConfig) *imageResolver {
	t.Helper()
	r, err := newImageResolver(zaptest.NewLogger(t), newTestCLI(t, runner), fs, cfg)
	require.NoError(t, err)
	return r
}

func TestImageResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("ExplicitImage", func(t *testing.T) {
		runner := newMockRunner()
		r := newTestResolver(t, runner, newMockFS(), ImageConfig{Image: "registry.local/lua:1"})

		image, err := r.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "registry.local/lua:1", image)
		assert.Empty(t, runner.callsWith("docker pull"))
	})

	t.Run("ExplicitImageMissingIsStillUsed", func(t *testing.T) {
		runner := newMockRunner().
			on("docker image inspect", mockResult{exitCode: 1}).
			on("docker pull", mockResult{exitCode: 1})
		r := newTestResolver(t, runner, newMockFS(), ImageConfig{Image: "registry.local/lua:1"})

		image, err := r.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "registry.local/lua:1", image)
		assert.Len(t, runner.callsWith("docker pull registry.local/lua:1"), 1)
	})

	t.Run("DefaultImagePulled", func(t *testing.T) {
		runner := newMockRunner().on("docker image inspect", mockResult{exitCode: 1})
		r := newTestResolver(t, runner, newMockFS(), ImageConfig{})

		image, err := r.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, DefaultImage, image)
		assert.Len(t, runner.callsWith("docker pull "+DefaultImage), 1)
	})

	t.Run("ExistingLocalImage", func(t *testing.T) {
		runner := newMockRunner().
			on("docker image inspect", mockResult{exitCode: 1}).
			on("docker image inspect "+DefaultLocalImage, mockResult{}).
			on("docker pull", mockResult{exitCode: 1})
		r := newTestResolver(t, runner, newMockFS(), ImageConfig{})

		image, err := r.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, DefaultLocalImage, image)
		assert.Empty(t, runner.callsWith("docker build"))
	})

	t.Run("NoWorkerForLocalBuild", func(t *testing.T) {
		runner := newMockRunner().
			on("docker image inspect", mockResult{exitCode: 1}).
			on("docker pull", mockResult{exitCode: 1})
		r := newTestResolver(t, runner, newMockFS(), ImageConfig{})

		_, err := r.Resolve(ctx)
		require.ErrorContains(t, err, "no worker_path is configured")
	})

	t.Run("CachesSuccess", func(t *testing.T) {
		runner := newMockRunner()
		r := newTestResolver(t, runner, newMockFS(), ImageConfig{})

		for range 3 {
			image, err := r.Resolve(ctx)
			require.NoError(t, err)
			assert.Equal(t, DefaultImage, image)
		}
		assert.Len(t, runner.callsWith("docker image inspect"), 1)
	})

	t.Run("InvalidPackages", func(t *testing.T) {
		_, err := newImageResolver(zaptest.NewLogger(t), newTestCLI(t, newMockRunner()), newMockFS(), ImageConfig{Packages: []string{"penlight"}})
		require.ErrorIs(t, err, ErrInvalidPackage)
	})
}

func TestImageBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("LocalRuntimeImage", func(t *testing.T) {
		workerPath := filepath.Join(t.TempDir(), "worker")
		require.NoError(t, os.WriteFile(workerPath, []byte("ELF"), 0o755))

		runner := newMockRunner().
			on("docker image inspect", mockResult{exitCode: 1}).
			on("docker pull", mockResult{exitCode: 1})
		r := newTestResolver(t, runner, RealFileSystem{}, ImageConfig{WorkerPath: workerPath})

		image, err := r.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, DefaultLocalImage, image)

		builds := runner.callsWith("docker build -t " + DefaultLocalImage + " -")
		require.Len(t, builds, 1)
		files := readTar(t, builds[0].Stdin)
		assert.Equal(t, "ELF", files[WorkerBinary])
		dockerfile := files["Dockerfile"]
		assert.Contains(t, dockerfile, "FROM "+fallbackBaseImage+"\n")
		assert.Contains(t, dockerfile, `LABEL io.saferun.managed="true"`)
		assert.Contains(t, dockerfile, "COPY saferun-worker /usr/local/bin/saferun-worker\n")
		assert.Contains(t, dockerfile, "USER 65534:65534\n")
		assert.NotContains(t, dockerfile, LabelEnvHash)
	})

	t.Run("PackageImage", func(t *testing.T) {
		packages := []string{"lua-cjson==2.1.0", "penlight==1.14.0"}
		hash := EnvHash("team-a", packages)
		tag := PackageImageRepo + ":" + hash

		runner := newMockRunner().
			on("docker image inspect", mockResult{exitCode: 1}).
			on("docker image inspect "+DefaultImage, mockResult{})
		r := newTestResolver(t, runner, RealFileSystem{}, ImageConfig{Namespace: "team-a", Packages: []string{"penlight==1.14.0", "lua-cjson==2.1.0"}})

		image, err := r.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, tag, image)

		builds := runner.callsWith("docker build -t " + tag + " -")
		require.Len(t, builds, 1)
		dockerfile := readTar(t, builds[0].Stdin)["Dockerfile"]
		assert.Contains(t, dockerfile, "FROM "+DefaultImage+"\n")
		assert.Contains(t, dockerfile, `LABEL io.saferun.env-hash="`+hash+`"`)
		assert.Contains(t, dockerfile, "luarocks-5.1 --tree /opt/saferun/rocks install lua-cjson 2.1.0 && luarocks-5.1 --tree /opt/saferun/rocks install penlight 1.14.0")
		assert.Contains(t, dockerfile, "ENV SAFERUN_LUA_PATH=/opt/saferun/rocks/share/lua/5.1/?.lua;/opt/saferun/rocks/share/lua/5.1/?/init.lua\n")
	})

	t.Run("ExistingPackageImage", func(t *testing.T) {
		runner := newMockRunner()
		r := newTestResolver(t, runner, newMockFS(), ImageConfig{Packages: []string{"penlight==1.14.0"}})

		image, err := r.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, PackageImageRepo+":"+EnvHash("", []string{"penlight==1.14.0"}), image)
		assert.Empty(t, runner.callsWith("docker build"))
	})

	t.Run("BuildFailure", func(t *testing.T) {
		runner := newMockRunner().
			on("docker image inspect", mockResult{exitCode: 1}).
			on("docker image inspect "+DefaultImage, mockResult{}).
			on("docker build", mockResult{stderr: "luarocks: not found\n", exitCode: 1})
		r := newTestResolver(t, runner, RealFileSystem{}, ImageConfig{Packages: []string{"penlight==1.14.0"}})

		_, err := r.Resolve(ctx)
		require.ErrorContains(t, err, "failed to build package image")
		assert.ErrorContains(t, err, "luarocks: not found")
	})
}
