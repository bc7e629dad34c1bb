package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/haatos/pushdeploy/internal/store"
	"github.com/haatos/pushdeploy/internal/util"
)

const buildPlatforms = "linux/amd64,linux/arm64"

// ImageName is the local image name for a config, stable across runs.
func ImageName(repoURL, branch string) string {
	return fmt.Sprintf("ci-image-%s-%s", util.RepoNameFromURL(repoURL), branch)
}

// ImageTag encodes the branch and commit a build came from.
func ImageTag(branch, commitSHA string) string {
	return fmt.Sprintf("%s-%s", branch, util.ShortSHA(commitSHA))
}

// ContainerName ends in the numeric run id so the previous deployment's
// container name can be derived from the current one.
func ContainerName(repoURL, branch string, runID int64) string {
	return fmt.Sprintf("ci-container-%s-%s-%d", util.RepoNameFromURL(repoURL), branch, runID)
}

// PreviousContainerName decrements the trailing run id. It returns false
// when there is no previous run to retire.
func PreviousContainerName(name string) (string, bool) {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return "", false
	}
	runID, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil || runID <= 1 {
		return "", false
	}
	return fmt.Sprintf("%s-%d", name[:idx], runID-1), true
}

// DockerService builds and publishes images for a synced working copy. It
// shells out so the host docker daemon and buildx config are used as-is.
// It never starts a container: deployment past the registry push is a
// separate, explicit step.
type DockerService struct {
	runner CommandRunner
}

func NewDockerService(runner CommandRunner) *DockerService {
	return &DockerService{runner: runner}
}

// BuildImage builds the working copy's pipeline descriptor: a compose file
// when one is present, a Dockerfile otherwise. Neither present is a build
// failure.
func (d *DockerService) BuildImage(
	ctx context.Context,
	dir string,
	rc *store.RepoConfig,
	commitSHA string,
) (string, error) {
	composeFile, err := findComposeFile(dir)
	if err != nil {
		return "", err
	}
	if composeFile != "" {
		return d.buildCompose(ctx, dir, composeFile, rc, commitSHA)
	}

	dockerfile, err := findDockerfile(dir)
	if err != nil {
		return "", err
	}
	if dockerfile == "" {
		return "", errors.New("working copy has neither a Dockerfile nor a compose file")
	}
	return d.buildDockerfile(ctx, dir, dockerfile, rc, commitSHA)
}

// buildDockerfile runs a buildx build. When the config carries a docker
// username the image is built for every target platform, tagged for the
// registry and pushed in the same invocation; without one buildx can only
// load a single-platform image into the local daemon.
func (d *DockerService) buildDockerfile(
	ctx context.Context,
	dir, dockerfile string,
	rc *store.RepoConfig,
	commitSHA string,
) (string, error) {
	localTag := fmt.Sprintf(
		"%s:%s", ImageName(rc.RepoURL, rc.MainBranch), ImageTag(rc.MainBranch, commitSHA))
	buildDate := time.Now().UTC().Format(time.RFC3339)

	args := []string{
		"buildx", "build",
		"-f", dockerfile,
		"--build-arg", "BUILD_DATE=" + buildDate,
		"--build-arg", "COMMIT_SHA=" + commitSHA,
		"--label", "org.opencontainers.image.created=" + buildDate,
		"--label", "org.opencontainers.image.revision=" + commitSHA,
		"-t", localTag,
	}

	if rc.DockerUsername != nil && *rc.DockerUsername != "" {
		remoteTag := fmt.Sprintf(
			"%s/%s:%s",
			*rc.DockerUsername,
			util.RepoNameFromURL(rc.RepoURL),
			ImageTag(rc.MainBranch, commitSHA),
		)
		args = append(args, "--platform", buildPlatforms, "-t", remoteTag, "--push")
	} else {
		args = append(args, "--load")
	}
	args = append(args, ".")

	return d.runner.Run(ctx, dir, nil, "docker", args...)
}

// buildCompose builds the project twice: once plain, once with
// DOCKER_USERNAME and IMAGE_TAG injected so compose files that
// parameterize their image references pick up the CI-provided values.
func (d *DockerService) buildCompose(
	ctx context.Context,
	dir, composeFile string,
	rc *store.RepoConfig,
	commitSHA string,
) (string, error) {
	logs := new(strings.Builder)

	out, err := d.runner.Run(ctx, dir, nil, "docker", "compose", "-f", composeFile, "build")
	logs.WriteString(out)
	if err != nil {
		return logs.String(), err
	}

	out, err = d.runner.Run(
		ctx, dir, composeEnv(rc, commitSHA),
		"docker", "compose", "-f", composeFile, "build",
	)
	logs.WriteString(out)
	if err != nil {
		return logs.String(), err
	}
	return logs.String(), nil
}

func composeEnv(rc *store.RepoConfig, commitSHA string) []string {
	env := []string{"IMAGE_TAG=" + ImageTag(rc.MainBranch, commitSHA)}
	if rc.DockerUsername != nil && *rc.DockerUsername != "" {
		env = append(env, "DOCKER_USERNAME="+*rc.DockerUsername)
	}
	return env
}

// Publish pushes what the build produced and retires the previous run's
// container. Compose targets push every image the compose file resolves
// to; zero resolved images is a benign no-op. Single-Dockerfile targets
// were already pushed during the build, so only retirement remains, and a
// previous container that is already gone is not an error.
func (d *DockerService) Publish(
	ctx context.Context,
	dir string,
	rc *store.RepoConfig,
	runID int64,
	commitSHA string,
) (string, error) {
	logs := new(strings.Builder)

	composeFile, err := findComposeFile(dir)
	if err != nil {
		return "", err
	}

	if composeFile != "" {
		out, err := d.runner.Run(
			ctx, dir, composeEnv(rc, commitSHA),
			"docker", "compose", "-f", composeFile, "config", "--images",
		)
		logs.WriteString(out)
		if err != nil {
			return logs.String(), err
		}

		images := imageList(out)
		if len(images) == 0 {
			logs.WriteString("Compose resolved no images, nothing to publish\n")
			return logs.String(), nil
		}
		for _, image := range images {
			out, err := d.runner.Run(ctx, dir, nil, "docker", "push", image)
			logs.WriteString(out)
			if err != nil {
				return logs.String(), err
			}
		}
		return logs.String(), nil
	}

	name := ContainerName(rc.RepoURL, rc.MainBranch, runID)
	if previous, ok := PreviousContainerName(name); ok {
		out, err := d.runner.Run(ctx, dir, nil, "docker", "rm", "-f", previous)
		logs.WriteString(out)
		if err != nil {
			// the container may simply be gone already
			logs.WriteString(fmt.Sprintf(
				"Previous container %s was not running, nothing to retire\n", previous))
		}
	}
	return logs.String(), nil
}

// imageList extracts image references from the stdout section of a runner
// log block, one per line. The section ends at the stderr header or the
// runner's trailing status line, whichever comes first.
func imageList(log string) []string {
	_, rest, ok := strings.Cut(log, "--- STDOUT ---\n")
	if !ok {
		return nil
	}

	var images []string
	for _, line := range strings.Split(rest, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "--- STDERR ---" || strings.HasPrefix(line, "Command ") {
			break
		}
		images = append(images, line)
	}
	return images
}

func findComposeFile(dir string) (string, error) {
	return firstExisting(dir,
		"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml")
}

// findDockerfile probes the same candidate names the screener recognizes.
func findDockerfile(dir string) (string, error) {
	return firstExisting(dir,
		"Dockerfile", "dockerfile", "Dockerfile.dev", "Dockerfile.prod", "Dockerfile.test")
}

func firstExisting(dir string, names ...string) (string, error) {
	for _, name := range names {
		exists, err := util.PathExists(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		if exists {
			return name, nil
		}
	}
	return "", nil
}
