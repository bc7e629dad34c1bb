package service

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// dockerfileDenyList holds patterns that block a build outright. Matching
// is line-based and case-insensitive against comment-stripped lines.
var dockerfileDenyList = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{regexp.MustCompile(`(?i)/var/run/docker\.sock`), "mounts the docker socket"},
	{regexp.MustCompile(`(?i)--privileged`), "requests privileged mode"},
	{regexp.MustCompile(`(?i)--cap-add`), "adds kernel capabilities"},
	{regexp.MustCompile(`(?i)^\s*ADD\s+https?://`), "ADD from a remote URL"},
	{regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(ba|z|da)?sh\b`), "pipes a download into a shell"},
	{regexp.MustCompile(`(?i)chmod\s+(-[a-z]+\s+)*777`), "chmod 777"},
	{regexp.MustCompile(`(?i)chown\s+(-[a-z]+\s+)*root(:root)?\s`), "chown to root"},
}

type composeService struct {
	Privileged bool     `yaml:"privileged"`
	CapAdd     []string `yaml:"cap_add"`
	Volumes    []string `yaml:"volumes"`
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

// Screener inspects Dockerfiles and compose files in a synced working
// copy before anything is built from them.
type Screener struct{}

func NewScreener() *Screener {
	return &Screener{}
}

func (s *Screener) ScreenDockerfile(name, content string) []string {
	var violations []string
	for i, line := range strings.Split(content, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		for _, d := range dockerfileDenyList {
			if d.pattern.MatchString(line) {
				violations = append(
					violations,
					fmt.Sprintf("%s:%d %s", name, i+1, d.reason),
				)
			}
		}
	}
	return violations
}

func (s *Screener) ScreenCompose(name string, content []byte) ([]string, error) {
	var cf composeFile
	if err := yaml.Unmarshal(content, &cf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}

	var violations []string
	for svcName, svc := range cf.Services {
		if svc.Privileged {
			violations = append(
				violations,
				fmt.Sprintf("%s: service %s requests privileged mode", name, svcName),
			)
		}
		if len(svc.CapAdd) > 0 {
			violations = append(
				violations,
				fmt.Sprintf("%s: service %s adds kernel capabilities", name, svcName),
			)
		}
		for _, v := range svc.Volumes {
			if strings.Contains(v, "/var/run/docker.sock") {
				violations = append(
					violations,
					fmt.Sprintf("%s: service %s mounts the docker socket", name, svcName),
				)
			}
		}
	}
	return violations, nil
}

// ScreenWorkspace walks the working copy and screens every Dockerfile and
// compose file it finds. An empty slice means the build may proceed.
func (s *Screener) ScreenWorkspace(dir string) ([]string, error) {
	var violations []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}

		switch {
		case isDockerfileName(d.Name()):
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			violations = append(violations, s.ScreenDockerfile(rel, string(content))...)
		case isComposeName(d.Name()):
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			vs, err := s.ScreenCompose(rel, content)
			if err != nil {
				return err
			}
			violations = append(violations, vs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return violations, nil
}

func isDockerfileName(name string) bool {
	return name == "Dockerfile" ||
		strings.HasPrefix(name, "Dockerfile.") ||
		strings.HasSuffix(name, ".dockerfile")
}

func isComposeName(name string) bool {
	switch name {
	case "docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml":
		return true
	}
	return false
}
