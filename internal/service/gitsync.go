package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/haatos/pushdeploy/internal/security"
	"github.com/haatos/pushdeploy/internal/store"
	"github.com/haatos/pushdeploy/internal/util"
	"golang.org/x/crypto/ssh"
)

var httpsRemoteRe = regexp.MustCompile(`^https://([^/]+)/([^/]+)/(.+?)(\.git)?$`)

// RewriteToSSH turns an https clone URL into its ssh form. URLs already
// in ssh form pass through untouched.
func RewriteToSSH(repoURL string) string {
	m := httpsRemoteRe.FindStringSubmatch(repoURL)
	if m == nil {
		return repoURL
	}
	return fmt.Sprintf("git@%s:%s/%s.git", m[1], m[2], m[3])
}

// GitSyncService clones or updates one working copy per repo config. SSH
// key material only ever touches disk as a 0600 temp file that is removed
// before Sync returns.
type GitSyncService struct {
	workspace string
	runner    CommandRunner
	encrypter security.Encrypter

	mu        sync.Mutex
	repoLocks map[int64]*sync.Mutex
}

func NewGitSyncService(
	workspace string,
	runner CommandRunner,
	encrypter security.Encrypter,
) *GitSyncService {
	return &GitSyncService{
		workspace: workspace,
		runner:    runner,
		encrypter: encrypter,
		repoLocks: make(map[int64]*sync.Mutex),
	}
}

func (s *GitSyncService) lockFor(configID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.repoLocks[configID]
	if !ok {
		mu = &sync.Mutex{}
		s.repoLocks[configID] = mu
	}
	return mu
}

// WorkDir returns the working copy path for a config. One directory per
// config keeps two branches of the same repository from clobbering each
// other.
func (s *GitSyncService) WorkDir(rc *store.RepoConfig) string {
	return filepath.Join(
		s.workspace,
		fmt.Sprintf("%d-%s", rc.ConfigID, util.RepoNameFromURL(rc.RepoURL)),
	)
}

// Sync brings the working copy for rc to commitSHA and returns its path
// together with the accumulated command logs. The per-config lock means
// concurrent pipelines for the same config serialize here.
func (s *GitSyncService) Sync(
	ctx context.Context,
	rc *store.RepoConfig,
	commitSHA string,
) (string, string, error) {
	mu := s.lockFor(rc.ConfigID)
	mu.Lock()
	defer mu.Unlock()

	logs := new(strings.Builder)

	env, cleanup, err := s.gitEnv(rc)
	if err != nil {
		return "", logs.String(), err
	}
	defer cleanup()

	remote := rc.RepoURL
	if rc.UseSSHForClone {
		remote = RewriteToSSH(remote)
	}

	dir := s.WorkDir(rc)
	exists, err := util.PathExists(filepath.Join(dir, ".git"))
	if err != nil {
		return "", logs.String(), err
	}

	run := func(cmdDir string, name string, args ...string) error {
		out, err := s.runner.Run(ctx, cmdDir, env, name, args...)
		logs.WriteString(out)
		return err
	}

	if exists {
		if err := run(dir, "git", "checkout", rc.MainBranch); err != nil {
			return dir, logs.String(), err
		}
		if err := run(dir, "git", "pull", "origin", rc.MainBranch); err != nil {
			return dir, logs.String(), err
		}
	} else {
		if err := os.MkdirAll(s.workspace, 0o755); err != nil {
			return "", logs.String(), err
		}
		if err := run(
			s.workspace, "git", "clone", "--branch", rc.MainBranch, remote, dir,
		); err != nil {
			return dir, logs.String(), err
		}
	}

	if commitSHA != "" {
		if err := run(dir, "git", "checkout", commitSHA); err != nil {
			return dir, logs.String(), err
		}
	}

	return dir, logs.String(), nil
}

// CleanStale removes working copies whose config was deleted. Directory
// names carry the config id as a "<id>-" prefix; anything else in the
// workspace is left alone.
func (s *GitSyncService) CleanStale(ctx context.Context, configStore store.ConfigStore) error {
	entries, err := os.ReadDir(s.workspace)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		idStr, _, ok := strings.Cut(e.Name(), "-")
		if !ok {
			continue
		}
		configID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}

		if _, err := configStore.ReadConfigByID(ctx, configID); err == nil {
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("err reading config %d during workspace clean: %+v\n", configID, err)
			continue
		}

		// the lock keeps the removal from racing a pipeline for a config
		// recreated under the same id
		mu := s.lockFor(configID)
		mu.Lock()
		if err := os.RemoveAll(filepath.Join(s.workspace, e.Name())); err != nil {
			log.Printf("err removing stale working copy %s: %+v\n", e.Name(), err)
		} else {
			log.Printf("removed stale working copy %s\n", e.Name())
		}
		mu.Unlock()
	}
	return nil
}

// StartCleaner schedules the periodic workspace clean on the shared
// scheduler.
func (s *GitSyncService) StartCleaner(
	scheduler gocron.Scheduler,
	interval time.Duration,
	configStore store.ConfigStore,
) error {
	_, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := s.CleanStale(context.Background(), configStore); err != nil {
				log.Printf("err cleaning workspace: %+v\n", err)
			}
		}),
	)
	return err
}

// gitEnv builds the GIT_SSH_COMMAND environment for a config that clones
// over ssh. The returned cleanup removes the transient key material.
func (s *GitSyncService) gitEnv(rc *store.RepoConfig) ([]string, func(), error) {
	noop := func() {}
	if !rc.UseSSHForClone {
		return nil, noop, nil
	}
	if rc.GitSSHPrivateKeyEncrypted == nil {
		return nil, noop, fmt.Errorf("config %d uses ssh but has no private key", rc.ConfigID)
	}

	privateKey, err := s.encrypter.DecryptAES(*rc.GitSSHPrivateKeyEncrypted)
	if err != nil {
		return nil, noop, err
	}

	// validate the key before it is handed to git
	if rc.GitSSHKeyPassphraseEncrypted != nil {
		passphrase, err := s.encrypter.DecryptAES(*rc.GitSSHKeyPassphraseEncrypted)
		if err != nil {
			return nil, noop, err
		}
		if _, err := ssh.ParsePrivateKeyWithPassphrase(privateKey, passphrase); err != nil {
			return nil, noop, fmt.Errorf("invalid ssh key for config %d: %w", rc.ConfigID, err)
		}
	} else {
		if _, err := ssh.ParsePrivateKey(privateKey); err != nil {
			return nil, noop, fmt.Errorf("invalid ssh key for config %d: %w", rc.ConfigID, err)
		}
	}

	keyFile, err := os.CreateTemp("", "pushdeploy-key-*")
	if err != nil {
		return nil, noop, err
	}
	cleanupPaths := []string{keyFile.Name()}
	cleanup := func() {
		for _, p := range cleanupPaths {
			_ = os.Remove(p)
		}
	}

	if err := keyFile.Chmod(0o600); err != nil {
		keyFile.Close()
		cleanup()
		return nil, noop, err
	}
	if _, err := keyFile.Write(append(privateKey, '\n')); err != nil {
		keyFile.Close()
		cleanup()
		return nil, noop, err
	}
	if err := keyFile.Close(); err != nil {
		cleanup()
		return nil, noop, err
	}

	sshCmd := fmt.Sprintf("ssh -i %s -o IdentitiesOnly=yes", keyFile.Name())
	if rc.GitSSHHostKey != nil && *rc.GitSSHHostKey != "" {
		hostsFile, err := os.CreateTemp("", "pushdeploy-hosts-*")
		if err != nil {
			cleanup()
			return nil, noop, err
		}
		cleanupPaths = append(cleanupPaths, hostsFile.Name())
		if _, err := hostsFile.WriteString(*rc.GitSSHHostKey + "\n"); err != nil {
			hostsFile.Close()
			cleanup()
			return nil, noop, err
		}
		if err := hostsFile.Close(); err != nil {
			cleanup()
			return nil, noop, err
		}
		sshCmd += fmt.Sprintf(
			" -o UserKnownHostsFile=%s -o StrictHostKeyChecking=yes", hostsFile.Name())
	} else {
		sshCmd += " -o StrictHostKeyChecking=accept-new"
	}

	return []string{"GIT_SSH_COMMAND=" + sshCmd}, cleanup, nil
}
