package service

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/haatos/pushdeploy/internal/security"
	"github.com/haatos/pushdeploy/internal/store"
	"github.com/haatos/pushdeploy/internal/util"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ArchiveService writes a snapshot of a finished run's logs to disk and,
// when the config has deploy SSH credentials, mirrors it to the deploy
// host over sftp.
type ArchiveService struct {
	dir       string
	encrypter security.Encrypter
}

func NewArchiveService(dir string, encrypter security.Encrypter) *ArchiveService {
	return &ArchiveService{dir: dir, encrypter: encrypter}
}

func (a *ArchiveService) snapshotName(run *store.PipelineRun) string {
	return fmt.Sprintf(
		"run-%d-%s-%s.log",
		run.RunID,
		util.ShortSHA(run.CommitSHA),
		strings.ToLower(string(run.Status)),
	)
}

// SaveRunLogs writes the run's full log text under the archive directory
// and returns the file path.
func (a *ArchiveService) SaveRunLogs(run *store.PipelineRun) (string, error) {
	if exists, _ := util.PathExists(a.dir); !exists {
		if err := os.MkdirAll(a.dir, 0o755); err != nil {
			return "", err
		}
	}

	p := path.Join(a.dir, a.snapshotName(run))
	if err := os.WriteFile(p, []byte(run.Logs), 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// UploadRunLogs copies a saved snapshot to the config's deploy host. It is
// a no-op for configs without deploy SSH credentials.
func (a *ArchiveService) UploadRunLogs(rc *store.RepoConfig, localPath string) error {
	if rc.DeploySSHHost == nil || rc.DeploySSHUsername == nil || rc.DeploySSHKeyEncrypted == nil {
		return nil
	}

	privateKey, err := a.encrypter.DecryptAES(*rc.DeploySSHKeyEncrypted)
	if err != nil {
		return err
	}
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return err
	}

	cc := &ssh.ClientConfig{
		User:            *rc.DeploySSHUsername,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	hostname := *rc.DeploySSHHost
	port := 22
	if rc.DeploySSHPort != nil {
		port = *rc.DeploySSHPort
	}
	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", hostname, port), cc)
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	remoteDir := fmt.Sprintf("pipeline-logs/%s", util.RepoNameFromURL(rc.RepoURL))
	if err := sftpClient.MkdirAll(remoteDir); err != nil {
		return err
	}

	remoteFile, err := sftpClient.Create(path.Join(remoteDir, filepath.Base(localPath)))
	if err != nil {
		return err
	}
	defer remoteFile.Close()

	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if _, err := remoteFile.Write(content); err != nil {
		return err
	}
	return nil
}
