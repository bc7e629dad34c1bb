package store

import (
	"context"
	"time"
)

// RepoConfig describes one deployable repository + branch pair. SSH key
// material and webhook secrets are stored encrypted and only decrypted
// inside the worker when a pipeline actually needs them.
type RepoConfig struct {
	ConfigID                     int64
	RepoURL                      string
	MainBranch                   string
	Platform                     string
	InstallationID               *int64
	UseSSHForClone               bool
	GitSSHPrivateKeyEncrypted    *string
	GitSSHKeyPassphraseEncrypted *string
	GitSSHHostKey                *string
	DeploySSHHost                *string
	DeploySSHPort                *int
	DeploySSHUsername            *string
	DeploySSHKeyEncrypted        *string
	DockerUsername               *string
	CreatedOn                    time.Time
}

type ConfigStore interface {
	CreateConfig(ctx context.Context, rc *RepoConfig) (*RepoConfig, error)
	ReadConfigByID(ctx context.Context, configID int64) (*RepoConfig, error)
	ReadConfigByRepoAndBranch(ctx context.Context, repoURL, branch string) (*RepoConfig, error)
	ListConfigsByRepoURL(ctx context.Context, repoURL string) ([]RepoConfig, error)
	ListConfigsForUser(ctx context.Context, userID int64) ([]RepoConfig, error)
	UpdateConfig(ctx context.Context, rc *RepoConfig) error
	DeleteConfig(ctx context.Context, configID int64) error
	SetInstallationID(ctx context.Context, repoURL string, installationID int64) (int64, error)
	ClearInstallationID(ctx context.Context, installationID int64) (int64, error)
	ClearInstallationForRepo(ctx context.Context, repoURL string) (int64, error)
	SetDockerUsername(ctx context.Context, configID int64, dockerUsername string) error
	AddConfigUser(ctx context.Context, configID, userID int64) error
	RemoveConfigUser(ctx context.Context, configID, userID int64) error
	ListConfigUsers(ctx context.Context, configID int64) ([]User, error)
	IsConfigUser(ctx context.Context, configID, userID int64) (bool, error)
}
