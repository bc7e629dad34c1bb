package store

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

const configColumns = `
	config_id, repo_url, main_branch, platform, installation_id,
	use_ssh_for_clone, git_ssh_private_key_encrypted,
	git_ssh_key_passphrase_encrypted, git_ssh_host_key,
	deploy_ssh_host, deploy_ssh_port, deploy_ssh_username,
	deploy_ssh_key_encrypted, docker_username, created_on
`

type ConfigSQLiteStore struct {
	rdb  *sql.DB
	rwdb *sql.DB
}

func NewConfigSQLiteStore(rdb, rwdb *sql.DB) *ConfigSQLiteStore {
	return &ConfigSQLiteStore{rdb: rdb, rwdb: rwdb}
}

func (s *ConfigSQLiteStore) CreateConfig(ctx context.Context, rc *RepoConfig) (*RepoConfig, error) {
	var created RepoConfig
	err := sqlscan.Get(
		ctx, s.rwdb, &created,
		`
		insert into repo_configs (
			repo_url, main_branch, platform, installation_id,
			use_ssh_for_clone, git_ssh_private_key_encrypted,
			git_ssh_key_passphrase_encrypted, git_ssh_host_key,
			deploy_ssh_host, deploy_ssh_port, deploy_ssh_username,
			deploy_ssh_key_encrypted, docker_username
		)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		returning `+configColumns,
		rc.RepoURL, rc.MainBranch, rc.Platform, rc.InstallationID,
		rc.UseSSHForClone, rc.GitSSHPrivateKeyEncrypted,
		rc.GitSSHKeyPassphraseEncrypted, rc.GitSSHHostKey,
		rc.DeploySSHHost, rc.DeploySSHPort, rc.DeploySSHUsername,
		rc.DeploySSHKeyEncrypted, rc.DockerUsername,
	)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *ConfigSQLiteStore) ReadConfigByID(ctx context.Context, configID int64) (*RepoConfig, error) {
	var rc RepoConfig
	err := sqlscan.Get(
		ctx, s.rdb, &rc,
		`select `+configColumns+` from repo_configs where config_id = ?`,
		configID,
	)
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (s *ConfigSQLiteStore) ReadConfigByRepoAndBranch(
	ctx context.Context, repoURL, branch string,
) (*RepoConfig, error) {
	var rc RepoConfig
	err := sqlscan.Get(
		ctx, s.rdb, &rc,
		`select `+configColumns+` from repo_configs where repo_url = ? and main_branch = ?`,
		repoURL, branch,
	)
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (s *ConfigSQLiteStore) ListConfigsByRepoURL(
	ctx context.Context, repoURL string,
) ([]RepoConfig, error) {
	var rcs []RepoConfig
	err := sqlscan.Select(
		ctx, s.rdb, &rcs,
		`select `+configColumns+` from repo_configs where repo_url = ? order by config_id`,
		repoURL,
	)
	if err != nil {
		return nil, err
	}
	return rcs, nil
}

func (s *ConfigSQLiteStore) ListConfigsForUser(
	ctx context.Context, userID int64,
) ([]RepoConfig, error) {
	var rcs []RepoConfig
	err := sqlscan.Select(
		ctx, s.rdb, &rcs,
		`
		select rc.config_id, rc.repo_url, rc.main_branch, rc.platform,
			rc.installation_id, rc.use_ssh_for_clone,
			rc.git_ssh_private_key_encrypted,
			rc.git_ssh_key_passphrase_encrypted, rc.git_ssh_host_key,
			rc.deploy_ssh_host, rc.deploy_ssh_port, rc.deploy_ssh_username,
			rc.deploy_ssh_key_encrypted, rc.docker_username, rc.created_on
		from repo_configs rc
		join config_users cu on cu.config_id = rc.config_id
		where cu.user_id = ?
		order by rc.config_id
		`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return rcs, nil
}

func (s *ConfigSQLiteStore) UpdateConfig(ctx context.Context, rc *RepoConfig) error {
	_, err := s.rwdb.ExecContext(
		ctx,
		`
		update repo_configs
		set repo_url = ?, main_branch = ?, platform = ?,
			use_ssh_for_clone = ?, git_ssh_private_key_encrypted = ?,
			git_ssh_key_passphrase_encrypted = ?, git_ssh_host_key = ?,
			deploy_ssh_host = ?, deploy_ssh_port = ?, deploy_ssh_username = ?,
			deploy_ssh_key_encrypted = ?, docker_username = ?
		where config_id = ?
		`,
		rc.RepoURL, rc.MainBranch, rc.Platform,
		rc.UseSSHForClone, rc.GitSSHPrivateKeyEncrypted,
		rc.GitSSHKeyPassphraseEncrypted, rc.GitSSHHostKey,
		rc.DeploySSHHost, rc.DeploySSHPort, rc.DeploySSHUsername,
		rc.DeploySSHKeyEncrypted, rc.DockerUsername,
		rc.ConfigID,
	)
	return err
}

func (s *ConfigSQLiteStore) DeleteConfig(ctx context.Context, configID int64) error {
	_, err := s.rwdb.ExecContext(
		ctx, `delete from repo_configs where config_id = ?`, configID)
	return err
}

// SetInstallationID stamps the platform installation id on every config
// registered for the repository URL and returns how many rows it touched.
// Zero rows means the repository has no config yet.
func (s *ConfigSQLiteStore) SetInstallationID(
	ctx context.Context, repoURL string, installationID int64,
) (int64, error) {
	res, err := s.rwdb.ExecContext(
		ctx,
		`update repo_configs set installation_id = ? where repo_url = ?`,
		installationID, repoURL,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearInstallationID detaches every config from a removed installation.
func (s *ConfigSQLiteStore) ClearInstallationID(
	ctx context.Context, installationID int64,
) (int64, error) {
	res, err := s.rwdb.ExecContext(
		ctx,
		`update repo_configs set installation_id = null where installation_id = ?`,
		installationID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *ConfigSQLiteStore) ClearInstallationForRepo(
	ctx context.Context, repoURL string,
) (int64, error) {
	res, err := s.rwdb.ExecContext(
		ctx,
		`update repo_configs set installation_id = null where repo_url = ?`,
		repoURL,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *ConfigSQLiteStore) SetDockerUsername(
	ctx context.Context, configID int64, dockerUsername string,
) error {
	_, err := s.rwdb.ExecContext(
		ctx,
		`update repo_configs set docker_username = ? where config_id = ?`,
		dockerUsername, configID,
	)
	return err
}

func (s *ConfigSQLiteStore) AddConfigUser(ctx context.Context, configID, userID int64) error {
	_, err := s.rwdb.ExecContext(
		ctx,
		`insert or ignore into config_users (config_id, user_id) values (?, ?)`,
		configID, userID,
	)
	return err
}

func (s *ConfigSQLiteStore) RemoveConfigUser(ctx context.Context, configID, userID int64) error {
	_, err := s.rwdb.ExecContext(
		ctx,
		`delete from config_users where config_id = ? and user_id = ?`,
		configID, userID,
	)
	return err
}

func (s *ConfigSQLiteStore) ListConfigUsers(
	ctx context.Context, configID int64,
) ([]User, error) {
	var users []User
	err := sqlscan.Select(
		ctx, s.rdb, &users,
		`
		select u.user_id, u.username, u.created_on
		from users u
		join config_users cu on cu.user_id = u.user_id
		where cu.config_id = ?
		order by u.user_id
		`,
		configID,
	)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *ConfigSQLiteStore) IsConfigUser(
	ctx context.Context, configID, userID int64,
) (bool, error) {
	var n int
	err := sqlscan.Get(
		ctx, s.rdb, &n,
		`select count(*) from config_users where config_id = ? and user_id = ?`,
		configID, userID,
	)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
