package handler

type ConfigParams struct {
	ConfigID          int64   `json:"config_id"            param:"config_id"`
	RepoURL           string  `json:"repo_url"`
	MainBranch        string  `json:"main_branch"`
	UseSSHForClone    bool    `json:"use_ssh_for_clone"`
	GitSSHPrivateKey  *string `json:"git_ssh_private_key"`
	GitSSHPassphrase  *string `json:"git_ssh_passphrase"`
	GitSSHHostKey     *string `json:"git_ssh_host_key"`
	DeploySSHHost     *string `json:"deploy_ssh_host"`
	DeploySSHPort     *int    `json:"deploy_ssh_port"`
	DeploySSHUsername *string `json:"deploy_ssh_username"`
	DeploySSHKey      *string `json:"deploy_ssh_key"`
	DockerUsername    *string `json:"docker_username"`
}

type RunParams struct {
	RunID int64 `param:"pipeline_id"`
}

type ConfigIDParams struct {
	ConfigID int64 `param:"config_id"`
}

type DockerUsernameParams struct {
	ConfigID       int64  `json:"config_id"`
	DockerUsername string `json:"docker_username"`
}

// pushEvent is the subset of a push webhook payload the intake needs.
type pushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
	Repo    struct {
		CloneURL string `json:"clone_url"`
		SSHURL   string `json:"ssh_url"`
		HTMLURL  string `json:"html_url"`
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// installationEvent covers both installation and installation_repositories
// webhook payloads.
type installationEvent struct {
	Action       string `json:"action"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repositories        []installationRepo `json:"repositories"`
	RepositoriesAdded   []installationRepo `json:"repositories_added"`
	RepositoriesRemoved []installationRepo `json:"repositories_removed"`
}

type installationRepo struct {
	FullName string `json:"full_name"`
}
