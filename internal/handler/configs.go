package handler

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haatos/pushdeploy/internal/security"
	"github.com/haatos/pushdeploy/internal/store"
	"github.com/haatos/pushdeploy/internal/util"
	"github.com/labstack/echo/v4"
)

func SetupConfigRoutes(
	g *echo.Group,
	configStore store.ConfigStore,
	webhookStore store.WebhookStore,
	encrypter security.Encrypter,
	webhookBaseURL string,
) {
	h := NewConfigHandler(configStore, webhookStore, encrypter, webhookBaseURL)
	g.GET("/configs", h.ListConfigs, IsAuthenticated)
	g.POST("/configs", h.PostConfig, IsAuthenticated)
	g.GET("/configs/:config_id", h.GetConfig, IsAuthenticated)
	g.PATCH("/configs/:config_id", h.PatchConfig, IsAuthenticated)
	g.DELETE("/configs/:config_id", h.DeleteConfig, IsAuthenticated)
	g.POST("/configs/:config_id/webhook", h.PostRotateWebhook, IsAuthenticated)
	g.POST("/docker/username", h.PostDockerUsername, IsAuthenticated)
}

// ConfigResponse never carries key material, only whether it exists.
type ConfigResponse struct {
	ConfigID          int64     `json:"config_id"`
	RepoURL           string    `json:"repo_url"`
	MainBranch        string    `json:"main_branch"`
	Platform          string    `json:"platform"`
	InstallationID    *int64    `json:"installation_id"`
	UseSSHForClone    bool      `json:"use_ssh_for_clone"`
	HasGitSSHKey      bool      `json:"has_git_ssh_key"`
	DeploySSHHost     *string   `json:"deploy_ssh_host"`
	DeploySSHPort     *int      `json:"deploy_ssh_port"`
	DeploySSHUsername *string   `json:"deploy_ssh_username"`
	DockerUsername    *string   `json:"docker_username"`
	CreatedOn         time.Time `json:"created_on"`
}

func toConfigResponse(rc *store.RepoConfig) ConfigResponse {
	return ConfigResponse{
		ConfigID:          rc.ConfigID,
		RepoURL:           rc.RepoURL,
		MainBranch:        rc.MainBranch,
		Platform:          rc.Platform,
		InstallationID:    rc.InstallationID,
		UseSSHForClone:    rc.UseSSHForClone,
		HasGitSSHKey:      rc.GitSSHPrivateKeyEncrypted != nil,
		DeploySSHHost:     rc.DeploySSHHost,
		DeploySSHPort:     rc.DeploySSHPort,
		DeploySSHUsername: rc.DeploySSHUsername,
		DockerUsername:    rc.DockerUsername,
		CreatedOn:         rc.CreatedOn,
	}
}

type ConfigHandler struct {
	configStore    store.ConfigStore
	webhookStore   store.WebhookStore
	encrypter      security.Encrypter
	webhookBaseURL string
}

func NewConfigHandler(
	configStore store.ConfigStore,
	webhookStore store.WebhookStore,
	encrypter security.Encrypter,
	webhookBaseURL string,
) *ConfigHandler {
	return &ConfigHandler{
		configStore:    configStore,
		webhookStore:   webhookStore,
		encrypter:      encrypter,
		webhookBaseURL: webhookBaseURL,
	}
}

// normalizeRepoURL canonicalizes user input so webhook payload matching
// works regardless of how the URL was pasted.
func normalizeRepoURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return u
}

func (h *ConfigHandler) readOwnedConfig(
	c echo.Context, configID int64,
) (*store.RepoConfig, error) {
	u := getCtxUser(c)
	rc, err := h.configStore.ReadConfigByID(c.Request().Context(), configID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(err, http.StatusNotFound, "config not found")
		}
		return nil, newError(err, http.StatusInternalServerError, "could not read config")
	}
	isOwner, err := h.configStore.IsConfigUser(c.Request().Context(), rc.ConfigID, u.UserID)
	if err != nil {
		return nil, newError(err, http.StatusInternalServerError, "could not check ownership")
	}
	if !isOwner {
		return nil, newError(nil, http.StatusForbidden, "not your config")
	}
	return rc, nil
}

func (h *ConfigHandler) ListConfigs(c echo.Context) error {
	u := getCtxUser(c)
	configs, err := h.configStore.ListConfigsForUser(c.Request().Context(), u.UserID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "could not list configs")
	}
	out := make([]ConfigResponse, len(configs))
	for i := range configs {
		out[i] = toConfigResponse(&configs[i])
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ConfigHandler) GetConfig(c echo.Context) error {
	var params ConfigIDParams
	if err := c.Bind(&params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid config id")
	}
	rc, err := h.readOwnedConfig(c, params.ConfigID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toConfigResponse(rc))
}

// PostConfig registers a repository + branch for deployment. The webhook
// secret is returned exactly once, in this response.
func (h *ConfigHandler) PostConfig(c echo.Context) error {
	u := getCtxUser(c)
	var params ConfigParams
	if err := c.Bind(&params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid config payload")
	}
	params.RepoURL = normalizeRepoURL(params.RepoURL)
	if params.RepoURL == "" || params.MainBranch == "" {
		return newError(nil, http.StatusBadRequest, "repo_url and main_branch are required")
	}

	rc := &store.RepoConfig{
		RepoURL:           params.RepoURL,
		MainBranch:        params.MainBranch,
		Platform:          "github",
		UseSSHForClone:    params.UseSSHForClone,
		GitSSHHostKey:     params.GitSSHHostKey,
		DeploySSHHost:     params.DeploySSHHost,
		DeploySSHPort:     params.DeploySSHPort,
		DeploySSHUsername: params.DeploySSHUsername,
		DockerUsername:    params.DockerUsername,
	}
	if params.GitSSHPrivateKey != nil && *params.GitSSHPrivateKey != "" {
		rc.GitSSHPrivateKeyEncrypted = util.AsPtr(h.encrypter.EncryptAES(*params.GitSSHPrivateKey))
	}
	if params.GitSSHPassphrase != nil && *params.GitSSHPassphrase != "" {
		rc.GitSSHKeyPassphraseEncrypted = util.AsPtr(h.encrypter.EncryptAES(*params.GitSSHPassphrase))
	}
	if params.DeploySSHKey != nil && *params.DeploySSHKey != "" {
		rc.DeploySSHKeyEncrypted = util.AsPtr(h.encrypter.EncryptAES(*params.DeploySSHKey))
	}

	created, err := h.configStore.CreateConfig(c.Request().Context(), rc)
	if err != nil {
		if isUniqueConstraintError(err) {
			return newError(err, http.StatusConflict, "repository and branch already configured")
		}
		return newError(err, http.StatusInternalServerError, "could not create config")
	}
	if err := h.configStore.AddConfigUser(
		c.Request().Context(), created.ConfigID, u.UserID,
	); err != nil {
		return newError(err, http.StatusInternalServerError, "could not assign config owner")
	}

	secret := security.GenerateRandomKey(32)
	webhookURL := fmt.Sprintf("%s/api/webhook", h.webhookBaseURL)
	if _, err := h.webhookStore.CreateWebhook(
		c.Request().Context(), created.ConfigID, h.encrypter.EncryptAES(secret), webhookURL,
	); err != nil {
		return newError(err, http.StatusInternalServerError, "could not create webhook")
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"config":         toConfigResponse(created),
		"webhook_url":    webhookURL,
		"webhook_secret": secret,
	})
}

func (h *ConfigHandler) PatchConfig(c echo.Context) error {
	var params ConfigParams
	if err := c.Bind(&params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid config payload")
	}
	rc, err := h.readOwnedConfig(c, params.ConfigID)
	if err != nil {
		return err
	}

	if params.RepoURL != "" {
		rc.RepoURL = normalizeRepoURL(params.RepoURL)
	}
	if params.MainBranch != "" {
		rc.MainBranch = params.MainBranch
	}
	rc.UseSSHForClone = params.UseSSHForClone
	if params.GitSSHPrivateKey != nil && *params.GitSSHPrivateKey != "" {
		rc.GitSSHPrivateKeyEncrypted = util.AsPtr(h.encrypter.EncryptAES(*params.GitSSHPrivateKey))
	}
	if params.GitSSHPassphrase != nil && *params.GitSSHPassphrase != "" {
		rc.GitSSHKeyPassphraseEncrypted = util.AsPtr(h.encrypter.EncryptAES(*params.GitSSHPassphrase))
	}
	if params.GitSSHHostKey != nil {
		rc.GitSSHHostKey = params.GitSSHHostKey
	}
	if params.DeploySSHHost != nil {
		rc.DeploySSHHost = params.DeploySSHHost
	}
	if params.DeploySSHPort != nil {
		rc.DeploySSHPort = params.DeploySSHPort
	}
	if params.DeploySSHUsername != nil {
		rc.DeploySSHUsername = params.DeploySSHUsername
	}
	if params.DeploySSHKey != nil && *params.DeploySSHKey != "" {
		rc.DeploySSHKeyEncrypted = util.AsPtr(h.encrypter.EncryptAES(*params.DeploySSHKey))
	}
	if params.DockerUsername != nil {
		rc.DockerUsername = params.DockerUsername
	}

	if err := h.configStore.UpdateConfig(c.Request().Context(), rc); err != nil {
		if isUniqueConstraintError(err) {
			return newError(err, http.StatusConflict, "repository and branch already configured")
		}
		return newError(err, http.StatusInternalServerError, "could not update config")
	}
	return c.JSON(http.StatusOK, toConfigResponse(rc))
}

func (h *ConfigHandler) DeleteConfig(c echo.Context) error {
	var params ConfigIDParams
	if err := c.Bind(&params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid config id")
	}
	rc, err := h.readOwnedConfig(c, params.ConfigID)
	if err != nil {
		return err
	}
	if err := h.configStore.DeleteConfig(c.Request().Context(), rc.ConfigID); err != nil {
		return newError(err, http.StatusInternalServerError, "could not delete config")
	}
	return c.NoContent(http.StatusNoContent)
}

// PostRotateWebhook replaces the stored webhook secret and returns the
// new one exactly once.
func (h *ConfigHandler) PostRotateWebhook(c echo.Context) error {
	var params ConfigIDParams
	if err := c.Bind(&params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid config id")
	}
	rc, err := h.readOwnedConfig(c, params.ConfigID)
	if err != nil {
		return err
	}

	if old, err := h.webhookStore.ReadWebhookByConfigID(
		c.Request().Context(), rc.ConfigID,
	); err == nil {
		if err := h.webhookStore.DeleteWebhook(c.Request().Context(), old.WebhookID); err != nil {
			return newError(err, http.StatusInternalServerError, "could not rotate webhook")
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "could not read webhook")
	}

	secret := security.GenerateRandomKey(32)
	webhookURL := fmt.Sprintf("%s/api/webhook", h.webhookBaseURL)
	if _, err := h.webhookStore.CreateWebhook(
		c.Request().Context(), rc.ConfigID, h.encrypter.EncryptAES(secret), webhookURL,
	); err != nil {
		return newError(err, http.StatusInternalServerError, "could not create webhook")
	}

	return c.JSON(http.StatusOK, map[string]string{
		"webhook_url":    webhookURL,
		"webhook_secret": secret,
	})
}

func (h *ConfigHandler) PostDockerUsername(c echo.Context) error {
	var params DockerUsernameParams
	if err := c.Bind(&params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid payload")
	}
	if params.DockerUsername == "" {
		return newError(nil, http.StatusBadRequest, "docker_username is required")
	}
	rc, err := h.readOwnedConfig(c, params.ConfigID)
	if err != nil {
		return err
	}
	if err := h.configStore.SetDockerUsername(
		c.Request().Context(), rc.ConfigID, params.DockerUsername,
	); err != nil {
		return newError(err, http.StatusInternalServerError, "could not update docker username")
	}
	return c.JSON(http.StatusOK, map[string]string{"detail": "docker username updated"})
}
