package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haatos/pushdeploy/internal"
	"github.com/haatos/pushdeploy/internal/queue"
	"github.com/haatos/pushdeploy/internal/security"
	"github.com/haatos/pushdeploy/internal/service"
	"github.com/haatos/pushdeploy/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupWebhookRoutes(
	g *echo.Group,
	configStore store.ConfigStore,
	runStore store.RunStore,
	webhookStore store.WebhookStore,
	encrypter security.Encrypter,
	jobQueue queue.Queue,
	firewall *service.Firewall,
	webhookSecret []byte,
) {
	h := NewWebhookHandler(
		configStore, runStore, webhookStore, encrypter, jobQueue, firewall, webhookSecret)
	g.POST("/webhook", h.PostWebhook)
}

type WebhookHandler struct {
	configStore   store.ConfigStore
	runStore      store.RunStore
	webhookStore  store.WebhookStore
	encrypter     security.Encrypter
	queue         queue.Queue
	firewall      *service.Firewall
	webhookSecret []byte
}

func NewWebhookHandler(
	configStore store.ConfigStore,
	runStore store.RunStore,
	webhookStore store.WebhookStore,
	encrypter security.Encrypter,
	jobQueue queue.Queue,
	firewall *service.Firewall,
	webhookSecret []byte,
) *WebhookHandler {
	return &WebhookHandler{
		configStore:   configStore,
		runStore:      runStore,
		webhookStore:  webhookStore,
		encrypter:     encrypter,
		queue:         jobQueue,
		firewall:      firewall,
		webhookSecret: webhookSecret,
	}
}

// PostWebhook is the platform-facing intake. Push events verify against
// the secret issued for the matched repository when one exists, with the
// process-wide secret as fallback; everything heavier than the dedup
// lookup happens in the worker.
func (h *WebhookHandler) PostWebhook(c echo.Context) error {
	if len(h.webhookSecret) == 0 {
		return newError(nil, http.StatusInternalServerError, "webhook secret not configured")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return newError(err, http.StatusBadRequest, "unreadable request body")
	}

	signature := c.Request().Header.Get(internal.SignatureHeader)
	if _, err := security.ParseSignature(signature); err != nil {
		h.firewall.Strike(c.RealIP())
		return newError(err, http.StatusBadRequest, "malformed signature header")
	}

	event := c.Request().Header.Get(internal.EventHeader)
	deliveryID := c.Request().Header.Get(internal.DeliveryHeader)
	if deliveryID == "" {
		return newError(nil, http.StatusBadRequest, "missing delivery id")
	}

	switch event {
	case "ping":
		if err := h.verify(c, body, nil); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"detail": "pong"})
	case "installation", "installation_repositories":
		if err := h.verify(c, body, nil); err != nil {
			return err
		}
		return h.handleInstallation(c, body)
	case "push":
		return h.handlePush(c, body, deliveryID)
	default:
		if err := h.verify(c, body, nil); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{
			"detail": fmt.Sprintf("event %q ignored", event),
		})
	}
}

// verify checks the signature against each per-repo candidate secret and
// finally the process-wide secret, so repositories without an issued
// secret keep working.
func (h *WebhookHandler) verify(c echo.Context, body []byte, perRepo [][]byte) error {
	header := c.Request().Header.Get(internal.SignatureHeader)
	for _, secret := range append(perRepo, h.webhookSecret) {
		if security.VerifySignature(body, header, secret) == nil {
			return nil
		}
	}
	h.firewall.Strike(c.RealIP())
	return newError(security.ErrSignatureMismatch, http.StatusForbidden, "signature mismatch")
}

func (h *WebhookHandler) handlePush(c echo.Context, body []byte, deliveryID string) error {
	var ev pushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.firewall.Strike(c.RealIP())
		return newError(err, http.StatusBadRequest, "malformed push payload")
	}

	branch, ok := strings.CutPrefix(ev.Ref, "refs/heads/")
	if !ok {
		return c.JSON(http.StatusOK, map[string]string{"detail": "non-branch ref ignored"})
	}
	if ev.Deleted || ev.After == "" || ev.After == strings.Repeat("0", 40) {
		return c.JSON(http.StatusOK, map[string]string{"detail": "branch deletion ignored"})
	}

	configs, err := h.lookupConfigs(c, &ev)
	if err != nil {
		return err
	}
	if err := h.verify(c, body, h.repoSecrets(c, configs)); err != nil {
		return err
	}

	var rc *store.RepoConfig
	for i := range configs {
		if configs[i].MainBranch == branch {
			rc = &configs[i]
			break
		}
	}
	if rc == nil {
		// a repo we know, pushed on a branch we do not deploy
		return c.JSON(http.StatusOK, map[string]string{"detail": "branch not configured"})
	}

	// a redelivered webhook must not start a second pipeline
	if existing, err := h.runStore.ReadRunByTriggerEventID(
		c.Request().Context(), deliveryID,
	); err == nil {
		return c.JSON(http.StatusOK, map[string]any{
			"detail":      "duplicate delivery",
			"pipeline_id": existing.RunID,
		})
	} else if !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "could not check delivery")
	}

	initialLogs := fmt.Sprintf(
		"[%s] webhook accepted for %s at %s\n",
		time.Now().UTC().Format(internal.LogTimestampLayout),
		rc.RepoURL,
		ev.After,
	)

	// the worker creates the PipelineRun; the unique trigger event id
	// makes a job enqueued twice collapse onto one run
	job := queue.PipelineJob{
		ConfigID:       rc.ConfigID,
		CommitSHA:      ev.After,
		TriggerEventID: deliveryID,
		InitialLogs:    initialLogs,
		RepoURL:        rc.RepoURL,
		MainBranch:     rc.MainBranch,
		DockerUsername: rc.DockerUsername,
	}
	if err := h.queue.EnqueuePipeline(c.Request().Context(), job); err != nil {
		return newError(err, http.StatusInternalServerError, "could not enqueue pipeline")
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"detail":           "pipeline queued",
		"trigger_event_id": deliveryID,
	})
}

// lookupConfigs resolves the pushed repository to its configs, trying each
// URL form the payload carries.
func (h *WebhookHandler) lookupConfigs(
	c echo.Context, ev *pushEvent,
) ([]store.RepoConfig, error) {
	candidates := []string{ev.Repo.CloneURL, ev.Repo.HTMLURL, ev.Repo.SSHURL}
	for _, raw := range candidates {
		if raw == "" {
			continue
		}
		for _, u := range []string{raw, strings.TrimSuffix(raw, ".git")} {
			configs, err := h.configStore.ListConfigsByRepoURL(c.Request().Context(), u)
			if err != nil {
				return nil, newError(err, http.StatusInternalServerError, "could not read configs")
			}
			if len(configs) > 0 {
				return configs, nil
			}
		}
	}
	h.firewall.Strike(c.RealIP())
	return nil, newError(nil, http.StatusBadRequest, "repository not registered")
}

// repoSecrets decrypts the webhook secrets issued for the matched
// configs. A missing row means the config never got one; a decryption
// failure is treated as a candidate that will not match, exactly like a
// wrong secret.
func (h *WebhookHandler) repoSecrets(c echo.Context, configs []store.RepoConfig) [][]byte {
	var secrets [][]byte
	for i := range configs {
		w, err := h.webhookStore.ReadWebhookByConfigID(
			c.Request().Context(), configs[i].ConfigID)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				c.Logger().Errorf("err reading webhook for config %d: %+v\n",
					configs[i].ConfigID, err)
			}
			continue
		}
		secret, err := h.encrypter.DecryptAES(w.SecretEncrypted)
		if err != nil {
			c.Logger().Errorf("err decrypting webhook secret for config %d: %+v\n",
				configs[i].ConfigID, err)
			continue
		}
		secrets = append(secrets, secret)
	}
	return secrets
}

func (h *WebhookHandler) handleInstallation(c echo.Context, body []byte) error {
	var ev installationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return newError(err, http.StatusBadRequest, "malformed installation payload")
	}

	repos := ev.Repositories
	action := ev.Action
	switch action {
	case "added":
		repos = ev.RepositoriesAdded
	case "removed":
		repos = ev.RepositoriesRemoved
	}

	urls := make([]string, 0, len(repos))
	for _, r := range repos {
		if r.FullName != "" {
			urls = append(urls, "https://github.com/"+r.FullName)
		}
	}

	job := queue.InstallationJob{
		InstallationID: ev.Installation.ID,
		Action:         action,
		RepoURLs:       urls,
	}
	if err := h.queue.EnqueueInstallation(c.Request().Context(), job); err != nil {
		return newError(err, http.StatusInternalServerError, "could not enqueue installation sync")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"detail": "installation sync queued"})
}
