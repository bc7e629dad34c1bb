package store

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type WebhookSQLiteStore struct {
	rdb  *sql.DB
	rwdb *sql.DB
}

func NewWebhookSQLiteStore(rdb, rwdb *sql.DB) *WebhookSQLiteStore {
	return &WebhookSQLiteStore{rdb: rdb, rwdb: rwdb}
}

func (s *WebhookSQLiteStore) CreateWebhook(
	ctx context.Context, configID int64, secretEncrypted, url string,
) (*Webhook, error) {
	var w Webhook
	err := sqlscan.Get(
		ctx, s.rwdb, &w,
		`
		insert into webhooks (webhook_config_id, secret_encrypted, url)
		values (?, ?, ?)
		returning webhook_id, webhook_config_id, secret_encrypted, url, created_on
		`,
		configID, secretEncrypted, url,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *WebhookSQLiteStore) ReadWebhookByConfigID(
	ctx context.Context, configID int64,
) (*Webhook, error) {
	var w Webhook
	err := sqlscan.Get(
		ctx, s.rdb, &w,
		`
		select webhook_id, webhook_config_id, secret_encrypted, url, created_on
		from webhooks
		where webhook_config_id = ?
		order by webhook_id desc
		limit 1
		`,
		configID,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *WebhookSQLiteStore) DeleteWebhook(ctx context.Context, webhookID int64) error {
	_, err := s.rwdb.ExecContext(ctx, `delete from webhooks where webhook_id = ?`, webhookID)
	return err
}
