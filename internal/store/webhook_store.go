package store

import (
	"context"
	"time"
)

type Webhook struct {
	WebhookID       int64
	WebhookConfigID int64
	SecretEncrypted string
	URL             string
	CreatedOn       time.Time
}

type WebhookStore interface {
	CreateWebhook(ctx context.Context, configID int64, secretEncrypted, url string) (*Webhook, error)
	ReadWebhookByConfigID(ctx context.Context, configID int64) (*Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID int64) error
}
