package internal

const (
	DotEnvPath    = "./.env"
	MigrationsDir = "migrations"
	SessionCookie = "session"

	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"

	DBTimestampLayout  = "2006-01-02 15:04:05"
	LogTimestampLayout = "2006-01-02 15:04:05 UTC"

	DefaultLogCap = 20000
)
