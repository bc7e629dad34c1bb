package settings

import (
	"bufio"
	"fmt"
	"log"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var Settings *AppSettings

type AppSettings struct {
	Domain         string
	Port           string
	SQLiteDatabase string
	RedisAddr      string
	WorkspaceDir   string
	LogCap         int
	WorkerCount    int

	// shared secret for webhook signature verification; empty means the
	// intake endpoint refuses every delivery with a server error
	WebhookSecret string
	// symmetric key for secrets at rest; the process refuses to start
	// without it
	EncryptionKey string

	FirewallThreshold int
	FirewallWindow    time.Duration
	FirewallCooldown  time.Duration
}

func NewSettings() *AppSettings {
	settings := AppSettings{
		Domain:         getEnvOrDefault("PUSHDEPLOY_DOMAIN", "localhost"),
		Port:           getEnvOrDefault("PUSHDEPLOY_PORT", ":8080"),
		SQLiteDatabase: getEnvOrDefault("PUSHDEPLOY_DB_PATH", "file:.///db.sqlite"),
		RedisAddr:      getEnvOrDefault("PUSHDEPLOY_REDIS_ADDR", "localhost:6379"),
		WorkspaceDir:   getEnvOrDefault("PUSHDEPLOY_WORKSPACE_DIR", "ci_workspace"),
		LogCap:         getEnvIntOrDefault("PUSHDEPLOY_LOG_CAP", 20000),
		WorkerCount:    getEnvIntOrDefault("PUSHDEPLOY_WORKER_COUNT", 2),
		WebhookSecret:  os.Getenv("GITHUB_WEBHOOK_SECRET"),
		EncryptionKey:  os.Getenv("PUSHDEPLOY_SECRET_KEY"),

		FirewallThreshold: getEnvIntOrDefault("PUSHDEPLOY_FIREWALL_THRESHOLD", 5),
		FirewallWindow: time.Duration(
			getEnvIntOrDefault("PUSHDEPLOY_FIREWALL_WINDOW_SECONDS", 60),
		) * time.Second,
		FirewallCooldown: time.Duration(
			getEnvIntOrDefault("PUSHDEPLOY_FIREWALL_COOLDOWN_SECONDS", 900),
		) * time.Second,
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	if settings.EncryptionKey == "" {
		log.Fatal("PUSHDEPLOY_SECRET_KEY is missing from the environment")
	}
	if n := len(settings.EncryptionKey); n != 16 && n != 24 && n != 32 {
		log.Fatal("PUSHDEPLOY_SECRET_KEY must be 16, 24 or 32 bytes long")
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("%s must be an integer, got %q", key, value)
	}
	return n
}

func (as *AppSettings) BaseURL() string {
	if as.Domain == "localhost" {
		return fmt.Sprintf("http://%s%s", as.Domain, as.Port)
	}
	return fmt.Sprintf("https://%s", as.Domain)
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_journal_mode", "WAL")
	params.Add("_busy_timeout", "5000")
	params.Add("_synchronous", "NORMAL")
	params.Add("_cache_size", "-20000")
	params.Add("_foreign_keys", "ON")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "IMMEDIATE")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

func ReadDotenv(path string) {
	re := regexp.MustCompile(`^[^0-9][A-Z0-9_]+=.+$`)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] != '#' && re.Match(line) {
			split := strings.SplitN(string(line), "=", 2)
			name := strings.TrimSpace(split[0])
			value := strings.TrimSpace(split[1])
			value = strings.Trim(value, `"`)
			os.Setenv(name, value)
		}
	}
}
