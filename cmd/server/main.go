package main

import (
	"context"
	"log"
	"time"

	"github.com/haatos/pushdeploy/internal"
	"github.com/haatos/pushdeploy/internal/handler"
	"github.com/haatos/pushdeploy/internal/queue"
	"github.com/haatos/pushdeploy/internal/security"
	"github.com/haatos/pushdeploy/internal/service"
	"github.com/haatos/pushdeploy/internal/settings"
	"github.com/haatos/pushdeploy/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	_ "modernc.org/sqlite"
)

const commandTimeout = 15 * time.Minute

func main() {
	settings.ReadDotenv(".env")
	settings.Settings = settings.NewSettings()
	hashKey, blockKey := security.NewKeys()

	rdb := store.InitDatabase(true)
	defer rdb.Close()
	rwdb := store.InitDatabase(false)
	defer rwdb.Close()
	store.RunMigrations(rwdb, "migrations")

	redisClient := redis.NewClient(&redis.Options{Addr: settings.Settings.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("err connecting to redis:", err)
	}

	userStore := store.NewUserSQLiteStore(rdb, rwdb)
	configStore := store.NewConfigSQLiteStore(rdb, rwdb)
	runStore := store.NewRunSQLiteStore(rdb, rwdb)
	webhookStore := store.NewWebhookSQLiteStore(rdb, rwdb)

	encrypter := security.NewAESEncrypter([]byte(settings.Settings.EncryptionKey))
	cookieSvc := service.NewCookieService(hashKey, blockKey)
	notifier := service.NewRedisNotifier(redisClient, configStore)
	jobQueue := queue.NewRedisQueue(redisClient, queue.DefaultKey)

	firewall := service.NewFirewall(
		settings.Settings.FirewallThreshold,
		settings.Settings.FirewallWindow,
		settings.Settings.FirewallCooldown,
	)
	scheduler := service.NewScheduler()
	defer func() { _ = scheduler.Shutdown() }()
	if err := firewall.StartSweeper(scheduler, time.Minute); err != nil {
		log.Fatal("err scheduling firewall sweeper:", err)
	}

	runner := service.NewExecRunner(commandTimeout)
	gitSvc := service.NewGitSyncService(settings.Settings.WorkspaceDir, runner, encrypter)
	if err := gitSvc.StartCleaner(scheduler, 24*time.Hour, configStore); err != nil {
		log.Fatal("err scheduling workspace cleaner:", err)
	}
	scheduler.Start()
	dockerSvc := service.NewDockerService(runner)
	screener := service.NewScreener()
	archiveSvc := service.NewArchiveService(settings.Settings.WorkspaceDir+"/logs", encrypter)
	statusSvc := service.NewStatusService(runStore, notifier, settings.Settings.LogCap)

	pool := service.NewWorkerPool(
		jobQueue,
		configStore,
		runStore,
		statusSvc,
		gitSvc,
		dockerSvc,
		screener,
		archiveSvc,
		settings.Settings.WorkerCount,
	)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go pool.Start(workerCtx)

	e := setupEcho()
	e.Use(handler.FirewallMiddleware(firewall))
	api := e.Group("/api", handler.SessionMiddleware(cookieSvc, userStore))
	handler.SetupWebhookRoutes(
		api, configStore, runStore, webhookStore, encrypter, jobQueue, firewall,
		[]byte(settings.Settings.WebhookSecret),
	)
	handler.SetupPipelineRoutes(api, runStore, configStore, notifier)
	handler.SetupConfigRoutes(
		api, configStore, webhookStore, encrypter, settings.Settings.BaseURL())

	internal.GracefulShutdown(e, settings.Settings.Port)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Use(
		middleware.CORSWithConfig(internal.GetCORSConfig()),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()),
	)
	return e
}
