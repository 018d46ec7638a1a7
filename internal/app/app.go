package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/clothman/internal/auth"
	"github.com/hitoshi/clothman/internal/config"
	"github.com/hitoshi/clothman/internal/database"
	"github.com/hitoshi/clothman/internal/handler"
	"github.com/hitoshi/clothman/internal/logger"
	"github.com/hitoshi/clothman/internal/mailer"
	"github.com/hitoshi/clothman/internal/metrics"
	"github.com/hitoshi/clothman/internal/middleware"
	"github.com/hitoshi/clothman/internal/model"
	"github.com/hitoshi/clothman/internal/product"
	"github.com/hitoshi/clothman/internal/repository"
	"github.com/hitoshi/clothman/internal/security"
	"github.com/hitoshi/clothman/internal/user"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envと環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		action, ok := ParseMigrateAction(args)
		if !ok {
			return fmt.Errorf("unknown migrate action %q (want up, down or version)", args[1])
		}
		return runMigrate(cfg, action)
	case CommandCreateAdmin:
		return runCreateAdmin(cfg)
	default:
		return runServe(cfg)
	}
}

// services はserveとcreate-adminで共有するサービス群。
type services struct {
	collector *metrics.Collector
	registry  *prometheus.Registry
	tokens    *security.TokenManager
	auth      *auth.Service
	users     *user.Service
	products  *product.Service
}

// buildServices は設定とDB接続から全サービスを組み立てる。
func buildServices(cfg *config.Config, db *sql.DB) *services {
	store := repository.NewPostgresStore()
	hasher := security.NewBcryptHasher(cfg.BcryptCost)
	tokens := security.NewTokenManager(security.TokenConfig{
		Secret:     []byte(cfg.JWTSecret),
		SessionTTL: cfg.SessionTokenTTL,
		ResetTTL:   cfg.ResetTokenTTL,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	return &services{
		collector: collector,
		registry:  registry,
		tokens:    tokens,
		auth: auth.NewService(db, store, hasher, tokens, newNotifier(cfg), collector, auth.ServiceConfig{
			RevokeTokensOnPasswordChange: cfg.RevokeTokensOnPasswordChange,
		}),
		users: user.NewService(db, store, hasher, collector, user.ServiceConfig{
			EnforceSingleAdmin: cfg.EnforceSingleAdmin,
			FallbackOwnerRoles: cfg.FallbackOwnerRoles,
		}),
		products: product.NewService(db, store, security.NewTextSanitizer()),
	}
}

// newNotifier はSendGridのAPIキーが設定されていればメール送信、なければログ出力の通知を返す。
func newNotifier(cfg *config.Config) auth.ResetNotifier {
	if cfg.SendGridAPIKey == "" {
		slog.Warn("SENDGRID_API_KEY is not set; reset tokens will not be delivered")
		return mailer.NewLogNotifier(slog.Default())
	}
	return mailer.NewSendGridNotifier(mailer.Config{
		APIKey:       cfg.SendGridAPIKey,
		FromAddress:  cfg.MailFrom,
		ResetURLBase: cfg.ResetURLBase,
		ResetTTL:     cfg.ResetTokenTTL,
	}, slog.Default())
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	pool := database.DefaultPoolConfig()
	pool.MaxOpenConns = cfg.DBMaxOpenConns

	db, err := database.Open(cfg.DatabaseURL, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newRateLimiterConfig は1分あたりのリクエスト数の設定をレートリミッターの設定に変換する。
func newRateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	rl.GeneralRate, rl.GeneralBurst = middleware.PerMinute(cfg.RateLimitGeneral)
	rl.AuthRate, rl.AuthBurst = middleware.PerMinute(cfg.RateLimitAuth)
	return rl
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. サービスの初期化
	svc := buildServices(cfg, db)

	rateLimiter := middleware.NewRateLimiter(newRateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	// 3. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		TokenVerifier:     svc.tokens,
		SessionValidator:  svc.auth,
		HTTPRecorder:      svc.collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TrustProxy:        cfg.TrustProxy,

		DB:             db,
		MetricsHandler: metrics.Handler(svc.registry),

		AuthService:    svc.auth,
		UserService:    svc.users,
		ProductService: svc.products,
	})

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 送信中のリセットメールを待つ
	svc.auth.WaitForNotifications()

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		slog.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runCreateAdmin は環境変数ADMIN_*の内容で管理者ユーザーを作成する。
// 同名のユーザーが存在する場合はパスワード、氏名、メールアドレスを更新し、ロールをADMINにする。
func runCreateAdmin(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := buildServices(cfg, db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, created, err := svc.users.EnsureAdmin(ctx, user.CreateInput{
		Username: cfg.AdminUsername,
		FullName: cfg.AdminFullName,
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
		Role:     model.RoleAdmin,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}

	action := "updated"
	if created {
		action = "created"
	}
	slog.Info("admin user "+action,
		slog.Int64("user_id", admin.ID),
		slog.String("username", admin.Username),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
