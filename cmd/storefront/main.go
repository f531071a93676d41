package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/d1gallar/forest/internal/auth"
	"github.com/d1gallar/forest/internal/cache"
	"github.com/d1gallar/forest/internal/config"
	h "github.com/d1gallar/forest/internal/http"
	"github.com/d1gallar/forest/internal/logger"
	"github.com/d1gallar/forest/internal/payment"
	"github.com/d1gallar/forest/internal/poller"
	"github.com/d1gallar/forest/internal/pricing"
	"github.com/d1gallar/forest/internal/publisher"
	"github.com/d1gallar/forest/internal/repository"
	"github.com/d1gallar/forest/internal/service"
	"github.com/d1gallar/forest/internal/sessions"
)

func main() {
	app := &cli.App{
		Name:  "storefront",
		Usage: "cart, checkout and order service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "optional config file", EnvVars: []string{"CONFIG_FILE"}},
		},
		Action: serve,
		Commands: []*cli.Command{
			{Name: "serve", Usage: "run the HTTP and gRPC servers", Action: serve},
			{Name: "migrate", Usage: "apply checkout session migrations", Action: migrate},
			{
				Name:  "token",
				Usage: "issue an access token for local testing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
				},
				Action: issueToken,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(c.String("config"))
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

func credentials(cfg *config.Config) *sessions.Credentials {
	return &sessions.Credentials{
		Host:              cfg.DBHost,
		Port:              cfg.DBPort,
		User:              cfg.DBUser,
		Password:          cfg.DBPassword,
		DBName:            cfg.DBName,
		MigrationsDirPath: cfg.MigrationsPath,
	}
}

func migrate(c *cli.Context) error {
	_, cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)

	creds := credentials(cfg)
	repo, err := sessions.NewRepository(creds)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer repo.Close()

	if err := repo.RunMigrations(creds); err != nil {
		return err
	}
	log.Info().Msg("database migrations completed")
	return nil
}

func issueToken(c *cli.Context) error {
	_, cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.JWTAccessSecret == "" {
		return errors.New("JWT_ACCESS_SECRET is required")
	}
	token, err := auth.NewTokenManager(cfg.JWTAccessSecret, cfg.AccessTokenTTL).Issue(c.String("user"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func serve(c *cli.Context) error {
	loader, cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.RequireSecrets(); err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel, cfg.LogPretty)
	loader.Watch(func(next *config.Config) {
		logger.SetGlobalLevel(next.LogLevel)
		log.Info().Str("level", next.LogLevel).Msg("log level reloaded")
	}, func(err error) {
		log.Error().Err(err).Msg("failed to reload config")
	})
	log.Info().Msg("storefront starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Document store
	mongoDB, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		return fmt.Errorf("failed to connect to mongo: %w", err)
	}
	defer func() { _ = mongoDB.Client().Disconnect(context.Background()) }()
	if err := repository.EnsureIndexes(ctx, mongoDB); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	// Cart cache
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	cartCache := cache.NewRedisCache(redisClient, cfg.CartCacheTTL)

	// Checkout sessions
	creds := credentials(cfg)
	sessionRepo, err := sessions.NewRepository(creds)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer sessionRepo.Close()
	if err := sessionRepo.RunMigrations(creds); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().Msg("database migrations completed")

	stripeGateway := payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.GatewayTimeout, log)
	gateway := payment.NewResilientGateway(stripeGateway, cfg.GatewayTimeout, log)

	carts := repository.NewCartRepository(mongoDB)
	orders := repository.NewOrderRepository(mongoDB)

	cartService := service.NewCartService(carts, cartCache, repository.NewProductCatalog(mongoDB),
		pricing.NewEngine(cfg.ShippingCost, cfg.TaxRate), log)
	checkoutService := service.NewCheckoutService(sessionRepo, cartService, repository.NewAddressBook(mongoDB), gateway,
		service.CheckoutConfig{Currency: cfg.Currency, ReturnURL: cfg.PublicURL + "/checkout/complete"}, log)
	orderService := service.NewOrderService(orders, repository.NewRefundRepository(mongoDB), gateway, sessionRepo, log)
	reconciler := service.NewWebhookReconciler(orders, cartService, sessionRepo, gateway, log)

	// Background workers
	outbox := publisher.NewOutboxPoller(sessionRepo, orders, cfg.OrderEventsTopic, cfg.StuckSessionAfter, log, cfg.KafkaBrokers...)
	consumer := poller.NewSettlementConsumer(cartService, cfg.OrderEventsTopic, log, cfg.KafkaBrokers...)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		outbox.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		consumer.Run(ctx)
	}()

	// HTTP
	router := h.NewRouter(h.Deps{
		Carts:    cartService,
		Checkout: checkoutService,
		Orders:   orderService,
		Webhooks: reconciler,
		Verifier: stripeGateway,
		Tokens:   auth.NewTokenManager(cfg.JWTAccessSecret, cfg.AccessTokenTTL),
		Checks: map[string]h.HealthCheck{
			"mongo":    func(ctx context.Context) error { return mongoDB.Client().Ping(ctx, nil) },
			"redis":    cartCache.Ping,
			"postgres": sessionRepo.Ping,
		},
	}, h.Config{
		RequestTimeout:     cfg.RequestTimeout,
		PublishableKey:     cfg.StripePublishableKey,
		MaxRequestBodySize: 1 << 20, // 1MB
	}, log)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// gRPC health
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("port", cfg.GRPCPort).Msg("gRPC health listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Graceful shutdown
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}

	log.Info().Msg("shutting down storefront...")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	grpcServer.GracefulStop()

	workers.Wait()
	if err := outbox.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close kafka writer")
	}
	consumer.Close()

	log.Info().Msg("storefront stopped")
	return runErr
}
