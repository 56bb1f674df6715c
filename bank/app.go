package bank

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cyberbank/corebank/bank/atm"
	"github.com/cyberbank/corebank/internal/auth"
	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/cyberbank/corebank/internal/expiry"
	"github.com/cyberbank/corebank/internal/keylock"
	"github.com/cyberbank/corebank/internal/middleware"
	"github.com/cyberbank/corebank/internal/notify"
	"github.com/cyberbank/corebank/internal/otp"
	"github.com/cyberbank/corebank/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

// App is the main application, it contains all the components of the bank
// and is responsible for starting and stopping them.
type App struct {
	srv               *http.Server
	wg                *sync.WaitGroup
	Addr              string
	ISO8583ServerAddr string
	logger            *slog.Logger
	config            *Config

	sender        notify.Sender
	store         Store
	dispatcher    *notify.Dispatcher
	scheduler     *Scheduler
	iso8583Server io.Closer
	cleanups      []func()
	stopOnce      sync.Once
}

type AppOption func(*App)

// WithSender delivers notifications through sender instead of RabbitMQ or the log.
func WithSender(sender notify.Sender) AppOption {
	return func(a *App) {
		a.sender = sender
	}
}

// WithStore uses store instead of opening the configured backend.
func WithStore(store Store) AppOption {
	return func(a *App) {
		a.store = store
	}
}

func NewApp(logger *slog.Logger, config *Config, opts ...AppOption) *App {
	logger = logger.With(slog.String("app", "bank"))

	if config == nil {
		config = DefaultConfig()
	}

	a := &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start brings up every component. On failure the components started so far
// are shut down again.
func (a *App) Start() (err error) {
	a.logger.Info("starting app...")
	defer func() {
		if err != nil {
			a.Shutdown()
		}
	}()
	ctx := context.Background()

	a.configureExpiry()

	if a.store == nil {
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		a.store = store
	}

	cvv, closeCVV, err := newCVVProvider(a.config)
	if err != nil {
		return fmt.Errorf("creating cvv provider: %w", err)
	}
	a.cleanups = append(a.cleanups, closeCVV)

	tokens, err := auth.NewTokens([]byte(a.config.JWTSecret), a.config.JWTTTL)
	if err != nil {
		return fmt.Errorf("JWT_SECRET: %w", err)
	}

	a.dispatcher = notify.NewDispatcher(a.logger, a.openSender(), a.config.NotifyQueueSize)

	locks := keylock.New()
	deps := Deps{
		Logger:   a.logger,
		Store:    a.store,
		Locks:    locks,
		OTP:      otp.NewIssuer(otp.WithTTL(a.config.OTPTTL)),
		Notifier: a.dispatcher,
		Limiter:  a.openLimiter(),
		Config:   a.config,
	}
	ledger := NewLedger(a.logger, a.store, locks, a.config.Currency)
	engine := NewEngine(a.logger, a.store, ledger, a.dispatcher, a.config.Currency)
	accounts := NewAccounts(deps, ledger)
	users := NewUsers(deps, tokens)
	cards := NewCardAuthority(deps, cvv)

	a.scheduler = NewScheduler(a.logger, a.store)
	if err := a.scheduler.Start(a.config.OTPSweepSchedule); err != nil {
		return err
	}

	iso8583Server := atm.NewServer(a.logger, a.config.ISO8583Addr, atmWithdrawer{engine: engine})
	if err := iso8583Server.Start(); err != nil {
		return fmt.Errorf("starting iso8583 server: %w", err)
	}
	a.ISO8583ServerAddr = iso8583Server.Addr
	a.iso8583Server = iso8583Server

	router := chi.NewRouter()
	router.Use(middleware.NewStructuredLogger(a.logger))
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	api := NewAPI(a.logger, accounts, users, ledger, engine, cards, tokens)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", slog.Any("err", err))
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

func (a *App) configureExpiry() {
	if a.config.ExpiryTZ != "" {
		if loc, err := time.LoadLocation(a.config.ExpiryTZ); err == nil {
			expiry.SetDefaultExpiryLocation(loc)
		} else {
			a.logger.Info("invalid ExpiryTZ; using default UTC", slog.String("tz", a.config.ExpiryTZ), slog.Any("err", err))
		}
	}
	if len(a.config.ProductYears) > 0 {
		expiry.SetProductYears(a.config.ProductYears)
	}
}

// openStore opens Postgres by default. The memory backend must be enabled explicitly.
func (a *App) openStore(ctx context.Context) (Store, error) {
	switch a.config.RepoBackend {
	case "pg":
		if a.config.DBDSN == "" {
			return nil, errors.New("DB_DSN is required for pg backend")
		}
		db, err := sql.Open("postgres", a.config.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := NewPGStore(db, []byte(a.config.PANHashKey))
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.cleanups = append(a.cleanups, func() { db.Close() })
		return store, nil
	case "mem":
		if !a.config.AllowMemBackend {
			return nil, errors.New("mem repository is disabled at runtime; set ALLOW_MEM_BACKEND=true only in tests")
		}
		return NewMemStore(), nil
	}
	return nil, fmt.Errorf("unsupported REPO_BACKEND=%s", a.config.RepoBackend)
}

// openSender publishes to RabbitMQ when configured and reachable, and logs
// notifications otherwise.
func (a *App) openSender() notify.Sender {
	if a.sender != nil {
		return a.sender
	}
	if a.config.AMQPURL == "" {
		return notify.NewLogSender(a.logger)
	}
	publisher, err := notify.NewAMQPPublisher(a.logger, a.config.AMQPURL, a.config.NotifyExchange)
	if err != nil {
		a.logger.Warn("rabbitmq unavailable, logging notifications instead", slog.Any("err", err))
		return notify.NewLogSender(a.logger)
	}
	a.cleanups = append(a.cleanups, func() {
		if err := publisher.Close(); err != nil {
			a.logger.Error("closing amqp publisher", slog.Any("err", err))
		}
	})
	return publisher
}

func (a *App) openLimiter() RateLimiter {
	if a.config.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.config.RedisAddr})
	a.cleanups = append(a.cleanups, func() { client.Close() })
	return ratelimit.New(client, "", a.config.OTPRateLimit, a.config.OTPRateWindow)
}

// Shutdown stops the app. Calls after the first are no-ops.
func (a *App) Shutdown() {
	a.stopOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.logger.Info("shutting down app...")

	if a.srv != nil {
		a.srv.Shutdown(context.Background())
	}

	if a.iso8583Server != nil {
		if err := a.iso8583Server.Close(); err != nil {
			a.logger.Error("closing iso8583 server", slog.Any("err", err))
		}
	}

	a.wg.Wait()

	if a.scheduler != nil {
		<-a.scheduler.Stop().Done()
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}

	a.logger.Info("app stopped")
}

// atmWithdrawer posts ATM withdrawals through the transfer engine.
type atmWithdrawer struct {
	engine *Engine
}

func (w atmWithdrawer) Withdraw(ctx context.Context, req atm.Withdrawal) (string, error) {
	record, err := w.engine.Withdraw(ctx, WithdrawalRequest{
		InitiatorID: "atm:" + req.TerminalID,
		CardNumber:  req.CardNumber,
		PIN:         req.PIN,
		Amount:      req.Amount,
		ExpiryYYMM:  req.ExpiryYYMM,
		Channel:     "ATM",
	})
	if err != nil {
		return "", err
	}
	return cardgen.LastN(record.ID, 6), nil
}
