package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/duchieu205/bookworld/pkg/discount"
	"github.com/duchieu205/bookworld/pkg/events"
	"github.com/duchieu205/bookworld/pkg/orderstate"
	"github.com/duchieu205/bookworld/pkg/paygate"
	"github.com/duchieu205/bookworld/pkg/reconcile"
	"github.com/duchieu205/bookworld/pkg/repository"
	"github.com/duchieu205/bookworld/pkg/settlement"
	"github.com/duchieu205/bookworld/pkg/stock"
	"github.com/duchieu205/bookworld/pkg/wallet"
	"go.uber.org/zap"
)

// Stores is one storage backend.
type Stores struct {
	Orders       repository.OrderRepository
	Variants     repository.VariantRepository
	Discounts    repository.DiscountRepository
	Wallets      repository.WalletRepository
	Transactions repository.WalletTransactionRepository
	Carts        repository.CartRepository
	Locker       settlement.Locker
}

// MemoryStores returns fresh in-process stores.
func MemoryStores() Stores {
	return Stores{
		Orders:       repository.NewMemoryOrders(),
		Variants:     repository.NewMemoryVariants(),
		Discounts:    repository.NewMemoryDiscounts(),
		Wallets:      repository.NewMemoryWallets(),
		Transactions: repository.NewMemoryWalletTransactions(),
		Carts:        repository.NewMemoryCarts(),
		Locker:       repository.NewMemoryLocker(),
	}
}

// App holds the wired engine shared by the API and scheduler processes.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Stores      Stores
	Machine     *orderstate.Machine
	Coordinator *settlement.Coordinator
	Wallet      *wallet.Service
	Sweeper     *reconcile.Sweeper

	pingers []func(context.Context) error
	closers []func(context.Context) error
}

// New connects the configured storage driver and wires every component.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	var publishers events.Multi
	var cache orderstate.OrderCache

	switch cfg.Storage.Driver {
	case config.StorageMemory:
		a.Stores = MemoryStores()
		logger.Warn("Using in-memory storage, data is lost on restart")

	case config.StorageMongo:
		mongoRepo, err := repository.NewMongoRepository(&cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		a.closers = append(a.closers, mongoRepo.Close)
		a.pingers = append(a.pingers, mongoRepo.Ping)
		if err := mongoRepo.EnsureIndexes(ctx); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to create indexes: %w", err)
		}

		redisRepo := repository.NewRedisRepository(&cfg.Redis)
		a.closers = append(a.closers, func(context.Context) error { return redisRepo.Close() })
		a.pingers = append(a.pingers, redisRepo.Ping)
		if err := redisRepo.Ping(ctx); err != nil {
			logger.Warn("Redis connection failed", zap.Error(err))
		} else {
			logger.Info("Redis connected successfully")
		}

		a.Stores = Stores{
			Orders:       mongoRepo.Orders(),
			Variants:     mongoRepo.Variants(),
			Discounts:    mongoRepo.Discounts(),
			Wallets:      mongoRepo.Wallets(),
			Transactions: mongoRepo.WalletTransactions(),
			Carts:        mongoRepo.Carts(),
			Locker:       redisRepo,
		}
		cache = redisRepo
		publishers = append(publishers, redisRepo)

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Kafka.Enabled {
		kafkaPublisher := events.NewKafkaPublisher(&cfg.Kafka)
		a.closers = append(a.closers, func(context.Context) error { return kafkaPublisher.Close() })
		publishers = append(publishers, kafkaPublisher)
	}

	a.wire(publishers, cache)
	return a, nil
}

// NewWithStores wires the engine over the given stores with no event bus.
func NewWithStores(cfg *config.Config, stores Stores, logger *zap.Logger) *App {
	a := &App{Config: cfg, Logger: logger, Stores: stores}
	a.wire(nil, nil)
	return a
}

func (a *App) wire(publishers events.Multi, cache orderstate.OrderCache) {
	s, cfg, logger := a.Stores, a.Config, a.Logger

	var publisher events.Publisher
	if len(publishers) > 0 {
		publisher = publishers
	}

	stockLedger := stock.NewLedger(s.Variants, logger)
	engine := discount.NewEngine(s.Discounts, s.Orders, logger)
	walletLedger := wallet.NewLedger(s.Wallets, s.Transactions, logger)
	gateway := paygate.NewClient(cfg.Payment)

	a.Machine = orderstate.NewMachine(s.Orders, stockLedger, engine, walletLedger, publisher,
		orderstate.Policy{ReturnWindow: cfg.Scheduler.ReturnWindow}, logger)
	if cache != nil {
		a.Machine.WithCache(cache)
	}
	a.Wallet = wallet.NewService(walletLedger, s.Wallets, s.Transactions, gateway, cfg, logger)
	a.Coordinator = settlement.NewCoordinator(settlement.Deps{
		Orders:    s.Orders,
		Variants:  s.Variants,
		Carts:     s.Carts,
		Stock:     stockLedger,
		Discounts: engine,
		Wallet:    walletLedger,
		Machine:   a.Machine,
		Gateway:   gateway,
		Locker:    s.Locker,
	}, cfg, logger)
	a.Sweeper = reconcile.NewSweeper(s.Orders, a.Machine, a.Wallet, s.Locker, cfg, logger)
}

// Ping checks every external dependency.
func (a *App) Ping(ctx context.Context) error {
	var errs []error
	for _, ping := range a.pingers {
		if err := ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
