package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lunapay/subs-api/internal/domain/billing"
	billinghandler "github.com/lunapay/subs-api/internal/domain/billing/handler"
	"github.com/lunapay/subs-api/internal/domain/plans"
	"github.com/lunapay/subs-api/pkg/config"
	"github.com/lunapay/subs-api/pkg/db"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	// Repositories
	BillingRepo billing.Repository
	PlanRepo    plans.Repository

	// Services
	Gateway    billing.ChargeGateway
	BillingSvc billing.Service
	PlanSvc    plans.Service

	// Handlers
	BillingHandler *billinghandler.BillingHandler
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	deps.initRepositories()
	deps.initServices()
	deps.initHandlers()

	if err := deps.seedPlans(); err != nil {
		return nil, fmt.Errorf("failed to seed plans: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}
	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

func (d *Dependencies) initRepositories() {
	d.BillingRepo = billing.NewRepositoryImpl(d.DB.Pool, d.Logger)
	d.PlanRepo = plans.NewRepositoryImpl(d.DB.Pool, d.Logger)
	d.Logger.Info("repositories initialized")
}

func (d *Dependencies) initServices() {
	d.Gateway = billing.NewSimulatedGateway(d.Config.Gateway.FailPattern)
	d.BillingSvc = billing.NewService(d.BillingRepo, d.Gateway, d.Logger)
	d.PlanSvc = plans.NewService(d.PlanRepo, d.Logger)
	d.Logger.Info("services initialized")
}

func (d *Dependencies) initHandlers() {
	d.BillingHandler = billinghandler.NewBillingHandler(d.BillingSvc, d.PlanSvc, d.Logger)
	d.Logger.Info("handlers initialized")
}

// seedPlans runs the idempotent plan bootstrap so a fresh database serves
// purchasable offerings immediately.
func (d *Dependencies) seedPlans() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.PlanSvc.SeedDefaultPlans(ctx)
}

// Close releases held resources.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
	}
}
