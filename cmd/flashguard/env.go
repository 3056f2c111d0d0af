package main

import (
	"database/sql"
	"fmt"

	"github.com/rsclarke/flashguard/internal/audit"
	"github.com/rsclarke/flashguard/internal/backup"
	"github.com/rsclarke/flashguard/internal/config"
	"github.com/rsclarke/flashguard/internal/consent"
	"github.com/rsclarke/flashguard/internal/db"
	"github.com/rsclarke/flashguard/internal/flash"
	"github.com/rsclarke/flashguard/internal/precheck"
	"github.com/rsclarke/flashguard/internal/profile"
	"github.com/rsclarke/flashguard/internal/transport"
	"github.com/rsclarke/flashguard/internal/validator"
)

// appEnv is everything a command needs, built from config and flags.
type appEnv struct {
	cfg       *config.Config
	db        *sql.DB
	registry  *profile.Registry
	validator *validator.Cache
	recorder  *audit.Store
	ledger    *consent.Ledger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, err
	}
	if rootFlags.dbPath != "" {
		cfg.DBPath = rootFlags.dbPath
	}
	if rootFlags.backupDir != "" {
		cfg.BackupDir = rootFlags.backupDir
	}
	if rootFlags.profilesPath != "" {
		cfg.ProfilesPath = rootFlags.profilesPath
	}
	return cfg, nil
}

func loadRegistry(cfg *config.Config) (*profile.Registry, error) {
	if cfg.ProfilesPath == "" {
		return profile.Default()
	}
	return profile.LoadFile(cfg.ProfilesPath)
}

func newValidator(cfg *config.Config) (*validator.Cache, error) {
	p := cfg.Policy
	return validator.NewCache(validator.New(validator.Policy{
		MediumWarningThreshold: p.MediumWarningThreshold,
		LowWarningThreshold:    p.LowWarningThreshold,
		SizeTolerance:          p.SizeTolerance,
		LeadingBlockSize:       p.LeadingBlockSize,
		MaxHPClaim:             p.MaxHPClaim,
		MaxTorqueClaim:         p.MaxTorqueClaim,
	}), cfg.CacheSize)
}

func openEnv() (*appEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	registry, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	v, err := newValidator(cfg)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	recorder := audit.NewStore(database)
	ledger := consent.NewLedger(consent.NewSQLStore(database), nil, recorder, logger)

	return &appEnv{
		cfg:       cfg,
		db:        database,
		registry:  registry,
		validator: v,
		recorder:  recorder,
		ledger:    ledger,
	}, nil
}

func (e *appEnv) Close() error {
	return e.db.Close()
}

func (e *appEnv) consentPolicy() consent.Policy {
	return consent.Policy{WarrantyYear: e.cfg.Policy.WarrantyYearThreshold}
}

// newEngine builds a flash engine over t. Backups go to the configured
// directory.
func (e *appEnv) newEngine(t transport.Transport, opts ...func(*flash.Options)) (*flash.Engine, error) {
	backups, err := backup.NewFileStore(e.cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	o := flash.Options{
		DB:            e.db,
		Registry:      e.registry,
		Validator:     e.validator,
		Ledger:        e.ledger,
		ConsentPolicy: e.consentPolicy(),
		Recorder:      e.recorder,
		Backups:       backups,
		Transport:     t,
		Probes:        []precheck.Probe{{Name: "backup store", Check: backups.Healthy}},
		ValidationTTL: e.cfg.ValidationTTL,
		Logger:        logger,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return flash.NewEngine(o)
}
