package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"halo/config"
	"halo/internal/broker"
	"halo/internal/commands"
	"halo/internal/db"
	"halo/internal/devauth"
	"halo/internal/health"
	"halo/internal/logs"
	"halo/internal/middleware"
	"halo/internal/models"
	"halo/internal/ratelimit"
	"halo/internal/registry"
	"halo/internal/repo"
	"halo/internal/syncapi"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	reg    *registry.Registry
	broker *broker.Broker

	ctx    context.Context
	cancel context.CancelFunc
}

// Стыковочные интерфейсы: и gorm-, и mem-реализации должны их закрывать.
type deviceStore interface {
	syncapi.DeviceStore
	devauth.SecretSource
	commands.ConfigSink
}

type commandStore interface {
	commands.Store
	syncapi.CommandCreator
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB (опционально; без неё — in-memory сторы) */
	var ds deviceStore
	var cs commandStore
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d
		if err := a.db.AutoMigrate(&models.Device{}, &models.Command{}); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
		ds = repo.NewDeviceStore(a.db, a.cfg.Auth.CodeExpiry)
		cs = repo.NewCommandStore(a.db)
	} else {
		logs.Logger.Warn("database not configured, using in-memory stores")
		ds = repo.NewMemDeviceStore(a.cfg.Auth.CodeExpiry)
		cs = repo.NewMemCommandStore()
	}

	/* 3) Брокер с локальным реестром */
	a.reg = registry.Open(a.cfg.Broker.RegistryPath, a.cfg.Broker.FlushDebounce)
	a.broker = broker.New(a.reg)

	/* 4) Доменные сервисы */
	issuer := devauth.NewTokenIssuer(a.cfg.Auth.TokenSecret, a.cfg.Auth.TokenTTL)
	limiter := ratelimit.New(a.cfg.Telemetry.RateLimit, a.cfg.Telemetry.RateWindow)
	cmdSvc := commands.NewService(cs, ds, a.cfg.Commands.PollBatch)
	svc := syncapi.NewService(ds, cmdSvc, a.broker, issuer, limiter, a.cfg.Auth.MaxSkew)
	if a.cfg.Firmware.BaseURL != "" {
		svc.SetFirmwareBaseURL(a.cfg.Firmware.BaseURL)
	}
	h := syncapi.NewHandler(svc)

	/* 5) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 6) Health */
	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db) // /healthz, /readyz
	} else {
		health.RegisterRoutes(a.Router) // только /healthz
	}

	/* 7) Маршруты */
	a.Router.HandleFunc("/ws", a.broker.ServeWS)
	syncapi.RegisterRoutes(a.Router, h, ds, issuer, a.cfg.Auth.MaxSkew)
	if a.cfg.Admin.SharedSecret != "" {
		admin := syncapi.NewAdminHandler(ds, cs, a.broker)
		syncapi.RegisterAdminRoutes(a.Router, admin, a.cfg.Admin.SharedSecret)
	} else {
		logs.Logger.Warn("admin.shared_secret empty, admin API disabled")
	}

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	go a.broker.Run(a.ctx)

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	if err := a.reg.Flush(); err != nil {
		logs.Logger.Errorf("registry flush: %v", err)
	}
	return nil
}
