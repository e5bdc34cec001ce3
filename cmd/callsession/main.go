package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dense-identity/callsession/internal/baresip"
	"github.com/dense-identity/callsession/internal/config"
	"github.com/dense-identity/callsession/internal/coordinator"
	"github.com/dense-identity/callsession/internal/httpapi"
	"github.com/dense-identity/callsession/internal/logging"
	"github.com/dense-identity/callsession/internal/platform"
	"github.com/dense-identity/callsession/internal/sdkbridge"
	"github.com/dense-identity/callsession/internal/store"
	"github.com/dense-identity/callsession/internal/uiapi"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfg, err := config.New[config.Coordinator]()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logs := logging.New(logging.Options{
		Level:        cfg.LogLevel,
		ConsoleLevel: cfg.LogConsoleLevel,
		File:         cfg.LogFile,
		FileLevel:    cfg.LogFileLevel,
		FileMaxMB:    cfg.LogFileMaxMB,
	})
	defer logs.Close()
	mainLog := logs.For("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		mainLog.WithError(err).Fatal("open store")
	}
	defer backend.Close()

	client, err := baresip.Dial(ctx, cfg.BaresipAddr, cfg.BaresipCommandTimeout, logs.For("baresip"))
	if err != nil {
		mainLog.WithError(err).WithField("addr", cfg.BaresipAddr).Fatal("connect to baresip")
	}
	defer client.Close()
	engine := baresip.NewEngine(client, logs.For("baresip"), cfg.VideoSources...)

	plat := platform.NewLoopback(cfg.PlatformDelay, logs.For("platform"))
	plat.SetDoNotDisturb(cfg.DoNotDisturb)

	coord, err := coordinator.New(coordinator.Options{
		Platform: plat,
		Engine:   engine,
		Store:    backend,
		Contacts: backend,
		Config:   cfg,
		Log:      logs.For("coordinator"),
	})
	if err != nil {
		mainLog.WithError(err).Fatal("create coordinator")
	}
	plat.SetProvider(coord)
	coord.Start()

	go func() {
		bridge := sdkbridge.New(coord, nil, logs.For("sdk"))
		if err := engine.Run(ctx, bridge); err != nil && !errors.Is(err, context.Canceled) {
			mainLog.WithError(err).Error("baresip event stream ended")
			stop()
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		mainLog.WithError(err).WithField("addr", cfg.GRPCAddr).Fatal("listen")
	}
	gs := grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             15 * time.Second,
		PermitWithoutStream: true,
	}))
	uiapi.Register(gs, uiapi.NewServer(coord, logs.For("uiapi")))
	go func() {
		mainLog.WithField("addr", cfg.GRPCAddr).Info("gRPC server listening")
		if err := gs.Serve(lis); err != nil {
			mainLog.WithError(err).Error("gRPC serve")
			stop()
		}
	}()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Options{
			Calls:        coord,
			History:      backend,
			Auth:         httpapi.NewPushAuth(cfg.PushJWTSecret, cfg.PushJWTIssuer),
			HistoryLimit: cfg.HistoryLimit,
			Log:          logs.For("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		mainLog.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLog.WithError(err).Error("HTTP serve")
			stop()
		}
	}()

	mainLog.WithFields(logrus.Fields{
		"baresip": cfg.BaresipAddr,
		"store":   cfg.StoreBackend,
		"domain":  cfg.SIPDomain,
	}).Info("call session daemon started")

	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), cfg.TransactionTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdown)
	// Closing the coordinator ends open Watch streams, so it goes before the
	// gRPC drain.
	if err := coord.Close(shutdown); err != nil {
		mainLog.WithError(err).Warn("coordinator close")
	}
	gs.GracefulStop()
	plat.Wait()
	mainLog.Info("call session daemon stopped")
}
