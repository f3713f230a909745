package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/winspan/dnsguard/internal/app"
	admin "github.com/winspan/dnsguard/internal/web"
	"github.com/winspan/dnsguard/pkg/config"
	"github.com/winspan/dnsguard/pkg/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.NewLogger(&logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Prefix: "dnsguard",
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Close()

	a, err := app.New(cfg, lg)
	if err != nil {
		lg.Fatal("create app: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		lg.Fatal("start app: %v", err)
	}

	// 恢复上次的连接状态
	if a.Conn.State().Connected {
		if err := a.Conn.OnAppForeground(context.Background()); err != nil {
			lg.Warn("restore connection: %v", err)
		}
	}

	r := chi.NewRouter()
	admin.BindRoutes(r, a, cfg, lg.With("http"))
	httpSrv := &http.Server{
		Addr:              cfg.GetHTTPListen(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		lg.Info("admin http listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("http listen: %v", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	for s := range sigc {
		switch s {
		case syscall.SIGHUP:
			if err := a.ReloadLists(); err != nil {
				lg.Error("reload lists: %v", err)
			} else {
				lg.Info("lists reloaded")
			}
		case syscall.SIGTERM, syscall.SIGINT:
			lg.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = httpSrv.Shutdown(ctx)
			cancel()
			if err := a.Close(); err != nil {
				lg.Error("close: %v", err)
			}
			return
		}
	}
}
