// A command to run a dnbd3 caching/replication proxy node.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sevlyar/go-daemon"

	"github.com/dnbd3/dnbd3-go/internal/config"
	"github.com/dnbd3/dnbd3-go/internal/logging"
	"github.com/dnbd3/dnbd3-go/internal/server"
)

// main() is the main program entry
//
// this is a wrapper to enable us to put the interesting stuff in a package
func main() {
	configPath := flag.String("config", "/etc/dnbd3-proxy.yml", "path to the YAML config file")
	daemonize := flag.Bool("daemon", false, "fork into the background")
	pidFile := flag.String("pidfile", "/var/run/dnbd3-proxy.pid", "pid file to write when daemonized")
	logFile := flag.String("logfile", "/var/log/dnbd3-proxy.log", "log file to write when daemonized")
	flag.Parse()

	if *daemonize {
		ctx := &daemon.Context{
			PidFileName: *pidFile,
			PidFilePerm: 0644,
			LogFileName: *logFile,
			LogFilePerm: 0640,
			WorkDir:     "/",
			Umask:       027,
		}
		child, err := ctx.Reborn()
		if err != nil {
			logging.Errorf(logging.New(os.Stderr), "daemonize: %v", err)
			os.Exit(1)
		}
		if child != nil {
			// Parent process: the daemon is running, nothing left to do.
			return
		}
		defer ctx.Release()
	}

	logger := logging.New(os.Stdout)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Errorf(logger, "main: %v", err)
		os.Exit(1)
	}

	var altServers []config.AltServerEntry
	if cfg.AltServersFile != "" {
		altServers, err = config.LoadAltServers(cfg.AltServersFile)
		if err != nil {
			logging.Warnf(logger, "main: loading alt-servers file: %v", err)
		}
	}

	srv, err := server.New(cfg, altServers, logger)
	if err != nil {
		logging.Errorf(logger, "main: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		logging.Errorf(logger, "main: server stopped: %v", err)
		os.Exit(1)
	}
}
