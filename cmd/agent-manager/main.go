package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/eic-swf/testbed/internal/runtime"
	"github.com/eic-swf/testbed/manager"
)

func username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func main() {
	configPath := flag.String("config", "", "path to testbed.toml (default $SWF_TESTBED_CONFIG, then ./testbed.toml)")
	dir := flag.String("dir", ".", "directory holding the supervisord config")
	userFlag := flag.String("user", username(), "user whose agents this manager controls")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *userFlag == "" {
		log.Fatal("cannot determine username, pass -user")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Wire logging, config, monitor and broker
	rt, err := runtime.Bootstrap(ctx, runtime.Options{ConfigPath: *configPath, Debug: *debug})
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close(context.Background())
	rt.LogRecentDialogue(ctx, *userFlag)

	// 2. Compose the manager over supervisorctl
	opts := []manager.Option{manager.WithLogger(rt.Logger)}
	if rt.Tracer != nil {
		opts = append(opts, manager.WithTracer(rt.Tracer))
	}
	m := manager.New(rt.Broker, rt.Monitor, &manager.Supervisorctl{Dir: *dir},
		*userFlag, rt.Testbed.Namespace, opts...)

	// 3. Run until SIGINT/SIGTERM or a restart command
	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
