package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startAddr string
	startErr  error
)

// StartFromEnv starts an optional pprof HTTP server when MNNET_PPROF=1 and
// returns its address, or "" when disabled. Later calls return the first
// result.
func StartFromEnv(log zerolog.Logger) (string, error) {
	startOnce.Do(func() {
		startAddr, startErr = start(os.Getenv, log)
	})
	return startAddr, startErr
}

func start(getenv func(string) string, log zerolog.Logger) (string, error) {
	if strings.TrimSpace(getenv("MNNET_PPROF")) != "1" {
		return "", nil
	}
	addr := strings.TrimSpace(getenv("MNNET_PPROF_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}
	allowPublic := strings.TrimSpace(getenv("MNNET_PPROF_ALLOW_PUBLIC")) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return "", fmt.Errorf("MNNET_PPROF_ADDR must be loopback unless MNNET_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	log.Info().Str("url", "http://"+actual+"/debug/pprof/").Msg("pprof enabled")
	srv := &http.Server{
		Addr:              actual,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return actual, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
