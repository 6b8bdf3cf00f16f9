// Command rdbserver runs a single rdb node: it opens one configured backend
// (bolt, memcache, or chain) and serves it over HTTP (spec.md §6/§9),
// grounded on rdbserver.py's args_to_config/main and the teacher's
// cmd/xchainserver shape of "parse flags, configure logging, open backend
// eagerly, serve, shut down on signal".
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/rdbkv/rdb/internal/backend"
	"github.com/rdbkv/rdb/internal/backend/boltstore"
	"github.com/rdbkv/rdb/internal/backend/chain"
	"github.com/rdbkv/rdb/internal/backend/lrucache"
	"github.com/rdbkv/rdb/internal/backend/memcache"
	rdbserver "github.com/rdbkv/rdb/internal/rdbhttp/server"
	"github.com/rdbkv/rdb/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("rdbserver: fatal")
	}
}

func run() error {
	_ = godotenv.Load() // optional; missing .env is not an error

	port := flag.Int("p", utils.EnvOrDefaultInt("RDB_PORT", 6552), "listen port")
	kind := flag.String("backend", utils.EnvOrDefault("RDB_BACKEND", "bolt"), "backend kind: bolt, memcache, or chain")
	baseDir := flag.String("basedir", utils.EnvOrDefault("RDB_BASEDIR", "."), "bolt backend: directory holding the store file")
	shmKey := flag.Int("shmkey", utils.EnvOrDefaultInt("RDB_SHMKEY", 1), "bolt backend: shared-store identifier")
	lruSize := flag.Int("lru-size", utils.EnvOrDefaultInt("RDB_LRU_SIZE", 10000), "chain backend: in-process LRU tier capacity")
	memcacheServers := flag.String("memcache-servers", utils.EnvOrDefault("RDB_MEMCACHED_SERVERS", ""), "memcache backend: comma-separated host:port list")
	logJSON := flag.Bool("log-json", utils.EnvOrDefault("RDB_LOG_JSON", "") == "1", "emit structured JSON logs")
	flag.Parse()

	if *logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}

	b, err := buildBackend(*kind, *baseDir, *shmKey, *lruSize, *memcacheServers)
	if err != nil {
		return err
	}

	ctx := context.Background()
	// Open eagerly: fail at startup, not on the first request.
	if err := b.Open(ctx); err != nil {
		return utils.Wrap(err, "open backend")
	}

	reg := prometheus.NewRegistry()
	handler := rdbserver.New(b, reg)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"port": *port, "backend": *kind}).Info("rdbserver: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("rdbserver: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("rdbserver: http shutdown did not complete cleanly")
	}
	return b.Close(context.Background())
}

func buildBackend(kind, baseDir string, shmKey, lruSize int, memcacheServers string) (backend.Backend, error) {
	switch kind {
	case "bolt":
		return boltstore.NewBackend(baseDir, shmKey), nil
	case "memcache":
		servers := splitServers(memcacheServers)
		if len(servers) == 0 {
			return nil, fmt.Errorf("rdbserver: -memcache-servers is required for backend=memcache")
		}
		return memcache.NewBackend(servers), nil
	case "chain":
		servers := splitServers(memcacheServers)
		layers := []backend.Backend{lrucache.NewBackend(lruSize)}
		if len(servers) > 0 {
			layers = append(layers, memcache.NewBackend(servers))
		}
		layers = append(layers, boltstore.NewBackend(baseDir, shmKey))
		c, err := chain.New(layers...)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("rdbserver: unrecognized backend kind %q (want bolt, memcache, or chain)", kind)
	}
}

func splitServers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
