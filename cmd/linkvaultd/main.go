package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Samyk000/LinkVault-sub000/internal/server"
)

func main() {
	addr := os.Getenv("LINKVAULT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store, err := server.NewStore(server.StoreConfig{
		JWTSecret:    os.Getenv("LINKVAULT_JWT_SECRET"),
		AccessTTL:    durationEnv("LINKVAULT_ACCESS_TTL", 0),
		StateBackend: stateBackend,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	api := server.NewAPI(store, server.APIConfig{
		RateLimitMax:    intEnv("LINKVAULT_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("LINKVAULT_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("LINKVAULT_MAX_BODY_BYTES", 0),
		Logger:          log.Default(),
	})

	log.Printf("linkvaultd listening on %s", addr)
	if err := http.ListenAndServe(addr, api); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// buildStateBackendFromEnv resolves persistence from LINKVAULT_STATE_DRIVER
// (postgres, file, memory) plus the matching target. An unset driver with a
// Postgres DSN present still picks Postgres, so production deployments only
// need the DSN.
func buildStateBackendFromEnv() (server.StateBackend, error) {
	driver := strings.TrimSpace(os.Getenv("LINKVAULT_STATE_DRIVER"))
	postgresDSN := strings.TrimSpace(os.Getenv("LINKVAULT_POSTGRES_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("LINKVAULT_STATE_FILE"))

	switch {
	case driver != "":
		target := stateFile
		if strings.EqualFold(driver, "postgres") {
			target = postgresDSN
		}
		return server.NewStateBackend(driver, target)
	case postgresDSN != "":
		return server.NewStateBackend("postgres", postgresDSN)
	case stateFile != "":
		return server.NewStateBackend("file", stateFile)
	default:
		return nil, nil
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
