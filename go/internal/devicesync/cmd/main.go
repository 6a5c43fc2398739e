package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/vrsync/go/internal/clocksync"
	"github.com/mcdev12/vrsync/go/internal/devicesync"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Runs a fleet of simulated headsets against a sync server.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	url := getEnv("SYNC_SERVER_URL", "ws://localhost:8080/ws")
	prefix := getEnv("DEVICE_PREFIX", "sim")
	token := os.Getenv("DEVICE_TOKEN")
	count := getEnvInt("DEVICE_COUNT", 3)
	// Each device runs slightly faster than the last so drift correction has work to do.
	rateStep := getEnvFloat("DEVICE_RATE_STEP", 0.002)

	log.Info().
		Str("url", url).
		Int("devices", count).
		Msg("starting device simulator")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		deviceID := fmt.Sprintf("%s-%02d", prefix, i+1)
		est := clocksync.NewEstimator(clocksync.WithSmoothing(0.3))
		client := devicesync.NewClient(devicesync.ClientConfig{
			URL:       url,
			DeviceID:  deviceID,
			UserAgent: "vrsync-simulator",
			Token:     token,
		}, clock, est)
		player := devicesync.NewSimulatedPlayer(clock, devicesync.WithRate(1+float64(i)*rateStep))
		ctrl := devicesync.NewController(devicesync.DefaultConfig(), clock, player, est, client)

		wg.Add(2)
		go func() {
			defer wg.Done()
			ctrl.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			if err := client.Run(ctx, ctrl); err != nil {
				log.Error().Err(err).Str("device_id", deviceID).Msg("device stopped")
			}
		}()
	}

	wg.Wait()
	log.Info().Msg("device simulator shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}
