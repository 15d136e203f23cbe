package config

import (
	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// WebPort is the port of the HTTP query API.
	WebPort string
	// GRPCHealthAddr is the listen address of the gRPC health service.
	GRPCHealthAddr string
	// RedisAddr is the redis instance events are published to. Empty disables the redis sink.
	RedisAddr string
	// RedisChannel is the pub/sub channel vault events are published on.
	RedisChannel string
	// PriceAPI is the base URL of the HTTP price feed used for primary oracle rounds. Empty keeps static feeds.
	PriceAPI string
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	WebPort = getEnvOr("WEB_PORT", "8080")
	GRPCHealthAddr = getEnvOr("GRPC_HEALTH_ADDR", ":9090")
	RedisAddr = getEnvOr("REDIS_ADDR", "")
	RedisChannel = getEnvOr("REDIS_CHANNEL", "rwavault:events")
	PriceAPI = getEnvOr("PRICE_API", "")

	log.Debug().
		Str("WebPort", WebPort).
		Str("GRPCHealthAddr", GRPCHealthAddr).
		Str("RedisAddr", RedisAddr).
		Str("PriceAPI", PriceAPI).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}
