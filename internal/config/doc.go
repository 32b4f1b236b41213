// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// Any field a file leaves out keeps its value from Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//
// # Example
//
//	server:
//	  grpc_addr: "127.0.0.1:50061"
//	  http_addr: "127.0.0.1:8091"
//
//	transport:
//	  kind: "both"            # grpc, bus, both
//	  bus:
//	    backend: "redis"      # memory, redis
//	    redis:
//	      addr: "localhost:6379"
//	      group: "relayd"
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//	  token_ttl: "24h"
//
//	journal:
//	  enabled: true
//	  path: "/var/lib/coven/relay.db"
//
//	relay:
//	  handshake_timeout: "10s"
//	  call_timeout: "30s"
//	  tombstone_ttl: "5m"
//	  strict_tickets: false
//	  auto_stream: false
//
//	services:
//	  ims:
//	    enabled: true
//	    profile: "volte"
//	    delay: "200ms"
//	  pairing:
//	    enabled: true
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
