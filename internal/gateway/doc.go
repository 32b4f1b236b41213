// Package gateway assembles the relayd daemon.
//
// A Gateway owns the relay Runtime, the service Catalog and the servers that
// hand channels to it:
//
//   - gRPC: coven.relay.v1.Channel streams, optionally behind JWT auth
//   - bus: sessions announced on a Watermill publisher/subscriber pair
//   - HTTP: /health, /health/ready, /metrics and a small JSON API
//
// # HTTP API
//
//	GET  /api/services              services and their operations
//	GET  /api/endpoints             live proxies and hosts
//	GET  /api/journal               lifecycle journal (?endpoint=&type=&limit=)
//	POST /api/pairing/incoming      simulate a remote pairing request
//
// Every service in the Catalog is one shared instance; each accepted channel
// gets its own Host fronting it.
package gateway
