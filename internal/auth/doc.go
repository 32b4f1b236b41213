// Package auth issues and verifies the HS256 tokens that guard relay
// channels, and carries the verified claims through gRPC stream contexts.
package auth
