// Package gateway orchestrates the huddle-chat server components.
//
// # Overview
//
// The gateway owns the store, the conversation service, the realtime
// broadcaster (and its optional Redis relay), the idempotency cache and the
// HTTP and gRPC servers. New wires them from a config.Config; Run serves
// until the context is cancelled and then shuts everything down.
//
// # HTTP API
//
// All API routes require authentication (bearer JWT, or the X-Huddle-User
// header when auth.dev_mode is enabled):
//
//   - GET /conversations - conversation list of the current user
//   - GET /conversations/{otherUserId} - thread with another user (?format=html)
//   - POST /messages - post one message as the current user
//   - POST /messages/bulk - post a batch atomically
//   - GET /users/me, GET /users/{id} - display attributes
//   - GET /ws - realtime WebSocket
//
// Unauthenticated:
//
//   - GET /health - liveness
//   - GET /health/ready - store (and Redis) reachability
//   - GET {metrics.path} - Prometheus metrics when enabled
//
// POST routes honor the Idempotency-Key header. A completed key replays the
// originally assigned ids with status 200 and Idempotent-Replayed: true.
//
// # Error Mapping
//
//   - conversation.ValidationError -> 400 with the validation message
//   - conversation.BatchError -> 400 listing {index, error} per failing item
//   - conversation.StorageError -> 500 with a generic body
//
// # gRPC
//
// When server.grpc_addr is set (or Tailscale is enabled) the gateway serves
// grpc.health.v1.Health. Its status follows the readiness check.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens there instead of on server.http_addr and server.grpc_addr.
package gateway
