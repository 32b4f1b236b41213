// Package journal records relay lifecycle events: ticket transitions,
// notification forwarding decisions and endpoint liveness. It backs the
// relayd audit trail and lets tests assert on what an endpoint did.
package journal
