// Package actor provides the single-consumer mailbox each relay endpoint runs on.
//
// Every proxy and host owns one Mailbox. Channel deliveries are posted into it
// and one goroutine hands them to the endpoint's handler in post order, so no
// two messages for the same endpoint are ever processed concurrently.
//
// AwaitMatch is the one sanctioned synchronous wait: before the loop starts, a
// caller may block for one specific message while everything else that arrives
// is set aside and later delivered in its original order.
package actor
