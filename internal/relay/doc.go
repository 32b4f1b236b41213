// Package relay implements the proxy/host pair that carries one service
// across an ordered channel.
//
// A Proxy lives beside the caller. Request sends an operation to the Host and
// returns immediately; the reply arrives later through the callback. A Host
// lives beside the real Service, answers requests inline or through a
// single-fire Ticket, and forwards the service's events as notifications.
// On the proxy side notifications update the cached state and fan out to
// listeners once the ListenerRegistry's readiness gate has opened.
//
// Every endpoint is created against a Runtime, which carries the logger,
// metrics, journal and the Directory used for id-based back references.
package relay
