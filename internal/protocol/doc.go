// Package protocol defines the messages exchanged between a service proxy and
// its host over one ordered channel.
//
// # Messages
//
// Four frame types travel over a channel, each wrapped in an Envelope:
//
//	request       proxy -> host   {id, op, payload}
//	reply         host  -> proxy  {id, outcome}
//	notification  host  -> proxy  {kind, snapshot, payload}
//	subscribe     proxy -> host   {} sent once when the proxy's readiness gate opens
//
// Request ids are unique among the requests pending on one proxy. Operation and
// notification kinds are string tags such as "ims.set_enabled".
//
// # Outcomes
//
// A reply carries exactly one Outcome: a success payload or a Failure with an
// ErrorKind. Failures are data, never Go errors crossing the channel. Use
// Outcome.Err to turn a failure back into an error matching one of the
// sentinels (ErrActorDead, ErrInvalidRequest, ErrUnderlyingFailure,
// ErrChannelClosed).
//
// # Wire format
//
// Marshal and Unmarshal encode one Envelope as a JSON document. Framing is the
// channel's concern; every transport in this repo moves exactly one encoded
// envelope per frame.
package protocol
