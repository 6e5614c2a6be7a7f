// Package dispatch routes analysis requests to a fleet of analyzer services.
//
// Every exchange is a sequence of JSON *envelopes* (see `pkg/envelope`)
// framed over QUIC streams (see `pkg/flow`). An analyzer answers a request
// with any number of progress envelopes followed by exactly one *terminal*
// envelope, the rule deciding what is terminal lives in
// `envelope.IsTerminal`.
//
// ## Pool
//
// A `Pool` owns a `Registry` of endpoints per service. Each dispatch:
//
//  1. routes the envelope to a service from its `analysis_type`;
//  2. asks the `LoadBalancer` for a healthy endpoint, resurrecting a few
//     endpoints whose cooldown elapsed;
//  3. opens a stream, sends the request and relays progress until the
//     terminal answer.
//
// Failed attempts are retried on another pick until `MaxRetries` is
// reached. When nothing healthy is left, retries fall back to the least
// damaged endpoint. Endpoints failing `FailureThreshold` times in a row are
// excluded until a health check brings them back.
//
// ## Client
//
// A `Client` keeps one stream to a gateway and multiplexes requests over
// it, answers are matched with their caller using the correlation id.
//
// ## Server
//
// Analyzers and gateways serve exchanges with `Listen`. `GatewayHandler`
// turns a `Pool` into a gateway.
//
// ## Discovery
//
// Endpoints come from the configuration file (`LoadConfigFile`), the
// environment (`EndpointsFromEnv`) or a gossip cluster
// (`NewGossipDiscovery`).
package dispatch
