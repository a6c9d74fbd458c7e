// Package proxy is the listener front-end. It accepts game clients, answers
// Flash socket policy requests, dials the selected game server and hands both
// legs to a session.Session. An optional admin HTTP surface reports live
// sessions and metrics.
package proxy
