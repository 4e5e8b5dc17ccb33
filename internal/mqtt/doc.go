// Package mqtt forwards agent events to an MQTT broker so dashboards
// and other services can follow conversations, seat requests and
// booking changes as they happen.
//
// The forwarder uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message moves that topic to "offline" on
// unexpected disconnects. Each bus event is published as JSON to
// <prefix>/events/<source>/<kind>.
package mqtt
