// Package venue implements the trading-venue clients the harness drives:
// a websocket Stream (auth, feature flags, ticker channels, order entry)
// and a Rest query client (positions). Both speak the venue's v2 wire
// format: JSON event objects for commands and JSON arrays for channel data,
// with all numeric fields handled as exact decimals.
package venue
