// Package api exposes the marketplace over HTTP: read endpoints for kitties,
// accounts, listings, prices and events, extrinsic submission, and a
// websocket stream of produced blocks.
package api
