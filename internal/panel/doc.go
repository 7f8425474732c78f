// Package panel serves the occupancy page: the live counter, the
// enter/exit button for this device and the recent history list.
//
// The page is a single static HTML file with a small script, embedded into
// the binary with go:embed. It talks to the JSON API for the session and
// toggle calls and to the WebSocket for the live feeds.
package panel
