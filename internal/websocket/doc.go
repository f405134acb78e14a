// Package websocket pushes license status changes from the desktop agent to
// GUI windows. Clients only listen; the last status is replayed on connect.
package websocket
