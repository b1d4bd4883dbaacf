// Package ids generates the identifiers used on the wire and in logs.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// Peer returns a new client session peer ID. Peer IDs are UUIDv7 so they sort
// by creation time in logs and snapshots.
func Peer() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidPeer reports whether s parses as a UUID.
func ValidPeer(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Conn returns a new connection ID.
func Conn() string {
	return xid.New().String()
}
