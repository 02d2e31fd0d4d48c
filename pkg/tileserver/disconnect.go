package tileserver

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// isClientDisconnect reports write errors caused by the map client dropping
// the connection. Map views abandon tiles all the time while panning, and a
// Stop racing a slow write closes the socket under the handler; neither is a
// serve fault.
func isClientDisconnect(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"broken pipe", "connection reset by peer", "use of closed network connection"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
