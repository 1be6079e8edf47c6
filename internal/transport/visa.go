package transport

import (
	"net"
	"strconv"
	"strings"

	"github.com/ansel1/merry"
	"github.com/powerman/structlog"
)

// VISA resource strings of the raw socket class, TCPIP[board]::host::port::SOCKET,
// are served over plain TCP. Other resource classes (INSTR, GPIB, USB) need a
// vendor VISA library and are rejected as a configuration error.
func newVISA(c Config, log *structlog.Logger) (*TCP, error) {
	addr, err := ParseVISASocket(c.Properties[0])
	if err != nil {
		return nil, err
	}
	return NewTCP(addr, c, log.New("visa", c.Properties[0])), nil
}

// ParseVISASocket returns host:port of a TCPIP SOCKET resource.
func ParseVISASocket(resource string) (string, error) {
	resource = strings.TrimSpace(resource)
	parts := strings.Split(resource, "::")
	if len(parts) != 4 ||
		!strings.HasPrefix(strings.ToUpper(parts[0]), "TCPIP") ||
		!strings.EqualFold(parts[3], "SOCKET") {
		return "", merry.Appendf(ErrConfig, "VISA resource %q: only TCPIP::host::port::SOCKET is supported", resource)
	}
	host := parts[1]
	port, err := strconv.Atoi(parts[2])
	if host == "" || err != nil || port <= 0 || port > 0xFFFF {
		return "", merry.Appendf(ErrConfig, "VISA resource %q: bad host or port", resource)
	}
	return net.JoinHostPort(host, parts[2]), nil
}
