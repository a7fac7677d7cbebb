package agent

import (
	"fmt"
	"net"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// PortFree reports whether TCP port is available on this node. The socket
// table catches listeners the bind probe would miss (SO_REUSEPORT), and the
// bind probe catches anything the table scan cannot see without privileges.
func PortFree(port int) (bool, error) {
	if port <= 0 || port > 65535 {
		return false, fmt.Errorf("port %d out of range", port)
	}
	conns, err := gnet.Connections("tcp")
	if err == nil {
		for _, c := range conns {
			if c.Status == "LISTEN" && int(c.Laddr.Port) == port {
				return false, nil
			}
		}
	}
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false, nil
	}
	_ = l.Close()
	return true, nil
}
