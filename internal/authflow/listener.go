package authflow

import (
	"fmt"
	"log"
	"net"
)

// preferredPorts are tried in order before falling back to an OS-assigned
// ephemeral port. Registered OAuth applications usually whitelist these.
var preferredPorts = []int{8000, 8001, 8080, 8888}

// bindCallbackListener binds the local callback listener on localhost. The
// resulting port determines the redirect URI embedded in the authorize URL.
func bindCallbackListener() (net.Listener, int, error) {
	for _, port := range preferredPorts {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("bind callback listener: preferred ports busy and ephemeral bind failed: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	log.Printf("[OAuth] preferred ports busy, listening on ephemeral port %d", port)
	return ln, port, nil
}
