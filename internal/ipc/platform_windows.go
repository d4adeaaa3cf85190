//go:build windows

package ipc

import (
	"fmt"
	"net"
	"time"
)

// CreatePlatformListener listens on TCP loopback; socketPath is ignored.
func CreatePlatformListener(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("tcp", DefaultTCPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", DefaultTCPAddr, err)
	}

	return listener, nil
}

// ConnectPlatform connects to the IPC server via TCP (Windows)
func ConnectPlatform(socketPath string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", DefaultTCPAddr, time.Second)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// GetPlatformAddress returns the address string for logging
func GetPlatformAddress(socketPath string) string {
	return DefaultTCPAddr + " (tcp loopback)"
}
