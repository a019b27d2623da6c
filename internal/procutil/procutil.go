// Package procutil inspects and signals operating system processes.
//
// The supervisor uses it to decide whether a persisted PID is still ours
// (liveness + command fingerprint) and to name the foreign process behind
// a port conflict. It never signals a process the daemon did not spawn.
package procutil

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/cespare/xxhash/v2"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Fingerprint hashes an argv into a stable 16-hex-character token.
// Callers strip secret-bearing arguments before hashing.
func Fingerprint(argv []string) string {
	h := xxhash.New()
	for i, arg := range argv {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.WriteString(arg)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// PidAlive reports whether a process with the given PID currently exists.
func PidAlive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(pid)
	return err == nil && alive
}

// PidFingerprint returns the fingerprint of the command line of a running
// process, for comparison against a persisted argv fingerprint.
func PidFingerprint(pid int32) (string, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return "", fmt.Errorf("inspecting pid %d: %w", pid, err)
	}
	argv, err := proc.CmdlineSlice()
	if err != nil {
		return "", fmt.Errorf("reading cmdline of pid %d: %w", pid, err)
	}
	return Fingerprint(argv), nil
}

// PortHolder describes the process listening on a local port.
type PortHolder struct {
	PID     int32
	Command string
}

// ListeningPID finds the process listening on the given local TCP port.
// Returns nil when the port is free or the holder cannot be determined.
func ListeningPID(port int) (*PortHolder, error) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return nil, fmt.Errorf("listing tcp sockets: %w", err)
	}
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Laddr.Port != uint32(port) {
			continue
		}
		if conn.Pid == 0 {
			continue
		}
		holder := &PortHolder{PID: conn.Pid}
		if proc, err := process.NewProcess(conn.Pid); err == nil {
			if argv, err := proc.CmdlineSlice(); err == nil && len(argv) > 0 {
				holder.Command = strings.Join(argv, " ")
			} else if name, err := proc.Name(); err == nil {
				holder.Command = name
			}
		}
		return holder, nil
	}
	return nil, nil
}

// TerminateGroup delivers SIGTERM to the process group led by pid.
func TerminateGroup(pid int32) error {
	return syscall.Kill(-int(pid), syscall.SIGTERM)
}

// KillGroup delivers SIGKILL to the process group led by pid.
func KillGroup(pid int32) error {
	return syscall.Kill(-int(pid), syscall.SIGKILL)
}
