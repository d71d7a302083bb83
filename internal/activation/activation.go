// Package activation picks up sockets passed by systemd socket activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3 (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Listener is an activated socket together with the name systemd gave it
// (FileDescriptorName= in the socket unit).
type Listener struct {
	net.Listener
	Name string
}

// Listeners returns the systemd-activated listeners. It returns nil when no
// socket activation is detected or the activation is meant for another
// process.
func Listeners() ([]Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	names := strings.Split(os.Getenv("LISTEN_FDNAMES"), ":")

	listeners := make([]Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		name := fmt.Sprintf("systemd-socket-%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		file := os.NewFile(uintptr(fd), name)
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}
		ln, err := net.FileListener(file)
		// net.FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, Listener{Listener: ln, Name: name})
	}

	// Child processes (git) must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Listen returns the first activated socket, or a new TCP listener on addr
// when the process was not socket activated. Additional activated sockets
// are closed. activated reports which of the two happened.
func Listen(addr string) (ln net.Listener, activated bool, err error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) > 0 {
		closeAll(listeners[1:])
		return listeners[0], true, nil
	}

	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

func closeAll(listeners []Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
