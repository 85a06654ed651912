package serial

import (
	"fmt"
	"sort"

	bugserial "go.bug.st/serial"
)

// listPorts enumerates the host's serial devices. Tests replace it.
var listPorts = bugserial.GetPortsList

// ListPorts returns the serial devices present on the host, sorted by name.
func ListPorts() ([]string, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
