// Package chartref defines the globally unique identity of a running chart.
package chartref

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURI is returned when a chart URI cannot be parsed.
var ErrInvalidURI = errors.New("chartref: invalid xjog+chart URI")

// Ref is the identity of one running chart: the machine that defines it and
// the chart id of this particular running instance. It is a value type and
// is safe to use as a map key.
type Ref struct {
	MachineID string
	ChartID   string
}

// New builds a Ref from a machine id and chart id.
func New(machineID, chartID string) Ref {
	return Ref{MachineID: machineID, ChartID: chartID}
}

// String renders the ref as an xjog+chart URI, e.g.
// "xjog+chart:/door/chart-42".
func (r Ref) String() string {
	return fmt.Sprintf("xjog+chart:/%s/%s",
		url.PathEscape(r.MachineID), url.PathEscape(r.ChartID))
}

// IsZero reports whether r is the zero value.
func (r Ref) IsZero() bool {
	return r.MachineID == "" && r.ChartID == ""
}

// Parse decodes an xjog+chart URI produced by String.
func Parse(uri string) (Ref, error) {
	const prefix = "xjog+chart:"
	if !strings.HasPrefix(uri, prefix) {
		return Ref{}, ErrInvalidURI
	}
	rest := strings.TrimPrefix(uri, prefix)
	if strings.HasPrefix(rest, "//") {
		// Optional host authority: xjog+chart://host/machine/chart.
		// Drop it — this engine does not route across hosts.
		rest = rest[2:]
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[idx+1:]
		} else {
			rest = ""
		}
	}
	rest = strings.TrimPrefix(rest, "/")

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Ref{}, ErrInvalidURI
	}
	machineID, err := url.PathUnescape(parts[0])
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	chartID, err := url.PathUnescape(parts[1])
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	return Ref{MachineID: machineID, ChartID: chartID}, nil
}
