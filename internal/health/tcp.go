package health

import (
	"context"
	"fmt"
	"net"

	"github.com/dawsonlp/localport/internal/config"
)

// tcpProbe opens a connection to the local forward endpoint and closes it
// immediately. It is the default probe.
type tcpProbe struct {
	port int
}

func (p *tcpProbe) Kind() string { return config.ProbeTCP }

func (p *tcpProbe) Check(ctx context.Context) error {
	dialer := &net.Dialer{}
	address := fmt.Sprintf("localhost:%d", p.port)
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	return conn.Close()
}
