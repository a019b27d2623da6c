package health

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dawsonlp/localport/internal/config"
)

// postgresProbe performs the startup handshake against the forwarded
// database and waits for ready-for-query.
type postgresProbe struct {
	connConfig *pgx.ConnConfig
}

func newPostgresProbe(cfg *config.PostgresProbeConfig, localPort int) (*postgresProbe, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres probe requires config")
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = localPort
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s", host, port, cfg.Database, cfg.User)
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("building postgres probe config: %w", err)
	}
	// The password never travels through the DSN string.
	connConfig.Password = cfg.Password

	return &postgresProbe{connConfig: connConfig}, nil
}

func (p *postgresProbe) Kind() string { return config.ProbePostgres }

func (p *postgresProbe) Check(ctx context.Context) error {
	conn, err := pgx.ConnectConfig(ctx, p.connConfig)
	if err != nil {
		return fmt.Errorf("postgres handshake: %w", err)
	}
	defer conn.Close(ctx)

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}
