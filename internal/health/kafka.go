package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/dawsonlp/localport/internal/config"
)

// kafkaProbe asks the forwarded broker for cluster metadata. A broker that
// accepts TCP but cannot serve metadata is unhealthy.
type kafkaProbe struct {
	brokers []string
}

func newKafkaProbe(cfg *config.KafkaProbeConfig, localPort int) *kafkaProbe {
	servers := ""
	if cfg != nil {
		servers = cfg.BootstrapServers
	}
	if servers == "" {
		servers = fmt.Sprintf("localhost:%d", localPort)
	}
	return &kafkaProbe{brokers: strings.Split(servers, ",")}
}

func (p *kafkaProbe) Kind() string { return config.ProbeKafka }

func (p *kafkaProbe) Check(ctx context.Context) error {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return ctx.Err()
		}
	}

	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = timeout
	cfg.Net.ReadTimeout = timeout
	cfg.Net.WriteTimeout = timeout
	cfg.Metadata.Retry.Max = 1
	cfg.Metadata.Timeout = timeout

	client, err := sarama.NewClient(p.brokers, cfg)
	if err != nil {
		return fmt.Errorf("connecting to kafka %v: %w", p.brokers, err)
	}
	defer client.Close()

	if err := client.RefreshMetadata(); err != nil {
		return fmt.Errorf("fetching kafka metadata: %w", err)
	}
	if len(client.Brokers()) == 0 {
		return fmt.Errorf("kafka metadata contains no brokers")
	}
	return nil
}
