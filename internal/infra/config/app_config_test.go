package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.Role != RoleAll {
		t.Fatalf("expected default role all, got %q", cfg.Service.Role)
	}
	if cfg.Bus.Driver != "memory" || cfg.Database.Driver != "memory" {
		t.Fatalf("expected memory drivers by default, got bus=%s db=%s", cfg.Bus.Driver, cfg.Database.Driver)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("ORDERFLOW_ENV", "")
	path := writeConfig(t, `
environment: STAGING
service:
  role: Payment
  lanes: 4
bus:
  driver: kafka
  kafka:
    brokers: [" kafka:9092 ", ""]
database:
  driver: postgres
  dsn: postgresql://db:5432/payment
idempotency:
  retention: 72h
  producerRedeliveryWindow: 24h
resilience:
  retry:
    maxAttempts: 4
  callTimeout: 2s
  overrides:
    payment:
      breaker:
        failureThreshold: 3
outbox:
  batchSize: 64
collaborators:
  paymentURL: http://payments:8080/
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging, got %q", cfg.Environment)
	}
	if cfg.Service.Role != RolePayment || cfg.Service.Lanes != 4 {
		t.Fatalf("unexpected service config %+v", cfg.Service)
	}
	if got := cfg.Service.Role.ConsumerGroup(); got != "payment-service-group" {
		t.Fatalf("unexpected consumer group %q", got)
	}
	if len(cfg.Bus.Kafka.Brokers) != 1 || cfg.Bus.Kafka.Brokers[0] != "kafka:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Bus.Kafka.Brokers)
	}
	if cfg.Idempotency.Retention != 72*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.Idempotency.Retention)
	}
	payment := cfg.Resilience.For("payment")
	if payment.Breaker.FailureThreshold != 3 {
		t.Fatalf("expected override threshold 3, got %d", payment.Breaker.FailureThreshold)
	}
	if payment.Retry.MaxAttempts != 4 || payment.CallTimeout != 2*time.Second {
		t.Fatalf("expected override to inherit defaults, got %+v", payment)
	}
	if cfg.Resilience.For("delivery").Breaker.FailureThreshold != 5 {
		t.Fatalf("expected default threshold for delivery")
	}
	if cfg.Outbox.BatchSize != 64 || cfg.Outbox.MaxAttempts != 10 {
		t.Fatalf("unexpected outbox config %+v", cfg.Outbox)
	}
}

func TestValidateRejectsRetentionShorterThanRedeliveryWindow(t *testing.T) {
	path := writeConfig(t, `
idempotency:
  retention: 1h
  producerRedeliveryWindow: 24h
`)
	_, err := Load(context.Background(), path)
	if err == nil {
		t.Fatalf("expected retention validation error")
	}
	if !strings.Contains(err.Error(), "redelivery window") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestValidateRejectsSplitRoleOnMemoryBus(t *testing.T) {
	path := writeConfig(t, `
service:
  role: delivery
`)
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatalf("expected error for single role on memory bus")
	}
}

func TestLoadRejectsUnknownRole(t *testing.T) {
	path := writeConfig(t, `
service:
  role: kitchen
`)
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestKafkaRequiresBrokers(t *testing.T) {
	path := writeConfig(t, `
bus:
  driver: kafka
`)
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatalf("expected error when kafka brokers missing")
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("ORDERFLOW_ENV", "prod")
	cfg, err := Load(context.Background(), writeConfig(t, `
environment: dev
collaborators:
  paymentURL: http://payments
  restaurantURL: http://restaurants
  deliveryURL: http://couriers
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected env override to prod, got %q", cfg.Environment)
	}
}

func TestValidateRequiresCollaboratorURLsOutsideDev(t *testing.T) {
	t.Setenv("ORDERFLOW_ENV", "")
	base := func(env, role, collaborators string) string {
		return "environment: " + env + "\nservice:\n  role: " + role +
			"\nbus:\n  driver: kafka\n  kafka:\n    brokers: [kafka:9092]\ncollaborators:\n" + collaborators
	}
	cases := []struct {
		name    string
		body    string
		missing string
	}{
		{"prod order without restaurant", base("prod", "order", "  paymentURL: http://payments\n"), "restaurantURL"},
		{"staging delivery", base("staging", "delivery", "  paymentURL: http://payments\n"), "deliveryURL"},
		{"prod all", base("prod", "all", "  timeout: 2s\n"), "paymentURL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.missing) {
				t.Fatalf("expected %s to be required, got %v", tc.missing, err)
			}
		})
	}

	// A role only needs what it calls, and dev keeps the fakes.
	if _, err := Load(context.Background(), writeConfig(t, base("prod", "delivery", "  deliveryURL: http://couriers\n"))); err != nil {
		t.Fatalf("delivery role with its URL: %v", err)
	}
	if _, err := Load(context.Background(), writeConfig(t, base("dev", "all", "  timeout: 2s\n"))); err != nil {
		t.Fatalf("dev keeps fakes: %v", err)
	}
}

func TestValidateRefusesDebugInProd(t *testing.T) {
	t.Setenv("ORDERFLOW_ENV", "")
	body := `
environment: prod
apiServer:
  debug: true
collaborators:
  paymentURL: http://payments
  restaurantURL: http://restaurants
  deliveryURL: http://couriers
`
	_, err := Load(context.Background(), writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "debug") {
		t.Fatalf("expected debug to be refused in prod, got %v", err)
	}
}

func TestRoleIncludes(t *testing.T) {
	if !RoleAll.Includes(RoleDelivery) {
		t.Fatalf("all must include delivery")
	}
	if RolePayment.Includes(RoleOrder) {
		t.Fatalf("payment must not include order")
	}
}
