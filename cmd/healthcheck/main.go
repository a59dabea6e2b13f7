// Command healthcheck probes a running gateway and its dependencies and
// exits non-zero when any of them is unhealthy.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/qtmspin/alpaca-api-service-sub000/pkg/broker"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/config"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/db"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/logging"
)

const (
	statusHealthy   = "HEALTHY"
	statusDegraded  = "DEGRADED"
	statusUnhealthy = "UNHEALTHY"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	host := flag.String("host", "localhost", "host running the gateway")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	skipBroker := flag.Bool("skip-broker", false, "do not call the brokerage API")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{Overall: statusHealthy}
	cfg, status := checkConfig()
	report.Services = append(report.Services, status)
	if cfg != nil {
		report.Services = append(report.Services, checkJournal(ctx, cfg))
		if !*skipBroker {
			report.Services = append(report.Services, checkBroker(ctx, cfg))
		}
		report.Services = append(report.Services, checkAPIServer(ctx, *host, cfg.Port))
		if cfg.GRPCPort > 0 {
			report.Services = append(report.Services, checkGRPC(ctx, *host, cfg.GRPCPort))
		}
	}
	report.Overall = overall(report.Services)

	if *asJSON {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	} else {
		for _, svc := range report.Services {
			fmt.Printf("%-16s %-10s %s\n", svc.Service, svc.Status, svc.Message)
		}
		fmt.Printf("\nOverall Status: %s\n", report.Overall)
	}

	if report.Overall == statusUnhealthy {
		os.Exit(1)
	}
}

func overall(services []HealthStatus) string {
	result := statusHealthy
	for _, svc := range services {
		switch svc.Status {
		case statusUnhealthy:
			return statusUnhealthy
		case statusDegraded:
			result = statusDegraded
		}
	}
	return result
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: statusHealthy, Timestamp: time.Now()}
}

func (h HealthStatus) fail(format string, args ...any) HealthStatus {
	h.Status = statusUnhealthy
	h.Message = fmt.Sprintf(format, args...)
	return h
}

func checkConfig() (*config.Config, HealthStatus) {
	status := newStatus("Configuration")
	cfg, err := config.Load()
	if err != nil {
		return nil, status.fail("failed to load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, status.fail("%v", err)
	}
	status.Message = fmt.Sprintf("port=%s paper=%t feed=%s", cfg.Port, cfg.Paper, cfg.DataFeed)
	return cfg, status
}

func checkJournal(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Journal")
	if cfg.JournalDBPath == "" {
		status.Status = statusDegraded
		status.Message = "disabled"
		return status
	}
	database, err := db.New(cfg.JournalDBPath)
	if err != nil {
		return status.fail("open failed: %v", err)
	}
	defer database.Close()
	if err := database.Ping(ctx); err != nil {
		return status.fail("ping failed: %v", err)
	}
	status.Message = cfg.JournalDBPath
	return status
}

func checkBroker(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Broker API")
	client := broker.NewAlpacaClient(broker.AlpacaConfig{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		Paper:      cfg.Paper,
		DataFeed:   cfg.DataFeed,
		RatePerMin: cfg.BrokerRatePerMin,
	}, logging.Discard())
	acct, err := client.GetAccount(ctx)
	if err != nil {
		return status.fail("%v", err)
	}
	network := "live"
	if cfg.Paper {
		network = "paper"
	}
	status.Message = fmt.Sprintf("%s account %s (%s)", network, acct.AccountNumber, acct.Status)
	return status
}

func checkAPIServer(ctx context.Context, host, port string) HealthStatus {
	status := newStatus("API Server")
	url := fmt.Sprintf("http://%s:%s/health", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return status.fail("%v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return status.fail("not reachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status.fail("status %d", resp.StatusCode)
	}
	var body struct {
		Ready bool `json:"ready"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if !body.Ready {
		status.Status = statusDegraded
		status.Message = "streams not authenticated"
		return status
	}
	status.Message = "ready"
	return status
}

func checkGRPC(ctx context.Context, host string, port int) HealthStatus {
	status := newStatus("gRPC Health")
	conn, err := grpc.NewClient(fmt.Sprintf("%s:%d", host, port), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return status.fail("%v", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	for _, service := range []string{"market_data", "trading_events"} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return status.fail("%s: %v", service, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			status.Status = statusDegraded
			status.Message = service + " " + resp.GetStatus().String()
			return status
		}
	}
	status.Message = "serving"
	return status
}
