package observability

import (
	"strings"

	"github.com/smallbiznis/clickrank/internal/config"
)

// Config is the observability view of the application config.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	StoreDriver string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// LoadConfig derives telemetry settings from cfg. Outside production every
// click batch is traced; production keeps the configured sampling ratio.
func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "clickrank"
	}

	t := cfg.Telemetry
	ratio := t.SamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}
	if isDevEnv(cfg.Environment) {
		ratio = 1
	}

	protocol := t.OTLPProtocol
	switch protocol {
	case "http", "http/protobuf":
	default:
		protocol = "grpc"
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		StoreDriver:          cfg.StoreDriver,
		LogLevel:             t.LogLevel,
		LogFormat:            t.LogFormat,
		OtelEnabled:          t.OTLPEnabled && t.OTLPEndpoint != "",
		OtelExporterEndpoint: t.OTLPEndpoint,
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    ratio,
	}
}

func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	return isDevEnv(c.Environment)
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
