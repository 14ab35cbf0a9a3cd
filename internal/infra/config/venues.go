package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// VenueKind selects the adapter implementation backing a venue.
type VenueKind string

const (
	// VenueKindBinance connects to the Binance spot REST API.
	VenueKindBinance VenueKind = "binance"
	// VenueKindMock runs the in-process simulated venue.
	VenueKindMock VenueKind = "mock"
)

// MockVenueConfig tunes the simulated venue.
type MockVenueConfig struct {
	LatencyMin  time.Duration `yaml:"latencyMin"`
	LatencyMax  time.Duration `yaml:"latencyMax"`
	FailureRate float64       `yaml:"failureRate"`
	FillSteps   int           `yaml:"fillSteps"`
	FillPrice   string        `yaml:"fillPrice"`
	Seed        int64         `yaml:"seed"`
}

// VenueConfig describes a single venue instance.
type VenueConfig struct {
	Kind              VenueKind       `yaml:"kind"`
	Default           bool            `yaml:"default"`
	BaseURL           string          `yaml:"baseURL"`
	WebsocketURL      string          `yaml:"websocketURL"`
	APIKey            string          `yaml:"apiKey"`
	APISecret         string          `yaml:"apiSecret"`
	Symbols           []string        `yaml:"symbols"`
	HTTPTimeout       time.Duration   `yaml:"httpTimeout"`
	RecvWindow        time.Duration   `yaml:"recvWindow"`
	RequestsPerSecond float64         `yaml:"requestsPerSecond"`
	Burst             int             `yaml:"burst"`
	StreamFills       bool            `yaml:"streamFills"`
	Mock              MockVenueConfig `yaml:"mock"`
}

func (v *VenueConfig) normalise() {
	v.Kind = VenueKind(strings.ToLower(strings.TrimSpace(string(v.Kind))))
	v.BaseURL = strings.TrimSpace(v.BaseURL)
	v.WebsocketURL = strings.TrimSpace(v.WebsocketURL)
	v.APIKey = strings.TrimSpace(v.APIKey)
	v.APISecret = strings.TrimSpace(v.APISecret)
	symbols := make([]string, 0, len(v.Symbols))
	for _, s := range v.Symbols {
		if trimmed := strings.ToUpper(strings.TrimSpace(s)); trimmed != "" {
			symbols = append(symbols, trimmed)
		}
	}
	v.Symbols = symbols
}

func (v VenueConfig) validate() error {
	switch v.Kind {
	case VenueKindMock:
		if v.Mock.FailureRate < 0 || v.Mock.FailureRate > 1 {
			return fmt.Errorf("mock failureRate must be within [0,1]")
		}
	case VenueKindBinance:
		if v.RequestsPerSecond < 0 {
			return fmt.Errorf("requestsPerSecond must be >=0")
		}
	case "":
		return fmt.Errorf("kind required")
	default:
		return fmt.Errorf("unsupported kind %q", v.Kind)
	}
	return nil
}

// VenueSpec pairs a venue name with its configuration.
type VenueSpec struct {
	Name   string
	Config VenueConfig
}

// BuildVenueSpecs returns the configured venues ordered by name.
func BuildVenueSpecs(venues map[string]VenueConfig) ([]VenueSpec, error) {
	if len(venues) == 0 {
		return nil, fmt.Errorf("no venues defined in config")
	}
	specs := make([]VenueSpec, 0, len(venues))
	for name, cfg := range venues {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("venue name required")
		}
		specs = append(specs, VenueSpec{Name: name, Config: cfg})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}
