package service

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/timzifer/shdr_adapter/cache"
	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/telemetry"
)

// OutputReport summarises one compiled output.
type OutputReport struct {
	Key       string
	Category  string
	Kind      string
	DependsOn []string
	Missing   []string
}

// DeviceReport summarises the compiled outputs of one device.
type DeviceReport struct {
	ID      string
	Driver  string
	Listen  string
	Outputs []OutputReport
	Errors  []string
	Source  config.ModuleReference
}

// Analyze compiles every enabled device on its own and reports outputs,
// dependencies and undeclared keys. Unlike Validate it keeps going after a
// device fails so all problems are listed at once.
func Analyze(cfg *config.Config, opts ...Option) ([]DeviceReport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	registry := applyOptions(newFactoryRegistry(), opts)

	devices := cfg.EnabledDevices()
	reports := make([]DeviceReport, 0, len(devices))
	for _, devCfg := range devices {
		report := DeviceReport{
			ID:     devCfg.ID,
			Driver: devCfg.Input.Driver,
			Listen: cfg.DeviceAgent(devCfg).Address(),
			Source: devCfg.Source,
		}
		svc := &Service{cfg: cfg, logger: zerolog.Nop(), collector: telemetry.Noop(), cache: cache.New()}
		dev, err := svc.buildDevice(devCfg, zerolog.Nop(), registry)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			reports = append(reports, report)
			continue
		}
		if dev.source != nil {
			_ = dev.source.Close()
		}

		missing := make(map[string][]string)
		for _, item := range sortedMissing(svc.missing) {
			missing[item.Output] = append(missing[item.Output], item.Key)
		}
		for i, output := range dev.outputs {
			report.Outputs = append(report.Outputs, OutputReport{
				Key:       output.Key,
				Category:  string(output.Category),
				Kind:      devCfg.Outputs[i].ComputeKind(),
				DependsOn: append([]string(nil), output.DependsOn...),
				Missing:   missing[output.Key],
			})
		}
		reports = append(reports, report)
	}
	return reports, nil
}
