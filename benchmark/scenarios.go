package benchmark

import (
	"fmt"

	"github.com/nvr-ai/go-yolo/models/model"
)

// ScenarioBuilder helps build scenarios with a fluent API.
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a builder for a 640x640 scenario of one image,
// 100 iterations and 10 warmup runs.
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:       name,
			Resolution: Resolution{Width: 640, Height: 640, Name: "640x640"},
			BatchSize:  1,
			Iterations: 100,
			WarmupRuns: 10,
		},
	}
}

// WithNetwork sets the network architecture.
func (sb *ScenarioBuilder) WithNetwork(name model.Name) *ScenarioBuilder {
	sb.scenario.Network = name
	return sb
}

// WithResolution sets the input size.
func (sb *ScenarioBuilder) WithResolution(width, height int) *ScenarioBuilder {
	sb.scenario.Resolution = Resolution{
		Width:  width,
		Height: height,
		Name:   fmt.Sprintf("%dx%d", width, height),
	}
	return sb
}

// WithIterations sets the number of measured iterations.
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of unmeasured iterations.
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// WithBatchSize sets the number of images per iteration.
func (sb *ScenarioBuilder) WithBatchSize(batchSize int) *ScenarioBuilder {
	sb.scenario.BatchSize = batchSize
	return sb
}

// Build returns the configured scenario.
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// QuickScenarios returns one short 416x416 scenario per network.
func QuickScenarios(names ...model.Name) []Scenario {
	scenarios := make([]Scenario, 0, len(names))
	for _, name := range names {
		scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("quick_%s", name)).
			WithNetwork(name).
			WithResolution(416, 416).
			WithIterations(10).
			WithWarmupRuns(2).
			Build())
	}
	return scenarios
}

// ResolutionScenarios returns one scenario of a network per resolution.
func ResolutionScenarios(name model.Name, iterations int, resolutions ...Resolution) []Scenario {
	if len(resolutions) == 0 {
		resolutions = CommonResolutions
	}
	scenarios := make([]Scenario, 0, len(resolutions))
	for _, r := range resolutions {
		scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("%s_%s", name, r.Name)).
			WithNetwork(name).
			WithResolution(r.Width, r.Height).
			WithIterations(iterations).
			Build())
	}
	return scenarios
}
