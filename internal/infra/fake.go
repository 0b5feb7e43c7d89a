package infra

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Controller with failure injection, used by tests
// and by the serve command's dry-run mode.
type Fake struct {
	mu sync.Mutex

	groups  map[string]map[string]fakeGroup // service -> group name
	weights map[string]map[string]int       // service -> group name -> percent

	// ApplyErr, when set, fails the next ApplyErrCount Apply calls.
	ApplyErr      error
	ApplyErrCount int

	// UnhealthyGroups marks groups that never report ready.
	UnhealthyGroups map[string]bool

	// PartialWeightGroup, when non-empty, makes SetTrafficWeights apply
	// every requested weight except this group's, simulating a partial
	// weight application that the cutover controller must detect.
	PartialWeightGroup string

	// FailWeights fails SetTrafficWeights outright.
	FailWeights error

	// WeightLog records every SetTrafficWeights call in order.
	WeightLog []map[string]int
}

type fakeGroup struct {
	spec     DeploySpec
	replicas int
}

// NewFake creates an empty fake controller.
func NewFake() *Fake {
	return &Fake{
		groups:          make(map[string]map[string]fakeGroup),
		weights:         make(map[string]map[string]int),
		UnhealthyGroups: make(map[string]bool),
	}
}

func (f *Fake) Apply(_ context.Context, spec DeploySpec) (GroupHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ApplyErrCount > 0 {
		f.ApplyErrCount--
		return GroupHandle{}, f.ApplyErr
	}

	if f.groups[spec.Service] == nil {
		f.groups[spec.Service] = make(map[string]fakeGroup)
	}
	f.groups[spec.Service][spec.GroupName] = fakeGroup{spec: spec, replicas: spec.Replicas}

	return GroupHandle{Service: spec.Service, Name: spec.GroupName}, nil
}

func (f *Fake) Health(_ context.Context, handle GroupHandle) (HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.groups[handle.Service][handle.Name]; !ok {
		return HealthStatus{}, fmt.Errorf("unknown group %s/%s", handle.Service, handle.Name)
	}
	if f.UnhealthyGroups[handle.Name] {
		return HealthStatus{Ready: false, Detail: "instances not ready"}, nil
	}
	return HealthStatus{Ready: true, Detail: "all instances ready"}, nil
}

func (f *Fake) SetTrafficWeights(_ context.Context, service string, weights map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailWeights != nil {
		return f.FailWeights
	}

	applied := make(map[string]int, len(weights))
	for name, w := range weights {
		if name == f.PartialWeightGroup {
			continue
		}
		applied[name] = w
	}

	f.weights[service] = applied
	logged := make(map[string]int, len(applied))
	for k, v := range applied {
		logged[k] = v
	}
	f.WeightLog = append(f.WeightLog, logged)

	return nil
}

func (f *Fake) TrafficWeights(_ context.Context, service string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]int)
	for name, w := range f.weights[service] {
		out[name] = w
	}
	return out, nil
}

func (f *Fake) Scale(_ context.Context, handle GroupHandle, replicas int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.groups[handle.Service][handle.Name]
	if !ok {
		return fmt.Errorf("unknown group %s/%s", handle.Service, handle.Name)
	}
	g.replicas = replicas
	f.groups[handle.Service][handle.Name] = g
	return nil
}

func (f *Fake) Destroy(_ context.Context, handle GroupHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.groups[handle.Service][handle.Name]; !ok {
		return fmt.Errorf("unknown group %s/%s", handle.Service, handle.Name)
	}
	delete(f.groups[handle.Service], handle.Name)
	return nil
}

// Replicas reports a group's current replica count, -1 when the group
// does not exist.
func (f *Fake) Replicas(service, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.groups[service][name]
	if !ok {
		return -1
	}
	return g.replicas
}

// Weights returns a copy of the current weight map for a service.
func (f *Fake) Weights(service string) map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]int)
	for name, w := range f.weights[service] {
		out[name] = w
	}
	return out
}

// SetWeights seeds the weight map directly, bypassing the log.
func (f *Fake) SetWeights(service string, weights map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	applied := make(map[string]int, len(weights))
	for k, v := range weights {
		applied[k] = v
	}
	f.weights[service] = applied
}

// FakeMetrics is an in-memory MetricsProvider keyed by population name.
type FakeMetrics struct {
	mu sync.Mutex

	// Series maps "template|population" to the values returned per query.
	Series map[string][]float64

	// Errors marks keys whose queries fail.
	Errors map[string]error
}

// NewFakeMetrics creates an empty fake provider.
func NewFakeMetrics() *FakeMetrics {
	return &FakeMetrics{
		Series: make(map[string][]float64),
		Errors: make(map[string]error),
	}
}

// Set seeds the series for one metric template and population.
func (m *FakeMetrics) Set(template, population string, values ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Series[template+"|"+population] = values
}

// Fail makes queries for one metric template and population error.
func (m *FakeMetrics) Fail(template, population string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[template+"|"+population] = err
}

func (m *FakeMetrics) Query(_ context.Context, template, population string, _ TimeWindow) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := template + "|" + population
	if err := m.Errors[key]; err != nil {
		return nil, err
	}
	values, ok := m.Series[key]
	if !ok {
		return nil, fmt.Errorf("no series for %s", key)
	}
	return values, nil
}

// FakeRunner is an in-memory VerificationRunner.
type FakeRunner struct {
	mu sync.Mutex

	// Results maps test specs to their outcome. Unknown specs succeed.
	Results map[string]Report
	Err     error

	// Block, when set, makes Run wait for ctx cancellation, simulating a
	// long external job for termination tests.
	Block bool

	Calls []string
}

func (r *FakeRunner) Run(ctx context.Context, testSpec, endpoint string) (Report, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, testSpec)
	block := r.Block
	err := r.Err
	report, ok := r.Results[testSpec]
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		return Report{}, ctx.Err()
	}
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{Success: true}, nil
	}
	return report, nil
}
