package plant

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// Model constants. Pressures are in mT.
const (
	Atmosphere      = 760000.0
	RoughBase       = 20.0
	HighVacuumBase  = 0.01
	FuelPressure    = 0.1
	LeakUpPerSecond = 0.05

	// mA per kV at fuel pressure.
	currentPerKV = 0.5
	// Neutron production starts above this voltage.
	fusionOnsetKV = 15.0

	// The ADC reference; node taps read at ten times the ADC input.
	adcReferenceVolts   = 3.3
	nodeVoltsPerADCVolt = 10.0
	nodeFullScaleMA     = 5.0
	// Current full scale of the supply current channel.
	supplyFullScaleMA = 10.0
)

// Node taps sit on ADC channels 5 to 7. Each sees a fixed share of the
// supply output.
var nodeShare = [command.NodeCount]float64{0.25, 0.5, 1}

// Config tunes the simulation.
type Config struct {
	// Tau is the first-order time constant of pressures, voltage and
	// current. Default: 500 ms.
	Tau time.Duration

	// TimeScale speeds up simulated time relative to the clock.
	// Default: 1.
	TimeScale float64

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Plant is a simulated apparatus.
//
// Thread Safety: all methods are safe for concurrent use.
type Plant struct {
	tau   float64
	scale float64
	now   func() time.Time

	mu      sync.Mutex
	last    time.Time
	outputs map[command.Channel]float64
	faults  map[command.Channel]error

	foreline float64
	turbo    float64
	main     float64
	voltage  float64
	current  float64
	neutrons float64
}

// New creates a plant at atmosphere with everything off.
func New(cfg Config) *Plant {
	if cfg.Tau <= 0 {
		cfg.Tau = 500 * time.Millisecond
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Plant{
		tau:      cfg.Tau.Seconds(),
		scale:    cfg.TimeScale,
		now:      cfg.Now,
		last:     cfg.Now(),
		outputs:  map[command.Channel]float64{command.ChannelSupplyEnable: 1},
		faults:   make(map[command.Channel]error),
		foreline: Atmosphere,
		turbo:    Atmosphere,
		main:     Atmosphere,
	}
}

// Apply implements command.Actuator.
func (p *Plant) Apply(ctx context.Context, ch command.Channel, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.faults[ch]; err != nil {
		return err
	}
	p.advance()
	if ch == command.ChannelVariacSteps {
		// Relative move of the variac stepper, one degree per step.
		p.outputs[command.ChannelSupplySetpoint] = math.Max(0, p.outputs[command.ChannelSupplySetpoint]+value)
	}
	p.outputs[ch] = value
	return nil
}

// Read implements command.Gauge.
func (p *Plant) Read(ctx context.Context, ch telemetry.ChannelID) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.advance()
	v, ok := p.value(ch)
	if !ok {
		return 0, fmt.Errorf("plant: no sensor on %s", ch)
	}
	return v, nil
}

// ReadNode implements command.NodeGauge.
func (p *Plant) ReadNode(ctx context.Context, node int, q command.NodeQuantity) (float64, error) {
	if node < 1 || node > command.NodeCount {
		return 0, fmt.Errorf("plant: node %d out of range 1-%d", node, command.NodeCount)
	}
	counts, err := p.ReadADC(ctx)
	if err != nil {
		return 0, err
	}
	c := float64(counts[node+4])
	if q == command.NodeCurrent {
		return c / command.ADCFullScale * nodeFullScaleMA, nil
	}
	return c / command.ADCFullScale * adcReferenceVolts * nodeVoltsPerADCVolt, nil
}

// ReadADC implements command.NodeGauge. Channels 0 to 2 carry the
// pressure gauges on a log scale, 3 and 4 the supply voltage and current,
// 5 to 7 the node taps.
func (p *Plant) ReadADC(ctx context.Context) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()

	counts := make([]int, command.ADCChannelCount)
	for i, mT := range []float64{p.foreline, p.turbo, p.main} {
		// 1e-3 mT reads 0, atmosphere reads full scale.
		counts[i] = adcCounts((math.Log10(mT) + 3) / (math.Log10(Atmosphere) + 3))
	}
	supply := p.voltage * 1000 / command.MaxSupplyVolts
	counts[3] = adcCounts(supply)
	counts[4] = adcCounts(p.current / supplyFullScaleMA)
	for i, share := range nodeShare {
		counts[i+5] = adcCounts(supply * share)
	}
	return counts, nil
}

func adcCounts(fraction float64) int {
	return int(math.Round(math.Max(0, math.Min(1, fraction)) * command.ADCFullScale))
}

// ReadAll implements telemetry.Sensor.
func (p *Plant) ReadAll(ctx context.Context) ([]telemetry.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.advance()
	at := p.last
	out := make([]telemetry.Sample, 0, len(telemetry.Channels()))
	for _, ch := range telemetry.Channels() {
		v, _ := p.value(ch)
		out = append(out, telemetry.Sample{Channel: ch, Value: v, Timestamp: at})
	}
	return out, nil
}

// FailOn makes every write to ch fail. A nil err clears the fault.
func (p *Plant) FailOn(ch command.Channel, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.faults, ch)
		return
	}
	p.faults[ch] = fmt.Errorf("%w: %s: %w", ErrInjected, ch, err)
}

// Output returns the last value written to ch.
func (p *Plant) Output(ch command.Channel) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputs[ch]
}

// Step advances the model by dt of simulated time.
func (p *Plant) Step(dt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.step(dt.Seconds())
}

// advance steps the model up to the clock. Caller holds mu.
func (p *Plant) advance() {
	now := p.now()
	dt := now.Sub(p.last).Seconds()
	p.last = now
	if dt > 0 {
		p.step(dt * p.scale)
	}
}

func (p *Plant) step(dt float64) {
	k := 1 - math.Exp(-dt/p.tau)

	open := func(valve int) bool { return p.outputs[command.ValveChannel(valve)] > 0 }
	mech := p.outputs[command.ChannelMechanicalPump] > 0
	turboPump := p.outputs[command.ChannelTurboPump] > 0

	// Foreline.
	switch {
	case open(command.ValveAtmosphere):
		p.foreline = logToward(p.foreline, Atmosphere, k)
	case mech:
		p.foreline = logToward(p.foreline, RoughBase, k)
	default:
		p.foreline = leak(p.foreline, dt)
	}

	// Turbo side.
	switch {
	case open(command.ValveAtmosphere):
		p.turbo = logToward(p.turbo, Atmosphere, k)
	case open(command.ValveForeline) && turboPump && p.foreline <= 2*RoughBase:
		p.turbo = logToward(p.turbo, HighVacuumBase, k)
	case open(command.ValveForeline):
		p.turbo = logToward(p.turbo, p.foreline, k)
	default:
		p.turbo = leak(p.turbo, dt)
	}

	// Chamber.
	switch {
	case open(command.ValveMain) && open(command.ValveDeuterium):
		p.main = logToward(p.main, math.Max(p.turbo, FuelPressure), k)
	case open(command.ValveMain):
		p.main = logToward(p.main, p.turbo, k)
	default:
		p.main = leak(p.main, dt)
	}

	// Supply.
	targetKV := p.outputs[command.ChannelSupplySetpoint] / command.VariacDegreesPerVolt / 1000
	p.voltage += (targetKV - p.voltage) * k

	targetMA := 0.0
	if open(command.ValveDeuterium) && p.voltage > 1 {
		targetMA = currentPerKV * p.voltage * math.Min(p.main/FuelPressure, 10)
	}
	p.current += (targetMA - p.current) * k

	p.neutrons = 0
	if p.voltage > fusionOnsetKV {
		p.neutrons = math.Round((p.voltage - fusionOnsetKV) * p.current * 10)
	}
}

// value reads one channel. Caller holds mu.
func (p *Plant) value(ch telemetry.ChannelID) (float64, bool) {
	switch ch {
	case telemetry.ForelinePressure:
		return p.foreline, true
	case telemetry.TurboPressure:
		return p.turbo, true
	case telemetry.MainPressure:
		return p.main, true
	case telemetry.SupplyVoltage:
		return p.voltage, true
	case telemetry.SupplyCurrent:
		return p.current, true
	case telemetry.AtmosphereFlag:
		if p.main >= 0.95*Atmosphere {
			return 1, true
		}
		return 0, true
	case telemetry.NeutronCounts:
		return p.neutrons, true
	}
	return 0, false
}

// logToward moves x toward target by fraction k in log space.
func logToward(x, target, k float64) float64 {
	lx, lt := math.Log(x), math.Log(target)
	return math.Exp(lx + (lt-lx)*k)
}

// leak raises a sealed volume slowly toward atmosphere.
func leak(x, dt float64) float64 {
	return math.Min(Atmosphere, x+LeakUpPerSecond*dt)
}
