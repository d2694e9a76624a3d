// Package plant simulates the fusor apparatus for bench runs without
// hardware. A Plant is an Actuator, a Gauge and a Sensor at once: writes
// move its outputs, and pressures, supply voltage and current follow with
// first-order lag.
//
// The model is deliberately coarse:
//
//	foreline   pumped by the mechanical pump, vented by valve 1
//	turbo      follows the foreline through valve 2; the turbo pump takes
//	           it to high vacuum once the foreline is rough
//	main       follows the turbo side through valve 3; valve 4 admits
//	           deuterium and holds it at the fuel pressure
//	supply     voltage follows the variac set-point
//	current    scales with voltage and fuel pressure
//
// Pressures move in log space so a pump-down from atmosphere takes the
// same time per decade.
package plant
