// Package devices builds instrument-specific command sets on top of the
// protocol-level scpi.Device.
//
// The shared subsystems live in PowerSupply and MultiMeter; concrete
// instruments such as HP6632B and TDKLambdaZplus embed them and add their
// own vocabulary, all delegating to the same underlying device. Commands go
// through the safe variants, so every operation reconciles the instrument's
// error queue before reporting success.
package devices
