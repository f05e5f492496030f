// Package openprotocol implements the core of the Open Protocol
// tightening-controller simulator.
//
// This includes the length-framed ASCII message codec, the per-MID revision
// registry, the single-session controller state machine, the MID handler
// table, the tightening result simulator, and the I/O relay subsystem.
package openprotocol
