// Package testbed is the agent runtime for the SWF streaming-workflow
// testbed: long-lived agents that drive a simulated DAQ workflow and its
// fast-monitoring / fast-processing pipeline over a STOMP broker, reporting
// lifecycle state to the SWF monitor REST service.
//
// # Quick Start
//
// Create and run an agent:
//
//	brk, err := broker.Dial(ctx, broker.SettingsFromEnv(), nil)
//	mon := monitor.NewClient(monitor.SettingsFromEnv(), nil)
//
//	agent := testbed.NewAgent("fastmon", brk, mon,
//		testbed.WithNamespace(ns),
//		testbed.WithSubscriptions(testbed.EpicTopic),
//		testbed.WithHandler(onMessage),
//	)
//	err = agent.Run(ctx)
//
// # Core pieces
//
// The root package defines the contracts shared by all agents:
//
//   - [Agent]: broker connection + monitor client + lifecycle state machine
//   - [Envelope] and the typed message structs: the broker wire format
//   - [DecodeMessage]: body parsing with namespace filtering
//   - [Tracer]: span creation, OTEL-backed via the observer package
//
// Subpackages provide the concerns agents compose: config (layered TOML),
// broker (STOMP transport), monitor (REST client), sim (discrete-event and
// real-time simulation), workflow (runner and executors), fastmon and
// fastproc (the pipeline agents), manager (per-user agent supervision).
package testbed
