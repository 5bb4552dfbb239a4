// Package harness runs scenario files against the simulator.
//
// A scenario bootstraps an account, builds a seeded world, runs protocol
// operations as participant tasks and checks their outcomes, the resulting
// trace, the final account state and the property monitor.
//
// # Scenario Format
//
// Scenarios are YAML files validated against an embedded CUE schema:
//
//	name: s1-honest-dkd
//	description: "Three devices derive one key"
//	seed: 42
//	account:
//	  name: family
//	  threshold: 2
//	  devices: [alice, bob, carol]
//	byzantine:
//	  - participant: bob
//	    fixtures: [equivocate_dkd]
//	steps:
//	  - op: dkd
//	    session: s1
//	    participants: [alice, bob, carol]
//	    app_label: photos
//	    context: unit
//	    expect:
//	      outcome: ok
//	      agree: true
//	assertions:
//	  - type: trace_count
//	    event: finalize_dkd_session
//	    count: 1
//	  - type: final_state
//	    table: dkd
//	    where: { session: s1 }
//	    expect: { finalized: true }
//
// Steps run in order; a step marked concurrent starts in the same batch as
// the one before it. Operations are dkd, resharing, recovery,
// complete_recovery, ota, sign and send.
//
// # Assertion Types
//
//   - trace_contains: an event matching the selector occurs
//   - trace_order: journal events first occur in the listed order
//   - trace_count: exactly N events match the selector
//   - final_state: one row of a state table holds the expected values
//   - no_violations: the monitor found nothing
//   - violation: the monitor reported the named property
//
// State tables are account, budgets, sessions, recoveries, dkd and locks.
//
// # Determinism
//
// Every key, nonce, latency and drop flows from the scenario seed, and the
// world runs one task at a time on a virtual clock. Two runs of a scenario
// produce the same trace, which golden files pin down.
package harness
