// Package effects declares the surfaces the core depends on: journal and
// flow budgets, leakage accounting, storage, network, randomness, physical
// time, sessions and the terminal. Guard and protocol code is written
// against a System value; wiring picks production or simulation handlers.
package effects
