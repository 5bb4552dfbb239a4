// Package sim is the deterministic simulator. A World runs protocol tasks
// over a virtual clock and a virtual network whose latency, loss and
// partitions are drawn from one seeded random stream. Only one task runs
// at a time and tasks run in creation order, so a seed fixes the whole
// execution and two runs with the same seed produce the same Trace.
//
// A tick does four things in order: it releases the messages due at the
// new tick, advances virtual time, lets every live task run until it
// parks, and hands the messages those tasks sent to the network with a
// sampled latency.
package sim
