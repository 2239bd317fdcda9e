// Package simulator runs one synthetic sensor loop per machine.
//
// Each loop generates a reading, stores it, evaluates it with the anomaly
// detector, persists and forwards any resulting alert, broadcasts the
// reading to real-time subscribers and then sleeps for the configured
// interval. Loops are started and stopped individually through a Scheduler;
// Stop returns only after the loop has exited.
package simulator
