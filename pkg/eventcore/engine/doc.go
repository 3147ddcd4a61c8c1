// Package engine is the composition root of eventcore.
//
// New builds every component from config.Settings and connects them: the
// bus reports deliveries to the metrics collector and forwards failures to
// the retry service, which re-dispatches through the bus and moves
// exhausted deliveries to the dead-letter store. With the sqlite storage
// driver the retry table and dead letters share one database file, so
// pending retries survive a restart and resume on Initialize.
//
// Components are injected, never global. Tests build as many engines as
// they need.
package engine
