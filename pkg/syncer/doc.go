// Package syncer runs sync passes: load the provider database, compile it and
// install the result through the installation coordinator.
//
// A pass is started by a Trigger. TriggerInstalled additionally replaces the
// static rule band before the dynamic pass. Watcher turns edits of the
// database file into TriggerDatabaseChanged passes, and Metrics exposes pass
// outcomes to Prometheus.
package syncer
