// Package events carries task lifecycle notifications from the dispatcher,
// reconciler and facade to whoever needs to react to them.
//
// Emitters do not know their handlers. The primary components are:
// - TaskEvent: a lifecycle change of one task
// - EventHandler: a component that reacts to events
// - EventEmitter: a component that publishes events
package events
