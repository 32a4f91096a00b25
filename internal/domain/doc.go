// Package domain contains the core entities of the dispatch service: the Task
// record, its lifecycle states and the rules governing transitions between
// them. It has no knowledge of persistence, transport or the parsing engine.
package domain
