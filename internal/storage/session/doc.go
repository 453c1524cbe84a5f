// Package session persists step sessions, canonical tool-call rows and
// execution-level consolidated sessions on top of the connection pool.
//
// Tool-call observations arrive partial and out of order. The Consolidator
// folds every observation of one invocation into a single row, matching on
// session, tool name and a start_time window.
package session
