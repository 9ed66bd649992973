// Package logx is the structured logger used across asyncproc.
//
// Logger wraps zerolog. Loggers derived from a Service follow its sinks and
// level when the Service is re-applied, so components can keep the value
// they were built with across config reloads. The zero Logger discards
// everything.
package logx
