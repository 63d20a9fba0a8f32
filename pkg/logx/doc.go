// Package logx is modbot's logging layer on top of zerolog.
//
// Console output is human readable, the optional file sink writes JSON lines,
// and warnings can be mirrored into a chat channel for moderators and operators.
// Loggers derived from a Service follow Service.Apply without being rebuilt.
package logx
