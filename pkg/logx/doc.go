// Package logx is a thin structured-logging facade over zerolog.
//
// Components hold a logx.Logger by value; the zero value is a no-op, so
// wiring a logger is always optional. Loggers created from a Service stay
// live across config reloads.
package logx
