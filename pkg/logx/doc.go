// Package logx provides a small structured logging facade over zerolog.
//
// Components hold a Logger value; the Service owns sinks and levels and can
// swap them at runtime via Apply() without invalidating existing loggers.
package logx
