// Package logx provides a small structured logging facade over zerolog.
//
// Components hold a Logger value (cheap to copy, safe zero value) while the
// Service owns the sinks and supports runtime reconfiguration: changing the
// level or log file via config hot-reload takes effect on loggers already
// handed out.
package logx
