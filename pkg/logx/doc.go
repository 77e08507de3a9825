// Package logx is a small structured-logging facade over zerolog.
//
// Components receive a Logger scoped with fixed fields (comp, tenant) via
// With(). The Service owns the sink configuration (console/file) and can
// swap it at runtime without invalidating loggers already handed out.
package logx
