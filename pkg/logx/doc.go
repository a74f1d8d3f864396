// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so engine components can take a logx.Logger value without caring
// whether logs go to console, a file, or both, and so log sinks can be
// reconfigured at runtime without re-plumbing loggers through the app.
package logx
