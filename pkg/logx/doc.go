// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase never imports zerolog directly:
// components take a logx.Logger, tests pass logx.Nop(), and the binaries
// decide once at startup where output goes (console, file, or both).
package logx
