// Package logx configures relaybridge's structured logging.
//
// Components log through a small wrapper (logx.Logger) on top of zerolog so
// that:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - Level and sinks can be swapped at runtime on config reload
package logx
