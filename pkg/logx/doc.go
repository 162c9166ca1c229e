// Package logx is taskrunner's structured logging.
//
// A thin wrapper (logx.Logger) over zerolog keeps:
//   - console output readable (short timestamp, short caller)
//   - file output as JSON
//   - an optional line sink (min level, rate limited) for plain-text consumers
package logx
