// Package logx is oppcast's structured logging layer.
//
// logx.Logger wraps zerolog and keeps:
//   - readable console output (short timestamp + file:line caller)
//   - JSON lines in the optional log file
//   - an optional Telegram ops sink (min level, rate limited, never blocking)
package logx
