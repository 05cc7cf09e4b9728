// Package logx configures the tracker's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON and journald output structured
//   - Optional Telegram forwarding (min-level, chunked, rate limited)
package logx
