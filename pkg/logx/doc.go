// Package logx configures shoutbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional forwarding sink (min-level + rate limiting), used to push
//     warnings into the notifier
package logx
