// Package logx configures newswatch's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp, level-colored)
//   - Optional file output JSON-structured
//   - Live level changes via Service.Apply (config hot reload)
package logx
