// Package logx provides the structured logging service used across the
// courier daemon.
//
// It wraps zerolog behind a small Logger facade so components never hold a
// raw zerolog.Logger: the root logger can be swapped at runtime (config
// reload) without re-plumbing every component.
//
// Sinks:
//   - console (human-readable)
//   - file (JSON lines)
//   - admin chat (rate-limited, queued; wired through a Sender so the
//     messaging client can be attached after bootstrap)
package logx
