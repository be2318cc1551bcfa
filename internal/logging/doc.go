// Package logging implements kiln's structured log sink.
//
// The Sink is a slog.Handler: package code logs through log/slog exactly
// as it would with the default handler, and the sink fans each line out
// to a global append-only file and a per-tag file. Lines below the
// configured floor are dropped, values of sensitive keys are masked, and
// files are size-rotated with a bounded number of kept copies.
//
// Sink failures never propagate to callers; when a log file cannot be
// opened the line goes to standard error instead.
package logging
