// Package shared holds code used across packages that belongs to none of
// them. Test helpers live in shared/testutil: a capturing slog handler, a
// settable clock and license fixtures.
package shared
