package license

import (
	"context"
	"errors"
	"log/slog"
)

// RoleGranter grants a chat-platform role to an activated identity.
type RoleGranter interface {
	GrantRole(ctx context.Context, identity, roleID string) error
}

// Notifier delivers best-effort messages to buyers and administrators.
type Notifier interface {
	DirectMessage(ctx context.Context, identity, msg string) error
	AdminNotice(ctx context.Context, msg string) error
}

// NopRoleGranter logs the call and does nothing. Used when no bot token is set.
type NopRoleGranter struct {
	Logger *slog.Logger
}

func (n NopRoleGranter) GrantRole(ctx context.Context, identity, roleID string) error {
	if n.Logger != nil {
		n.Logger.DebugContext(ctx, "role grant skipped, no chat client configured",
			slog.String("identity", identity),
			slog.String("role_id", roleID))
	}
	return nil
}

// NopNotifier logs the message and does nothing.
type NopNotifier struct {
	Logger *slog.Logger
}

func (n NopNotifier) DirectMessage(ctx context.Context, identity, msg string) error {
	if n.Logger != nil {
		n.Logger.DebugContext(ctx, "direct message skipped", slog.String("identity", identity))
	}
	return nil
}

func (n NopNotifier) AdminNotice(ctx context.Context, msg string) error {
	if n.Logger != nil {
		n.Logger.DebugContext(ctx, "admin notice skipped", slog.String("message", msg))
	}
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) DirectMessage(ctx context.Context, identity, msg string) error {
	var errs []error
	for _, n := range m {
		if err := n.DirectMessage(ctx, identity, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiNotifier) AdminNotice(ctx context.Context, msg string) error {
	var errs []error
	for _, n := range m {
		if err := n.AdminNotice(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
