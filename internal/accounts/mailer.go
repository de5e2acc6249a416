package accounts

import (
	"context"
	"log/slog"
)

// Mailer delivers verification codes. The production deployment plugs in an
// SMTP-backed implementation; LogMailer just records the code, which is
// enough for local runs since signup also returns the code for debugging.
type Mailer interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) SendVerificationCode(ctx context.Context, email, code string) error {
	m.Logger.Info("verification code issued", "email", email, "code", code)
	return nil
}
