// Package mailer はパスワードリセット用トークンをメールで届ける通知実装を提供する。
// APIキーが設定されている場合はSendGridで送信し、未設定の場合はログ出力のみ行う。
package mailer

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"time"

	"github.com/hitoshi/clothman/internal/model"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	defaultFromName = "Clothman"
	defaultResetTTL = time.Hour
	resetSubject    = "Password reset instructions"
)

// sender はSendGridクライアントのうち送信に使う部分。テストで差し替える。
type sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Config はメール送信の設定。
type Config struct {
	APIKey       string
	FromAddress  string
	FromName     string
	ResetURLBase string
	// ResetTTL はリセットトークンの有効期間。本文の有効期限表示に使う。0以下なら1時間。
	ResetTTL     time.Duration
}

// SendGridNotifier はSendGridでリセットトークンを送信する。
type SendGridNotifier struct {
	client       sender
	from         *mail.Email
	resetURLBase string
	resetTTL     time.Duration
	logger       *slog.Logger
}

// NewSendGridNotifier はSendGridNotifierを生成する。
func NewSendGridNotifier(cfg Config, logger *slog.Logger) *SendGridNotifier {
	name := cfg.FromName
	if name == "" {
		name = defaultFromName
	}
	ttl := cfg.ResetTTL
	if ttl <= 0 {
		ttl = defaultResetTTL
	}
	return &SendGridNotifier{
		client:       sendgrid.NewSendClient(cfg.APIKey),
		from:         mail.NewEmail(name, cfg.FromAddress),
		resetURLBase: cfg.ResetURLBase,
		resetTTL:     ttl,
		logger:       logger,
	}
}

// SendResetToken はリセット用リンクを含むメールを送信する。
// SendGridが2xx以外を返した場合はエラーとする。
func (n *SendGridNotifier) SendResetToken(ctx context.Context, user *model.User, token string) error {
	link, err := ResetLink(n.resetURLBase, token)
	if err != nil {
		return err
	}

	to := mail.NewEmail(user.FullName, user.Email)
	expires := DescribeTTL(n.resetTTL)
	plain := fmt.Sprintf(
		"Hello %s,\n\nUse the link below to reset your password. The link expires in %s.\n\n%s\n\nIf you did not request a reset, you can ignore this email.\n",
		user.FullName, expires, link,
	)
	body := fmt.Sprintf(
		"<p>Hello %s,</p><p>Use the link below to reset your password. The link expires in %s.</p><p><a href=\"%s\">Reset password</a></p><p>If you did not request a reset, you can ignore this email.</p>",
		html.EscapeString(user.FullName), expires, html.EscapeString(link),
	)
	message := mail.NewSingleEmail(n.from, resetSubject, to, plain, body)

	resp, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send reset email: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}

	n.logger.Info("reset email sent",
		slog.Int64("user_id", user.ID),
		slog.Int("status_code", resp.StatusCode),
	)
	return nil
}

// LogNotifier はメールを送信せず、トークンを発行したことのみをログに記録する。
// 開発環境など、SendGridのAPIキーがない場合に使う。トークン自体は出力しない。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// SendResetToken はトークン発行をログに記録する。
func (n *LogNotifier) SendResetToken(_ context.Context, user *model.User, _ string) error {
	n.logger.Info("reset token issued; email delivery is disabled",
		slog.Int64("user_id", user.ID),
	)
	return nil
}

// ResetLink はリセット画面のURLにトークンをクエリとして付与する。
func ResetLink(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid reset URL base: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DescribeTTL は有効期間をメール本文向けの英語表記にする。
// 時間単位で割り切れる場合は時間、それ以外は分に切り上げて表す。
func DescribeTTL(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return plural(int64(d/time.Hour), "hour")
	}
	minutes := int64((d + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return plural(minutes, "minute")
}

func plural(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
