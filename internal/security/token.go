package security

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/clothman/internal/model"
)

// トークン検証エラー。期限切れと改ざん・不正形式を区別する。
var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token is expired")
)

// トークン種別。typクレームに格納し、用途外での利用を拒否する。
const (
	TokenTypeSession = "session"
	TokenTypeReset   = "reset"
)

const defaultIssuer = "clothman"

// Claims はトークンに格納するクレーム。
// リセットトークンではUsernameとRoleを空にする（権限を狭めるため）。
type Claims struct {
	Type          string     `json:"typ"`
	Username      string     `json:"username,omitempty"`
	Role          model.Role `json:"role,omitempty"`
	PasswordEpoch int64      `json:"pwc"` // 発行時点のpassword_changed_at（UNIX秒）
	jwt.RegisteredClaims
}

// UserID はsubクレームからユーザーIDを取り出す。
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subject %q: %w", c.Subject, err)
	}
	return id, nil
}

// TokenConfig はトークン発行の設定。
type TokenConfig struct {
	Secret     []byte
	SessionTTL time.Duration
	ResetTTL   time.Duration
	Issuer     string
}

// TokenManager はHS256署名のセッショントークンとリセットトークンを発行・検証する。
// 検証は純粋な計算のみでI/Oを伴わない。
type TokenManager struct {
	secret     []byte
	sessionTTL time.Duration
	resetTTL   time.Duration
	issuer     string
	now        func() time.Time
}

// NewTokenManager はTokenManagerを生成する。
// TTLが0以下の場合はセッション24時間、リセット1時間を使用する。
func NewTokenManager(cfg TokenConfig) *TokenManager {
	m := &TokenManager{
		secret:     cfg.Secret,
		sessionTTL: cfg.SessionTTL,
		resetTTL:   cfg.ResetTTL,
		issuer:     cfg.Issuer,
		now:        time.Now,
	}
	if m.sessionTTL <= 0 {
		m.sessionTTL = 24 * time.Hour
	}
	if m.resetTTL <= 0 {
		m.resetTTL = time.Hour
	}
	if m.issuer == "" {
		m.issuer = defaultIssuer
	}
	return m
}

// WithClock は現在時刻の取得関数を差し替えたTokenManagerを返す。テスト用。
func (m *TokenManager) WithClock(now func() time.Time) *TokenManager {
	cp := *m
	cp.now = now
	return &cp
}

// IssueSessionToken はログイン後のセッショントークンを発行する。
func (m *TokenManager) IssueSessionToken(userID int64, username string, role model.Role, passwordChangedAt time.Time) (string, error) {
	return m.sign(&Claims{
		Type:             TokenTypeSession,
		Username:         username,
		Role:             role,
		PasswordEpoch:    passwordChangedAt.Unix(),
		RegisteredClaims: m.registered(userID, m.sessionTTL),
	})
}

// IssueResetToken はパスワードリセット用トークンを発行する。ユーザーIDのみを持つ。
func (m *TokenManager) IssueResetToken(userID int64, passwordChangedAt time.Time) (string, error) {
	return m.sign(&Claims{
		Type:             TokenTypeReset,
		PasswordEpoch:    passwordChangedAt.Unix(),
		RegisteredClaims: m.registered(userID, m.resetTTL),
	})
}

// VerifySessionToken はセッショントークンを検証してクレームを返す。
func (m *TokenManager) VerifySessionToken(token string) (*Claims, error) {
	return m.verify(token, TokenTypeSession)
}

// VerifyResetToken はリセットトークンを検証してクレームを返す。
func (m *TokenManager) VerifyResetToken(token string) (*Claims, error) {
	return m.verify(token, TokenTypeReset)
}

func (m *TokenManager) registered(userID int64, ttl time.Duration) jwt.RegisteredClaims {
	now := m.now()
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    m.issuer,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (m *TokenManager) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (m *TokenManager) verify(tokenString, wantType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		// 署名不正は期限より優先する
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrTokenInvalid, claims.Type)
	}
	if _, err := claims.UserID(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	return claims, nil
}
