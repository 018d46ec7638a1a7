// Package security はパスワードハッシュ、トークン発行・検証、入力テキストのサニタイズを提供する。
package security

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes はbcryptが扱える平文の最大バイト数。
const MaxPasswordBytes = 72

// ErrPasswordTooLong は平文がMaxPasswordBytesを超える場合のエラー。
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// PasswordHasher はパスワードの一方向ハッシュと検証のインターフェース。
type PasswordHasher interface {
	// Hash は平文からソルト付きダイジェストを生成する。
	// 同じ入力でも呼び出しごとに異なるダイジェストになる。
	Hash(plaintext string) (string, error)
	// Verify は平文とダイジェストが一致するかを返す。
	// 不正な形式のダイジェストに対してはfalseを返し、panicもエラーも起こさない。
	Verify(plaintext, digest string) bool
}

// BcryptHasher はbcryptによるPasswordHasherの実装。
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher はBcryptHasherを生成する。
// costが範囲外の場合はbcrypt.DefaultCostを使用する。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash は平文をbcryptでハッシュ化する。空文字列も通常どおりハッシュ化する。
// bcryptの制約により72バイトを超える入力はErrPasswordTooLongを返す。
func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	if len(plaintext) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(digest), nil
}

// Verify は平文とダイジェストを比較する。
func (h *BcryptHasher) Verify(plaintext, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}

// compile-time interface check
var _ PasswordHasher = (*BcryptHasher)(nil)
