package security

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// KeySealer はローカルアクターの秘密鍵を保存前に暗号化し、署名時に復号する。
type KeySealer interface {
	// Seal は平文を暗号化してbase64文字列を返す。
	Seal(plaintext []byte) (string, error)
	// Open はSealで生成した文字列を復号する。
	Open(sealed string) ([]byte, error)
}

// AgeKeySealer はage X25519で秘密鍵を暗号化するKeySealer。
type AgeKeySealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeKeySealer はage X25519 identity文字列（AGE-SECRET-KEY-1...）からAgeKeySealerを生成する。
func NewAgeKeySealer(identity string) (*AgeKeySealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("鍵暗号化identityの解析に失敗しました: %w", err)
	}
	return &AgeKeySealer{identity: id, recipient: id.Recipient()}, nil
}

// Seal は平文を暗号化してbase64文字列を返す。
func (s *AgeKeySealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("暗号化の初期化に失敗しました: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("暗号化に失敗しました: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("暗号化の完了に失敗しました: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open はSealで生成した文字列を復号する。
func (s *AgeKeySealer) Open(sealed string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("暗号文のデコードに失敗しました: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("復号に失敗しました: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("復号データの読み取りに失敗しました: %w", err)
	}
	return plaintext, nil
}

var _ KeySealer = (*AgeKeySealer)(nil)
