// Package httpsig はActivityPubサーバー間通信で使うHTTP Signature（draft-cavage形式）の
// 署名生成・検証とDigestヘッダーの計算を提供する。
package httpsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// 検証失敗の理由を区別するためのセンチネルエラー。
// 受信側はいずれも認証失敗として扱う。
var (
	ErrMissingSignature     = errors.New("signature header is missing")
	ErrMalformedSignature   = errors.New("signature header is malformed")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrMissingSignedHeader  = errors.New("required header is not signed or not present")
	ErrMissingDigest        = errors.New("digest header is missing")
	ErrDigestMismatch       = errors.New("digest does not match body")
	ErrSignatureMismatch    = errors.New("signature does not match")
	ErrDateSkew             = errors.New("date header is outside the allowed window")
)

const (
	// AlgorithmRSASHA256 は署名時に宣言するアルゴリズム名。
	AlgorithmRSASHA256 = "rsa-sha256"
	// AlgorithmHS2019 は鍵から実アルゴリズムを決めるdraft-cavage 12以降の名前。RSA鍵のみ受け付ける。
	AlgorithmHS2019 = "hs2019"

	headerRequestTarget = "(request-target)"
	headerCreated       = "(created)"
	headerExpires       = "(expires)"
)

// DefaultSignedHeaders は配送時に署名するヘッダーの順序。
var DefaultSignedHeaders = []string{headerRequestTarget, "host", "date", "digest"}

// Params はSignatureヘッダーのパラメータを表す。リクエストごとに生成され永続化しない。
type Params struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
	Created   int64
	Expires   int64
}

// String はSignatureヘッダー値の形式に整形する。
func (p *Params) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `keyId="%s"`, p.KeyID)
	if p.Algorithm != "" {
		fmt.Fprintf(&b, `,algorithm="%s"`, p.Algorithm)
	}
	if p.Created > 0 {
		fmt.Fprintf(&b, `,created=%d`, p.Created)
	}
	if p.Expires > 0 {
		fmt.Fprintf(&b, `,expires=%d`, p.Expires)
	}
	fmt.Fprintf(&b, `,headers="%s"`, strings.Join(p.Headers, " "))
	fmt.Fprintf(&b, `,signature="%s"`, base64.StdEncoding.EncodeToString(p.Signature))
	return b.String()
}

// HasHeader はnameが署名対象に含まれるかを返す。
func (p *Params) HasHeader(name string) bool {
	for _, h := range p.Headers {
		if h == name {
			return true
		}
	}
	return false
}

// ParseSignatureHeader はSignatureヘッダー値を解析する。
// headersが省略された場合はdateのみを署名対象とみなす。
func ParseSignatureHeader(value string) (*Params, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrMissingSignature
	}

	fields, err := splitParams(value)
	if err != nil {
		return nil, err
	}

	p := &Params{
		KeyID:     fields["keyid"],
		Algorithm: strings.ToLower(fields["algorithm"]),
	}
	if p.KeyID == "" {
		return nil, fmt.Errorf("%w: keyId is required", ErrMalformedSignature)
	}
	switch p.Algorithm {
	case "", AlgorithmRSASHA256, AlgorithmHS2019:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, p.Algorithm)
	}

	sig, ok := fields["signature"]
	if !ok || sig == "" {
		return nil, fmt.Errorf("%w: signature is required", ErrMalformedSignature)
	}
	p.Signature, err = base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base64", ErrMalformedSignature)
	}

	if h, ok := fields["headers"]; ok {
		p.Headers = strings.Fields(strings.ToLower(h))
		if len(p.Headers) == 0 {
			return nil, fmt.Errorf("%w: headers is empty", ErrMalformedSignature)
		}
	} else {
		p.Headers = []string{"date"}
	}

	for _, key := range []string{"created", "expires"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not an integer", ErrMalformedSignature, key)
		}
		if key == "created" {
			p.Created = n
		} else {
			p.Expires = n
		}
	}

	return p, nil
}

// splitParams は key="value" または key=value のカンマ区切りを分解する。
// 引用符内のカンマは区切りとみなさない。キーは小文字化する。
func splitParams(s string) (map[string]string, error) {
	fields := make(map[string]string)
	for i := 0; i < len(s); {
		for i < len(s) && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		if i >= len(s) {
			break
		}

		eq := strings.IndexByte(s[i:], '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: expected key=value", ErrMalformedSignature)
		}
		key := strings.ToLower(strings.TrimSpace(s[i : i+eq]))
		i += eq + 1

		var val string
		if i < len(s) && s[i] == '"' {
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated quoted value", ErrMalformedSignature)
			}
			val = s[i+1 : i+1+end]
			i += end + 2
			if i < len(s) && s[i] != ',' && s[i] != ' ' {
				return nil, fmt.Errorf("%w: unexpected character after %s", ErrMalformedSignature, key)
			}
		} else {
			end := strings.IndexByte(s[i:], ',')
			if end < 0 {
				end = len(s) - i
			}
			val = strings.TrimSpace(s[i : i+end])
			i += end
		}

		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("%w: duplicate parameter %s", ErrMalformedSignature, key)
		}
		fields[key] = val
	}
	return fields, nil
}

// CanonicalString は署名対象文字列を構築する。
// namesの順に「小文字ヘッダー名: トリム済みの値」を改行で連結する。
// (request-target) は「小文字メソッド パス」となる。hostはheaderのHost値を参照する。
func CanonicalString(method, path string, header http.Header, names []string, p *Params) (string, error) {
	lines := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(name)
		switch name {
		case headerRequestTarget:
			lines = append(lines, name+": "+strings.ToLower(method)+" "+path)
		case headerCreated:
			if p == nil || p.Created == 0 {
				return "", fmt.Errorf("%w: %s", ErrMissingSignedHeader, name)
			}
			lines = append(lines, name+": "+strconv.FormatInt(p.Created, 10))
		case headerExpires:
			if p == nil || p.Expires == 0 {
				return "", fmt.Errorf("%w: %s", ErrMissingSignedHeader, name)
			}
			lines = append(lines, name+": "+strconv.FormatInt(p.Expires, 10))
		default:
			values := header.Values(name)
			if len(values) == 0 {
				return "", fmt.Errorf("%w: %s", ErrMissingSignedHeader, name)
			}
			trimmed := make([]string, len(values))
			for i, v := range values {
				trimmed[i] = strings.TrimSpace(v)
			}
			lines = append(lines, name+": "+strings.Join(trimmed, ", "))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Sign は秘密鍵で署名し、Signatureヘッダー値を返す。
func Sign(privateKeyPEM, keyID, method, path string, header http.Header, names []string) (string, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}
	return SignWithKey(key, keyID, method, path, header, names)
}

// SignWithKey は解析済みの秘密鍵で署名し、Signatureヘッダー値を返す。
func SignWithKey(key *rsa.PrivateKey, keyID, method, path string, header http.Header, names []string) (string, error) {
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no headers to sign", ErrMissingSignedHeader)
	}
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}

	signing, err := CanonicalString(method, path, header, lowered, nil)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("署名の生成に失敗しました: %w", err)
	}

	p := &Params{
		KeyID:     keyID,
		Algorithm: AlgorithmRSASHA256,
		Headers:   lowered,
		Signature: sig,
	}
	return p.String(), nil
}

// Verify はSignatureヘッダー値を公開鍵で検証する。
// 正規化文字列は実際に受信したメソッド・パス・ヘッダーから再構築する。
func Verify(publicKeyPEM, method, path string, header http.Header, signatureHeader string) error {
	p, err := ParseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}
	return VerifyParams(key, method, path, header, p)
}

// VerifyParams は解析済みパラメータを公開鍵で検証する。
func VerifyParams(key *rsa.PublicKey, method, path string, header http.Header, p *Params) error {
	signing, err := CanonicalString(method, path, header, p.Headers, p)
	if err != nil {
		return err
	}
	digest := sha256.Sum256([]byte(signing))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], p.Signature); err != nil {
		return ErrSignatureMismatch
	}
	return nil
}

// Digest はボディのDigestヘッダー値（SHA-256=base64）を返す。
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyDigest はDigestヘッダーがボディと一致するかを検証する。
// 複数アルゴリズムが列挙されている場合はSHA-256の値を使う。
func VerifyDigest(headerValue string, body []byte) error {
	if strings.TrimSpace(headerValue) == "" {
		return ErrMissingDigest
	}
	expected := Digest(body)[len("SHA-256="):]
	for _, part := range strings.Split(headerValue, ",") {
		algo, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		if val == expected {
			return nil
		}
		return ErrDigestMismatch
	}
	return fmt.Errorf("%w: no SHA-256 digest", ErrDigestMismatch)
}

// SignRequest は配送リクエストにHost・Date・Digestを設定して署名する。
// 署名はリクエストごとに生成し、Dateで有効期間を縛る。
func SignRequest(req *http.Request, body []byte, key *rsa.PrivateKey, keyID string, now time.Time) error {
	host := req.URL.Host
	if req.Host != "" {
		host = req.Host
	}
	req.Host = host
	req.Header.Set("Host", host)
	req.Header.Set("Date", now.UTC().Format(http.TimeFormat))

	names := []string{headerRequestTarget, "host", "date"}
	if body != nil {
		req.Header.Set("Digest", Digest(body))
		names = DefaultSignedHeaders
	}

	sig, err := SignWithKey(key, keyID, req.Method, req.URL.RequestURI(), req.Header, names)
	if err != nil {
		return err
	}
	req.Header.Set("Signature", sig)
	return nil
}

// ParseRequest は受信リクエストのSignatureヘッダーを解析する。
// 暗号処理の前に呼び出し、ヘッダー欠落を安価に拒否する。
// Authorization: Signature ... 形式も受け付ける。
func ParseRequest(r *http.Request) (*Params, error) {
	value := r.Header.Get("Signature")
	if value == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 10 && strings.EqualFold(auth[:10], "Signature ") {
			value = auth[10:]
		}
	}
	if strings.TrimSpace(value) == "" {
		return nil, ErrMissingSignature
	}
	return ParseSignatureHeader(value)
}

// Verifier は受信リクエストの署名・Digest・日時を検証する。
type Verifier struct {
	// MaxSkew はDateヘッダーと現在時刻の許容差。0以下なら検査しない。
	MaxSkew time.Duration
	// Now は現在時刻を返す。nilならtime.Now。
	Now func() time.Time
}

// NewVerifier は新しいVerifierを生成する。
func NewVerifier(maxSkew time.Duration) *Verifier {
	return &Verifier{MaxSkew: maxSkew, Now: time.Now}
}

// VerifyRequest は解析済みパラメータと公開鍵で受信リクエストを検証する。
// ボディがある場合はdigestが署名対象に含まれ、かつボディと一致する必要がある。
func (v *Verifier) VerifyRequest(r *http.Request, body []byte, p *Params, publicKeyPEM string) error {
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}

	// 1. 必須ヘッダーの署名確認
	if !p.HasHeader(headerRequestTarget) {
		return fmt.Errorf("%w: %s", ErrMissingSignedHeader, headerRequestTarget)
	}
	if !p.HasHeader("date") && !p.HasHeader(headerCreated) {
		return fmt.Errorf("%w: date", ErrMissingSignedHeader)
	}

	// 2. ボディの完全性
	if len(body) > 0 {
		if !p.HasHeader("digest") {
			return fmt.Errorf("%w: digest", ErrMissingSignedHeader)
		}
		if err := VerifyDigest(r.Header.Get("Digest"), body); err != nil {
			return err
		}
	}

	// 3. 日時の許容範囲
	if err := v.checkSkew(r, p); err != nil {
		return err
	}

	// 4. 署名検証（HostはGoのサーバーではr.Hostに移されるため補完する）
	header := r.Header.Clone()
	if header.Get("Host") == "" {
		header.Set("Host", r.Host)
	}
	return VerifyParams(key, r.Method, r.URL.RequestURI(), header, p)
}

func (v *Verifier) checkSkew(r *http.Request, p *Params) error {
	if v.MaxSkew <= 0 {
		return nil
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	if p.Expires > 0 && now.Unix() > p.Expires {
		return fmt.Errorf("%w: signature expired", ErrDateSkew)
	}

	// 署名対象でないDateヘッダーは差し替えられるため時刻の根拠にしない
	var signedAt time.Time
	if raw := r.Header.Get("Date"); raw != "" && p.HasHeader("date") {
		t, err := http.ParseTime(raw)
		if err != nil {
			return fmt.Errorf("%w: unparsable date %q", ErrDateSkew, raw)
		}
		signedAt = t
	} else if p.Created > 0 && p.HasHeader(headerCreated) {
		signedAt = time.Unix(p.Created, 0)
	} else {
		return nil
	}

	diff := now.Sub(signedAt)
	if diff < 0 {
		diff = -diff
	}
	if diff > v.MaxSkew {
		return fmt.Errorf("%w: %s", ErrDateSkew, diff.Truncate(time.Second))
	}
	return nil
}

// Reason はメトリクス・ログ用に検証エラーを短いラベルへ変換する。
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingSignature):
		return "missing"
	case errors.Is(err, ErrMalformedSignature):
		return "malformed"
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return "algorithm"
	case errors.Is(err, ErrMissingSignedHeader):
		return "unsigned_header"
	case errors.Is(err, ErrMissingDigest), errors.Is(err, ErrDigestMismatch):
		return "digest"
	case errors.Is(err, ErrDateSkew):
		return "date_skew"
	case errors.Is(err, ErrSignatureMismatch):
		return "mismatch"
	default:
		return "key"
	}
}
