package httpsig

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	keyOnce    sync.Once
	testPriv   string
	testPub    string
	otherPub   string
	keyGenFail error
)

// testKeys はテスト全体で共有する鍵ペアを1回だけ生成する。
func testKeys(t *testing.T) (priv, pub, other string) {
	t.Helper()
	keyOnce.Do(func() {
		testPriv, testPub, keyGenFail = GenerateKeyPair(2048)
		if keyGenFail != nil {
			return
		}
		_, otherPub, keyGenFail = GenerateKeyPair(2048)
	})
	if keyGenFail != nil {
		t.Fatalf("failed to generate keys: %v", keyGenFail)
	}
	return testPriv, testPub, otherPub
}

func signedHeader(date string) http.Header {
	h := http.Header{}
	h.Set("Host", "remote.example")
	h.Set("Date", date)
	h.Set("Digest", Digest([]byte(`{"type":"Follow"}`)))
	return h
}

var fixedDate = "Mon, 19 Oct 2026 10:00:00 GMT"

func TestSignVerify_RoundTrip(t *testing.T) {
	priv, pub, _ := testKeys(t)
	h := signedHeader(fixedDate)

	sig, err := Sign(priv, "https://local.example/users/alice#main-key", "POST", "/users/bob/inbox", h, DefaultSignedHeaders)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	if err := Verify(pub, "POST", "/users/bob/inbox", h, sig); err != nil {
		t.Errorf("Verify returned error for a valid signature: %v", err)
	}
}

func TestVerify_SingleMutationFails(t *testing.T) {
	priv, pub, _ := testKeys(t)
	h := signedHeader(fixedDate)
	sig, err := Sign(priv, "https://local.example/users/alice#main-key", "POST", "/users/bob/inbox", h, DefaultSignedHeaders)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		mutate func(h http.Header)
	}{
		{"method", "PUT", "/users/bob/inbox", func(http.Header) {}},
		{"path", "POST", "/users/carol/inbox", func(http.Header) {}},
		{"host", "POST", "/users/bob/inbox", func(h http.Header) { h.Set("Host", "evil.example") }},
		{"date", "POST", "/users/bob/inbox", func(h http.Header) { h.Set("Date", "Mon, 19 Oct 2026 10:00:01 GMT") }},
		{"digest", "POST", "/users/bob/inbox", func(h http.Header) { h.Set("Digest", Digest([]byte("x"))) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := h.Clone()
			tt.mutate(mutated)
			err := Verify(pub, tt.method, tt.path, mutated, sig)
			if !errors.Is(err, ErrSignatureMismatch) {
				t.Errorf("expected ErrSignatureMismatch, got %v", err)
			}
		})
	}
}

func TestVerify_WrongKey(t *testing.T) {
	priv, _, other := testKeys(t)
	h := signedHeader(fixedDate)
	sig, err := Sign(priv, "k", "POST", "/inbox", h, DefaultSignedHeaders)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	if err := Verify(other, "POST", "/inbox", h, sig); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerify_MissingSignedHeader(t *testing.T) {
	priv, pub, _ := testKeys(t)
	h := signedHeader(fixedDate)
	sig, err := Sign(priv, "k", "POST", "/inbox", h, DefaultSignedHeaders)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	h.Del("Digest")
	if err := Verify(pub, "POST", "/inbox", h, sig); !errors.Is(err, ErrMissingSignedHeader) {
		t.Errorf("expected ErrMissingSignedHeader, got %v", err)
	}
}

func TestCanonicalString(t *testing.T) {
	h := http.Header{}
	h.Set("Host", "example.com")
	h.Set("Date", "  Mon, 19 Oct 2026 10:00:00 GMT ")

	got, err := CanonicalString("POST", "/inbox?x=1", h, []string{"(request-target)", "Host", "date"}, nil)
	if err != nil {
		t.Fatalf("CanonicalString returned error: %v", err)
	}
	want := "(request-target): post /inbox?x=1\nhost: example.com\ndate: Mon, 19 Oct 2026 10:00:00 GMT"
	if got != want {
		t.Errorf("canonical string mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestParseSignatureHeader(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr error
		check   func(t *testing.T, p *Params)
	}{
		{
			name:  "full",
			value: `keyId="https://a.example/users/x#main-key",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="YWJj"`,
			check: func(t *testing.T, p *Params) {
				if p.KeyID != "https://a.example/users/x#main-key" {
					t.Errorf("KeyID = %q", p.KeyID)
				}
				if len(p.Headers) != 4 || p.Headers[0] != "(request-target)" {
					t.Errorf("Headers = %v", p.Headers)
				}
				if string(p.Signature) != "abc" {
					t.Errorf("Signature = %q", p.Signature)
				}
			},
		},
		{
			name:  "headers default to date",
			value: `keyId="k",signature="YWJj"`,
			check: func(t *testing.T, p *Params) {
				if len(p.Headers) != 1 || p.Headers[0] != "date" {
					t.Errorf("Headers = %v, want [date]", p.Headers)
				}
			},
		},
		{
			name:  "hs2019 with created",
			value: `keyId="k", algorithm="hs2019", created=1700000000, headers="(request-target) (created)", signature="YWJj"`,
			check: func(t *testing.T, p *Params) {
				if p.Created != 1700000000 {
					t.Errorf("Created = %d", p.Created)
				}
			},
		},
		{name: "empty", value: "", wantErr: ErrMissingSignature},
		{name: "no keyId", value: `signature="YWJj"`, wantErr: ErrMalformedSignature},
		{name: "no signature", value: `keyId="k"`, wantErr: ErrMalformedSignature},
		{name: "bad base64", value: `keyId="k",signature="!!"`, wantErr: ErrMalformedSignature},
		{name: "unterminated", value: `keyId="k,signature="YWJj`, wantErr: ErrMalformedSignature},
		{name: "garbage", value: `not a signature`, wantErr: ErrMalformedSignature},
		{name: "duplicate", value: `keyId="a",keyId="b",signature="YWJj"`, wantErr: ErrMalformedSignature},
		{name: "algorithm", value: `keyId="k",algorithm="hmac-sha256",signature="YWJj"`, wantErr: ErrUnsupportedAlgorithm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseSignatureHeader(tt.value)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, p)
		})
	}
}

func TestVerifyDigest(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	if err := VerifyDigest(Digest(body), body); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := VerifyDigest("sha-512=abc, "+Digest(body), body); err != nil {
		t.Errorf("expected match with multiple algorithms, got %v", err)
	}
	if err := VerifyDigest(Digest(body), []byte(`{"id":"y"}`)); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("expected ErrDigestMismatch, got %v", err)
	}
	if err := VerifyDigest("", body); !errors.Is(err, ErrMissingDigest) {
		t.Errorf("expected ErrMissingDigest, got %v", err)
	}
}

// newSignedRequest はSignRequestで署名したリクエストを受信側から見た形に変換する。
func newSignedRequest(t *testing.T, body []byte, now time.Time) *http.Request {
	t.Helper()
	priv, _, _ := testKeys(t)
	key, err := ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}

	out, err := http.NewRequest(http.MethodPost, "https://local.example/users/bob/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if err := SignRequest(out, body, key, "https://remote.example/users/alice#main-key", now); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	in := httptest.NewRequest(http.MethodPost, "/users/bob/inbox", bytes.NewReader(body))
	in.Host = "local.example"
	for k, v := range out.Header {
		if k == "Host" {
			continue
		}
		in.Header[k] = v
	}
	return in
}

func TestVerifier_VerifyRequest(t *testing.T) {
	_, pub, _ := testKeys(t)
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	body := []byte(`{"type":"Follow"}`)

	v := &Verifier{MaxSkew: time.Hour, Now: func() time.Time { return now.Add(5 * time.Minute) }}

	t.Run("valid", func(t *testing.T) {
		r := newSignedRequest(t, body, now)
		p, err := ParseRequest(r)
		if err != nil {
			t.Fatalf("ParseRequest: %v", err)
		}
		if p.KeyID != "https://remote.example/users/alice#main-key" {
			t.Errorf("KeyID = %q", p.KeyID)
		}
		if err := v.VerifyRequest(r, body, p, pub); err != nil {
			t.Errorf("VerifyRequest returned error: %v", err)
		}
	})

	t.Run("body mutated", func(t *testing.T) {
		r := newSignedRequest(t, body, now)
		p, _ := ParseRequest(r)
		err := v.VerifyRequest(r, []byte(`{"type":"Folloe"}`), p, pub)
		if !errors.Is(err, ErrDigestMismatch) {
			t.Errorf("expected ErrDigestMismatch, got %v", err)
		}
	})

	t.Run("host mutated", func(t *testing.T) {
		r := newSignedRequest(t, body, now)
		r.Host = "other.example"
		p, _ := ParseRequest(r)
		if err := v.VerifyRequest(r, body, p, pub); !errors.Is(err, ErrSignatureMismatch) {
			t.Errorf("expected ErrSignatureMismatch, got %v", err)
		}
	})

	t.Run("date skew", func(t *testing.T) {
		r := newSignedRequest(t, body, now.Add(-2*time.Hour))
		p, _ := ParseRequest(r)
		if err := v.VerifyRequest(r, body, p, pub); !errors.Is(err, ErrDateSkew) {
			t.Errorf("expected ErrDateSkew, got %v", err)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		r := newSignedRequest(t, body, now)
		r.Header.Del("Signature")
		if _, err := ParseRequest(r); !errors.Is(err, ErrMissingSignature) {
			t.Errorf("expected ErrMissingSignature, got %v", err)
		}
	})

	t.Run("authorization header form", func(t *testing.T) {
		r := newSignedRequest(t, body, now)
		r.Header.Set("Authorization", "Signature "+r.Header.Get("Signature"))
		r.Header.Del("Signature")
		p, err := ParseRequest(r)
		if err != nil {
			t.Fatalf("ParseRequest: %v", err)
		}
		if err := v.VerifyRequest(r, body, p, pub); err != nil {
			t.Errorf("VerifyRequest returned error: %v", err)
		}
	})

	t.Run("digest not signed", func(t *testing.T) {
		r := newSignedRequest(t, body, now)
		p, _ := ParseRequest(r)
		p.Headers = []string{"(request-target)", "host", "date"}
		if err := v.VerifyRequest(r, body, p, pub); !errors.Is(err, ErrMissingSignedHeader) {
			t.Errorf("expected ErrMissingSignedHeader, got %v", err)
		}
	})
}

func TestVerifier_SkewUsesOnlySignedTime(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	v := &Verifier{MaxSkew: time.Hour, Now: func() time.Time { return now }}
	freshDate := now.Format(http.TimeFormat)
	stale := now.Add(-3 * time.Hour)

	tests := []struct {
		name    string
		headers []string
		created int64
		date    string
		wantErr bool
	}{
		{"signed date is fresh", []string{"(request-target)", "host", "date"}, 0, freshDate, false},
		{"signed date is stale", []string{"(request-target)", "host", "date"}, 0, stale.Format(http.TimeFormat), true},
		{"stale created with unsigned fresh date", []string{"(request-target)", "host", "(created)"}, stale.Unix(), freshDate, true},
		{"fresh created with unsigned stale date", []string{"(request-target)", "host", "(created)"}, now.Unix(), stale.Format(http.TimeFormat), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/users/bob/inbox", nil)
			r.Header.Set("Date", tt.date)
			p := &Params{Headers: tt.headers, Created: tt.created}

			err := v.checkSkew(r, p)
			if tt.wantErr && !errors.Is(err, ErrDateSkew) {
				t.Errorf("expected ErrDateSkew, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestReason(t *testing.T) {
	tests := map[error]string{
		nil:                   "ok",
		ErrMissingSignature:   "missing",
		ErrMalformedSignature: "malformed",
		ErrDigestMismatch:     "digest",
		ErrDateSkew:           "date_skew",
		ErrSignatureMismatch:  "mismatch",
		errors.New("fetch"):   "key",
	}
	for err, want := range tests {
		if got := Reason(err); got != want {
			t.Errorf("Reason(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestParseKeys(t *testing.T) {
	priv, pub, _ := testKeys(t)
	if !strings.Contains(priv, "BEGIN PRIVATE KEY") {
		t.Errorf("private key is not PKCS#8 PEM")
	}
	if _, err := ParsePrivateKey(priv); err != nil {
		t.Errorf("ParsePrivateKey: %v", err)
	}
	if _, err := ParsePublicKey(pub); err != nil {
		t.Errorf("ParsePublicKey: %v", err)
	}
	if _, err := ParsePublicKey("not pem"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := ParsePrivateKey(pub); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for public key PEM, got %v", err)
	}
}
