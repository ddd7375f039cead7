package oracle

import (
	"context"
	"crypto/aes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nzkv/pado/blocks"
	"github.com/nzkv/pado/cbctest"
)

func newService(t *testing.T) *cbctest.Service {
	t.Helper()
	service, err := cbctest.NewAES([]byte("128bitsforkeysss"), []byte("9876543210abcdef"), true)
	if err != nil {
		t.Fatalf("NewAES() error: %v", err)
	}
	return service
}

// paddingHandler answers like a typical vulnerable endpoint: 200 on valid
// padding, 403 otherwise.
func paddingHandler(service *cbctest.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := hex.DecodeString(r.URL.Query().Get("c"))
		if err != nil || !service.CheckPadding(raw) {
			http.Error(w, "invalid padding", http.StatusForbidden)
			return
		}
		fmt.Fprintln(w, "ok")
	}
}

func newCiphertext(t *testing.T, service *cbctest.Service, input string) *blocks.Ciphertext {
	t.Helper()
	ciphertext, err := blocks.NewCiphertext(service.Encrypt([]byte(input)), 16, true, blocks.EncodingHex)
	if err != nil {
		t.Fatalf("NewCiphertext() error: %v", err)
	}
	return ciphertext
}

// forgedPair returns a forged predecessor that makes the last byte of target
// decrypt to 0x01, and one that makes it decrypt to 0x00 (never valid).
func forgedPair(t *testing.T, target []byte) (correct, incorrect []byte) {
	t.Helper()
	block, err := aes.NewCipher([]byte("128bitsforkeysss"))
	if err != nil {
		t.Fatalf("NewCipher() error: %v", err)
	}
	intermediate := make([]byte, 16)
	block.Decrypt(intermediate, target)

	correct = make([]byte, 16)
	correct[15] = intermediate[15] ^ 0x01
	incorrect = make([]byte, 16)
	incorrect[15] = intermediate[15]
	return correct, incorrect
}

func TestWebOracle(t *testing.T) {
	service := newService(t)
	server := httptest.NewServer(paddingHandler(service))
	defer server.Close()

	web, err := NewWeb(WebConfig{
		URL:      server.URL + "/?c=CTEXT",
		Encoding: blocks.EncodingHex,
	})
	if err != nil {
		t.Fatalf("NewWeb() error: %v", err)
	}

	ciphertext := newCiphertext(t, service, "calibrate me please")
	if err := Calibrate(context.Background(), web, ciphertext, 16); err != nil {
		t.Fatalf("Calibrate() error: %v", err)
	}

	target := ciphertext.Block(1)
	correct, incorrect := forgedPair(t, target)

	got, err := web.Ask(context.Background(), append(correct, target...))
	if err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if !got {
		t.Error("Ask() = false for a correctly padded forgery")
	}

	got, err = web.Ask(context.Background(), append(incorrect, target...))
	if err != nil {
		t.Fatalf("Ask() error: %v", err)
	}
	if got {
		t.Error("Ask() = true for an invalid forgery")
	}
}

func TestWebOracleUncalibrated(t *testing.T) {
	web, err := NewWeb(WebConfig{URL: "http://localhost/?c=CTEXT", Encoding: blocks.EncodingHex})
	if err != nil {
		t.Fatalf("NewWeb() error: %v", err)
	}
	if _, err := web.Ask(context.Background(), make([]byte, 32)); err == nil {
		t.Error("Ask() on an uncalibrated oracle succeeded")
	}
}

func TestCalibrationBodySensitiveOracle(t *testing.T) {
	service := newService(t)
	// both verdicts answer 200 OK; only the body length differs
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := hex.DecodeString(r.URL.Query().Get("c"))
		if err == nil && service.CheckPadding(raw) {
			fmt.Fprint(w, "ok")
			return
		}
		fmt.Fprint(w, "invalid padding")
	}))
	defer server.Close()

	ciphertext := newCiphertext(t, service, "body sensitive oracle")

	web, err := NewWeb(WebConfig{
		URL:      server.URL + "/?c=CTEXT",
		Encoding: blocks.EncodingHex,
	})
	if err != nil {
		t.Fatalf("NewWeb() error: %v", err)
	}
	err = Calibrate(context.Background(), web, ciphertext, 16)
	if !errors.Is(err, ErrOracleAlwaysRespondsSame) {
		t.Fatalf("Calibrate() without consider-body: error = %v, want ErrOracleAlwaysRespondsSame", err)
	}

	web, err = NewWeb(WebConfig{
		URL:          server.URL + "/?c=CTEXT",
		ConsiderBody: true,
		Encoding:     blocks.EncodingHex,
	})
	if err != nil {
		t.Fatalf("NewWeb() error: %v", err)
	}
	if err := Calibrate(context.Background(), web, ciphertext, 16); err != nil {
		t.Fatalf("Calibrate() with consider-body: error = %v", err)
	}

	target := ciphertext.Block(1)
	correct, incorrect := forgedPair(t, target)
	if got, err := web.Ask(context.Background(), append(correct, target...)); err != nil || !got {
		t.Errorf("Ask() = %t, %v for a correctly padded forgery", got, err)
	}
	if got, err := web.Ask(context.Background(), append(incorrect, target...)); err != nil || got {
		t.Errorf("Ask() = %t, %v for an invalid forgery", got, err)
	}
}

func TestCalibrationAmbiguous(t *testing.T) {
	// responses alternate independently of the submitted padding
	var counter atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if counter.Add(1)%2 == 0 {
			http.Error(w, "no", http.StatusForbidden)
			return
		}
		fmt.Fprintln(w, "yes")
	}))
	defer server.Close()

	service := newService(t)
	ciphertext := newCiphertext(t, service, "ambiguous oracle")

	web, err := NewWeb(WebConfig{URL: server.URL + "/?c=CTEXT", Encoding: blocks.EncodingHex})
	if err != nil {
		t.Fatalf("NewWeb() error: %v", err)
	}
	err = Calibrate(context.Background(), web, ciphertext, 16)
	if !errors.Is(err, ErrCalibrationAmbiguous) {
		t.Fatalf("Calibrate() error = %v, want ErrCalibrationAmbiguous", err)
	}
}

func TestKeywordMissing(t *testing.T) {
	_, err := NewWeb(WebConfig{URL: "http://localhost/decrypt", Encoding: blocks.EncodingHex})
	var missing *KeywordMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("NewWeb() error = %v, want KeywordMissingError", err)
	}

	// keyword in a header is enough
	_, err = NewWeb(WebConfig{
		URL:      "http://localhost/decrypt",
		Headers:  []string{"Cookie: session=CTEXT"},
		Encoding: blocks.EncodingHex,
	})
	if err != nil {
		t.Errorf("NewWeb() with keyword in header: error = %v", err)
	}
}

func TestWebOracleSubstitution(t *testing.T) {
	var gotPath, gotCookie atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.RawQuery)
		gotCookie.Store(r.Header.Get("Cookie"))
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer server.Close()

	web, err := NewWeb(WebConfig{
		URL:      server.URL + "/?c=CTEXT",
		Headers:  []string{"Cookie: session=CTEXT"},
		Encoding: blocks.EncodingBase64,
	})
	if err != nil {
		t.Fatalf("NewWeb() error: %v", err)
	}

	// fingerprint issues exactly one request
	if _, err := web.fingerprint(context.Background(), []byte{0xfb, 0xef, 0xff}); err != nil {
		t.Fatalf("fingerprint() error: %v", err)
	}

	// base64 of fb ef ff is "++//"; the URL-encoded form is substituted
	// uniformly into every keyword location
	if got := gotPath.Load(); got != "c=%2B%2B%2F%2F" {
		t.Errorf("query = %q, want %q", got, "c=%2B%2B%2F%2F")
	}
	if got := gotCookie.Load(); got != "session=%2B%2B%2F%2F" {
		t.Errorf("cookie = %q, want %q", got, "session=%2B%2B%2F%2F")
	}
}

func TestScriptOracle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oracle.sh")
	script := "#!/bin/sh\ncase \"$1\" in\naa*) exit 0 ;;\n*) exit 1 ;;\nesac\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}

	o, err := NewScript(path, blocks.EncodingHex, 0)
	if err != nil {
		t.Fatalf("NewScript() error: %v", err)
	}

	tests := []struct {
		name   string
		forged []byte
		want   bool
	}{
		{name: "exit 0 is correct padding", forged: []byte{0xaa, 0xbb}, want: true},
		{name: "exit 1 is incorrect padding", forged: []byte{0xbb, 0xaa}, want: false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := o.Ask(context.Background(), test.forged)
			if err != nil {
				t.Fatalf("Ask() error: %v", err)
			}
			if got != test.want {
				t.Errorf("Ask() = %t, want %t", got, test.want)
			}
		})
	}
}

func TestScriptOracleSpawnFailureIsTransient(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-executable")
	if err := os.WriteFile(path, []byte("not a script"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	o, err := NewScript(path, blocks.EncodingHex, 0)
	if err != nil {
		t.Fatalf("NewScript() error: %v", err)
	}
	if _, err := o.Ask(context.Background(), []byte{0x01}); err == nil {
		t.Error("Ask() on a non-executable file returned a verdict instead of an error")
	}

	if _, err := NewScript(filepath.Join(dir, "missing"), blocks.EncodingHex, 0); err == nil {
		t.Error("NewScript() accepted a missing path")
	}
}

// flakyOracle fails a fixed number of times before answering.
type flakyOracle struct {
	failures atomic.Int64
	limit    int64
}

func (o *flakyOracle) Ask(context.Context, []byte) (bool, error) {
	if o.failures.Add(1) <= o.limit {
		return false, errors.New("connection reset")
	}
	return true, nil
}

func (o *flakyOracle) Location() string     { return "local://flaky" }
func (o *flakyOracle) Delay() time.Duration { return time.Millisecond }

func TestAskWithRetry(t *testing.T) {
	o := &flakyOracle{limit: 2}
	got, err := AskWithRetry(context.Background(), o, []byte{0x01})
	if err != nil {
		t.Fatalf("AskWithRetry() error: %v", err)
	}
	if !got {
		t.Error("AskWithRetry() = false, want true")
	}

	exhausted := &flakyOracle{limit: 1000}
	if _, err := AskWithRetry(context.Background(), exhausted, []byte{0x01}); err == nil {
		t.Error("AskWithRetry() succeeded despite persistent failures")
	}
	if got := exhausted.failures.Load(); got != RetryMaxAttempts {
		t.Errorf("oracle was asked %d times, want %d", got, RetryMaxAttempts)
	}
}
