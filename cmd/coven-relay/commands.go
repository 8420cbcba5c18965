// ABOUTME: Client subcommands: health and readiness checks, synchronous processing and enqueueing.
// ABOUTME: Envelopes are built from flags and sent over HTTP or straight onto JetStream.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/bus/jetstream"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/envelope"
)

// metaFlags collects repeated -meta key=value flags in order.
type metaFlags []string

func (m *metaFlags) String() string { return strings.Join(*m, ",") }

func (m *metaFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("metadata %q must be key=value", v)
	}
	*m = append(*m, v)
	return nil
}

// buildEnvelope parses envelope flags and returns the JSON body to send.
func buildEnvelope(name string, args []string, now time.Time) ([]byte, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	user := fs.String("user", "", "user id (required)")
	source := fs.String("source", string(envelope.SourceAPI), "ingress source tag")
	message := fs.String("message", "", "message text (required)")
	timestamp := fs.String("timestamp", "", "origin timestamp (default now); reuse one to replay an envelope")
	provider := fs.String("provider", "", "provider hint")
	var meta metaFlags
	fs.Var(&meta, "meta", "metadata key=value (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if strings.TrimSpace(*user) == "" {
		return nil, errors.New("-user is required")
	}
	if strings.TrimSpace(*message) == "" {
		return nil, errors.New("-message is required")
	}

	ts := now.UTC()
	if *timestamp != "" {
		parsed, err := envelope.ParseTimestamp(*timestamp)
		if err != nil {
			return nil, err
		}
		ts = parsed
	}

	md := envelope.NewMetadata()
	for _, kv := range meta {
		k, v, _ := strings.Cut(kv, "=")
		md.Set(k, envelope.String(v))
	}
	if *provider != "" {
		md.Set("provider", envelope.String(*provider))
	}

	return json.Marshal(&envelope.Inbound{
		Source:    envelope.Source(*source),
		UserID:    *user,
		Message:   *message,
		Timestamp: ts,
		Metadata:  *md,
	})
}

func relayURL(cfg *config.Config, path string) string {
	host := cfg.Server.HTTPAddr
	if cfg.Tailscale.Enabled {
		host = cfg.Tailscale.Hostname
	}
	if strings.HasPrefix(host, "0.0.0.0:") {
		host = "localhost:" + strings.TrimPrefix(host, "0.0.0.0:")
	}
	return fmt.Sprintf("http://%s%s", host, path)
}

// call performs one request against the relay's HTTP surface.
func call(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	status, _, err := call(ctx, http.MethodGet, relayURL(cfg, "/health"), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Println("healthy")
	return nil
}

func runReady(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	status, body, err := call(ctx, http.MethodGet, relayURL(cfg, "/health/ready"), nil)
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	printJSON(body)
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d", status)
	}
	return nil
}

// runProcess posts one envelope to /process and prints the outbound envelope.
func runProcess(ctx context.Context, args []string) error {
	body, err := buildEnvelope("process", args, time.Now())
	if err != nil {
		return err
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	status, resp, err := call(ctx, http.MethodPost, relayURL(cfg, "/process"), body)
	if err != nil {
		return fmt.Errorf("process request failed: %w", err)
	}
	printJSON(resp)
	if status != http.StatusOK {
		return fmt.Errorf("processing failed: status %d", status)
	}
	return nil
}

// runSend enqueues one envelope. With the jetstream driver it publishes on
// the inbound subject directly; otherwise it goes through POST /enqueue.
func runSend(ctx context.Context, args []string) error {
	body, err := buildEnvelope("send", args, time.Now())
	if err != nil {
		return err
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Bus.Driver != config.BusJetStream {
		status, resp, err := call(ctx, http.MethodPost, relayURL(cfg, "/enqueue"), body)
		if err != nil {
			return fmt.Errorf("enqueue request failed: %w", err)
		}
		if status != http.StatusAccepted {
			printJSON(resp)
			return fmt.Errorf("enqueue failed: status %d", status)
		}
		fmt.Printf("queued on %s\n", cfg.Bus.InboundSubject)
		return nil
	}

	b, err := jetstream.Connect(ctx, jetstream.Options{
		URL:      cfg.Bus.URL,
		Name:     cfg.Worker.Name + "-send",
		Stream:   cfg.Bus.Stream,
		Subjects: []string{cfg.Bus.InboundSubject, cfg.Bus.OutboundSubject, cfg.Bus.DeadLetterSubject},
	}, setupLogger(cfg.Logging))
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	if err := b.Publish(ctx, cfg.Bus.InboundSubject, body); err != nil {
		return fmt.Errorf("publishing envelope: %w", err)
	}
	fmt.Printf("published to %s (stream %s)\n", cfg.Bus.InboundSubject, cfg.Bus.Stream)
	return nil
}
