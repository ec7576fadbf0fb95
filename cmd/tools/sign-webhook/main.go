// Command sign-webhook signs a payment webhook payload the way the gateway
// does, optionally delivering it to a running server.
//
// Either pass a payload file (or - for stdin) or let the tool build a
// completed-checkout event from --host and --viewer.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatecast/internal/payments"
)

const signatureHeader = "Stripe-Signature"

type options struct {
	secret   string
	payload  string
	hostID   string
	viewerID string
	url      string
}

func main() {
	var opts options
	flag.StringVar(&opts.secret, "secret", "", "webhook signing secret (defaults to GATECAST_PAYMENTS_WEBHOOK_SECRET)")
	flag.StringVar(&opts.payload, "payload", "", "path to the JSON payload, or - for stdin")
	flag.StringVar(&opts.hostID, "host", "", "host id for a generated checkout.session.completed event")
	flag.StringVar(&opts.viewerID, "viewer", "", "viewer id for a generated checkout.session.completed event")
	flag.StringVar(&opts.url, "url", "", "webhook URL to deliver the signed payload to")
	flag.Parse()
	opts.secret = strings.TrimSpace(firstNonEmpty(opts.secret, os.Getenv("GATECAST_PAYMENTS_WEBHOOK_SECRET")))

	payload, header, err := sign(opts, os.Stdin, time.Now())
	if err != nil {
		fatalf("sign webhook: %v", err)
	}
	if opts.url == "" {
		fmt.Printf("%s: %s\n\n%s\n", signatureHeader, header, payload)
		return
	}
	status, body, err := deliver(http.DefaultClient, opts.url, payload, header)
	if err != nil {
		fatalf("deliver webhook: %v", err)
	}
	fmt.Printf("%d %s\n", status, strings.TrimSpace(string(body)))
	if status >= 300 {
		os.Exit(1)
	}
}

// sign resolves the payload described by opts and returns it with its
// signature header value.
func sign(opts options, stdin io.Reader, now time.Time) ([]byte, string, error) {
	if opts.secret == "" {
		return nil, "", errors.New("--secret is required")
	}
	payload, err := loadPayload(opts, stdin)
	if err != nil {
		return nil, "", err
	}
	return payload, payments.SignPayload(opts.secret, payload, now), nil
}

func loadPayload(opts options, stdin io.Reader) ([]byte, error) {
	generate := opts.hostID != "" || opts.viewerID != ""
	switch {
	case opts.payload != "" && generate:
		return nil, errors.New("use either --payload or --host/--viewer, not both")
	case opts.payload == "-":
		return io.ReadAll(stdin)
	case opts.payload != "":
		return os.ReadFile(opts.payload)
	case generate:
		if strings.TrimSpace(opts.hostID) == "" || strings.TrimSpace(opts.viewerID) == "" {
			return nil, errors.New("--host and --viewer are both required")
		}
		return completedCheckout(opts.hostID, opts.viewerID)
	default:
		return nil, errors.New("--payload or --host/--viewer is required")
	}
}

func completedCheckout(hostID, viewerID string) ([]byte, error) {
	event := map[string]any{
		"id":   "evt_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		"type": payments.EventCheckoutCompleted,
		"data": map[string]any{
			"object": map[string]any{
				"id":                  "cs_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
				"client_reference_id": strings.TrimSpace(viewerID),
				"metadata": map[string]string{
					payments.MetadataHostID:   strings.TrimSpace(hostID),
					payments.MetadataViewerID: strings.TrimSpace(viewerID),
				},
			},
		},
	}
	return json.Marshal(event)
}

func deliver(client *http.Client, url string, payload []byte, header string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, header)
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
