package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	pay402 "github.com/pay402/pay402-go"
)

// PaymentRoundTripper answers 402 challenges transparently. On a
// challenge it builds a payload for the first requirement it can satisfy
// and replays the request once with the payment header attached. All
// other responses pass through untouched.
type PaymentRoundTripper struct {
	base    http.RoundTripper
	builder *pay402.PayloadBuilder
	signer  pay402.Signer
}

// RoundTripperOption configures a PaymentRoundTripper.
type RoundTripperOption func(*PaymentRoundTripper)

// WithBaseTransport sets the underlying transport. Default
// http.DefaultTransport.
func WithBaseTransport(base http.RoundTripper) RoundTripperOption {
	return func(rt *PaymentRoundTripper) { rt.base = base }
}

// NewPaymentRoundTripper creates a transport that pays challenges with
// the given builder and signer.
func NewPaymentRoundTripper(builder *pay402.PayloadBuilder, signer pay402.Signer, opts ...RoundTripperOption) *PaymentRoundTripper {
	rt := &PaymentRoundTripper{
		base:    http.DefaultTransport,
		builder: builder,
		signer:  signer,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// WrapClient returns a copy of client whose transport pays 402
// challenges. A nil client wraps http.DefaultClient.
func WrapClient(client *http.Client, builder *pay402.PayloadBuilder, signer pay402.Signer, opts ...RoundTripperOption) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}
	wrapped := *client
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped.Transport = NewPaymentRoundTripper(builder, signer, append([]RoundTripperOption{WithBaseTransport(base)}, opts...)...)
	return &wrapped
}

// RoundTrip implements http.RoundTripper.
func (rt *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// The request body may be replayed after a challenge, so buffer it
	// up front.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffering request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := decodeChallenge(resp)
	if err != nil {
		return nil, err
	}

	payload, buildErr := rt.buildForChallenge(req, challenge)
	if buildErr != nil {
		return nil, buildErr
	}

	header, err := pay402.EncodePaymentHeader(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payment header: %w", err)
	}

	retry := req.Clone(req.Context())
	retry.Header.Set(pay402.PaymentHeader, header)
	if bodyBytes != nil {
		retry.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	return rt.base.RoundTrip(retry)
}

// buildForChallenge tries each advertised requirement in order and
// returns the first payload the builder accepts. It keeps the last
// rejection so the caller sees why nothing was payable.
func (rt *PaymentRoundTripper) buildForChallenge(req *http.Request, challenge pay402.PaymentRequired) (pay402.PaymentPayload, error) {
	if len(challenge.Accepts) == 0 {
		return pay402.PaymentPayload{}, fmt.Errorf("challenge for %s lists no requirements", req.URL.Path)
	}

	var lastErr error
	for _, requirement := range challenge.Accepts {
		payload, err := rt.builder.Build(req.Context(), requirement, rt.signer)
		if err != nil {
			lastErr = err
			continue
		}
		return payload, nil
	}
	return pay402.PaymentPayload{}, fmt.Errorf("no payable requirement for %s: %w", req.URL.Path, lastErr)
}

func decodeChallenge(resp *http.Response) (pay402.PaymentRequired, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pay402.PaymentRequired{}, fmt.Errorf("reading challenge body: %w", err)
	}
	var challenge pay402.PaymentRequired
	if err := json.Unmarshal(body, &challenge); err != nil {
		return pay402.PaymentRequired{}, fmt.Errorf("decoding challenge: %w", err)
	}
	return challenge, nil
}

// ReceiptFromResponse extracts the settlement receipt attached to a paid
// response, if any.
func ReceiptFromResponse(resp *http.Response) (pay402.SettlementReceipt, bool) {
	header := resp.Header.Get(pay402.ReceiptHeader)
	if header == "" {
		return pay402.SettlementReceipt{}, false
	}
	receipt, err := pay402.DecodeReceiptHeader(header)
	if err != nil {
		return pay402.SettlementReceipt{}, false
	}
	return receipt, true
}
