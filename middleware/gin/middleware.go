// Package gin gates resource routes behind payment. Unpaid requests get
// a 402 challenge; paid requests are verified and settled through a
// facilitator before the resource handler's output is released.
package gin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	pay402 "github.com/pay402/pay402-go"
)

// Facilitator is the middleware's view of a payment facilitator.
// http.FacilitatorClient satisfies it.
type Facilitator interface {
	Verify(ctx context.Context, payload pay402.PaymentPayload, req pay402.PaymentRequirement) (*pay402.VerifyResult, error)
	Settle(ctx context.Context, payload pay402.PaymentPayload, req pay402.PaymentRequirement) (*pay402.SettleResult, error)
}

// RequirementSource produces the requirements a route advertises for one
// request. Listing more than one lets clients pick an asset they hold.
type RequirementSource func(c *gin.Context) []pay402.PaymentRequirement

// Options holds the middleware configuration.
type Options struct {
	source       RequirementSource
	expiryWindow time.Duration
	paywallHTML  string
	logger       zerolog.Logger
	clock        pay402.Clock
}

// Option configures the middleware.
type Option func(*Options)

// WithStaticRequirements advertises the same requirements on every
// request, stamping the request path as the resource.
func WithStaticRequirements(requirements ...pay402.PaymentRequirement) Option {
	return func(o *Options) {
		o.source = func(c *gin.Context) []pay402.PaymentRequirement {
			out := make([]pay402.PaymentRequirement, len(requirements))
			copy(out, requirements)
			for i := range out {
				if out[i].Resource == "" {
					out[i].Resource = c.Request.URL.Path
				}
			}
			return out
		}
	}
}

// WithRequirementSource sets a per-request requirement source.
func WithRequirementSource(source RequirementSource) Option {
	return func(o *Options) { o.source = source }
}

// WithExpiryWindow stamps advertised requirements with an expiry this
// far in the future. Zero means no expiry.
func WithExpiryWindow(window time.Duration) Option {
	return func(o *Options) { o.expiryWindow = window }
}

// WithPaywallHTML overrides the HTML page served to browsers on a
// challenge.
func WithPaywallHTML(html string) Option {
	return func(o *Options) { o.paywallHTML = html }
}

// WithLogger sets the middleware logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.logger = logger }
}

// WithClock overrides the middleware clock.
func WithClock(clock pay402.Clock) Option {
	return func(o *Options) { o.clock = clock }
}

const defaultPaywallHTML = `<html><head><title>Payment Required</title></head>` +
	`<body><h1>Payment Required</h1><p>This resource is paid. Retry with a payment header.</p></body></html>`

// Payment returns middleware that charges for every request passing
// through it.
func Payment(facilitator Facilitator, opts ...Option) gin.HandlerFunc {
	options := &Options{
		paywallHTML: defaultPaywallHTML,
		logger:      zerolog.Nop(),
		clock:       pay402.SystemClock(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		requirements := advertised(c, options)
		if len(requirements) == 0 {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "no payment requirements configured",
			})
			return
		}

		header := c.GetHeader(pay402.PaymentHeader)
		if header == "" {
			challenge(c, options, requirements, "payment required")
			return
		}

		payload, err := pay402.DecodePaymentHeader(header)
		if err != nil {
			challenge(c, options, requirements, "malformed payment header")
			return
		}

		requirement, ok := matchRequirement(payload, requirements)
		if !ok {
			challenge(c, options, requirements, "payment answers no advertised requirement")
			return
		}

		verdict, err := facilitator.Verify(c.Request.Context(), payload, requirement)
		if err != nil {
			options.logger.Error().Err(err).Str("payer", payload.Payer).Msg("facilitator verify unavailable")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "payment verification unavailable",
			})
			return
		}
		if !verdict.Valid {
			options.logger.Info().Str("reason", verdict.Reason).Str("payer", payload.Payer).Msg("payment rejected")
			challenge(c, options, requirements, verdict.Reason)
			return
		}

		// Hold back the handler's output until settlement lands, so a
		// settlement failure never leaks the resource.
		writer := &bufferedWriter{ResponseWriter: c.Writer, statusCode: http.StatusOK}
		c.Writer = writer
		c.Next()
		c.Writer = writer.ResponseWriter

		if c.IsAborted() {
			return
		}

		result, err := facilitator.Settle(c.Request.Context(), payload, requirement)
		if err != nil {
			options.logger.Error().Err(err).Str("payer", payload.Payer).Msg("facilitator settle unavailable")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "payment settlement unavailable",
			})
			return
		}
		if !result.Success {
			options.logger.Info().Str("reason", result.Reason).Str("payer", payload.Payer).Msg("settlement rejected")
			challenge(c, options, requirements, result.Reason)
			return
		}

		receipt, err := pay402.EncodeReceiptHeader(result.Receipt())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "encoding settlement receipt",
			})
			return
		}

		options.logger.Info().
			Str("payer", payload.Payer).
			Str("ledgerReference", result.LedgerReference).
			Str("resource", requirement.Resource).
			Msg("payment settled")

		c.Header(pay402.ReceiptHeader, receipt)
		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.Write(writer.body.Bytes())
	}
}

func advertised(c *gin.Context, options *Options) []pay402.PaymentRequirement {
	if options.source == nil {
		return nil
	}
	requirements := options.source(c)
	if options.expiryWindow > 0 {
		// Expiry is unix seconds, matching the freshness checks downstream.
		expiry := options.clock.Now().Add(options.expiryWindow).Unix()
		for i := range requirements {
			if requirements[i].Expiry == 0 {
				requirements[i].Expiry = expiry
			}
		}
	}
	return requirements
}

// matchRequirement finds the advertised requirement the payload answers.
// Matching is on the payment fields, so a payload for requirement A
// can never unlock a resource advertised under requirement B.
func matchRequirement(payload pay402.PaymentPayload, requirements []pay402.PaymentRequirement) (pay402.PaymentRequirement, bool) {
	for _, requirement := range requirements {
		if payload.Scheme == requirement.Scheme &&
			payload.Network == requirement.Network &&
			pay402.EqualAddress(payload.Asset, requirement.Asset) &&
			payload.Amount == requirement.Amount &&
			pay402.EqualAddress(payload.PayTo, requirement.PayTo) {
			return requirement, true
		}
	}
	return pay402.PaymentRequirement{}, false
}

func challenge(c *gin.Context, options *Options, requirements []pay402.PaymentRequirement, reason string) {
	if wantsHTML(c) {
		c.Abort()
		c.Data(http.StatusPaymentRequired, "text/html", []byte(options.paywallHTML))
		return
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, pay402.PaymentRequired{
		Error:   reason,
		Accepts: requirements,
	})
}

func wantsHTML(c *gin.Context) bool {
	accept := c.GetHeader("Accept")
	userAgent := c.GetHeader("User-Agent")
	return strings.Contains(accept, "text/html") && strings.Contains(userAgent, "Mozilla")
}
