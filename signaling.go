package voicechat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/voicechat/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/sethvargo/go-retry"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	metadataPath   = "/webrtc/metadata"
	offerPath      = "/webrtc/offer"
	inputHookPath  = "/input_hook"
	offerStatusBad = "failed"
)

var (
	errUnreachable   = errors.New("signaling server unreachable")
	errOfferRejected = errors.New("offer rejected")
)

type offerRequest struct {
	SDP      string `json:"sdp"`
	Type     string `json:"type"`
	WebRTCID string `json:"webrtc_id"`
}

// Signaling talks to the HTTP side of the backend.
type Signaling struct {
	logger  shared.LoggerAdapter
	base    *url.URL
	client  *fasthttp.Client
	timeout time.Duration
	retry   RetryConfig
	ins     *instruments
}

func NewSignaling(logger shared.LoggerAdapter, base *url.URL, cfg Config) *Signaling {
	cfg = cfg.WithDefaults()
	return &Signaling{
		logger:  logger,
		base:    base,
		client:  &fasthttp.Client{Name: "voicechat"},
		timeout: cfg.RequestTimeout,
		retry:   cfg.OfferRetry,
		ins:     newInstruments(),
	}
}

// PostMetadata is never retried.
func (s *Signaling) PostMetadata(ctx context.Context, md Metadata) error {
	status, body, err := s.post(ctx, metadataPath, md)
	if err != nil {
		return fmt.Errorf("posting metadata: %w", err)
	}
	if status/100 != 2 {
		return &shared.StatusError{Endpoint: metadataPath, StatusCode: status, Body: string(body)}
	}
	return nil
}

// PostInput delivers an out-of-band input signal for the session.
func (s *Signaling) PostInput(ctx context.Context, webrtcID string, fields map[string]any) error {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["webrtc_id"] = webrtcID
	status, body, err := s.post(ctx, inputHookPath, payload)
	if err != nil {
		return fmt.Errorf("posting input: %w", err)
	}
	if status/100 != 2 {
		return &shared.StatusError{Endpoint: inputHookPath, StatusCode: status, Body: string(body)}
	}
	return nil
}

// PostOffer performs a single offer delivery.
func (s *Signaling) PostOffer(ctx context.Context, offer webrtc.SessionDescription, webrtcID string) (webrtc.SessionDescription, error) {
	status, body, err := s.post(ctx, offerPath, offerRequest{
		SDP:      offer.SDP,
		Type:     offer.Type.String(),
		WebRTCID: webrtcID,
	})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if status/100 != 2 {
		return webrtc.SessionDescription{}, &shared.StatusError{Endpoint: offerPath, StatusCode: status, Body: string(body)}
	}
	return parseAnswer(body)
}

// Negotiate delivers the offer with a bounded, fixed-delay retry. A
// "failed" status in a 2xx body and an unreachable server are retried; a
// non-2xx reply or a malformed answer ends the exchange at once.
func (s *Signaling) Negotiate(ctx context.Context, offer webrtc.SessionDescription, webrtcID string) (webrtc.SessionDescription, error) {
	var (
		answer   webrtc.SessionDescription
		attempts int
		logger   = s.logger.With(zap.String("webrtc_id", webrtcID))
	)
	backoff := retry.WithMaxRetries(uint64(s.retry.Attempts-1), retry.NewConstant(s.retry.Delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		var err error
		answer, err = s.PostOffer(ctx, offer, webrtcID)
		switch {
		case err == nil:
			s.ins.attempt(ctx, "ok")
			return nil
		case errors.Is(err, errOfferRejected), errors.Is(err, errUnreachable):
			s.ins.attempt(ctx, "retry")
			logger.Warn("offer attempt failed",
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", s.retry.Attempts),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		default:
			s.ins.attempt(ctx, "fatal")
			return err
		}
	})
	if err != nil {
		return webrtc.SessionDescription{}, &shared.HandshakeError{Attempts: attempts, Err: err}
	}
	logger.Debug("offer accepted", zap.Int("attempts", attempts))
	return answer, nil
}

func parseAnswer(body []byte) (webrtc.SessionDescription, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decoding answer: %w", err)
	}
	if status, _ := raw["status"].(string); status == offerStatusBad {
		detail := "no detail"
		if meta, ok := raw["meta"].(map[string]any); ok {
			if msg, ok := meta["error"].(string); ok {
				detail = msg
			}
		} else if msg, ok := raw["error"].(string); ok {
			detail = msg
		}
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", errOfferRejected, detail)
	}
	sdp, ok := raw["sdp"].(string)
	if !ok || sdp == "" {
		return webrtc.SessionDescription{}, errors.New("decoding answer: missing sdp")
	}
	typ, ok := raw["type"].(string)
	if !ok {
		return webrtc.SessionDescription{}, errors.New("decoding answer: missing type")
	}
	sdpType := webrtc.NewSDPType(typ)
	if sdpType != webrtc.SDPTypeAnswer && sdpType != webrtc.SDPTypePranswer {
		return webrtc.SessionDescription{}, fmt.Errorf("decoding answer: unexpected type %q", typ)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: sdp}, nil
}

// post sends a JSON body. A transport failure is reported wrapping
// errUnreachable; any HTTP reply is returned as status and body.
func (s *Signaling) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshaling request: %w", err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(s.base.JoinPath(path).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	type result struct {
		status int
		body   []byte
		err    error
	}
	resC := make(chan result, 1)
	go func() {
		// req and resp are owned by this goroutine so an abandoned call
		// cannot race the release.
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		var err error
		if s.timeout > 0 {
			err = s.client.DoTimeout(req, resp, s.timeout)
		} else {
			err = s.client.Do(req, resp)
		}
		r := result{err: err}
		if err == nil {
			r.status = resp.StatusCode()
			r.body = append([]byte(nil), resp.Body()...)
		}
		resC <- r
	}()
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case r := <-resC:
		if r.err != nil {
			return 0, nil, fmt.Errorf("%w: %w", errUnreachable, r.err)
		}
		return r.status, r.body, nil
	}
}
