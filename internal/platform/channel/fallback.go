package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/labsync/labsync/internal/platform/errs"
	"github.com/labsync/labsync/internal/platform/wire"
)

// Fallback delivery defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 500 * time.Millisecond
)

// ConflictCode is the structured error code the receiving side returns when
// the delivered identity was already applied (typically because the
// persistent channel got there first).
const ConflictCode = "duplicate_request"

// errorBody is the structured error envelope of the fallback endpoint.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// Fallback is the stateless request/response channel. It POSTs the frame
// envelope to the peer's fixed endpoint, retrying connection-level failures
// with exponential backoff. A duplicate-identity conflict is success: the
// message is already applied.
type Fallback struct {
	endpoint    string
	token       string
	client      *http.Client
	maxAttempts int
	baseBackoff time.Duration
	log         zerolog.Logger

	sleep func(d time.Duration) // overridable in tests
}

// NewFallback creates a fallback channel for the peer's message endpoint.
func NewFallback(endpoint, token string, maxAttempts int, baseBackoff time.Duration, log zerolog.Logger) *Fallback {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseBackoff <= 0 {
		baseBackoff = DefaultBaseBackoff
	}
	return &Fallback{
		endpoint:    endpoint,
		token:       token,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		log:         log.With().Str("component", "fallback").Logger(),
		sleep:       time.Sleep,
	}
}

// SetHTTPClient overrides the default client (tests, custom transports).
func (f *Fallback) SetHTTPClient(c *http.Client) { f.client = c }

// Send delivers one frame. It returns nil on acceptance or on a
// duplicate-identity conflict, a terminal error immediately for
// non-retryable failures, and a connection error once attempts are
// exhausted — at which point retry ownership moves to the caller.
func (f *Fallback) Send(ctx context.Context, frame wire.Frame) error {
	payload, err := wire.Encode(frame)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if attempt > 1 {
			f.sleep(f.baseBackoff << (attempt - 2))
		}

		err := f.post(ctx, payload)
		switch {
		case err == nil:
			return nil
		case errs.IsConflict(err):
			// Already applied, most likely via the persistent channel.
			f.log.Debug().Str("frame", string(frame.Kind())).Msg("duplicate delivery, treating as success")
			return nil
		case !errs.Retryable(err):
			return err
		}
		lastErr = err
		f.log.Warn().Int("attempt", attempt).Err(err).Msg("fallback attempt failed")
	}
	return errs.Connection("fallback exhausted after %d attempts: %v", f.maxAttempts, lastErr)
}

func (f *Fallback) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return errs.Connection("post %s: %v", f.endpoint, err)
	}
	defer resp.Body.Close()

	// Read at most 4KB of response body.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error.Code == ConflictCode {
			return errs.ErrConflict
		}
		return errs.Protocol("conflict without %s code: %s", ConflictCode, body)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.ErrUnauthorized
	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return errs.Connection("peer returned %d", resp.StatusCode)
	default:
		return errs.Protocol("peer returned %d: %s", resp.StatusCode, body)
	}
}
