package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/majorcontext/credgate/internal/token"
	"github.com/majorcontext/credgate/internal/wire"
)

// LoginUI carries the user interaction a login flow needs. Fields a flow
// does not use may be nil, but a code-paste flow requires ReadCode.
type LoginUI struct {
	// ShowAuthURL is called with the URL the user must open (code-paste
	// and browser-redirect flows).
	ShowAuthURL func(url string)

	// ShowDeviceCode is called with the verification URL and the short
	// code the user enters there (device-code flow).
	ShowDeviceCode func(url, code string)

	// ReadCode collects the pasted authorization code (code-paste flow).
	ReadCode func(ctx context.Context) (string, error)
}

// Login drives one complete login flow and returns the sanitized token.
// The refresh secret stays on the host. If ctx is cancelled mid-flow the
// session is cancelled on the proxy before returning.
func (c *Client) Login(ctx context.Context, key token.Key, flow wire.FlowStyle, ui LoginUI) (*token.Token, error) {
	sess, err := c.InitiateLogin(ctx, key, flow)
	if err != nil {
		return nil, err
	}

	tok, err := c.driveFlow(ctx, sess, ui)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.CancelLogin(cancelCtx, sess.SessionID)
		}
		return nil, err
	}
	return tok, nil
}

func (c *Client) driveFlow(ctx context.Context, sess *wire.InitiateLoginResponse, ui LoginUI) (*token.Token, error) {
	switch sess.Flow {
	case wire.FlowCodePaste:
		if ui.ReadCode == nil {
			return nil, errors.New("code-paste flow requires a code reader")
		}
		if ui.ShowAuthURL != nil {
			ui.ShowAuthURL(sess.AuthURL)
		}
		code, err := ui.ReadCode(ctx)
		if err != nil {
			return nil, err
		}
		return c.ExchangeLoginCode(ctx, sess.SessionID, code)

	case wire.FlowDeviceCode:
		if ui.ShowDeviceCode != nil {
			ui.ShowDeviceCode(sess.VerificationURL, sess.UserCode)
		}
		return c.pollUntilDone(ctx, sess)

	case wire.FlowBrowserRedirect:
		if ui.ShowAuthURL != nil {
			ui.ShowAuthURL(sess.AuthURL)
		}
		return c.pollUntilDone(ctx, sess)
	}
	return nil, fmt.Errorf("unknown flow style %q", sess.Flow)
}

// pollUntilDone polls a background session at the proxy's suggested
// interval until it reaches a terminal state.
func (c *Client) pollUntilDone(ctx context.Context, sess *wire.InitiateLoginResponse) (*token.Token, error) {
	interval := time.Duration(sess.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		resp, err := c.PollLogin(ctx, sess.SessionID)
		if err != nil {
			return nil, err
		}
		switch resp.Status {
		case wire.PollPending:
			if resp.PollIntervalSeconds > 0 {
				interval = time.Duration(resp.PollIntervalSeconds) * time.Second
			}
		case wire.PollComplete:
			return resp.Token, nil
		case wire.PollError:
			return nil, &wire.Error{Code: resp.ErrorCode, Message: "login failed"}
		default:
			return nil, fmt.Errorf("unknown poll status %q", resp.Status)
		}
	}
}
