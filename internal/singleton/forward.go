package singleton

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"greeter/internal/domain"
	"greeter/internal/gate"
	"greeter/internal/greeting"
)

// Error codes shared by the peer endpoint and the forwarder.
const (
	CodeBadRequest          = "bad_request"
	CodeCommandFailed       = "command_failed"
	CodeTimeout             = "timeout"
	CodeRoutingFailed       = "routing_failed"
	CodeInstanceUnavailable = "instance_unavailable"

	// ReasonNotHost is set in error details when the callee does not host the singleton.
	ReasonNotHost = "not_host"
)

// AskPath is the peer endpoint relative to the API base path.
const AskPath = "/internal/ask"

// AskReply is the peer endpoint response body.
type AskReply struct {
	Kind    string `json:"kind" enum:"hello,use_greeting"`
	Message string `json:"message,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// ReplyFor encodes a handler result for the wire.
func ReplyFor(cmd greeting.Command, value any) (AskReply, error) {
	switch v := value.(type) {
	case string:
		return AskReply{Kind: cmd.Kind(), Message: v}, nil
	case greeting.Done:
		return AskReply{Kind: cmd.Kind(), Done: true}, nil
	default:
		return AskReply{}, fmt.Errorf("unexpected reply %T for %s", value, cmd)
	}
}

// Value decodes the reply back into a handler result.
func (r AskReply) Value() any {
	if r.Kind == greeting.KindUseGreeting {
		return greeting.Done{}
	}
	return r.Message
}

type remoteError struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// HTTPForwarder sends a command to the host's peer endpoint.
type HTTPForwarder struct {
	Client   *http.Client
	BasePath string
	NodeID   string
	Secret   string
	TokenTTL time.Duration
	Now      func() time.Time
}

func (f *HTTPForwarder) Forward(ctx context.Context, host domain.Member, cmd greeting.Command) (any, error) {
	body, err := json.Marshal(greeting.Wrap(cmd))
	if err != nil {
		return nil, err
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	ttl := f.TokenTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token, err := IssuePeerToken(f.Secret, f.NodeID, now(), ttl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	endpoint := strings.TrimRight(host.Addr, "/") + path.Join("/", f.BasePath, AskPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, host.ID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, host.ID, err)
	}
	if resp.StatusCode == http.StatusOK {
		var reply AskReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, fmt.Errorf("%w: %s: decode reply: %v", ErrPeerUnavailable, host.ID, err)
		}
		return reply.Value(), nil
	}
	return nil, decodeRemoteError(host, cmd, resp.StatusCode, data)
}

func decodeRemoteError(host domain.Member, cmd greeting.Command, status int, data []byte) error {
	var re remoteError
	if err := json.Unmarshal(data, &re); err != nil || re.Error.Code == "" {
		return fmt.Errorf("%w: %s returned status %d", ErrPeerUnavailable, host.ID, status)
	}
	msg := re.Error.Message
	switch re.Error.Code {
	case CodeBadRequest:
		return fmt.Errorf("%w: %s", greeting.ErrInvalidCommand, msg)
	case CodeCommandFailed:
		if cause, ok := re.Error.Details["cause"].(string); ok && cause != "" {
			msg = cause
		}
		return &greeting.CommandError{Command: cmd, Err: errors.New(msg)}
	case CodeTimeout:
		return context.DeadlineExceeded
	case CodeInstanceUnavailable:
		return fmt.Errorf("host %s: %w", host.ID, gate.ErrTerminated)
	case CodeRoutingFailed:
		if re.Error.Details["reason"] == ReasonNotHost {
			return fmt.Errorf("%s: %w", host.ID, ErrNotHost)
		}
	}
	return fmt.Errorf("%w: %s: %s", ErrPeerUnavailable, host.ID, msg)
}
