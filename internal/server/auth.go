package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"greeter/internal/singleton"
)

// AuthConfig protects the peer endpoint. Public endpoints stay open.
type AuthConfig struct {
	ClusterSecret string
	Logger        *log.Logger
}

type peerKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPeer(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, peerKey{}, nodeID)
}

// peerFromContext returns the node id of an authenticated peer request.
func peerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(peerKey{}).(string)
	return id, ok
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newPeerAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	askPath := path.Join(basePath, singleton.AskPath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path != askPath {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "peer authentication required", nil))
				return
			}
			nodeID, err := singleton.VerifyPeerToken(cfg.ClusterSecret, token)
			if err != nil {
				cfg.logger().Printf("rejected peer request from %s: %v", req.RemoteAddr, err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPeer(req.Context(), nodeID)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
