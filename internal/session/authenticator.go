package session

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockgate-project/blockgate/internal/util"
)

const userAgent = "blockgate/" + VersionName

// SessionAuthenticator asks an HTTP session service whether the player
// really joined this server. The service answers "YES" on the first line
// when the player's client registered the same server hash.
type SessionAuthenticator struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewSessionAuthenticator creates an authenticator for the service at
// baseURL, e.g. http://session.minecraft.net/game/checkserver.jsp.
func NewSessionAuthenticator(baseURL string) *SessionAuthenticator {
	return &SessionAuthenticator{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		logger: util.ComponentLogger("session_auth"),
	}
}

// Authenticate implements Authenticator.
func (a *SessionAuthenticator) Authenticate(ctx context.Context, login Login) error {
	q := url.Values{}
	q.Set("user", login.Username)
	q.Set("serverId", login.ServerHash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create session request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrSessionUnavailable, resp.StatusCode)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("%w: empty reply: %v", ErrSessionUnavailable, err)
	}
	if strings.TrimSpace(line) != "YES" {
		a.logger.Info().
			Str("username", login.Username).
			Stringer("remote", login.Remote).
			Msg("session service rejected login")
		return ErrVerifyFailed
	}
	return nil
}
