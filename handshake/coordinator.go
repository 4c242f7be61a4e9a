// Package handshake coordinates the user-consent flow that connects a
// connector: a pending marker with a TTL, resolved by polling the
// connection status.
package handshake

import (
	"context"
	"fmt"
	"time"

	"github.com/knoom0/datanav-sub002/config"
	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/logger"
)

// Result reports how an ask-to-connect resolved.
type Result struct {
	// Success is true when the coordinator resolved without internal
	// fault, independent of IsConnected. A deadline that lapses with no
	// answer still resolves: TimedOut marks that outcome.
	Success bool
	// TimedOut is true when the ask deadline passed with no resolution.
	TimedOut bool
	// IsConnected is the connector's connection state at resolution.
	IsConnected bool
	// Message is a human-readable account of what happened.
	Message string
	// AuthURL is the URL the user must visit, when the connector's
	// authentication produced one.
	AuthURL string
}

// Coordinator drives connection handshakes. Writes go through the status
// store's conditional updates, so concurrent asks for the same connector
// share one pending marker and one deadline.
type Coordinator struct {
	registry   *connector.Registry
	status     *connector.StatusStore
	askTimeout time.Duration
	pollEvery  time.Duration
}

// NewCoordinator creates a handshake coordinator.
func NewCoordinator(registry *connector.Registry, status *connector.StatusStore, cfg *config.SyncConfig) *Coordinator {
	return &Coordinator{
		registry:   registry,
		status:     status,
		askTimeout: cfg.AskTimeout(),
		pollEvery:  cfg.PollInterval(),
	}
}

// AskToConnect requests user consent for a connector and waits for the
// outcome. An unexpired pending request is joined, not replaced: the
// second asker polls against the first asker's deadline.
//
// The wait resolves on the first of: the pending marker cleared by the
// consent callback, the connected flag flipping while the marker is
// still up, or the deadline passing. The marker is cleared exactly once
// by whichever path observes its terminal condition first.
func (c *Coordinator) AskToConnect(ctx context.Context, connectorID string) (*Result, error) {
	cfg, err := c.registry.Get(connectorID)
	if err != nil {
		return nil, err
	}

	st, err := c.status.Get(connectorID)
	if err != nil {
		return nil, err
	}
	if st != nil && st.IsConnected && !st.ConsentPending(time.Now()) {
		return &Result{
			Success:     true,
			IsConnected: true,
			Message:     fmt.Sprintf("%s is already connected", cfg.Name),
		}, nil
	}

	deadline, err := c.status.SetPendingConsent(connectorID, time.Now().Add(c.askTimeout))
	if err != nil {
		return nil, err
	}

	authURL, err := c.beginAuthentication(ctx, cfg, st)
	if err != nil {
		// The marker must not outlive a handshake that never started.
		if clearErr := c.status.ClearPendingConsent(connectorID); clearErr != nil {
			logger.Errorw("Failed to clear pending consent",
				"connector_id", connectorID, "error", clearErr)
		}
		return nil, err
	}

	logger.Infow("Waiting for user consent",
		"connector_id", connectorID, "deadline", deadline)
	return c.waitForResolution(ctx, cfg, deadline, authURL)
}

// beginAuthentication starts the connector's auth flow and returns the
// URL the user must visit, if any. A loader that reports itself already
// connected still goes through the wait; the consent callback is what
// flips the stored flag.
func (c *Coordinator) beginAuthentication(ctx context.Context, cfg *connector.Config, st *connector.Status) (string, error) {
	var creds connector.Credentials
	if st != nil {
		creds = connector.Credentials{AccessToken: st.AccessToken, RefreshToken: st.RefreshToken}
	}
	loader, err := cfg.NewLoader(creds)
	if err != nil {
		return "", errors.Wrapf(err, "failed to build loader for %s", cfg.ID)
	}

	auth, err := loader.Authenticate(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "authentication failed for %s", cfg.ID)
	}
	return auth.AuthURL, nil
}

func (c *Coordinator) waitForResolution(ctx context.Context, cfg *connector.Config, deadline time.Time, authURL string) (*Result, error) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		st, err := c.status.Get(cfg.ID)
		if err != nil {
			return nil, err
		}

		pending := st != nil && st.ConsentPending(time.Now())
		connected := st != nil && st.IsConnected

		if !pending {
			// Marker cleared: either the callback resolved the handshake
			// or the deadline passed and one of the waiters cleaned up.
			if connected {
				return &Result{
					Success:     true,
					IsConnected: true,
					Message:     fmt.Sprintf("%s connected", cfg.Name),
					AuthURL:     authURL,
				}, nil
			}
			if time.Now().Before(deadline) {
				return &Result{
					Success:     true,
					IsConnected: false,
					Message:     fmt.Sprintf("connection to %s was declined", cfg.Name),
					AuthURL:     authURL,
				}, nil
			}
			return c.timeoutResult(cfg, authURL), nil
		}

		if connected {
			// The flag flipped while the marker was still up. Clear it so
			// later asks start fresh; losing the clear race is harmless.
			if err := c.status.ClearPendingConsent(cfg.ID); err != nil {
				logger.Errorw("Failed to clear pending consent",
					"connector_id", cfg.ID, "error", err)
			}
			return &Result{
				Success:     true,
				IsConnected: true,
				Message:     fmt.Sprintf("%s connected", cfg.Name),
				AuthURL:     authURL,
			}, nil
		}

		if !time.Now().Before(deadline) {
			if err := c.status.ClearPendingConsent(cfg.ID); err != nil {
				logger.Errorw("Failed to clear pending consent",
					"connector_id", cfg.ID, "error", err)
			}
			return c.timeoutResult(cfg, authURL), nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "consent wait for %s interrupted", cfg.ID)
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) timeoutResult(cfg *connector.Config, authURL string) *Result {
	return &Result{
		Success:     true,
		TimedOut:    true,
		IsConnected: false,
		Message:     fmt.Sprintf("timed out waiting for consent to connect %s; the request can be asked again", cfg.Name),
		AuthURL:     authURL,
	}
}

// CompleteConsent finishes a handshake from the external callback side:
// the loader exchanges the out-of-band state for credentials and the
// status store records the outcome. This is the only path that flips
// is_connected.
func (c *Coordinator) CompleteConsent(ctx context.Context, connectorID, state string) (*connector.AuthResult, error) {
	cfg, err := c.registry.Get(connectorID)
	if err != nil {
		return nil, err
	}

	st, err := c.status.Get(connectorID)
	if err != nil {
		return nil, err
	}
	var creds connector.Credentials
	if st != nil {
		creds = connector.Credentials{AccessToken: st.AccessToken, RefreshToken: st.RefreshToken}
	}
	loader, err := cfg.NewLoader(creds)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build loader for %s", connectorID)
	}

	auth, err := loader.ContinueToAuthenticate(ctx, state)
	if err != nil {
		if markErr := c.status.MarkDisconnected(connectorID); markErr != nil {
			logger.Errorw("Failed to mark connector disconnected",
				"connector_id", connectorID, "error", markErr)
		}
		return nil, errors.Wrapf(err, "consent completion failed for %s", connectorID)
	}

	if auth.Connected {
		if err := c.status.MarkConnected(connectorID, auth.AccessToken, auth.RefreshToken); err != nil {
			return nil, err
		}
		logger.Infow("Connector connected", "connector_id", connectorID)
	} else {
		if err := c.status.MarkDisconnected(connectorID); err != nil {
			return nil, err
		}
		logger.Infow("Connector consent declined", "connector_id", connectorID)
	}
	return auth, nil
}
