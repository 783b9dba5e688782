package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dragnshare/discovery"
	"dragnshare/signaling"
	"dragnshare/transfer"
)

type peerSession struct {
	conn    *signaling.Conn
	manager *transfer.Manager
}

// resolveRelayURL prefers the configured URL and falls back to mDNS lookup.
func (a *app) resolveRelayURL(ctx context.Context) (string, error) {
	if a.cfg.RelayURL != "" {
		return a.cfg.RelayURL, nil
	}
	if !a.cfg.Discovery {
		return "", errors.New("no relay configured. use --relay or enable discovery")
	}

	relay, err := discovery.LookupRelay(ctx, discovery.Config{})
	if err != nil {
		if errors.Is(err, discovery.ErrNoRelay) {
			return "", errors.New("no relay found on the local network. use --relay")
		}
		return "", fmt.Errorf("look up relay: %w", err)
	}
	slog.Info("Found relay", "name", relay.Name, "url", relay.URL())
	return relay.URL(), nil
}

// join dials the relay, starts a transfer manager on the connection and
// registers with the session.
func (a *app) join(ctx context.Context, sink transfer.Sink, onProgress func(transfer.Progress)) (*peerSession, error) {
	relayURL, err := a.resolveRelayURL(ctx)
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("peer", a.cfg.PeerName, "session", a.cfg.Session)
	conn, err := signaling.DialWithRetry(ctx, relayURL, signaling.DialOptions{
		Session: a.cfg.Session,
		Token:   a.cfg.Token,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	if purged, err := a.store.PurgePartials(); err != nil {
		logger.Warn("Failed to purge stale partial blobs", "err", err)
	} else if purged > 0 {
		logger.Info("Purged stale partial blobs", "count", purged)
	}

	manager, err := transfer.NewManager(transfer.Options{
		Channel:         conn,
		Blobs:           a.store,
		Journal:         a.store,
		Sink:            sink,
		Token:           a.cfg.Token,
		ChunkSize:       a.cfg.ChunkSize,
		ChunkEncoding:   a.cfg.ChunkEncoding,
		LivenessTimeout: time.Duration(a.cfg.LivenessTimeoutSeconds) * time.Second,
		Logger:          logger,
		OnProgress:      onProgress,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := manager.Start(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go logManagerErrors(logger, manager.Errors())

	if err := manager.Register(ctx); err != nil {
		manager.Stop()
		_ = conn.Close()
		return nil, fmt.Errorf("register with session: %w", err)
	}
	logger.Info("Joined session", "relay", relayURL)
	return &peerSession{conn: conn, manager: manager}, nil
}

func (s *peerSession) close() {
	s.manager.Stop()
	_ = s.conn.Close()
}

func logManagerErrors(logger *slog.Logger, errs <-chan error) {
	for err := range errs {
		var transferErr *transfer.Error
		if errors.As(err, &transferErr) {
			logger.Debug("Transfer ended with error",
				"request_id", transferErr.RequestID,
				"filename", transferErr.Filename,
				"err", transferErr.Err,
			)
			continue
		}
		logger.Error("Signaling failure", "err", err)
	}
}
