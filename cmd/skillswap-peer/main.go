// Command skillswap-peer joins a virtual session as one participant without
// camera or microphone. It publishes presence, negotiates the call over the
// mailbox and sends synthetic audio, which makes it useful for smoke tests
// and as the second party when developing a client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skillswap/session-core/internal/api"
	"github.com/skillswap/session-core/internal/auth"
	"github.com/skillswap/session-core/internal/callsession"
	"github.com/skillswap/session-core/internal/chat"
	"github.com/skillswap/session-core/internal/config"
	"github.com/skillswap/session-core/internal/mailbox"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/presence"
	"github.com/skillswap/session-core/internal/webrtcpeer"
)

func main() {
	flags, err := parsePeerFlags(os.LookupEnv, os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Network and logging settings share the server's environment.
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flags, logger); err != nil {
		logger.Error("peer exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, flags peerFlags, logger *slog.Logger) error {
	userID, name := flags.UserID, ""
	if flags.Token != "" {
		id, err := auth.PeekIdentity(flags.Token)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		userID, name = id.UserID, id.Name
	}
	logger = logger.With("session_id", flags.SessionID, "user_id", userID)

	client := &api.Client{BaseURL: flags.ServerURL, Token: flags.Token, DevUserID: flags.UserID}
	fetch := func(ctx context.Context) (*model.Session, error) {
		view, err := client.Session(ctx, flags.SessionID)
		return view.Session, err
	}
	sess, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch session: %w", err)
	}
	callCfg, err := callsession.ConfigFor(sess, userID)
	if err != nil {
		return err
	}
	if _, err := awaitJoinable(ctx, fetch, cfg.SessionPollInterval, logger); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("wait for session: %w", err)
	}
	if _, err := client.Join(ctx, flags.SessionID); err != nil {
		return fmt.Errorf("join session: %w", err)
	}

	servers, err := client.ICEServers(ctx)
	if err != nil {
		logger.Warn("ice config unavailable; using local settings", "err", err)
		servers = cfg.ICEServers
	}
	pcConf := webrtcpeer.Configuration(cfg)
	pcConf.ICEServers = usableICEServers(servers)

	webrtcAPI, err := webrtcpeer.NewAPI(cfg, webrtcpeer.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	mb, err := mailbox.Dial(ctx, flags.mailboxURL(), mailbox.DialOptions{Token: flags.credential(), Logger: logger})
	if err != nil {
		return err
	}
	defer mb.Close()

	tracker, err := presence.New(presence.Config{
		SessionID:   flags.SessionID,
		UserID:      userID,
		Mailbox:     mb,
		Heartbeat:   cfg.PresenceHeartbeat,
		TypingDecay: cfg.TypingDecay,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := tracker.Start(ctx); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	defer tracker.Close()

	stopChat, err := logChat(ctx, mb, flags, userID, name, logger)
	if err != nil {
		return err
	}
	defer stopChat()

	connected := make(chan struct{}, 1)
	callCfg.Mailbox = mb
	callCfg.Media = callsession.NoDevices{}
	callCfg.NewPeer = callsession.PionPeers(webrtcAPI, pcConf, cfg.ICEGatheringTimeout, logger)
	callCfg.PeerSetupTimeout = cfg.PeerSetupTimeout
	callCfg.Logger = logger
	callCfg.OnStatus = func(s callsession.Status) {
		logger.Info("call status", "status", s.String())
		if s.State == callsession.StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	}
	callCfg.OnRemoteTrack = func(t callsession.RemoteTrack) {
		logger.Info("remote track", "kind", t.Kind.String())
	}

	call, err := callsession.New(callCfg)
	if err != nil {
		return err
	}
	defer call.Close()
	if err := call.Start(ctx); err != nil {
		return fmt.Errorf("start call: %w", err)
	}

	var resignal <-chan time.Time
	if flags.ResignalInterval > 0 {
		t := time.NewTicker(flags.ResignalInterval)
		defer t.Stop()
		resignal = t.C
	}
	var endTimer <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted", "duration", call.Duration())
			return nil
		case <-call.Done():
			logger.Info("call ended", "status", call.Status().String(), "duration", call.Duration())
			return nil
		case <-mb.Done():
			return fmt.Errorf("mailbox connection lost: %w", mb.Err())
		case <-connected:
			logger.Info("connected", "media_tier", call.MediaTier())
			if flags.EndAfter > 0 && endTimer == nil {
				endTimer = time.After(flags.EndAfter)
			}
		case <-resignal:
			if call.Status().State == callsession.StateConnected {
				continue
			}
			if err := call.Resignal(ctx); err != nil && !errors.Is(err, callsession.ErrNoSignal) {
				logger.Warn("resignal failed", "err", err)
			}
		case <-endTimer:
			res, err := client.End(ctx, flags.SessionID, false)
			if err != nil {
				return fmt.Errorf("end session: %w", err)
			}
			logger.Info("session ended",
				"status", res.Session.Status,
				"credits_transferred", res.Session.CreditsTransferred,
				"duration", call.Duration(),
			)
			return nil
		}
	}
}

// logChat logs new chat messages and sends flags.Say once.
func logChat(ctx context.Context, mb mailbox.Transport, flags peerFlags, userID, name string, logger *slog.Logger) (func(), error) {
	room := chat.NewRoom(mb, flags.SessionID)
	seen := make(map[string]bool)
	stop, err := room.Watch(ctx, func(msgs []chat.Message) {
		for _, msg := range msgs {
			if seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true
			logger.Info("chat message",
				"from", msg.SenderName,
				"sender_id", msg.SenderID,
				"text", msg.Text,
				"at", msg.CreatedAt.Format(time.RFC3339),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("watch chat: %w", err)
	}
	if flags.Say != "" {
		if _, err := room.Send(ctx, userID, name, flags.Say); err != nil {
			stop()
			return nil, fmt.Errorf("send chat: %w", err)
		}
	}
	return stop, nil
}
