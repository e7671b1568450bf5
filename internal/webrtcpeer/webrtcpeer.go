// Package webrtcpeer builds the pion API shared by every call in a process.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/skillswap/session-core/internal/config"
)

type Options struct {
	Logger *slog.Logger
	// Configure runs last, after the network settings are applied. Tests use
	// it to swap in a virtual network.
	Configure func(se *webrtc.SettingEngine)
}

// NewAPI returns an API with the default audio/video codecs registered and
// the network settings from cfg applied.
func NewAPI(cfg config.Config, opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(opts.Logger)
	}
	if opts.Configure != nil {
		opts.Configure(&se)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	// A participant behind a static 1:1 NAT advertises its public address in
	// place of the private host candidate.
	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	// SettingEngine has no bind address; IPFilter limits both gathering and
	// socket binding to the configured interface.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}
	return nil
}

// Configuration is the per-call PeerConnection configuration.
func Configuration(cfg config.Config) webrtc.Configuration {
	return webrtc.Configuration{ICEServers: cfg.ICEServers}
}
