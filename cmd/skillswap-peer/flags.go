package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

const (
	envVarServerURL = "SKILLSWAP_SERVER_URL"
	envVarToken     = "SKILLSWAP_TOKEN"
	envVarUserID    = "SKILLSWAP_USER_ID"
)

type peerFlags struct {
	ServerURL string
	SessionID string
	// Exactly one of Token and UserID identifies the participant.
	Token  string
	UserID string

	ResignalInterval time.Duration
	EndAfter         time.Duration
	Say              string
}

func parsePeerFlags(lookup func(string) (string, bool), args []string, output io.Writer) (peerFlags, error) {
	env := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	f := peerFlags{
		ServerURL: env(envVarServerURL),
		Token:     env(envVarToken),
		UserID:    env(envVarUserID),
	}
	if f.ServerURL == "" {
		f.ServerURL = "http://127.0.0.1:8080"
	}

	fs := flag.NewFlagSet("skillswap-peer", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.ServerURL, "server", f.ServerURL, "Session server base URL (env "+envVarServerURL+")")
	fs.StringVar(&f.SessionID, "session", "", "Session id to join")
	fs.StringVar(&f.Token, "token", f.Token, "JWT for AUTH_MODE=jwt (env "+envVarToken+")")
	fs.StringVar(&f.UserID, "user", f.UserID, "User id for AUTH_MODE=none (env "+envVarUserID+")")
	fs.DurationVar(&f.ResignalInterval, "resignal-interval", 0, "Re-publish the last local signal this often while not connected (0 disables)")
	fs.DurationVar(&f.EndAfter, "end-after", 0, "End the session this long after connecting (0 stays until interrupted)")
	fs.StringVar(&f.Say, "say", "", "Chat message to send once joined")
	if err := fs.Parse(args); err != nil {
		return peerFlags{}, err
	}

	u, err := url.Parse(strings.TrimSpace(f.ServerURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return peerFlags{}, fmt.Errorf("invalid --server %q (expected http(s)://host[:port])", f.ServerURL)
	}
	f.ServerURL = strings.TrimRight(u.String(), "/")
	if strings.TrimSpace(f.SessionID) == "" {
		return peerFlags{}, errors.New("--session is required")
	}
	if (f.Token == "") == (f.UserID == "") {
		return peerFlags{}, errors.New("exactly one of --token and --user is required")
	}
	if f.ResignalInterval < 0 || f.EndAfter < 0 {
		return peerFlags{}, errors.New("--resignal-interval and --end-after must be >= 0")
	}
	return f, nil
}

// credential is what the mailbox hub expects in the token query parameter.
func (f peerFlags) credential() string {
	if f.Token != "" {
		return f.Token
	}
	return f.UserID
}

func (f peerFlags) mailboxURL() string {
	return f.ServerURL + "/mailbox"
}
