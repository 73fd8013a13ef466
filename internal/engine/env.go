package engine

import "paysync/internal/remote"

// Env is the remote context of one sync call: the client to fetch with,
// the live/test mode records default to, and the connected account
// requests are scoped to.
type Env struct {
	Client   remote.Client
	LiveMode *bool
	Account  string
}

// WithAccount returns a copy of env scoped to account.
func (e Env) WithAccount(account string) Env {
	e.Account = account
	return e
}

// WithLiveMode returns a copy of env pinned to the given mode.
func (e Env) WithLiveMode(live bool) Env {
	e.LiveMode = &live
	return e
}

// live is the mode used when a call needs a definite answer.
func (e Env) live() bool {
	return e.LiveMode != nil && *e.LiveMode
}

func (e Env) requestOptions(extra ...remote.RequestOption) []remote.RequestOption {
	var opts []remote.RequestOption
	if e.Account != "" {
		opts = append(opts, remote.WithAccount(e.Account))
	}
	if e.LiveMode != nil {
		opts = append(opts, remote.WithLiveMode(*e.LiveMode))
	}
	return append(opts, extra...)
}
