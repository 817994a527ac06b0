package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// Channel is an independent update track with its own manifest and history.
type Channel string

// The supported update channels. Channels never cross-reference each other.
const (
	ChannelStable      Channel = "stable"
	ChannelBeta        Channel = "beta"
	ChannelAlpha       Channel = "alpha"
	ChannelDevelopment Channel = "development"
)

var errUnknownChannel = errors.New("unknown update channel")

// ParseChannel converts user input into a Channel.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stable", "":
		return ChannelStable, nil
	case "beta":
		return ChannelBeta, nil
	case "alpha":
		return ChannelAlpha, nil
	case "development", "dev":
		return ChannelDevelopment, nil
	default:
		return "", fmt.Errorf("%q: %w", s, errUnknownChannel)
	}
}

// Path returns the URL/directory segment the channel is published under.
// The development channel is shortened to "dev" on the wire.
func (c Channel) Path() string {
	if c == ChannelDevelopment {
		return "dev"
	}

	return string(c)
}

// String implements fmt.Stringer.
func (c Channel) String() string {
	return string(c)
}
