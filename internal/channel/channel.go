// Package channel names conversations. Direct channels are "dm:<a>:<b>"
// with the two user ids sorted, groups are "group:<id>" and broadcasts are
// "broadcast:<id>".
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Kind of a channel.
type Kind string

const (
	Direct    Kind = "direct"
	Group     Kind = "group"
	Broadcast Kind = "broadcast"
)

// ErrInvalid is returned for ids that do not parse.
var ErrInvalid = errors.New("invalid channel id")

// Ref is a parsed channel id.
type Ref struct {
	ID      string
	Kind    Kind
	Members [2]string // direct only
	GroupID string    // group and broadcast
}

// DirectID returns the channel id for a conversation between a and b.
func DirectID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// GroupID returns the channel id for group g.
func GroupID(g string) string { return "group:" + g }

// Parse splits a channel id.
func Parse(id string) (Ref, error) {
	parts := strings.Split(id, ":")
	switch {
	case len(parts) == 3 && parts[0] == "dm" && parts[1] != "" && parts[2] != "":
		return Ref{ID: id, Kind: Direct, Members: [2]string{parts[1], parts[2]}}, nil
	case len(parts) == 2 && parts[0] == "group" && parts[1] != "":
		return Ref{ID: id, Kind: Group, GroupID: parts[1]}, nil
	case len(parts) == 2 && parts[0] == "broadcast" && parts[1] != "":
		return Ref{ID: id, Kind: Broadcast, GroupID: parts[1]}, nil
	}
	return Ref{}, fmt.Errorf("%w: %q", ErrInvalid, id)
}

// Peer returns the other member of a direct channel, or "" if self is not
// a member.
func (r Ref) Peer(self string) string {
	if r.Kind != Direct {
		return ""
	}
	switch self {
	case r.Members[0]:
		return r.Members[1]
	case r.Members[1]:
		return r.Members[0]
	}
	return ""
}
