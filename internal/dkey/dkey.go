// Package dkey implements the DistributedKey identity format (spec §3):
//
//	v<version>:<project>:<resourceType>:<resource>[:<region>]
//
// The region-less form identifies a logical channel; the region-qualified
// form identifies a single broker instance. Equality and ordering are
// string-based, so a dkey.Key is safe to use as a map key or Redis set
// member directly.
package dkey

import (
	"fmt"
	"strings"
)

const version = 1

// ResourceType names the kind of resource a key addresses. Erebus only
// ever addresses channels, but the type tag is kept so the format matches
// the spec's generic `resourceType` slot.
type ResourceType string

// ChannelResource is the only resource type Erebus mints keys for.
const ChannelResource ResourceType = "channel"

// Key is a parsed, canonical DistributedKey.
type Key struct {
	Project  string
	Type     ResourceType
	Resource string
	Region   string // empty for a channel (region-less) key
}

// Channel builds the region-less channel key for (project, channel).
func Channel(project, channel string) Key {
	return Key{Project: project, Type: ChannelResource, Resource: channel}
}

// Shard builds the region-qualified broker-instance key for
// (project, channel, region).
func Shard(project, channel, region string) Key {
	return Key{Project: project, Type: ChannelResource, Resource: channel, Region: region}
}

// String renders the canonical `v<version>:<project>:<type>:<resource>[:<region>]` form.
func (k Key) String() string {
	if k.Region == "" {
		return fmt.Sprintf("v%d:%s:%s:%s", version, k.Project, k.Type, k.Resource)
	}
	return fmt.Sprintf("v%d:%s:%s:%s:%s", version, k.Project, k.Type, k.Resource, k.Region)
}

// IsShard reports whether k is region-qualified (identifies one broker
// instance rather than a logical channel).
func (k Key) IsShard() bool { return k.Region != "" }

// WithoutRegion returns the region-less channel key k belongs to.
func (k Key) WithoutRegion() Key {
	k.Region = ""
	return k
}

// Parse decodes a canonical DistributedKey string.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 && len(parts) != 5 {
		return Key{}, fmt.Errorf("dkey: malformed key %q", s)
	}
	if parts[0] != fmt.Sprintf("v%d", version) {
		return Key{}, fmt.Errorf("dkey: unsupported version in %q", s)
	}
	k := Key{
		Project:  parts[1],
		Type:     ResourceType(parts[2]),
		Resource: parts[3],
	}
	if len(parts) == 5 {
		k.Region = parts[4]
	}
	return k, nil
}

// Equal reports string equality, per spec §3 ("Equality and ordering are
// string-based").
func (k Key) Equal(other Key) bool { return k.String() == other.String() }

// Less implements string ordering for sorting shard tables deterministically.
func (k Key) Less(other Key) bool { return k.String() < other.String() }
