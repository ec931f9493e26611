// Package buildkey derives and parses the string identifiers used to locate
// build artifacts (lockfiles, logs, tarballs).
//
// Two encodings are supported side by side. Version 1 ("long") keeps the full
// specification hash and a readable timestamp. Version 2 ("short") keeps an
// 8 character hash prefix and a unix timestamp, and is the default.
package buildkey

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Version identifies a build key encoding.
type Version int

const (
	// VersionLong is <hash>-<YYYYMMDD>-<HHMMSS>-<micro>-<id>-<name>.
	VersionLong Version = 1
	// VersionShort is <hash[:8]>-<unix seconds>-<id>-<name>.
	VersionShort Version = 2
)

// shortHashSize is the hash prefix width used by VersionShort.
const shortHashSize = 8

// Hashes never contain a dash, environment names may. The short timestamp is
// negative before 1970.
var (
	longPattern  = regexp.MustCompile(`^([^-]+)-(\d{8})-(\d{6})-(\d{6})-(\d+)-(.*)$`)
	shortPattern = regexp.MustCompile(`^([^-]+)-(-?\d+)-(\d+)-(.*)$`)
)

// String returns the human name of the encoding.
func (v Version) String() string {
	switch v {
	case VersionLong:
		return "long"
	case VersionShort:
		return "short"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// CurrentVersion returns the default encoding version.
func CurrentVersion() Version {
	return VersionShort
}

// Versions returns the supported versions in ascending order.
func Versions() []Version {
	return []Version{VersionLong, VersionShort}
}

// IsSupported reports whether v is one of Versions().
func IsSupported(v Version) bool {
	_, ok := encodings[v]
	return ok
}

// Components are the values a build key is derived from.
type Components struct {
	Version         Version
	PackageHash     string
	ScheduledOn     time.Time
	BuildID         int64
	EnvironmentName string
}

// encoding is implemented once per supported version.
type encoding interface {
	encode(c Components) string
	decode(key string) (Components, error)
}

var encodings = map[Version]encoding{
	VersionLong:  longEncoding{},
	VersionShort: shortEncoding{},
}

// Codec encodes build keys with a fixed, validated version.
type Codec struct {
	version Version
	enc     encoding
}

// New returns a Codec for the given version. Unsupported versions are
// rejected here so misconfiguration surfaces at startup.
func New(version int) (*Codec, error) {
	v := Version(version)
	enc, ok := encodings[v]
	if !ok {
		return nil, &InvalidVersionError{Version: version}
	}
	return &Codec{version: v, enc: enc}, nil
}

// Default returns a Codec using CurrentVersion.
func Default() *Codec {
	return &Codec{version: CurrentVersion(), enc: encodings[CurrentVersion()]}
}

// Version returns the version this codec encodes with.
func (c *Codec) Version() Version {
	return c.version
}

// Encode derives the build key for the given build values.
func (c *Codec) Encode(packageHash string, scheduledOn time.Time, buildID int64, environmentName string) string {
	return c.enc.encode(Components{
		Version:         c.version,
		PackageHash:     packageHash,
		ScheduledOn:     scheduledOn,
		BuildID:         buildID,
		EnvironmentName: environmentName,
	})
}

// Decode parses key, trying this codec's version before the others, so keys
// it encoded always round-trip.
func (c *Codec) Decode(key string) (Components, error) {
	got, err := c.enc.decode(key)
	if err == nil {
		return got, nil
	}
	for _, v := range Versions() {
		if v == c.version {
			continue
		}
		if got, otherErr := encodings[v].decode(key); otherErr == nil {
			return got, nil
		}
	}
	return Components{}, err
}

// Encode derives a build key using the version carried by c.
func Encode(c Components) (string, error) {
	enc, ok := encodings[c.Version]
	if !ok {
		return "", &InvalidVersionError{Version: int(c.Version)}
	}
	return enc.encode(c), nil
}

// Decode parses a build key produced by any supported version. A key shaped
// like <hash>-<YYYYMMDD>-<HHMMSS>-<micro>-<id>-<name> with a valid timestamp
// is version 1. Anything else is tried as version 2, whose hash is never
// longer than eight characters. Only BuildID is guaranteed to round-trip
// exactly; the hash is truncated by VersionShort and the timestamp loses
// sub-second precision there.
func Decode(key string) (Components, error) {
	if c, err := encodings[VersionLong].decode(key); err == nil {
		return c, nil
	}
	return encodings[VersionShort].decode(key)
}

// ParseBuildID extracts the build id from a build key without a database
// lookup.
func ParseBuildID(key string) (int64, error) {
	c, err := Decode(key)
	if err != nil {
		return 0, err
	}
	return c.BuildID, nil
}

type longEncoding struct{}

func (longEncoding) encode(c Components) string {
	t := c.ScheduledOn.UTC()
	return fmt.Sprintf("%s-%s-%06d-%d-%s",
		c.PackageHash,
		t.Format("20060102-150405"),
		t.Nanosecond()/int(time.Microsecond),
		c.BuildID,
		c.EnvironmentName,
	)
}

func (longEncoding) decode(key string) (Components, error) {
	m := longPattern.FindStringSubmatch(key)
	if m == nil {
		return Components{}, &MalformedKeyError{Key: key, Reason: "expected <hash>-<YYYYMMDD>-<HHMMSS>-<micro>-<id>-<name> for version 1"}
	}
	ts, err := time.ParseInLocation("20060102-150405", m[2]+"-"+m[3], time.UTC)
	if err != nil {
		return Components{}, &MalformedKeyError{Key: key, Reason: "invalid timestamp", Err: err}
	}
	micro, err := strconv.Atoi(m[4])
	if err != nil {
		return Components{}, &MalformedKeyError{Key: key, Reason: "invalid microseconds", Err: err}
	}
	id, err := strconv.ParseInt(m[5], 10, 64)
	if err != nil {
		return Components{}, &MalformedKeyError{Key: key, Reason: "invalid build id", Err: err}
	}
	return Components{
		Version:         VersionLong,
		PackageHash:     m[1],
		ScheduledOn:     ts.Add(time.Duration(micro) * time.Microsecond),
		BuildID:         id,
		EnvironmentName: m[6],
	}, nil
}

type shortEncoding struct{}

func (shortEncoding) encode(c Components) string {
	hash := c.PackageHash
	if len(hash) > shortHashSize {
		hash = hash[:shortHashSize]
	}
	return fmt.Sprintf("%s-%d-%d-%s", hash, c.ScheduledOn.Unix(), c.BuildID, c.EnvironmentName)
}

func (shortEncoding) decode(key string) (Components, error) {
	m := shortPattern.FindStringSubmatch(key)
	if m == nil {
		return Components{}, &MalformedKeyError{Key: key, Reason: "expected <hash>-<unix seconds>-<id>-<name> for version 2"}
	}
	if len(m[1]) > shortHashSize {
		return Components{}, &MalformedKeyError{Key: key, Reason: "hash longer than a version 2 prefix"}
	}
	secs, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Components{}, &MalformedKeyError{Key: key, Reason: "invalid timestamp", Err: err}
	}
	id, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Components{}, &MalformedKeyError{Key: key, Reason: "invalid build id", Err: err}
	}
	return Components{
		Version:         VersionShort,
		PackageHash:     m[1],
		ScheduledOn:     time.Unix(secs, 0).UTC(),
		BuildID:         id,
		EnvironmentName: m[4],
	}, nil
}
