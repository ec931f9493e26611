package buildkey

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genHexChar generates lowercase hex digits.
func genHexChar() gopter.Gen {
	return gen.OneConstOf(
		'0', '1', '2', '3', '4', '5', '6', '7', '8', '9',
		'a', 'b', 'c', 'd', 'e', 'f',
	)
}

// genSHA256 generates 64 character hex digests.
func genSHA256() gopter.Gen {
	return gen.SliceOfN(64, genHexChar()).Map(func(chars []rune) string {
		return string(chars)
	})
}

// genEnvironmentName generates environment names, dashes included.
func genEnvironmentName() gopter.Gen {
	return gen.RegexMatch(`[a-z][a-z0-9-]{0,40}`)
}

// genScheduledOn generates timestamps between 2000 and ~2040 with microsecond precision.
func genScheduledOn() gopter.Gen {
	base := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	return gen.Int64Range(0, 40*365*24*int64(time.Hour/time.Microsecond)).Map(func(us int64) time.Time {
		return base.Add(time.Duration(us) * time.Microsecond)
	})
}

// **Property 1: Build Key Round Trip**
// For any supported version, decoding an encoded key recovers the build id.
func TestBuildKeyRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	for _, v := range Versions() {
		v := v
		codec, err := New(int(v))
		if err != nil {
			t.Fatalf("New(%d): %v", v, err)
		}

		properties.Property("decode(encode(...)).BuildID == id for "+v.String(), prop.ForAll(
			func(hash string, scheduledOn time.Time, id int64, name string) bool {
				got, err := Decode(codec.Encode(hash, scheduledOn, id, name))
				if err != nil {
					return false
				}
				return got.BuildID == id && got.EnvironmentName == name && got.Version == v
			},
			genSHA256(),
			genScheduledOn(),
			gen.Int64Range(1, 1<<53),
			genEnvironmentName(),
		))
	}

	properties.Property("long keys keep the full hash and microsecond timestamp", prop.ForAll(
		func(hash string, scheduledOn time.Time, id int64, name string) bool {
			key, err := Encode(Components{
				Version:         VersionLong,
				PackageHash:     hash,
				ScheduledOn:     scheduledOn,
				BuildID:         id,
				EnvironmentName: name,
			})
			if err != nil {
				return false
			}
			got, err := Decode(key)
			if err != nil {
				return false
			}
			return got.PackageHash == hash && got.ScheduledOn.Equal(scheduledOn)
		},
		genSHA256(),
		genScheduledOn(),
		gen.Int64Range(1, 1<<53),
		genEnvironmentName(),
	))

	properties.Property("short keys keep the hash prefix and second timestamp", prop.ForAll(
		func(hash string, scheduledOn time.Time, id int64, name string) bool {
			got, err := Decode(Default().Encode(hash, scheduledOn, id, name))
			if err != nil {
				return false
			}
			return got.PackageHash == hash[:8] && got.ScheduledOn.Equal(scheduledOn.Truncate(time.Second))
		},
		genSHA256(),
		genScheduledOn(),
		gen.Int64Range(1, 1<<53),
		genEnvironmentName(),
	))

	properties.TestingRun(t)
}

// genShortHash generates hashes of at most eight characters.
func genShortHash() gopter.Gen {
	return gen.IntRange(1, 8).FlatMap(func(n interface{}) gopter.Gen {
		return gen.SliceOfN(n.(int), genHexChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}

// genAnyScheduledOn generates second precision timestamps from 1900 to ~2040.
func genAnyScheduledOn() gopter.Gen {
	base := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	return gen.Int64Range(0, 140*365*24*60*60).Map(func(secs int64) time.Time {
		return base.Add(time.Duration(secs) * time.Second)
	})
}

// **Property 2: Short Hash and Pre-Epoch Round Trip**
// Keys with hashes of eight characters or fewer, or timestamps before 1970,
// decode to the same build id under both the codec and the package decoder.
func TestBuildKeyRoundTripShortHashes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	for _, v := range Versions() {
		v := v
		codec, err := New(int(v))
		if err != nil {
			t.Fatalf("New(%d): %v", v, err)
		}

		properties.Property("round trip with short hash for "+v.String(), prop.ForAll(
			func(hash string, scheduledOn time.Time, id int64, name string) bool {
				key := codec.Encode(hash, scheduledOn, id, name)
				fromCodec, err := codec.Decode(key)
				if err != nil {
					return false
				}
				fromPackage, err := Decode(key)
				if err != nil {
					return false
				}
				return fromCodec == fromPackage &&
					fromCodec.BuildID == id &&
					fromCodec.Version == v &&
					fromCodec.PackageHash == hash &&
					fromCodec.EnvironmentName == name &&
					fromCodec.ScheduledOn.Equal(scheduledOn)
			},
			genShortHash(),
			genAnyScheduledOn(),
			gen.Int64Range(1, 1<<53),
			genEnvironmentName(),
		))
	}

	properties.TestingRun(t)
}

func TestDecodeDetectsVersionByShape(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		version Version
		id      int64
		hash    string
		when    time.Time
		env     string
	}{
		{
			name:    "long key with eight character hash",
			key:     "abcdef12-20231105-035410-510258-12345678-env",
			version: VersionLong,
			id:      12345678,
			hash:    "abcdef12",
			when:    time.Date(2023, 11, 5, 3, 54, 10, 510258000, time.UTC),
			env:     "env",
		},
		{
			name:    "short key with three character hash",
			key:     "abc-1699156450-42-env",
			version: VersionShort,
			id:      42,
			hash:    "abc",
			when:    time.Unix(1699156450, 0).UTC(),
			env:     "env",
		},
		{
			name:    "short key before 1970",
			key:     "c7afdeff--86400-7-old-env",
			version: VersionShort,
			id:      7,
			hash:    "c7afdeff",
			when:    time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC),
			env:     "old-env",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.key)
			if err != nil {
				t.Fatalf("Decode(%q): %v", tt.key, err)
			}
			if got.Version != tt.version || got.BuildID != tt.id || got.PackageHash != tt.hash || got.EnvironmentName != tt.env {
				t.Errorf("Decode(%q) = %+v", tt.key, got)
			}
			if !got.ScheduledOn.Equal(tt.when) {
				t.Errorf("ScheduledOn = %v, want %v", got.ScheduledOn, tt.when)
			}
		})
	}
}

func TestCodecDecodeFallsBackToOtherVersions(t *testing.T) {
	long, err := New(int(VersionLong))
	if err != nil {
		t.Fatal(err)
	}
	got, err := long.Decode("abc-1699156450-42-env")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Version != VersionShort || got.BuildID != 42 {
		t.Errorf("Decode = %+v, want short key for build 42", got)
	}

	hash := "c7afdeffbe2bda7d3e8f2b6a1c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b1c2d"
	key := long.Encode(hash, time.Date(2023, 11, 5, 3, 54, 10, 0, time.UTC), 9, "env")
	got, err = Default().Decode(key)
	if err != nil {
		t.Fatalf("Decode(%q): %v", key, err)
	}
	if got.Version != VersionLong || got.BuildID != 9 || got.PackageHash != hash {
		t.Errorf("Decode(%q) = %+v", key, got)
	}

	if _, err := Default().Decode("not-a-key"); !errors.Is(err, ErrMalformedKey) {
		t.Errorf("Decode(not-a-key) error = %v, want ErrMalformedKey", err)
	}
}

// **Property 3: Encoding Determinism**
// The same inputs always produce the same key.
func TestBuildKeyDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("encode is deterministic", prop.ForAll(
		func(hash string, scheduledOn time.Time, id int64, name string, long bool) bool {
			version := int(VersionShort)
			if long {
				version = int(VersionLong)
			}
			codec, err := New(version)
			if err != nil {
				return false
			}
			return codec.Encode(hash, scheduledOn, id, name) == codec.Encode(hash, scheduledOn, id, name)
		},
		genSHA256(),
		genScheduledOn(),
		gen.Int64Range(1, 1<<53),
		genEnvironmentName(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestEncodeKnownValues(t *testing.T) {
	hash := "c7afdeffbe2bda7d16ca69beecc8bebeb29280a95d4f3ed92849e4047710923b"
	scheduledOn := time.Date(2023, 11, 5, 3, 54, 10, 510258000, time.UTC)
	name := "this-is-a-long-environment-name"

	tests := []struct {
		version int
		want    string
	}{
		{1, "c7afdeffbe2bda7d16ca69beecc8bebeb29280a95d4f3ed92849e4047710923b-20231105-035410-510258-12345678-this-is-a-long-environment-name"},
		{2, "c7afdeff-1699156450-12345678-this-is-a-long-environment-name"},
	}

	for _, tt := range tests {
		codec, err := New(tt.version)
		if err != nil {
			t.Fatalf("New(%d): %v", tt.version, err)
		}
		got := codec.Encode(hash, scheduledOn, 12345678, name)
		if got != tt.want {
			t.Errorf("version %d: Encode = %q, want %q", tt.version, got, tt.want)
		}
		id, err := ParseBuildID(got)
		if err != nil {
			t.Fatalf("ParseBuildID(%q): %v", got, err)
		}
		if id != 12345678 {
			t.Errorf("ParseBuildID(%q) = %d, want 12345678", got, id)
		}
	}
}

func TestNewRejectsUnsupportedVersion(t *testing.T) {
	for _, version := range []int{0, 3, -1} {
		_, err := New(version)
		if err == nil {
			t.Fatalf("New(%d) should fail", version)
		}
		if !errors.Is(err, ErrInvalidVersion) {
			t.Errorf("New(%d) error %v should match ErrInvalidVersion", version, err)
		}
	}

	_, err := New(0)
	if got, want := err.Error(), "invalid build key version: 0, expected: (1, 2)"; got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
}

func TestDefaults(t *testing.T) {
	if CurrentVersion() != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", CurrentVersion())
	}
	versions := Versions()
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Errorf("Versions() = %v, want [1 2]", versions)
	}
	if Default().Version() != VersionShort {
		t.Errorf("Default().Version() = %v, want short", Default().Version())
	}
	if _, err := Encode(Components{Version: 7}); !errors.Is(err, ErrInvalidVersion) {
		t.Errorf("Encode with version 7 should fail with ErrInvalidVersion, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	keys := []string{
		"",
		"nohyphens",
		"c7afdeff-notanumber-1-name",
		"c7afdeff-1699156450-id-name",
		"c7afdeff-1699156450",
		"c7afdeffbe2bda7d-20231105-035410-510258-12345678",
		"c7afdeffbe2bda7d-2023110-035410-510258-1-name",
		"c7afdeffbe2bda7d-20231105-035410-51025-1-name",
	}
	for _, key := range keys {
		if _, err := Decode(key); !errors.Is(err, ErrMalformedKey) {
			t.Errorf("Decode(%q) error = %v, want ErrMalformedKey", key, err)
		}
	}
}
