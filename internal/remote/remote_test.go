package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfiles() []Profile {
	return []Profile{
		{
			Name:                  "chromecast-denon",
			Keys:                  map[string]uint32{"volume_up": 1026, "volume_down": 1027, "mute": 1033},
			RepeatInitiationDelay: 300 * time.Millisecond,
		},
		{
			Name: "sony-4k",
			Keys: map[string]uint32{"volume_up": 65554, "volume_down": 65555, "mute": 65556},
		},
	}
}

func TestLookupByKeycode(t *testing.T) {
	r, err := NewRegistry(testProfiles())
	require.NoError(t, err)

	cmd, p, ok := r.Lookup("", 65555)
	require.True(t, ok)
	assert.Equal(t, "volume_down", cmd)
	assert.Equal(t, "sony-4k", p.Name)

	cmd, p, ok = r.Lookup("event0", 1026)
	require.True(t, ok)
	assert.Equal(t, "volume_up", cmd)
	assert.Equal(t, 300*time.Millisecond, p.RepeatInitiationDelay)
}

func TestLookupScopedToNamedRemote(t *testing.T) {
	r, err := NewRegistry(testProfiles())
	require.NoError(t, err)

	_, _, ok := r.Lookup("sony-4k", 1026)
	assert.False(t, ok, "keycode of another remote must not resolve")

	cmd, _, ok := r.Lookup("sony-4k", 65556)
	require.True(t, ok)
	assert.Equal(t, "mute", cmd)
}

func TestLookupUnknownKeycode(t *testing.T) {
	r, err := NewRegistry(testProfiles())
	require.NoError(t, err)

	_, _, ok := r.Lookup("", 42)
	assert.False(t, ok)
}

func TestSharedKeycodeAcrossProfiles(t *testing.T) {
	defs := []Profile{
		{Name: "terminal", Keys: map[string]uint32{"input": 'i', "mute": 'm'}},
		{Name: "lg-magic", Keys: map[string]uint32{"left": 105, "ok": 28}},
	}

	r, err := NewRegistry(defs)
	require.NoError(t, err)

	cmd, p, ok := r.Lookup("terminal", 105)
	require.True(t, ok)
	assert.Equal(t, "input", cmd)
	assert.Equal(t, "terminal", p.Name)

	cmd, p, ok = r.Lookup("lg-magic", 105)
	require.True(t, ok)
	assert.Equal(t, "left", cmd)
	assert.Equal(t, "lg-magic", p.Name)

	_, _, ok = r.Lookup("", 105)
	assert.False(t, ok, "shared keycode must not resolve without a remote")
	_, _, ok = r.Lookup("event3", 105)
	assert.False(t, ok)

	cmd, _, ok = r.Lookup("", 28)
	require.True(t, ok)
	assert.Equal(t, "ok", cmd)

	assert.Equal(t, []string{"terminal", "lg-magic"}, r.Ambiguous(105))
	assert.Nil(t, r.Ambiguous(28))
	assert.Equal(t, []uint32{105}, r.SharedKeycodes())
}

func TestSharedKeycodeAcrossThreeProfiles(t *testing.T) {
	defs := testProfiles()
	defs = append(defs, Profile{Name: "lg-magic", Keys: map[string]uint32{"left": 1026}})
	defs[1].Keys["power"] = 1026

	r, err := NewRegistry(defs)
	require.NoError(t, err)

	assert.Equal(t, []string{"chromecast-denon", "sony-4k", "lg-magic"}, r.Ambiguous(1026))
	_, _, ok := r.Lookup("", 1026)
	assert.False(t, ok)
	cmd, _, ok := r.Lookup("sony-4k", 1026)
	require.True(t, ok)
	assert.Equal(t, "power", cmd)
}

func TestDuplicateKeycodeWithinProfile(t *testing.T) {
	_, err := NewRegistry([]Profile{{
		Name: "yamaha-lg",
		Keys: map[string]uint32{"volume_up": 31259, "volume_down": 31259},
	}})
	assert.ErrorIs(t, err, ErrDuplicateKeycode)
}

func TestDuplicateProfileName(t *testing.T) {
	defs := testProfiles()
	defs[1].Name = defs[0].Name
	defs[1].Keys = map[string]uint32{"ok": 7}

	_, err := NewRegistry(defs)
	assert.ErrorIs(t, err, ErrDuplicateProfile)
}

func TestRegistryCopiesDefinitions(t *testing.T) {
	defs := testProfiles()
	r, err := NewRegistry(defs)
	require.NoError(t, err)

	defs[0].Keys["volume_up"] = 9999

	cmd, _, ok := r.Lookup("", 1026)
	require.True(t, ok)
	assert.Equal(t, "volume_up", cmd)
}

func TestCommands(t *testing.T) {
	r, err := NewRegistry(testProfiles())
	require.NoError(t, err)

	assert.Equal(t, []string{"mute", "volume_down", "volume_up"}, r.Commands())
	assert.Len(t, r.Profiles(), 2)
}
