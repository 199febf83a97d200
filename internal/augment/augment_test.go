package augment

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiopolicyd/internal/hostif"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCacheRejectsInvalidBinaryNames(t *testing.T) {
	c := NewCache(t.TempDir(), t.TempDir(), 0)
	_, ok := c.Lookup(".hidden")
	assert.False(t, ok)
	_, ok = c.Lookup("path/to/bin")
	assert.False(t, ok)
}

func TestCacheEvictionIsBounded(t *testing.T) {
	c := NewCache(t.TempDir(), t.TempDir(), 2)
	c.Lookup("a")
	c.Lookup("b")
	c.Lookup("c")
	assert.LessOrEqual(t, len(c.entries), 2)
}

func TestCacheFreshnessSkipsStatWithinInterval(t *testing.T) {
	confDir, descDir := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(descDir, "mplayer.desktop"), "Type = Application\nCategories = Game;\n")

	c := NewCache(confDir, descDir, DefaultCacheSize)
	now := time.Now()
	c.SetClock(func() time.Time { return now })

	r, ok := c.Lookup("mplayer")
	require.True(t, ok)
	assert.Equal(t, "game", r.Role)

	c.ResetStatCalls()
	// Second lookup for the same binary within 30s: zero stat calls.
	_, ok = c.Lookup("mplayer")
	require.True(t, ok)
	assert.Equal(t, 0, c.StatCalls())
}

func TestCacheRevalidatesAfterInterval(t *testing.T) {
	confDir, descDir := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(descDir, "vlc.desktop"), "Type = Application\n")

	c := NewCache(confDir, descDir, DefaultCacheSize)
	base := time.Now()
	cur := base
	c.SetClock(func() time.Time { return cur })

	c.Lookup("vlc")
	cur = base.Add(31 * time.Second)
	c.ResetStatCalls()
	c.Lookup("vlc")
	assert.Greater(t, c.StatCalls(), 0)
}

func TestMergePolicyIconAndRoleOnlySetWhenAbsent(t *testing.T) {
	r := &Rule{ProcessName: "x", Proplist: hostif.Proplist{"application.icon_name": "existing"}}
	r.merge(fragment{iconName: "new-icon", role: "game", proplist: hostif.Proplist{}})
	assert.Equal(t, "existing", r.Proplist["application.icon_name"])
	assert.Equal(t, "game", r.Proplist["media.role"])
}

func TestMergePolicyApplicationNameOverwritesOnlyWhenAbsentOrEqualToBinary(t *testing.T) {
	r := &Rule{ProcessName: "mplayer", ApplicationName: "mplayer"}
	r.merge(fragment{applicationName: "MPlayer", proplist: hostif.Proplist{}})
	assert.Equal(t, "MPlayer", r.ApplicationName)

	r2 := &Rule{ProcessName: "mplayer", ApplicationName: "Custom Name"}
	r2.merge(fragment{applicationName: "MPlayer", proplist: hostif.Proplist{}})
	assert.Equal(t, "Custom Name", r2.ApplicationName)
}

func TestRuleFileThreeStateMachine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "browser.rule")
	writeFile(t, path, `[general]
client_name = chromium

[match]
application.process.binary = ^chromium$

[result]
target_key = media.role
target_value = browser
`)
	rf, err := ParseRuleFile(path)
	require.NoError(t, err)

	status := rf.Evaluate("chromium", hostif.Proplist{"application.process.binary": "chromium"})
	assert.Equal(t, RuleHit, status)

	status = rf.Evaluate("chromium", hostif.Proplist{"application.process.binary": "firefox"})
	assert.Equal(t, RuleMiss, status)

	status = rf.Evaluate("other-client", hostif.Proplist{"application.process.binary": "chromium"})
	assert.Equal(t, RuleUndefined, status)
}

func TestManagerApplySinkInputRules(t *testing.T) {
	ruleDir := t.TempDir()
	writeFile(t, filepath.Join(ruleDir, "game.rule"), `[match]
application.process.binary = ^mplayer$

[result]
target_key = media.role
target_value = game
`)

	m := NewManager(t.TempDir(), t.TempDir(), ruleDir, DefaultCacheSize)
	require.NoError(t, m.LoadSinkInputRules())

	out := m.ApplySinkInputRules("", hostif.Proplist{"application.process.binary": "mplayer"})
	assert.Equal(t, "game", out["media.role"])
}

func TestAugmentOverwritesApplicationNameEqualToBinary(t *testing.T) {
	confDir, descDir := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(descDir, "mplayer.desktop"), "Type = Application\nName = MPlayer Media Player\n")
	m := NewManager(confDir, descDir, t.TempDir(), DefaultCacheSize)

	// The stream's application.name is still the binary-name fallback:
	// the rule's name wins.
	out := m.Augment("mplayer", hostif.Proplist{"application.name": "mplayer"})
	assert.Equal(t, "MPlayer Media Player", out["application.name"])

	// The stream carries a name of its own: left alone.
	out = m.Augment("mplayer", hostif.Proplist{"application.name": "Custom Name"})
	assert.Equal(t, "Custom Name", out["application.name"])

	// No name at all: the rule's name applies.
	out = m.Augment("mplayer", hostif.Proplist{})
	assert.Equal(t, "MPlayer Media Player", out["application.name"])
}

func TestDesktopFileRejectsNonApplicationType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-an-app.desktop")
	writeFile(t, path, "Type = Link\nName = Somewhere\n")
	f, err := parseDesktopFile(path)
	require.NoError(t, err)
	assert.Empty(t, f.applicationName)
}
