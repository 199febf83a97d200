// Package augment implements the property-augment module:
// a bounded LRU rule cache keyed by application process binary name, a
// sink-input rule evaluator, and the merge policy that combines both
// into a stream's proplist before routing.
package augment

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"audiopolicyd/internal/hostif"
)

// DefaultCacheSize bounds the rule cache.
const DefaultCacheSize = 50

// StatInterval is the freshness window: a cache entry is revalidated
// only if more than this long has passed since its last stat.
const StatInterval = 30 * time.Second

// Rule is one cached per-binary rule, merging a plaintext client rule
// file and a desktop descriptor file.
type Rule struct {
	ProcessName     string
	ApplicationName string
	IconName        string
	Role            string
	Proplist        hostif.Proplist

	lastStat     time.Time
	confMtime    time.Time
	desktopMtime time.Time
}

// Clock is injectable so tests can control freshness without sleeping.
type Clock func() time.Time

// Cache is the bounded per-binary rule cache.
type Cache struct {
	mu        sync.Mutex
	maxSize   int
	entries   map[string]*Rule
	order     []string // insertion order, for steal-first eviction
	confDir   string
	descDir   string
	clock     Clock
	statCalls int // test hook: counts Stat calls since last reset
}

// NewCache creates an empty cache. confDir holds plaintext client rule
// files (one per binary name); descDir holds .desktop-style descriptor
// files (also one per binary name, conventionally alongside).
func NewCache(confDir, descDir string, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cache{
		maxSize: maxSize,
		entries: make(map[string]*Rule),
		confDir: confDir,
		descDir: descDir,
		clock:   time.Now,
	}
}

// SetClock overrides the cache's time source (tests only).
func (c *Cache) SetClock(clk Clock) { c.clock = clk }

// StatCalls reports how many times the cache has stat'd disk since the
// last ResetStatCalls.
func (c *Cache) StatCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statCalls
}

// ResetStatCalls zeroes the stat-call counter.
func (c *Cache) ResetStatCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statCalls = 0
}

// validBinaryName rejects names with a leading '.' or containing '/'.
func validBinaryName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.Contains(name, "/") {
		return false
	}
	return true
}

// Lookup looks up (or creates) the rule for binaryName, revalidating
// against disk only if more than StatInterval has elapsed since the
// last check. Returns (nil, false) for an invalid binary name.
func (c *Cache) Lookup(binaryName string) (*Rule, bool) {
	if !validBinaryName(binaryName) {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	r, ok := c.entries[binaryName]
	if ok && now.Sub(r.lastStat) < StatInterval {
		return r, true
	}

	if !ok {
		r = &Rule{ProcessName: binaryName}
		c.insertLocked(binaryName, r)
	}

	c.refreshLocked(r)
	r.lastStat = now
	return r, true
}

func (c *Cache) insertLocked(name string, r *Rule) {
	if len(c.entries) >= c.maxSize && len(c.order) > 0 {
		// Steal-first eviction: drop the oldest-inserted entry.
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, victim)
	}
	c.entries[name] = r
	c.order = append(c.order, name)
}

// refreshLocked reparses the conf/desktop files backing r if their mtime
// has changed since last seen, merging fragments.
func (c *Cache) refreshLocked(r *Rule) {
	confPath := filepath.Join(c.confDir, r.ProcessName+".conf")
	if mt, ok := c.statLocked(confPath); ok && mt.After(r.confMtime) {
		r.confMtime = mt
		if frag, err := parseConfFile(confPath); err == nil {
			r.merge(frag)
		}
	}

	descPath := filepath.Join(c.descDir, r.ProcessName+".desktop")
	if mt, ok := c.statLocked(descPath); ok && mt.After(r.desktopMtime) {
		r.desktopMtime = mt
		if frag, err := parseDesktopFile(descPath); err == nil {
			r.merge(frag)
		}
	}
}

func (c *Cache) statLocked(path string) (time.Time, bool) {
	c.statCalls++
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

// fragment is the parsed content of one rule/descriptor file.
type fragment struct {
	applicationName string
	iconName        string
	role            string
	proplist        hostif.Proplist
}

// merge folds one fragment into the rule: the fragment proplist
// is merged in; APPLICATION_ICON_NAME/MEDIA_ROLE are set only if absent;
// APPLICATION_NAME overwrites only when absent or equal to the binary
// name (i.e. still the fallback value).
func (r *Rule) merge(f fragment) {
	if r.Proplist == nil {
		r.Proplist = make(hostif.Proplist)
	}
	for k, v := range f.proplist {
		r.Proplist[k] = v // "merge" semantics: last writer wins per key
	}

	if f.iconName != "" {
		if _, has := r.Proplist["application.icon_name"]; !has {
			r.IconName = f.iconName
			r.Proplist["application.icon_name"] = f.iconName
		}
	}
	if f.role != "" {
		if _, has := r.Proplist["media.role"]; !has {
			r.Role = f.role
			r.Proplist["media.role"] = f.role
		}
	}
	if f.applicationName != "" {
		if r.ApplicationName == "" || r.ApplicationName == r.ProcessName {
			r.ApplicationName = f.applicationName
			r.Proplist["application.name"] = f.applicationName
		}
	}
}

// parseConfFile parses a plaintext client-rule file: "key = value" lines.
// application_name/name and icon set the name and icon; the value of any
// other key is parsed as a proplist fragment and merged in.
func parseConfFile(path string) (fragment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fragment{}, err
	}
	f := fragment{proplist: make(hostif.Proplist)}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		switch strings.ToLower(key) {
		case "application_name", "name":
			f.applicationName = val
		case "icon":
			f.iconName = val
		default:
			for pk, pv := range parsePropertyFragment(val) {
				f.proplist[pk] = pv
			}
		}
	}
	return f, nil
}

// parseDesktopFile parses a freedesktop-style .desktop descriptor:
// Name, Icon, Type (must equal "Application"), X-PulseAudio-Properties
// (a proplist fragment), Categories (semicolon-separated; Game -> role
// "game", Telephony -> role "phone").
func parseDesktopFile(path string) (fragment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fragment{}, err
	}
	f := fragment{proplist: make(hostif.Proplist)}
	sawApplicationType := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		switch key {
		case "Name":
			f.applicationName = val
		case "Icon":
			f.iconName = val
		case "Type":
			sawApplicationType = val == "Application"
		case "X-PulseAudio-Properties":
			for pk, pv := range parsePropertyFragment(val) {
				f.proplist[pk] = pv
			}
		case "Categories":
			for _, cat := range strings.Split(val, ";") {
				switch cat {
				case "Game":
					f.role = "game"
				case "Telephony":
					f.role = "phone"
				}
			}
		}
	}
	if !sawApplicationType {
		// Non-Application descriptors keep their Categories/icon info,
		// but the application name is dropped so merge() won't claim it
		// as authoritative.
		f.applicationName = ""
	}
	return f, nil
}

// parsePropertyFragment parses a proplist-from-string fragment of the
// form `key1 = "value1" key2 = "value2"`.
func parsePropertyFragment(s string) hostif.Proplist {
	out := make(hostif.Proplist)
	re := regexp.MustCompile(`([A-Za-z0-9_.\-]+)\s*=\s*"([^"]*)"`)
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		out[m[1]] = m[2]
	}
	return out
}

// RuleStatus is the three-state machine of sink-input rule evaluation.
type RuleStatus int

const (
	RuleUndefined RuleStatus = iota
	RuleHit
	RuleMiss
)

// match is one (prop_key, prop_value_regex) test within a rule file.
type match struct {
	propKey string
	value   *regexp.Regexp
}

// RuleFile is one parsed sink-input rule file: a set of match sections plus a target (key, value) and an
// optional client_name restriction.
type RuleFile struct {
	Name        string
	ClientName  string
	TargetKey   string
	TargetValue string
	matches     []match
}

// ParseRuleFile parses one sink-input rule file: section "general" holds
// client_name; section "result" holds target_key/target_value; every
// other section is a match (its name is used only for identification;
// the match itself is the section's single key/value pair).
func ParseRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rf := &RuleFile{Name: filepath.Base(path)}

	var section string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		switch section {
		case "general":
			if key == "client_name" {
				rf.ClientName = val
			}
		case "result":
			switch key {
			case "target_key":
				rf.TargetKey = val
			case "target_value":
				rf.TargetValue = val
			}
		default:
			re, err := regexp.Compile(val)
			if err != nil {
				return nil, fmt.Errorf("augment: rule file %s section %q: %w", rf.Name, section, err)
			}
			rf.matches = append(rf.matches, match{propKey: key, value: re})
		}
	}
	return rf, nil
}

// Evaluate runs the three-state machine against props,
// returning the file's final status for this stream. An empty match set
// never fires (stays Undefined).
func (rf *RuleFile) Evaluate(clientName string, props hostif.Proplist) RuleStatus {
	if rf.ClientName != "" && rf.ClientName != clientName {
		return RuleUndefined
	}
	status := RuleUndefined
	for _, m := range rf.matches {
		val, ok := props[m.propKey]
		if !ok || !m.value.MatchString(val) {
			return RuleMiss
		}
		status = RuleHit
	}
	return status
}

// Manager owns the rule cache and the loaded sink-input rule files, and
// implements the reload-from-directory-watch behavior.
type Manager struct {
	mu        sync.Mutex
	cache     *Cache
	ruleDir   string
	ruleFiles map[string]*RuleFile
}

// NewManager creates a Manager with a fresh cache and an empty rule set;
// call LoadSinkInputRules (or a dirwatch-triggered Reload) before first use.
func NewManager(confDir, descDir, sinkInputRuleDir string, maxCacheSize int) *Manager {
	return &Manager{
		cache:     NewCache(confDir, descDir, maxCacheSize),
		ruleDir:   sinkInputRuleDir,
		ruleFiles: make(map[string]*RuleFile),
	}
}

// Cache exposes the underlying rule cache (tests, diagnostics).
func (m *Manager) Cache() *Cache { return m.cache }

// LoadSinkInputRules implements the initial load (and, via Reload, every
// subsequent one): the rule map is rebuilt from scratch from every file
// in ruleDir.
func (m *Manager) LoadSinkInputRules() error {
	entries, err := os.ReadDir(m.ruleDir)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.ruleFiles = make(map[string]*RuleFile)
			m.mu.Unlock()
			return nil
		}
		return fmt.Errorf("augment: read sink-input rule dir: %w", err)
	}

	fresh := make(map[string]*RuleFile, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(m.ruleDir, e.Name())
		rf, err := ParseRuleFile(path)
		if err != nil {
			continue // a file that fails to parse (e.g. a regex that does not compile) is skipped
		}
		fresh[e.Name()] = rf
	}

	m.mu.Lock()
	m.ruleFiles = fresh
	m.mu.Unlock()
	return nil
}

// Reload is the directory-watch-driven trigger: rebuild the rule map
// from scratch.
func (m *Manager) Reload() error { return m.LoadSinkInputRules() }

// Augment finds (or creates) the cache entry for binaryName and returns
// a copy of props with the rule's proplist merged in. Rule keys are set only when absent from the stream's live
// props, except application.name, which also overwrites a value that
// still equals the binary name (the host's fallback). Returns the
// original props unmodified for an invalid binary name.
func (m *Manager) Augment(binaryName string, props hostif.Proplist) hostif.Proplist {
	r, ok := m.cache.Lookup(binaryName)
	if !ok {
		return props
	}
	out := make(hostif.Proplist, len(props)+len(r.Proplist))
	for k, v := range props {
		out[k] = v
	}
	for k, v := range r.Proplist {
		if k == "application.name" {
			if cur, has := out[k]; !has || cur == binaryName {
				out[k] = v
			}
			continue
		}
		if _, has := out[k]; !has {
			out[k] = v
		}
	}
	return out
}

// ApplySinkInputRules evaluates every loaded rule file against props and
// applies the target (key, value) of every HIT file, in file-name order
// for determinism.
func (m *Manager) ApplySinkInputRules(clientName string, props hostif.Proplist) hostif.Proplist {
	m.mu.Lock()
	names := make([]string, 0, len(m.ruleFiles))
	for name := range m.ruleFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	files := make([]*RuleFile, len(names))
	for i, name := range names {
		files[i] = m.ruleFiles[name]
	}
	m.mu.Unlock()

	out := props
	copied := false
	for _, rf := range files {
		if rf.Evaluate(clientName, props) == RuleHit && rf.TargetKey != "" {
			if !copied {
				cp := make(hostif.Proplist, len(props)+1)
				for k, v := range props {
					cp[k] = v
				}
				out = cp
				copied = true
			}
			out[rf.TargetKey] = rf.TargetValue
		}
	}
	return out
}
