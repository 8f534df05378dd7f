// Package registry maintains the namespaced tool catalog aggregated from
// every upstream session. Entries are keyed by full name
// (<upstream_id>__<local_name>) and carry visibility: discovered (present),
// enabled (routable), exposed (listed downstream). Sessions publish and
// retract whole catalogs; the downstream toggles visibility through the
// discovery tools.
package registry

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/hash"
)

// Separator joins the upstream id and the tool's local name into a full name.
const Separator = "__"

// FullName builds the namespaced tool name for an upstream-local pair.
func FullName(upstreamID, localName string) string {
	return upstreamID + Separator + localName
}

// SplitFullName splits a namespaced name at the first separator. Local names
// may themselves contain the separator; upstream ids may not.
func SplitFullName(fullName string) (upstreamID, localName string, ok bool) {
	idx := strings.Index(fullName, Separator)
	if idx <= 0 || idx+len(Separator) >= len(fullName) {
		return "", "", false
	}
	return fullName[:idx], fullName[idx+len(Separator):], true
}

// Descriptor is one tool as announced by its upstream, already namespaced.
type Descriptor struct {
	FullName    string          `json:"full_name"`
	LocalName   string          `json:"local_name"`
	UpstreamID  string          `json:"upstream_id"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Tool is a descriptor plus its visibility at snapshot time. Sessions retract
// their entries while not connected, so presence implies a live session and
// Exposed tracks Enabled.
type Tool struct {
	Descriptor
	Enabled bool `json:"enabled"`
	Exposed bool `json:"exposed"`
}

// MatchMode selects how multiple search keywords combine.
type MatchMode string

const (
	MatchAll MatchMode = "AND"
	MatchAny MatchMode = "OR"
)

// ParseMatchMode accepts "AND"/"OR" case-insensitively; empty means AND.
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(MatchAll):
		return MatchAll, nil
	case string(MatchAny):
		return MatchAny, nil
	default:
		return "", fmt.Errorf("invalid match mode %q (want AND or OR)", s)
	}
}

type entry struct {
	desc    Descriptor
	enabled bool
}

// Registry is safe for concurrent use. Mutations are exclusive; reads see a
// consistent snapshot. The list-changed hook fires at most once per mutation,
// and only when the exposed catalog actually changed.
type Registry struct {
	logger *zap.Logger
	index  *toolIndex

	mu             sync.RWMutex
	tools          map[string]*entry
	bySession      map[string]map[string]struct{}
	enablePatterns []string
	exposedSig     string
	onListChanged  func()
}

// New builds an empty registry. enablePatterns are glob patterns matched
// against full names to decide whether a newly discovered tool starts
// enabled; an empty list enables everything.
func New(enablePatterns []string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx, err := newToolIndex(logger)
	if err != nil {
		return nil, fmt.Errorf("create tool index: %w", err)
	}
	r := &Registry{
		logger:         logger.Named("registry"),
		index:          idx,
		tools:          make(map[string]*entry),
		bySession:      make(map[string]map[string]struct{}),
		enablePatterns: enablePatterns,
	}
	r.exposedSig = r.signatureLocked()
	return r, nil
}

// OnListChanged registers the hook invoked after any mutation that changed
// the exposed catalog. The hook runs outside the registry lock.
func (r *Registry) OnListChanged(fn func()) {
	r.mu.Lock()
	r.onListChanged = fn
	r.mu.Unlock()
}

// Close releases the search index.
func (r *Registry) Close() error {
	return r.index.Close()
}

// AddFromSession atomically replaces the upstream's catalog with descs.
// Entries that reappear keep their enabled flag; new entries start enabled
// per the configured patterns; entries no longer announced are dropped.
// Other sessions' entries are untouched.
func (r *Registry) AddFromSession(upstreamID string, descs []Descriptor) error {
	if upstreamID == "" {
		return fmt.Errorf("upstream id must not be empty")
	}

	r.mu.Lock()
	prior := r.bySession[upstreamID]
	current := make(map[string]struct{}, len(descs))

	for i := range descs {
		d := descs[i]
		if d.LocalName == "" {
			r.mu.Unlock()
			return fmt.Errorf("upstream %s published a tool with an empty name", upstreamID)
		}
		if d.UpstreamID == "" {
			d.UpstreamID = upstreamID
		}
		if d.UpstreamID != upstreamID {
			r.mu.Unlock()
			return fmt.Errorf("descriptor %s belongs to upstream %s, published by %s",
				d.LocalName, d.UpstreamID, upstreamID)
		}
		if d.FullName == "" {
			d.FullName = FullName(upstreamID, d.LocalName)
		}
		enabled := r.initialEnable(d.FullName)
		if existing, ok := r.tools[d.FullName]; ok {
			enabled = existing.enabled
		}
		r.tools[d.FullName] = &entry{desc: d, enabled: enabled}
		current[d.FullName] = struct{}{}
	}

	var removed []string
	for name := range prior {
		if _, ok := current[name]; !ok {
			delete(r.tools, name)
			removed = append(removed, name)
		}
	}
	r.bySession[upstreamID] = current

	if err := r.index.replaceSession(removed, r.sessionDescriptorsLocked(upstreamID)); err != nil {
		r.logger.Warn("tool index update failed", zap.String("upstream", upstreamID), zap.Error(err))
	}
	changed, hook := r.commitLocked()
	total := len(r.tools)
	r.mu.Unlock()

	r.logger.Debug("session catalog published",
		zap.String("upstream", upstreamID),
		zap.Int("tools", len(descs)),
		zap.Int("removed", len(removed)),
		zap.Int("total", total))
	if changed && hook != nil {
		hook()
	}
	return nil
}

// RemoveFromSession drops every entry the upstream published. Enabled flags
// are forgotten with the entries; a later re-publish starts from the
// configured patterns again.
func (r *Registry) RemoveFromSession(upstreamID string) {
	r.mu.Lock()
	names := r.bySession[upstreamID]
	removed := make([]string, 0, len(names))
	for name := range names {
		delete(r.tools, name)
		removed = append(removed, name)
	}
	delete(r.bySession, upstreamID)

	if err := r.index.replaceSession(removed, nil); err != nil {
		r.logger.Warn("tool index update failed", zap.String("upstream", upstreamID), zap.Error(err))
	}
	changed, hook := r.commitLocked()
	r.mu.Unlock()

	if len(removed) > 0 {
		r.logger.Debug("session catalog retracted",
			zap.String("upstream", upstreamID), zap.Int("tools", len(removed)))
	}
	if changed && hook != nil {
		hook()
	}
}

// Search returns every discovered tool whose local name, description, or
// upstream id contains the keywords (case-insensitive substring; AND needs
// all, OR needs any). No keywords, no results. Results are sorted by full
// name; use SearchRanked for relevance ordering.
func (r *Registry) Search(keywords []string, mode MatchMode) []Tool {
	lowered := lowerNonEmpty(keywords)
	if len(lowered) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	for _, e := range r.tools {
		if matches(e.desc, lowered, mode) {
			out = append(out, r.snapshotLocked(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// SearchRanked runs Search and reorders the hits by index relevance, best
// first. Unscored hits keep their alphabetical order after the scored ones.
// limit <= 0 means no limit.
func (r *Registry) SearchRanked(keywords []string, mode MatchMode, limit int) []Tool {
	hits := r.Search(keywords, mode)
	if len(hits) > 1 {
		scores, err := r.index.scores(keywords)
		if err != nil {
			r.logger.Warn("tool index search failed, keeping name order", zap.Error(err))
		} else {
			sort.SliceStable(hits, func(i, j int) bool {
				return scores[hits[i].FullName] > scores[hits[j].FullName]
			})
		}
	}
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Enable marks the named tools routable. Unknown names are skipped. Returns
// the number of tools that actually flipped; the list-changed hook fires only
// when that count is non-zero.
func (r *Registry) Enable(fullNames []string, reason string) int {
	r.mu.Lock()
	flipped := 0
	for _, name := range fullNames {
		if e, ok := r.tools[name]; ok && !e.enabled {
			e.enabled = true
			flipped++
		}
	}
	changed, hook := r.commitLocked()
	r.mu.Unlock()

	if flipped > 0 {
		r.logger.Info("tools enabled",
			zap.Int("count", flipped), zap.String("reason", reason))
	}
	if changed && hook != nil {
		hook()
	}
	return flipped
}

// Disable hides the named tools from the downstream. Unknown names are
// skipped.
func (r *Registry) Disable(fullNames []string) int {
	r.mu.Lock()
	flipped := 0
	for _, name := range fullNames {
		if e, ok := r.tools[name]; ok && e.enabled {
			e.enabled = false
			flipped++
		}
	}
	changed, hook := r.commitLocked()
	r.mu.Unlock()

	if flipped > 0 {
		r.logger.Info("tools disabled", zap.Int("count", flipped))
	}
	if changed && hook != nil {
		hook()
	}
	return flipped
}

// Resolve maps a bare local name to its full name when exactly one enabled
// tool carries it.
func (r *Registry) Resolve(shortName string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	for name, e := range r.tools {
		if e.enabled && e.desc.LocalName == shortName {
			candidates = append(candidates, name)
		}
	}
	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("no enabled tool named %q", shortName)
	case 1:
		return candidates[0], nil
	default:
		sort.Strings(candidates)
		return "", fmt.Errorf("tool name %q is ambiguous: %s",
			shortName, strings.Join(candidates, ", "))
	}
}

// Get returns the tool registered under the full name.
func (r *Registry) Get(fullName string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[fullName]
	if !ok {
		return Tool{}, false
	}
	return r.snapshotLocked(e), true
}

// Exposed returns the tools currently listed to the downstream, sorted by
// full name.
func (r *Registry) Exposed() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	for _, e := range r.tools {
		if e.enabled {
			out = append(out, r.snapshotLocked(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// All returns every discovered tool, sorted by full name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, r.snapshotLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// Len is the number of discovered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func (r *Registry) snapshotLocked(e *entry) Tool {
	return Tool{Descriptor: e.desc, Enabled: e.enabled, Exposed: e.enabled}
}

func (r *Registry) sessionDescriptorsLocked(upstreamID string) []Descriptor {
	names := r.bySession[upstreamID]
	out := make([]Descriptor, 0, len(names))
	for name := range names {
		out = append(out, r.tools[name].desc)
	}
	return out
}

func (r *Registry) initialEnable(fullName string) bool {
	if len(r.enablePatterns) == 0 {
		return true
	}
	for _, pattern := range r.enablePatterns {
		if ok, err := path.Match(pattern, fullName); err == nil && ok {
			return true
		}
	}
	return false
}

// commitLocked recomputes the exposed-catalog signature and reports whether
// it moved, returning the hook to fire after unlocking.
func (r *Registry) commitLocked() (bool, func()) {
	sig := r.signatureLocked()
	if sig == r.exposedSig {
		return false, nil
	}
	r.exposedSig = sig
	return true, r.onListChanged
}

func (r *Registry) signatureLocked() string {
	hashes := make([]string, 0, len(r.tools))
	for _, e := range r.tools {
		if e.enabled {
			hashes = append(hashes,
				hash.ToolHash(e.desc.UpstreamID, e.desc.LocalName, e.desc.Description, e.desc.InputSchema))
		}
	}
	return hash.CatalogHash(hashes)
}

func matches(d Descriptor, lowered []string, mode MatchMode) bool {
	haystack := strings.ToLower(d.LocalName) + "\n" +
		strings.ToLower(d.Description) + "\n" +
		strings.ToLower(d.UpstreamID)
	for _, kw := range lowered {
		hit := strings.Contains(haystack, kw)
		if mode == MatchAny && hit {
			return true
		}
		if mode != MatchAny && !hit {
			return false
		}
	}
	return mode != MatchAny
}

func lowerNonEmpty(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
