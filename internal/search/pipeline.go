// Package search implements the hybrid search pipeline (C14): an optional
// LLM query plan, candidate collection across time-range/keyword/semantic
// recall, neighbor expansion, multi-key ranking, evidence collection, and
// an optional LLM answer synthesis pass.
//
// Grounded on vlmscheduler/threadscheduler/timeline's
// GenerateObject-via-ReflectSchema call shape for the two optional LLM
// steps; the ranking/merge logic itself has no close analog in the
// teacher's capture-and-batch pipeline, so it is written directly from
// spec §4.14 using sort.SliceStable for the documented ordered-key
// comparator.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zapdos-labs/mnemora/internal/aiclient"
	"github.com/zapdos-labs/mnemora/internal/store"
	"github.com/zapdos-labs/mnemora/internal/vectorindex"
)

// TimeRange is an inclusive-exclusive [From, To) bound.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Filters is the search request's user-supplied scoping (spec §4.14 step
// 2's merge target).
type Filters struct {
	ThreadID  string
	TimeRange *TimeRange
	AppHint   string
	Entities  []string
	KindHint  string
}

// Request is one search call.
type Request struct {
	QueryText string
	Filters   Filters
}

// QueryPlan is the optional LLM-produced search plan (spec §4.14 step 1).
type QueryPlan struct {
	EmbeddingText     string   `json:"embeddingText" jsonschema:"required"`
	FiltersPatch      struct {
		TimeRange *struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"timeRange,omitempty"`
		AppHint  string   `json:"appHint,omitempty"`
		Entities []string `json:"entities,omitempty"`
	} `json:"filtersPatch,omitempty"`
	KindHint          string   `json:"kindHint,omitempty"`
	ExtractedEntities []string `json:"extractedEntities,omitempty"`
	Keywords          []string `json:"keywords,omitempty"`
	Confidence        float64  `json:"confidence" jsonschema:"required"`
}

// Citation is one answer citation (spec §4.14 step 8).
type Citation struct {
	NodeID       string `json:"nodeId,omitempty"`
	ScreenshotID string `json:"screenshotId,omitempty"`
	Quote        string `json:"quote,omitempty"`
}

// Answer is the optional synthesized answer.
type Answer struct {
	AnswerTitle string     `json:"answerTitle,omitempty"`
	Answer      string     `json:"answer" jsonschema:"required"`
	Bullets     []string   `json:"bullets,omitempty"`
	Citations   []Citation `json:"citations"`
	Confidence  float64    `json:"confidence" jsonschema:"required"`
}

// Evidence is one screenshot backing the result set (spec §4.14 step 6).
type Evidence struct {
	ScreenshotID string
	Ts           time.Time
	AppHint      string
	WindowTitle  string
}

// Result is search's full return value.
type Result struct {
	Nodes         []*store.ContextNode
	RelatedEvents []*store.ContextNode
	Evidence      []Evidence
	QueryPlan     *QueryPlan
	Answer        *Answer
}

// canonicalAppHints is the known alias set a plan-supplied appHint must
// belong to before it is allowed to pass through the filter merge (spec
// §4.14 step 2's "only values in the known alias set pass through" — the
// spec doesn't enumerate the set, so this is the Open Question decision:
// the common desktop apps this system is built to recognize).
var canonicalAppHints = map[string]string{
	"chrome": "chrome", "google chrome": "chrome",
	"vscode": "vscode", "visual studio code": "vscode", "code": "vscode",
	"terminal": "terminal", "iterm": "terminal", "iterm2": "terminal",
	"slack": "slack", "finder": "finder", "safari": "safari", "firefox": "firefox",
}

// Config holds C14's tunables (spec §4.14).
type Config struct {
	PlanConfidenceThreshold float64
	MaxTimeRangeNodes       int
	MaxKeywordTerms         int
	SemanticTopK            int
	TopPivots               int
	ThreadNeighborBefore    int
	ThreadNeighborAfter     int
	TemporalWindow          time.Duration
	MaxAnswerNodes          int
	MaxAnswerPerThread      int
	MaxEvidenceForAnswer    int
	MaxSummaryChars         int
	EmbeddingDimensions     int
}

func (c *Config) applyDefaults() {
	if c.PlanConfidenceThreshold <= 0 {
		c.PlanConfidenceThreshold = 0.5
	}
	if c.MaxTimeRangeNodes <= 0 {
		c.MaxTimeRangeNodes = 2000
	}
	if c.MaxKeywordTerms <= 0 {
		c.MaxKeywordTerms = 8
	}
	if c.SemanticTopK <= 0 {
		c.SemanticTopK = 20
	}
	if c.TopPivots <= 0 {
		c.TopPivots = 5
	}
	if c.ThreadNeighborBefore <= 0 {
		c.ThreadNeighborBefore = 3
	}
	if c.ThreadNeighborAfter <= 0 {
		c.ThreadNeighborAfter = 3
	}
	if c.TemporalWindow <= 0 {
		c.TemporalWindow = 2 * time.Minute
	}
	if c.MaxAnswerNodes <= 0 {
		c.MaxAnswerNodes = 50
	}
	if c.MaxAnswerPerThread <= 0 {
		c.MaxAnswerPerThread = 3
	}
	if c.MaxEvidenceForAnswer <= 0 {
		c.MaxEvidenceForAnswer = 25
	}
	if c.MaxSummaryChars <= 0 {
		c.MaxSummaryChars = 600
	}
	if c.EmbeddingDimensions <= 0 {
		c.EmbeddingDimensions = 1024
	}
}

// Pipeline is C14. planner/embedder/answerer may each be nil, disabling
// that optional step.
type Pipeline struct {
	store    *store.Client
	index    *vectorindex.Index
	planner  *aiclient.Client // text capability, optional
	embedder *aiclient.Client // embedding capability, optional
	answerer *aiclient.Client // text capability, optional (may be == planner)
	cfg      Config
}

// New builds a Pipeline.
func New(st *store.Client, idx *vectorindex.Index, planner, embedder, answerer *aiclient.Client, cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{store: st, index: idx, planner: planner, embedder: embedder, answerer: answerer, cfg: cfg}
}

// candidate tracks one node's provisional search score; nil means
// unscored (keyword/neighbor-derived).
type candidate struct {
	node  *store.ContextNode
	score *float64
}

// Search runs the full pipeline (spec §4.14).
func (p *Pipeline) Search(ctx context.Context, req Request) (*Result, error) {
	plan, err := p.planQuery(ctx, req.QueryText)
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}

	filters := mergeFilters(req.Filters, plan)
	embeddingText := req.QueryText
	if plan != nil && plan.EmbeddingText != "" {
		embeddingText = plan.EmbeddingText
	}

	candidates := make(map[string]*candidate)

	if filters.TimeRange != nil {
		nodes, err := p.store.ContextNodesInRange(filters.TimeRange.From, filters.TimeRange.To)
		if err != nil {
			return nil, fmt.Errorf("time-range recall: %w", err)
		}
		if len(nodes) > p.cfg.MaxTimeRangeNodes {
			nodes = nodes[:p.cfg.MaxTimeRangeNodes]
		}
		addUnscored(candidates, nodes)
	}

	keywordNodes, err := p.collectKeywordCandidates(req.QueryText, filters.Entities)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	addScored(candidates, keywordNodes, 0)

	if p.embedder != nil && p.index != nil && embeddingText != "" {
		semanticNodes, err := p.collectSemanticCandidates(ctx, embeddingText)
		if err != nil {
			return nil, fmt.Errorf("semantic search: %w", err)
		}
		for _, sc := range semanticNodes {
			mergeScored(candidates, sc.node, sc.score)
		}
	}

	appHints, err := p.screenshotAppHints(candidates, filters.AppHint)
	if err != nil {
		return nil, fmt.Errorf("app hint lookup: %w", err)
	}
	filtered := applyFilters(candidates, filters, appHints)

	pivots := topPivots(filtered, p.cfg.TopPivots)
	for _, pivot := range pivots {
		threadID := pivot.node.ThreadID
		if filters.ThreadID != "" {
			threadID = filters.ThreadID
		}
		var neighbors []*store.ContextNode
		if threadID != "" {
			neighbors, err = p.store.ThreadNeighbors(threadID, pivot.node.EventTime, p.cfg.ThreadNeighborBefore, p.cfg.ThreadNeighborAfter)
		} else {
			neighbors, err = p.store.ContextNodesNearTime(pivot.node.EventTime, p.cfg.TemporalWindow)
		}
		if err != nil {
			return nil, fmt.Errorf("neighbor expansion: %w", err)
		}
		addUnscored(filtered, neighbors)
	}

	ordered := rank(filtered, filters.Entities)

	evidence, err := p.collectEvidence(ordered)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}

	relatedEvents, rest := partitionByKind(ordered)
	nodes := rest
	if filters.KindHint != "" {
		if hinted := filterByKind(rest, filters.KindHint); len(hinted) > 0 {
			nodes = hinted
		}
	}

	result := &Result{Nodes: nodes, RelatedEvents: relatedEvents, Evidence: evidence, QueryPlan: plan}

	if p.answerer != nil {
		answer, err := p.synthesizeAnswer(ctx, req.QueryText, filters, ordered, evidence)
		if err != nil {
			return nil, fmt.Errorf("answer synthesis: %w", err)
		}
		result.Answer = answer
	}

	return result, nil
}

func addUnscored(m map[string]*candidate, nodes []*store.ContextNode) {
	for _, n := range nodes {
		if _, ok := m[n.ID]; !ok {
			m[n.ID] = &candidate{node: n}
		}
	}
}

func addScored(m map[string]*candidate, nodes []*store.ContextNode, score float64) {
	for _, n := range nodes {
		mergeScored(m, n, score)
	}
}

// mergeScored min-merges score into m[node.ID] — lower is better (L2
// distance, or 0 for an exact keyword match).
func mergeScored(m map[string]*candidate, n *store.ContextNode, score float64) {
	existing, ok := m[n.ID]
	if !ok {
		s := score
		m[n.ID] = &candidate{node: n, score: &s}
		return
	}
	if existing.score == nil || score < *existing.score {
		s := score
		existing.score = &s
	}
	if existing.node == nil {
		existing.node = n
	}
}

func (p *Pipeline) collectKeywordCandidates(queryText string, filterEntities []string) ([]*store.ContextNode, error) {
	terms := tokenize(queryText)
	terms = append(terms, filterEntities...)
	if len(terms) > p.cfg.MaxKeywordTerms {
		terms = terms[:p.cfg.MaxKeywordTerms]
	}
	if len(terms) == 0 {
		return nil, nil
	}

	likeNodes, err := p.store.SearchContextNodesByKeyword(terms, 200)
	if err != nil {
		return nil, err
	}

	ftsQuery := sanitizeFTSQuery(queryText)
	var ftsNodes []*store.ContextNode
	if ftsQuery != "" {
		hits, err := p.store.SearchFTS(ftsQuery, nil, 200)
		if err != nil {
			return nil, err
		}
		if len(hits) > 0 {
			ids := make([]string, len(hits))
			for i, h := range hits {
				ids[i] = h.ScreenshotID
			}
			ftsNodes, err = p.store.ContextNodesByScreenshotIDs(ids)
			if err != nil {
				return nil, err
			}
		}
	}

	seen := make(map[string]bool)
	var out []*store.ContextNode
	for _, n := range append(likeNodes, ftsNodes...) {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out, nil
}

// tokenize splits on whitespace and drops single-character tokens (spec
// §4.14 step 3's "tokens of length > 1").
func tokenize(text string) []string {
	var out []string
	for _, tok := range strings.Fields(text) {
		if len([]rune(tok)) > 1 {
			out = append(out, tok)
		}
	}
	return out
}

// sanitizeFTSQuery replaces quoting/control punctuation with spaces and
// trims the result, so a raw user query never reaches plainto_tsquery's
// literal syntax unescaped; plainto_tsquery itself AND-joins the remaining
// tokens, and a punctuation-only query comes back empty.
func sanitizeFTSQuery(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == '\'' || r == '"' || r == '\\' || r == ':' || r == '&' || r == '|' || r == '!':
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func (p *Pipeline) collectSemanticCandidates(ctx context.Context, embeddingText string) ([]*candidate, error) {
	vec, err := p.embedder.Embed(ctx, embeddingText, p.cfg.EmbeddingDimensions)
	if err != nil {
		return nil, err
	}
	hits := p.index.SearchKnn(vec, p.cfg.SemanticTopK)
	if len(hits) == 0 {
		return nil, nil
	}

	var out []*candidate
	for _, h := range hits {
		doc, err := p.store.GetVectorDocument(h.DocID)
		if err != nil || doc == nil {
			continue
		}
		node, err := p.store.GetContextNode(doc.RefID)
		if err != nil || node == nil {
			continue
		}
		score := h.Score
		out = append(out, &candidate{node: node, score: &score})
	}
	return out, nil
}

// screenshotAppHints loads the app_hint for every candidate's backing
// screenshot, but only when a filter actually needs it (spec §4.14's
// appHint filter is "via a node↔screenshot join" since ContextNode itself
// carries no app hint).
func (p *Pipeline) screenshotAppHints(candidates map[string]*candidate, appHintFilter string) (map[string]string, error) {
	if appHintFilter == "" {
		return nil, nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, c := range candidates {
		if c.node == nil || c.node.ScreenshotID == "" || seen[c.node.ScreenshotID] {
			continue
		}
		seen[c.node.ScreenshotID] = true
		ids = append(ids, c.node.ScreenshotID)
	}
	shots, err := p.store.GetScreenshotsByIDs(ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(shots))
	for _, s := range shots {
		out[s.ID] = s.AppHint
	}
	return out, nil
}

// applyFilters hard-filters the candidate set by timeRange, threadId,
// entities, and appHint (spec §4.14: "All candidate sets are passed
// through applyFilters").
func applyFilters(in map[string]*candidate, f Filters, appHints map[string]string) map[string]*candidate {
	out := make(map[string]*candidate, len(in))
	for id, c := range in {
		n := c.node
		if n == nil {
			continue
		}
		if f.TimeRange != nil && (n.EventTime.Before(f.TimeRange.From) || !n.EventTime.Before(f.TimeRange.To)) {
			continue
		}
		if f.ThreadID != "" && n.ThreadID != f.ThreadID {
			continue
		}
		if len(f.Entities) > 0 && !anyEntityMatches(n.Entities, f.Entities) {
			continue
		}
		if f.AppHint != "" && !strings.EqualFold(appHints[n.ScreenshotID], f.AppHint) {
			continue
		}
		out[id] = c
	}
	return out
}

func anyEntityMatches(nodeEntities, filterEntities []string) bool {
	for _, fe := range filterEntities {
		for _, ne := range nodeEntities {
			if strings.EqualFold(fe, ne) {
				return true
			}
		}
	}
	return false
}

// topPivots returns the n candidates the preliminary ordering ranks
// highest, for neighbor expansion (spec §4.14 step 4).
func topPivots(in map[string]*candidate, n int) []*candidate {
	all := make([]*candidate, 0, len(in))
	for _, c := range in {
		all = append(all, c)
	}
	sort.SliceStable(all, func(i, j int) bool { return lessCandidate(all[i], all[j], nil) })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// effectiveImportance applies spec §4.14's promotion: a node whose
// stateSnapshot flags a detected issue is treated as importance ≥ 7 for
// ranking purposes, regardless of its stored value.
func effectiveImportance(n *store.ContextNode) float64 {
	imp := n.Importance
	if issueDetected(n) && imp < 7 {
		return 7
	}
	return imp
}

func issueDetected(n *store.ContextNode) bool {
	issue, ok := n.StateSnapshot["issue"].(map[string]any)
	if !ok {
		return false
	}
	detected, _ := issue["detected"].(bool)
	return detected
}

func issueBoost(n *store.ContextNode) int {
	if issueDetected(n) {
		return 1
	}
	return 0
}

func entityBoost(n *store.ContextNode, filterEntities []string) int {
	if anyEntityMatches(n.Entities, filterEntities) {
		return 1
	}
	return 0
}

func eventTimeOf(n *store.ContextNode) time.Time {
	if !n.EventTime.IsZero() {
		return n.EventTime
	}
	return n.CreatedAt
}

// lessCandidate implements spec §4.14 step 5's ordered-key comparator.
func lessCandidate(a, b *candidate, filterEntities []string) bool {
	ib, jb := issueBoost(a.node), issueBoost(b.node)
	if ib != jb {
		return ib > jb
	}
	ea, eb := entityBoost(a.node, filterEntities), entityBoost(b.node, filterEntities)
	if ea != eb {
		return ea > eb
	}
	aScored, bScored := a.score != nil, b.score != nil
	if aScored != bScored {
		return aScored
	}
	if !aScored {
		return eventTimeOf(a.node).After(eventTimeOf(b.node))
	}
	aRank := *a.score * (1.2 - effectiveImportance(a.node)/10)
	bRank := *b.score * (1.2 - effectiveImportance(b.node)/10)
	if aRank != bRank {
		return aRank < bRank
	}
	return eventTimeOf(a.node).After(eventTimeOf(b.node))
}

func rank(in map[string]*candidate, filterEntities []string) []*store.ContextNode {
	all := make([]*candidate, 0, len(in))
	for _, c := range in {
		all = append(all, c)
	}
	sort.SliceStable(all, func(i, j int) bool { return lessCandidate(all[i], all[j], filterEntities) })
	out := make([]*store.ContextNode, len(all))
	for i, c := range all {
		out[i] = c.node
	}
	return out
}

func (p *Pipeline) collectEvidence(nodes []*store.ContextNode) ([]Evidence, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, n := range nodes {
		if n.ScreenshotID == "" || seen[n.ScreenshotID] {
			continue
		}
		seen[n.ScreenshotID] = true
		ids = append(ids, n.ScreenshotID)
	}
	shots, err := p.store.GetScreenshotsByIDs(ids)
	if err != nil {
		return nil, err
	}
	out := make([]Evidence, len(shots))
	for i, s := range shots {
		out[i] = Evidence{ScreenshotID: s.ID, Ts: s.Ts, AppHint: s.AppHint, WindowTitle: s.WindowTitle}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.After(out[j].Ts) })
	return out, nil
}

func partitionByKind(nodes []*store.ContextNode) (events, rest []*store.ContextNode) {
	for _, n := range nodes {
		if n.Kind == "event" {
			events = append(events, n)
		} else {
			rest = append(rest, n)
		}
	}
	return
}

func filterByKind(nodes []*store.ContextNode, kind string) []*store.ContextNode {
	var out []*store.ContextNode
	for _, n := range nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
