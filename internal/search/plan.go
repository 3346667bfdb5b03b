package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zapdos-labs/mnemora/internal/aiclient"
	"github.com/zapdos-labs/mnemora/internal/store"
)

const queryPlanSystemInstruction = `You turn a natural-language search query into a structured search plan.
Given the query, the current timestamp, and the local timezone, produce:
- embeddingText: the text to embed for semantic search (usually the query itself, lightly normalized)
- filtersPatch: any time range, app hint, or entity names you can infer from the query
- kindHint: "event" or "knowledge" if the query implies one
- extractedEntities/keywords: named things and salient terms in the query
- confidence: how sure you are the filtersPatch/kindHint are correct (0-1)
Leave a field empty/omitted rather than guessing when unsure.`

// planQuery runs spec §4.14 step 1. Returns (nil, nil) if no text
// capability is configured.
func (p *Pipeline) planQuery(ctx context.Context, queryText string) (*QueryPlan, error) {
	if p.planner == nil {
		return nil, nil
	}

	now := time.Now()
	prompt := fmt.Sprintf(
		"Query: %q\nNow: %s\nLocal timezone: %s\n",
		queryText, now.Format(time.RFC3339), now.Location().String(),
	)

	result, err := p.planner.GenerateObject(ctx, aiclient.GenerateObjectRequest{
		System:     queryPlanSystemInstruction,
		Prompt:     prompt,
		Schema:     aiclient.ReflectSchema(QueryPlan{}),
		SchemaName: "search_query_plan",
	})
	if err != nil {
		return nil, err
	}

	var plan QueryPlan
	if err := json.Unmarshal(result.Object, &plan); err != nil {
		return nil, fmt.Errorf("parse query plan: %w", err)
	}
	return &plan, nil
}

// mergeFilters applies spec §4.14 step 2: the user's threadId always wins;
// timeRange/appHint from the plan only fill a gap the user left empty;
// entities union-merge; a plan appHint outside the known alias set is
// dropped; a plan with confidence below the threshold is ignored for
// filter merging (its embeddingText is still used by the caller).
func mergeFilters(user Filters, plan *QueryPlan) Filters {
	merged := user
	merged.Entities = unionStrings(user.Entities, nil)

	if plan == nil || plan.Confidence < 0.5 {
		return merged
	}

	if merged.TimeRange == nil && plan.FiltersPatch.TimeRange != nil {
		from, errFrom := time.Parse(time.RFC3339, plan.FiltersPatch.TimeRange.From)
		to, errTo := time.Parse(time.RFC3339, plan.FiltersPatch.TimeRange.To)
		if errFrom == nil && errTo == nil {
			merged.TimeRange = &TimeRange{From: from, To: to}
		}
	}

	if merged.AppHint == "" && plan.FiltersPatch.AppHint != "" {
		if canon, ok := canonicalAppHints[strings.ToLower(plan.FiltersPatch.AppHint)]; ok {
			merged.AppHint = canon
		}
	}

	merged.Entities = unionStrings(merged.Entities, plan.FiltersPatch.Entities)
	merged.Entities = unionStrings(merged.Entities, plan.ExtractedEntities)

	if merged.KindHint == "" {
		merged.KindHint = plan.KindHint
	}

	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

const answerSystemInstruction = `You answer a user's search query using only the provided context-node
excerpts and screenshot evidence. Cite every claim with a nodeId or
screenshotId (and a short quote where possible). If the evidence doesn't
support an answer, say so plainly and keep confidence low. Never invent
details not present in the provided context.`

type answerPromptNode struct {
	NodeID    string `json:"nodeId"`
	ThreadID  string `json:"threadId,omitempty"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	EventTime string `json:"eventTime"`
}

type answerPromptEvidence struct {
	ScreenshotID string `json:"screenshotId"`
	Ts           string `json:"ts"`
	AppHint      string `json:"appHint,omitempty"`
	WindowTitle  string `json:"windowTitle,omitempty"`
}

// synthesizeAnswer runs spec §4.14 step 8.
func (p *Pipeline) synthesizeAnswer(ctx context.Context, queryText string, filters Filters, ranked []*store.ContextNode, evidence []Evidence) (*Answer, error) {
	selected := p.selectAnswerNodes(ranked, filters)

	promptNodes := make([]answerPromptNode, len(selected))
	for i, n := range selected {
		summary := n.Summary
		if len(summary) > p.cfg.MaxSummaryChars {
			summary = summary[:p.cfg.MaxSummaryChars]
		}
		promptNodes[i] = answerPromptNode{
			NodeID: n.ID, ThreadID: n.ThreadID, Kind: n.Kind, Title: n.Title,
			Summary: summary, EventTime: n.EventTime.Format(time.RFC3339),
		}
	}

	evList := evidence
	if len(evList) > p.cfg.MaxEvidenceForAnswer {
		evList = evList[:p.cfg.MaxEvidenceForAnswer]
	}
	promptEvidence := make([]answerPromptEvidence, len(evList))
	for i, e := range evList {
		promptEvidence[i] = answerPromptEvidence{
			ScreenshotID: e.ScreenshotID, Ts: e.Ts.Format(time.RFC3339),
			AppHint: e.AppHint, WindowTitle: e.WindowTitle,
		}
	}

	payload, err := json.Marshal(map[string]any{
		"query": queryText, "nodes": promptNodes, "evidence": promptEvidence,
	})
	if err != nil {
		return nil, err
	}

	result, err := p.answerer.GenerateObject(ctx, aiclient.GenerateObjectRequest{
		System:     answerSystemInstruction,
		Prompt:     string(payload),
		Schema:     aiclient.ReflectSchema(Answer{}),
		SchemaName: "search_answer",
		MaxTokens:  3000,
	})
	if err != nil {
		return nil, err
	}

	var answer Answer
	if err := json.Unmarshal(result.Object, &answer); err != nil {
		return nil, fmt.Errorf("parse answer: %w", err)
	}
	if answer.Confidence > 0.2 && len(answer.Citations) == 0 {
		answer.Confidence = 0.2
	}
	return &answer, nil
}

// selectAnswerNodes picks up to MaxAnswerNodes nodes for the LLM prompt, in
// spec §4.14 step 8's declared priority order: entity-pinned events,
// hinted-kind nodes, thread-recent nodes (capped per thread), temporal
// bucket diversity (if a timeRange was given), then app-hint diversity,
// then fill from whatever remains.
func (p *Pipeline) selectAnswerNodes(ranked []*store.ContextNode, filters Filters) []*store.ContextNode {
	picked := make(map[string]bool)
	var out []*store.ContextNode
	add := func(n *store.ContextNode) bool {
		if len(out) >= p.cfg.MaxAnswerNodes || picked[n.ID] {
			return false
		}
		picked[n.ID] = true
		out = append(out, n)
		return true
	}

	for _, n := range ranked {
		if len(out) >= p.cfg.MaxAnswerNodes {
			return out
		}
		if n.Kind == "event" && len(filters.Entities) > 0 && anyEntityMatches(n.Entities, filters.Entities) {
			add(n)
		}
	}

	if filters.KindHint != "" {
		for _, n := range ranked {
			if len(out) >= p.cfg.MaxAnswerNodes {
				return out
			}
			if n.Kind == filters.KindHint {
				add(n)
			}
		}
	}

	perThread := make(map[string]int)
	for _, n := range ranked {
		if len(out) >= p.cfg.MaxAnswerNodes {
			return out
		}
		if n.ThreadID == "" || perThread[n.ThreadID] >= p.cfg.MaxAnswerPerThread {
			continue
		}
		if add(n) {
			perThread[n.ThreadID]++
		}
	}

	if filters.TimeRange != nil {
		bucketed := make(map[int]bool)
		span := filters.TimeRange.To.Sub(filters.TimeRange.From)
		const buckets = 8
		for _, n := range ranked {
			if len(out) >= p.cfg.MaxAnswerNodes {
				return out
			}
			if span <= 0 {
				break
			}
			offset := n.EventTime.Sub(filters.TimeRange.From)
			bucket := int(offset * buckets / span)
			if bucket < 0 || bucket >= buckets || bucketed[bucket] {
				continue
			}
			if add(n) {
				bucketed[bucket] = true
			}
		}
	}

	seenApp := make(map[string]bool)
	for _, n := range ranked {
		if len(out) >= p.cfg.MaxAnswerNodes {
			return out
		}
		key := n.AppContext
		if key == "" || seenApp[key] {
			continue
		}
		if add(n) {
			seenApp[key] = true
		}
	}

	for _, n := range ranked {
		if len(out) >= p.cfg.MaxAnswerNodes {
			break
		}
		add(n)
	}
	return out
}
