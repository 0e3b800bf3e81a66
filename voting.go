package numina

import (
	"context"
	"strings"
	"time"
)

// VotingManager fans the message to every active member in parallel and
// aggregates their answers: exact-majority on matching responses, weighted
// length-and-agreement scoring on free text. Partial failures are
// tolerated while a quorum of members still answers.
type VotingManager struct{}

// NewVotingManager returns the voting pattern manager.
func NewVotingManager() *VotingManager { return &VotingManager{} }

// RouteMessage implements GroupManager.
func (m *VotingManager) RouteMessage(ctx context.Context, group *Group, members []AgentWithMembership, msg Message) (<-chan GroupEvent, error) {
	active := activeMembers(members)
	if len(active) == 0 {
		return nil, &ErrValidation{Field: "members", Reason: "group has no active members"}
	}

	quorum := group.Pattern.Quorum
	if quorum <= 0 {
		quorum = len(active)/2 + 1
	}

	out := make(chan GroupEvent, 64)
	go func() {
		defer close(out)
		sendGroupEvent(ctx, out, GroupEvent{Type: GroupStarted, Pattern: string(PatternVoting)})

		type vote struct {
			member AgentWithMembership
			text   string
			err    error
		}

		// Each member's events are forwarded as its turn streams; the
		// shared out channel interleaves members while preserving each
		// member's own order.
		votes := make(chan vote, len(active))
		for _, member := range active {
			go func(member AgentWithMembership) {
				text, err := runMemberTurn(ctx, out, member, msg)
				votes <- vote{member: member, text: text, err: err}
			}(member)
		}

		var answered []vote
		var failed int
		for range active {
			v := <-votes
			if v.err != nil {
				failed++
				continue
			}
			answered = append(answered, v)
		}

		if len(answered) < quorum {
			sendGroupEvent(ctx, out, GroupEvent{
				Type:       GroupError,
				ErrMessage: "quorum not reached",
			})
			return
		}

		var selected []AgentID
		for _, v := range answered {
			selected = append(selected, v.member.Agent.ID())
		}
		texts := make([]string, len(answered))
		for i, v := range answered {
			texts[i] = v.text
		}
		final, method := aggregateVotes(texts)
		sendGroupEvent(ctx, out, GroupEvent{
			Type:   GroupNotice,
			Notice: "vote aggregated by " + method,
		})

		sendGroupEvent(ctx, out, GroupEvent{
			Type: GroupComplete,
			Outcome: &RoutingOutcome{
				SelectedAgents: selected,
				FinalResponse:  final,
				CheckedAt:      time.Now().UTC(),
				ActiveCount:    len(active),
			},
		})
	}()
	return out, nil
}

// UpdateState records the rotation stamp.
func (m *VotingManager) UpdateState(current GroupState, outcome RoutingOutcome) *GroupState {
	next := current
	next.LastRotation = outcome.CheckedAt
	return &next
}

// aggregateVotes picks a final answer: a strict majority of normalized
// answers when one exists, else the answer scoring highest on agreement
// with the rest (token overlap) weighted by substance.
func aggregateVotes(texts []string) (string, string) {
	counts := make(map[string][]int)
	for i, t := range texts {
		key := normalizeVote(t)
		counts[key] = append(counts[key], i)
	}
	for _, idxs := range counts {
		if len(idxs)*2 > len(texts) {
			return texts[idxs[0]], "majority"
		}
	}

	// Weighted score: mean pairwise token overlap, damped by a mild
	// length factor so one-word answers do not win on trivial overlap.
	best, bestScore := 0, -1.0
	for i := range texts {
		var overlap float64
		for j := range texts {
			if i != j {
				overlap += tokenOverlap(texts[i], texts[j])
			}
		}
		if len(texts) > 1 {
			overlap /= float64(len(texts) - 1)
		}
		length := float64(len(strings.Fields(texts[i])))
		if length > 50 {
			length = 50
		}
		score := overlap + length/100
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return texts[best], "weighted-score"
}

func normalizeVote(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// tokenOverlap is the Jaccard similarity of the two answers' token sets.
func tokenOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(f, ".,!?;:")] = true
	}
	return set
}

var _ GroupManager = (*VotingManager)(nil)
