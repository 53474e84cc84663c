package pipeline

// BarrierCoordinator decides when a parallel group has joined and claims the
// join so that the group's next stage is released once per run.
//
// The claim is the joinClaimed flag on the document. It is only ever set inside
// a revision-guarded write, so of two invocations that both observe the join
// exactly one can persist the claim; the loser reloads, sees the flag and
// stops.
type BarrierCoordinator struct {
	registry *Registry
}

func NewBarrierCoordinator(registry *Registry) *BarrierCoordinator {
	return &BarrierCoordinator{registry: registry}
}

// Joined reports whether every member of the group has a recorded output.
func (b *BarrierCoordinator) Joined(doc *Document, groupID string) bool {
	members := b.registry.Members(groupID)
	if len(members) == 0 {
		return false
	}
	for _, m := range members {
		if !doc.HasOutput(m) {
			return false
		}
	}
	return true
}

// Missing returns the members of the group that have not completed yet.
func (b *BarrierCoordinator) Missing(doc *Document, groupID string) []string {
	var out []string
	for _, m := range b.registry.Members(groupID) {
		if !doc.HasOutput(m) {
			out = append(out, m)
		}
	}
	return out
}

// Claim sets the join flag on doc when the group has joined and nobody has
// claimed it yet. It reports whether this call made the claim; doc must then be
// persisted with a revision guard before the released stage is dispatched.
func (b *BarrierCoordinator) Claim(doc *Document, groupID string) bool {
	if doc.JoinClaimed[groupID] || !b.Joined(doc, groupID) {
		return false
	}
	if doc.JoinClaimed == nil {
		doc.JoinClaimed = make(map[string]bool)
	}
	doc.JoinClaimed[groupID] = true
	return true
}

// Unclaimed returns the groups that have joined but were never claimed, in
// registry order. A healthy run has none; they are left behind when a run was
// interrupted between recording the last member output and releasing the join.
func (b *BarrierCoordinator) Unclaimed(doc *Document) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range b.registry.Stages() {
		if s.Group == "" || seen[s.Group] {
			continue
		}
		seen[s.Group] = true
		if !doc.JoinClaimed[s.Group] && b.Joined(doc, s.Group) {
			out = append(out, s.Group)
		}
	}
	return out
}
