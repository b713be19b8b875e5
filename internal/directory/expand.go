package directory

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/directoryd/internal/logging"
)

// frame is one container on the expansion stack with a cursor into its
// direct members.
type frame struct {
	name    string
	members []string
	next    int
}

// ExpandMembers returns the deliverable principals reachable from list.
// Groups and lists are expanded, never emitted; individuals and aliases are
// emitted once each in depth-first, first-reached order. Cycles terminate
// because every container is entered at most once. Members that cannot be
// resolved are skipped.
func (d *Directory) ExpandMembers(ctx context.Context, backend string, list string) ([]*Principal, error) {
	b, err := d.backend(backend)
	if err != nil {
		return nil, err
	}

	root, err := d.FindPrincipal(ctx, b.ID(), ByName, list)
	if err != nil {
		return nil, err
	}
	if !root.Kind.IsContainer() {
		return []*Principal{root}, nil
	}

	rootMembers, err := d.directMembers(ctx, b, root)
	if err != nil {
		return nil, err
	}

	policy := d.policy(b.ID())
	visited := map[string]struct{}{policy.Canonicalize(root.Name): {}}
	stack := []*frame{{name: root.Name, members: rootMembers}}
	var out []*Principal

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		top := stack[len(stack)-1]
		if top.next >= len(top.members) {
			stack = stack[:len(stack)-1]
			continue
		}
		member := top.members[top.next]
		top.next++

		id := policy.Canonicalize(member)
		if id == "" {
			continue
		}
		if _, seen := visited[id]; seen {
			continue
		}

		p, err := d.resolveMember(ctx, b, member)
		if err != nil {
			tflog.SubsystemDebug(ctx, logging.SubsystemDirectory, "Skipping unresolvable member", map[string]any{
				"backend":    b.ID(),
				"container":  top.name,
				"member":     member,
				"error_kind": KindName(err),
			})
			continue
		}

		// a member referenced by email and by name is still one principal
		visited[id] = struct{}{}
		if pid := policy.Canonicalize(p.Name); pid != id {
			if _, seen := visited[pid]; seen {
				continue
			}
			visited[pid] = struct{}{}
		}

		if !p.Kind.IsContainer() {
			out = append(out, p)
			continue
		}

		members, err := d.directMembers(ctx, b, p)
		if err != nil {
			logging.LogBackendError(ctx, logging.SubsystemDirectory, "expand_members", err, map[string]any{
				"backend":   b.ID(),
				"container": p.Name,
			})
			continue
		}
		stack = append(stack, &frame{name: p.Name, members: members})
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemDirectory, "Expanded members", map[string]any{
		"backend": b.ID(),
		"list":    root.Name,
		"count":   len(out),
	})

	return out, nil
}

// resolveMember looks a member up by name, or by email when it looks like
// an address and the backend supports it.
func (d *Directory) resolveMember(ctx context.Context, b Backend, member string) (*Principal, error) {
	p, err := d.FindPrincipal(ctx, b.ID(), ByName, member)
	if err == nil || !IsNotFound(err) {
		return p, err
	}
	if strings.Contains(member, "@") && b.Capabilities().Has(CapLookupByEmail) {
		return d.FindPrincipal(ctx, b.ID(), ByEmail, member)
	}
	return nil, err
}
