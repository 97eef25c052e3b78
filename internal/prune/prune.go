// Package prune decides which cache namespaces to delete and applies that
// decision. The retention unit is the namespace (project+job), not env_id.
package prune

import (
	"context"
	"sort"
	"time"

	"github.com/sourceplane/podci/internal/model"
)

// Policy controls retention
type Policy struct {
	// Keep is how many of the newest namespaces are always retained.
	Keep int
	// OlderThan, when non-zero, narrows deletion to namespaces whose newest
	// volume is older than Now-OlderThan.
	OlderThan time.Duration
	Now       time.Time
}

// Group is one namespace and its volumes
type Group struct {
	Namespace string
	// Newest is the representative timestamp: the latest created_at among
	// the namespace's volumes.
	Newest  time.Time
	Volumes []string
	Delete  bool
}

// Plan is the full retention decision, newest namespace first
type Plan struct {
	Policy Policy
	Groups []Group
}

// Deleting returns the groups marked for deletion.
func (p Plan) Deleting() []Group {
	var out []Group
	for _, g := range p.Groups {
		if g.Delete {
			out = append(out, g)
		}
	}
	return out
}

// Volumes lists every volume to delete, sorted by name.
func (p Plan) Volumes() []string {
	var out []string
	for _, g := range p.Deleting() {
		out = append(out, g.Volumes...)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether nothing would be deleted.
func (p Plan) Empty() bool {
	return len(p.Deleting()) == 0
}

// Compute groups managed volumes by namespace and marks the ones the policy
// lets go. It never mutates anything. Volumes without a created_at count as
// created at policy.Now, so unknown ages are never pruned by age.
func Compute(vols []model.CacheVolume, policy Policy) Plan {
	if policy.Now.IsZero() {
		policy.Now = time.Now()
	}
	if policy.Keep < 0 {
		policy.Keep = 0
	}

	byNS := make(map[string]*Group)
	for _, v := range vols {
		if !v.Managed || v.Namespace == "" {
			continue
		}
		g, ok := byNS[v.Namespace]
		if !ok {
			g = &Group{Namespace: v.Namespace}
			byNS[v.Namespace] = g
		}
		created := v.CreatedAt
		if created.IsZero() {
			created = policy.Now
		}
		if created.After(g.Newest) {
			g.Newest = created
		}
		g.Volumes = append(g.Volumes, v.Name)
	}

	groups := make([]Group, 0, len(byNS))
	for _, g := range byNS {
		sort.Strings(g.Volumes)
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].Newest.Equal(groups[j].Newest) {
			return groups[i].Newest.After(groups[j].Newest)
		}
		return groups[i].Namespace < groups[j].Namespace
	})

	var cutoff time.Time
	if policy.OlderThan > 0 {
		cutoff = policy.Now.Add(-policy.OlderThan)
	}
	for i := range groups {
		if i < policy.Keep {
			continue
		}
		if !cutoff.IsZero() && !groups[i].Newest.Before(cutoff) {
			continue
		}
		groups[i].Delete = true
	}

	return Plan{Policy: policy, Groups: groups}
}

// Status is the result of deleting one volume
type Status string

const (
	StatusDeleted       Status = "deleted"
	StatusAlreadyAbsent Status = "already-absent"
	StatusError         Status = "error"
)

// Outcome reports what happened to one planned volume
type Outcome struct {
	Volume    string
	Namespace string
	Status    Status
	Err       error
}

// Remover deletes a volume, reporting removed=false when it was absent
type Remover interface {
	RemoveVolume(ctx context.Context, name string) (bool, error)
}

// Apply deletes exactly the planned volumes. A failure on one volume is
// recorded and the batch continues.
func Apply(ctx context.Context, r Remover, plan Plan) []Outcome {
	var out []Outcome
	for _, g := range plan.Deleting() {
		for _, name := range g.Volumes {
			o := Outcome{Volume: name, Namespace: g.Namespace}
			if err := ctx.Err(); err != nil {
				o.Status, o.Err = StatusError, err
				out = append(out, o)
				continue
			}
			removed, err := r.RemoveVolume(ctx, name)
			switch {
			case err != nil:
				o.Status, o.Err = StatusError, err
			case removed:
				o.Status = StatusDeleted
			default:
				o.Status = StatusAlreadyAbsent
			}
			out = append(out, o)
		}
	}
	return out
}

// Failed returns the outcomes that ended in error.
func Failed(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if o.Status == StatusError {
			out = append(out, o)
		}
	}
	return out
}
