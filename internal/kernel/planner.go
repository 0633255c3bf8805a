package kernel

import (
	"context"
	"regexp"
	"strings"
)

// PlanKind identifies the shape of an executable plan.
type PlanKind string

const CrossJoinCount PlanKind = "cross_join_count"

// Plan is the planner's output: the kind plus resolved input tables.
type Plan struct {
	Kind   PlanKind
	Tables []Table
}

var (
	countRe = regexp.MustCompile(`(?is)^\s*select\s+count\(\s*(?:1|\*)\s*\)\s+from\s+(.+?)\s*;?\s*$`)
	identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Planner turns query text into a Plan using table metadata from a Catalog.
// It understands one statement shape: a count over a cross join of
// catalog tables, e.g. SELECT count(1) FROM t_large t1, t_large t2;
type Planner struct {
	catalog Catalog
}

func NewPlanner(c Catalog) *Planner {
	return &Planner{catalog: c}
}

func (p *Planner) Plan(ctx context.Context, query string) (*Plan, error) {
	m := countRe.FindStringSubmatch(query)
	if m == nil {
		return nil, errorf("plan", "unsupported statement: %q", strings.TrimSpace(query))
	}

	names, err := parseFromList(m[1])
	if err != nil {
		return nil, err
	}

	plan := &Plan{Kind: CrossJoinCount}
	for _, name := range names {
		t, err := p.catalog.Table(ctx, name)
		if err != nil {
			return nil, err
		}
		plan.Tables = append(plan.Tables, t)
	}
	return plan, nil
}

// parseFromList accepts "t1 [alias], t2 [AS alias], ..." and returns the table names.
func parseFromList(list string) ([]string, error) {
	var names []string
	for _, item := range strings.Split(list, ",") {
		fields := strings.Fields(item)
		switch {
		case len(fields) == 1:
		case len(fields) == 2 && identRe.MatchString(fields[1]):
		case len(fields) == 3 && strings.EqualFold(fields[1], "as") && identRe.MatchString(fields[2]):
		default:
			return nil, errorf("plan", "malformed FROM item %q", strings.TrimSpace(item))
		}
		if !identRe.MatchString(fields[0]) {
			return nil, errorf("plan", "invalid table name %q", fields[0])
		}
		names = append(names, fields[0])
	}
	return names, nil
}
