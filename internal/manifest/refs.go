package manifest

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// parseRef extracts "<kind>.<label>" from a traversal rooted at dependency
// or artifact.
func parseRef(traversal hcl.Traversal) (string, bool) {
	if len(traversal) < 2 {
		return "", false
	}
	root := traversal.RootName()
	if root != KindDependency && root != KindArtifact {
		return "", false
	}
	attr, ok := traversal[1].(hcl.TraverseAttr)
	if !ok {
		return "", false
	}
	return root + "." + attr.Name, true
}

// references collects the steps named by traversals in exprs. Evaluation has
// already rejected unknown names, so a miss here means the reference points
// at a block kind that is not visible from this one.
func (l *loader) references(exprs ...hcl.Expression) ([]string, error) {
	var deps []string
	seen := make(map[string]bool)
	for _, expr := range exprs {
		for _, traversal := range expr.Variables() {
			ref, ok := parseRef(traversal)
			if !ok {
				continue
			}
			if !l.seen[ref] {
				return nil, fmt.Errorf("reference to undeclared %s", ref)
			}
			if !seen[ref] {
				seen[ref] = true
				deps = append(deps, ref)
			}
		}
	}
	return deps, nil
}
