package model

// WalkTasks visits every task in a tree depth-first, parents before
// children, stopping at the first error.
func WalkTasks(tasks []TaskInfo, fn func(t TaskInfo, depth int) error) error {
	var walk func([]TaskInfo, int) error
	walk = func(ts []TaskInfo, depth int) error {
		for _, t := range ts {
			if err := fn(t, depth); err != nil {
				return err
			}
			if err := walk(t.Children, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(tasks, 0)
}

// TaskResources returns the resources a task tree needs, in first-seen order.
func TaskResources(t TaskInfo) []string {
	seen := make(map[string]bool)
	var out []string
	_ = WalkTasks([]TaskInfo{t}, func(x TaskInfo, _ int) error {
		for _, r := range x.ResourcesRequired {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
		return nil
	})
	return out
}
