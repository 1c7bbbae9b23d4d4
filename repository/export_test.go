package repository

// ParsedCommits returns how many commits the walk has read.
func (w *RevWalk) ParsedCommits() int {
	return len(w.cache)
}
