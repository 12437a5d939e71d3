package progress

// Aggregator rolls child completions up into the summary bar of the same
// request. Because the Store latches completion, a child reports completed at
// most once, so the summary advances exactly once per child.
type Aggregator struct {
	store *Store
}

// NewAggregator binds an aggregator to the store it updates.
func NewAggregator(store *Store) *Aggregator {
	return &Aggregator{store: store}
}

// Observe inspects a bar update and returns the summary update it causes, if
// any. Only the update that latched a child's completion advances the summary.
func (a *Aggregator) Observe(u Update) (Update, bool) {
	if !u.Completed || u.Bar.Summary {
		return Update{}, false
	}
	return a.store.incrementSummary(u.Bar.RequestID)
}
