package runner

func (r *Runner[T1, T2, R]) addResult(v R) {
	r.resMu.Lock()
	r.results = append(r.results, v)
	r.resMu.Unlock()
}

// Results returns a point-in-time copy of the collected values. Values from
// concurrent invocations appear in no particular order.
func (r *Runner[T1, T2, R]) Results() []R {
	r.resMu.Lock()
	defer r.resMu.Unlock()
	out := make([]R, len(r.results))
	copy(out, r.results)
	return out
}

// ResultsAny is Results with the values boxed.
func (r *Runner[T1, T2, R]) ResultsAny() []any {
	r.resMu.Lock()
	defer r.resMu.Unlock()
	out := make([]any, len(r.results))
	for i, v := range r.results {
		out[i] = v
	}
	return out
}

func (r *Runner[T1, T2, R]) ClearResults() {
	r.resMu.Lock()
	r.results = nil
	r.resMu.Unlock()
}

// ProducesResults reports whether the runner was built with a result-returning callable.
func (r *Runner[T1, T2, R]) ProducesResults() bool { return r.collect }
