package sdbus

// A Filter sees every inbound message before match and object
// dispatch.
type Filter struct {
	handler       MessageHandler
	lastIteration uint64
}

// AddFilter appends a filter to the dispatch pipeline. Filters run
// in registration order; a filter that returns true stops the rest
// of the pipeline for that message.
//
// Filters may be added and removed from within a dispatch callback;
// a filter added mid-dispatch is not offered the message being
// dispatched, and a removed one is not re-invoked.
func (c *Conn) AddFilter(fn MessageHandler) (*Filter, error) {
	if err := c.entry(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errInvalid
	}
	f := &Filter{handler: fn, lastIteration: c.iteration}
	c.filters = append(c.filters, f)
	c.filtersModified = true
	return f, nil
}

// RemoveFilter removes f. It reports whether f was registered.
func (c *Conn) RemoveFilter(f *Filter) bool {
	if c.entry() != nil || f == nil {
		return false
	}
	for i, g := range c.filters {
		if g == f {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			c.filtersModified = true
			return true
		}
	}
	return false
}

// runFilters offers m to every filter at most once for the current
// dispatch iteration. The filter list may be modified by the
// callbacks: the loop then restarts from the head and uses the
// per-filter iteration stamp to skip filters already run.
func (c *Conn) runFilters(m *Message) (bool, error) {
restart:
	c.filtersModified = false
	for _, f := range c.filters {
		if f.lastIteration == c.iteration {
			continue
		}
		f.lastIteration = c.iteration
		handled, err := f.handler(c, m)
		if err != nil || handled {
			return handled, err
		}
		if c.filtersModified {
			goto restart
		}
	}
	return false, nil
}
