package processor

import (
	"sort"
	"time"
)

// changes records the names of fields that actually changed
type changes struct {
	fields []string
}

func (c *changes) mark(name string) {
	c.fields = append(c.fields, name)
}

func (c *changes) empty() bool {
	return len(c.fields) == 0
}

func (c *changes) has(name string) bool {
	for _, f := range c.fields {
		if f == name {
			return true
		}
	}
	return false
}

// setOptional overwrites dst when src is present and different
func setOptional[T comparable](c *changes, name string, dst **T, src *T) {
	if src == nil {
		return
	}
	if *dst != nil && **dst == *src {
		return
	}
	v := *src
	*dst = &v
	c.mark(name)
}

// setValue overwrites a non-pointer field when src is present and different
func setValue[T comparable](c *changes, name string, dst *T, src *T) {
	if src == nil || *dst == *src {
		return
	}
	*dst = *src
	c.mark(name)
}

// setTime compares instants rather than location or monotonic readings
func setTime(c *changes, name string, dst **time.Time, src *time.Time) {
	if src == nil {
		return
	}
	if *dst != nil && (*dst).Equal(*src) {
		return
	}
	v := src.UTC()
	*dst = &v
	c.mark(name)
}

// setLabels replaces the label set when src is present and differs as a set.
// It returns the labels gained and lost, sorted.
func setLabels(c *changes, dst *[]string, src []string) (added, removed []string) {
	if src == nil {
		return nil, nil
	}
	before := map[string]bool{}
	for _, l := range *dst {
		before[l] = true
	}
	after := map[string]bool{}
	for _, l := range src {
		after[l] = true
		if !before[l] {
			added = append(added, l)
		}
	}
	for l := range before {
		if !after[l] {
			removed = append(removed, l)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil, nil
	}
	sort.Strings(added)
	sort.Strings(removed)
	next := append([]string(nil), src...)
	sort.Strings(next)
	*dst = next
	c.mark("labels")
	return added, removed
}

// stale reports whether incoming describes an older revision than stored
func stale(stored, incoming *time.Time) bool {
	return stored != nil && incoming != nil && incoming.Before(*stored)
}
