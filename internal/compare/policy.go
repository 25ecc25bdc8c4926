package compare

import (
	"fmt"
	"strings"

	"github.com/raysh454/racer/internal/model"
)

// DefaultIgnore are fields that differ between otherwise identical responses.
var DefaultIgnore = []string{"Date", "Expires", "X-Debug-Token", "X-Debug-Token-Link"}

// Policy selects how each field is compared. Field names match
// case-insensitively.
type Policy struct {
	// Ignore lists fields that always match.
	Ignore []string `json:"ignore"`
	// Compare maps a field to the name of a Builtin comparator.
	Compare map[string]string `json:"compare,omitempty"`
	// Custom maps a field to an ad-hoc comparator. It wins over Compare and
	// is not serialized.
	Custom map[string]Comparator `json:"-"`
}

// DefaultPolicy returns a policy ignoring DefaultIgnore.
func DefaultPolicy() *Policy {
	return &Policy{Ignore: append([]string(nil), DefaultIgnore...)}
}

// Clone returns an independent copy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return DefaultPolicy()
	}
	cp := &Policy{Ignore: append([]string(nil), p.Ignore...)}
	if p.Compare != nil {
		cp.Compare = make(map[string]string, len(p.Compare))
		for k, v := range p.Compare {
			cp.Compare[k] = v
		}
	}
	if p.Custom != nil {
		cp.Custom = make(map[string]Comparator, len(p.Custom))
		for k, v := range p.Custom {
			cp.Custom[k] = v
		}
	}
	return cp
}

// IsIgnored reports whether field is in the ignore set.
func (p *Policy) IsIgnored(field string) bool {
	for _, f := range p.Ignore {
		if strings.EqualFold(f, field) {
			return true
		}
	}
	return false
}

// AddIgnored adds field to the ignore set. It fails with ErrDuplicateKey when
// the field is already ignored.
func (p *Policy) AddIgnored(field string) error {
	field = strings.TrimSpace(field)
	if field == "" {
		return fmt.Errorf("ignore field: empty name: %w", model.ErrInvalidArgument)
	}
	if p.IsIgnored(field) {
		return fmt.Errorf("ignore field %q: %w", field, model.ErrDuplicateKey)
	}
	p.Ignore = append(p.Ignore, field)
	return nil
}

// RemoveIgnored drops field from the ignore set.
func (p *Policy) RemoveIgnored(field string) error {
	for i, f := range p.Ignore {
		if strings.EqualFold(f, field) {
			p.Ignore = append(p.Ignore[:i], p.Ignore[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("ignore field %q: %w", field, model.ErrNotFound)
}

// ResetIgnored restores DefaultIgnore.
func (p *Policy) ResetIgnored() {
	p.Ignore = append([]string(nil), DefaultIgnore...)
}

// SetComparator binds field to a Builtin comparator. An empty name unbinds it.
func (p *Policy) SetComparator(field, name string) error {
	if name == "" {
		delete(p.Compare, field)
		return nil
	}
	if _, ok := Builtin[name]; !ok {
		return fmt.Errorf("comparator %q: %w", name, model.ErrNotFound)
	}
	if p.Compare == nil {
		p.Compare = make(map[string]string)
	}
	p.Compare[field] = name
	return nil
}

// IgnoredAmong returns the fields of names that are ignored, in names order.
func (p *Policy) IgnoredAmong(names []string) []string {
	var out []string
	for _, n := range names {
		if p.IsIgnored(n) {
			out = append(out, n)
		}
	}
	return out
}

func (p *Policy) hasComparator(field string) bool {
	return p.comparator(field) != nil
}

func (p *Policy) comparator(field string) Comparator {
	for k, c := range p.Custom {
		if strings.EqualFold(k, field) && c != nil {
			return c
		}
	}
	for k, name := range p.Compare {
		if strings.EqualFold(k, field) {
			if c, ok := Builtin[name]; ok {
				return c
			}
		}
	}
	return nil
}
