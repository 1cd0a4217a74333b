package vars

import (
	"fmt"
	"strings"
)

// Wildcard is the path segment that marks a repeatable name: every variable
// put under a repeatable name is kept, in registration order, instead of
// replacing the previous one.
const Wildcard = "*"

// Name is an immutable dotted variable path such as "deploy.ports.*".
// Names are comparable and can be used as map keys.
type Name struct {
	path string
}

// ParseName parses a dotted path. Surrounding whitespace is ignored.
func ParseName(s string) Name {
	return Name{path: strings.TrimSpace(s)}
}

// NewName joins the given segments into a name.
func NewName(segments ...string) Name {
	return Name{path: strings.Join(segments, ".")}
}

// ValidateName reports whether s is a well-formed dotted path.
func ValidateName(s string) error {
	if s == "" {
		return fmt.Errorf("variable name is empty")
	}
	for i, seg := range strings.Split(s, ".") {
		if seg == "" {
			return fmt.Errorf("variable name %q has an empty segment at position %d", s, i)
		}
		if seg == Wildcard && i != strings.Count(s, ".") {
			return fmt.Errorf("variable name %q uses %q before the last segment", s, Wildcard)
		}
	}
	return nil
}

// Repeatable returns the repeatable form of n (n.*).
func Repeatable(n Name) Name {
	if n.IsRepeatable() {
		return n
	}
	return n.Child(Wildcard)
}

func (n Name) String() string { return n.path }

// IsZero reports whether n is the empty name.
func (n Name) IsZero() bool { return n.path == "" }

// Segments returns a fresh slice of the path segments.
func (n Name) Segments() []string {
	if n.path == "" {
		return nil
	}
	return strings.Split(n.path, ".")
}

// Child returns n extended by one segment.
func (n Name) Child(segment string) Name {
	if n.path == "" {
		return Name{path: segment}
	}
	return Name{path: n.path + "." + segment}
}

// Join returns n extended by every segment of other.
func (n Name) Join(other Name) Name {
	switch {
	case other.path == "":
		return n
	case n.path == "":
		return other
	}
	return Name{path: n.path + "." + other.path}
}

// Parent drops the last segment. The parent of a single-segment name is the
// zero name.
func (n Name) Parent() Name {
	i := strings.LastIndexByte(n.path, '.')
	if i < 0 {
		return Name{}
	}
	return Name{path: n.path[:i]}
}

// Last returns the last path segment.
func (n Name) Last() string {
	i := strings.LastIndexByte(n.path, '.')
	return n.path[i+1:]
}

// IsRepeatable reports whether the last segment is the wildcard marker.
func (n Name) IsRepeatable() bool {
	return n.path == Wildcard || strings.HasSuffix(n.path, "."+Wildcard)
}

// Base strips the wildcard segment from a repeatable name.
func (n Name) Base() Name {
	if !n.IsRepeatable() {
		return n
	}
	return n.Parent()
}

// HasPrefix reports whether prefix is n or one of its ancestors.
func (n Name) HasPrefix(prefix Name) bool {
	if prefix.path == "" || n.path == prefix.path {
		return true
	}
	return strings.HasPrefix(n.path, prefix.path+".")
}
