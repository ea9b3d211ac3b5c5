package tree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxIndex bounds array indices in paths so a single write cannot allocate
// an arbitrarily large array.
const MaxIndex = 1 << 16

var (
	// ErrInvalidPath is returned for empty or malformed paths.
	ErrInvalidPath = errors.New("invalid variable path")
	// ErrUnsafePath is returned for paths that address an object prototype.
	ErrUnsafePath = errors.New("unsafe variable path")
)

var unsafeSegments = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Segment is one step of a Path: a field name or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Name returns the segment as an object key.
func (s Segment) Name() string {
	if s.IsIndex {
		return strconv.Itoa(s.Index)
	}
	return s.Key
}

// Path addresses a location inside a tree.
type Path []Segment

// ParsePath parses dot/bracket notation such as users[alice].stats.hp,
// list[0] or $chatlog["general"]. A leading $ is ignored. Every segment is
// checked against the prototype pollution guard.
func ParsePath(raw string) (Path, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	var path Path
	i := 0
	expectSegment := true
	for i < len(s) {
		switch s[i] {
		case '.':
			if expectSegment {
				return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, raw)
			}
			expectSegment = true
			i++
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated bracket in %q", ErrInvalidPath, raw)
			}
			seg, err := bracketSegment(s[i+1 : i+end])
			if err != nil {
				return nil, fmt.Errorf("%w in %q", err, raw)
			}
			path = append(path, seg)
			expectSegment = false
			i += end + 1
		case ']':
			return nil, fmt.Errorf("%w: unexpected ] in %q", ErrInvalidPath, raw)
		default:
			if !expectSegment {
				return nil, fmt.Errorf("%w: missing separator in %q", ErrInvalidPath, raw)
			}
			end := strings.IndexAny(s[i:], ".[]")
			if end < 0 {
				end = len(s) - i
			}
			seg, err := plainSegment(s[i : i+end])
			if err != nil {
				return nil, fmt.Errorf("%w in %q", err, raw)
			}
			path = append(path, seg)
			expectSegment = false
			i += end
		}
	}
	if expectSegment {
		return nil, fmt.Errorf("%w: trailing separator in %q", ErrInvalidPath, raw)
	}

	return path, nil
}

// MustParsePath is ParsePath for literals known to be valid.
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func bracketSegment(inner string) (Segment, error) {
	inner = strings.TrimSpace(inner)
	if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
		return keySegment(inner[1 : len(inner)-1])
	}
	return plainSegment(inner)
}

func plainSegment(name string) (Segment, error) {
	if name == "" {
		return Segment{}, fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	if isDigits(name) {
		idx, err := strconv.Atoi(name)
		if err != nil || idx > MaxIndex {
			return Segment{}, fmt.Errorf("%w: index %s out of range", ErrInvalidPath, name)
		}
		return Segment{Index: idx, IsIndex: true}, nil
	}
	return keySegment(name)
}

func keySegment(key string) (Segment, error) {
	if key == "" {
		return Segment{}, fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	if _, ok := unsafeSegments[key]; ok {
		return Segment{}, fmt.Errorf("%w: segment %q", ErrUnsafePath, key)
	}
	return Segment{Key: key}, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// ValidateKey applies the pollution guard to a single object key, as found in
// an incoming diff.
func ValidateKey(key string) error {
	if _, ok := unsafeSegments[key]; ok {
		return fmt.Errorf("%w: key %q", ErrUnsafePath, key)
	}
	return nil
}

// ValidateKeys walks every object key in v and applies the pollution guard.
func ValidateKeys(v Value) error {
	switch v.kind {
	case KindObject:
		for k, f := range v.obj {
			if err := ValidateKey(k); err != nil {
				return err
			}
			if err := ValidateKeys(f); err != nil {
				return err
			}
		}
	case KindArray:
		for _, item := range v.arr {
			if err := ValidateKeys(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// String renders the canonical form of the path, e.g. users.alice.items[0].
func (p Path) String() string {
	var b strings.Builder
	for i, seg := range p {
		switch {
		case seg.IsIndex:
			b.WriteString("[")
			b.WriteString(strconv.Itoa(seg.Index))
			b.WriteString("]")
		case strings.ContainsAny(seg.Key, ".[]"):
			b.WriteString("[")
			b.WriteString(strconv.Quote(seg.Key))
			b.WriteString("]")
		default:
			if i > 0 {
				b.WriteString(".")
			}
			b.WriteString(seg.Key)
		}
	}
	return b.String()
}

// Root returns the name of the first segment.
func (p Path) Root() string {
	if len(p) == 0 {
		return ""
	}
	return p[0].Name()
}

// HasPrefix reports whether prefix addresses p or one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if prefix[i].Name() != p[i].Name() {
			return false
		}
	}
	return true
}
